// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
	"github.com/substrate-os/image-assembly-tools/internal/shell"
)

// completionMarker is written last; a versioned output directory without it
// must be treated as incomplete by consumers.
const completionMarker = ".complete"

// outputManifest records what one assembly run produced.
type outputManifest struct {
	Version   string   `json:"version"`
	BuildId   string   `json:"buildId"`
	Format    string   `json:"format"`
	Artifacts []string `json:"artifacts"`
}

// packageOutputs produces the requested artifact formats from the finished
// disk image(s) into a versioned output directory, along with the standalone
// boot, root, and integrity-tree artifacts, canonical symlinks, a manifest,
// and the completion marker.
func packageOutputs(ctx context.Context, config *imageassemblerapi.Config, buildId string,
	osImage string, dataImage string, staged *stagedImages, verityImage string,
	owner OutputOwner,
) error {
	logger.Log.Infof("Packaging output artifacts")

	outDir := filepath.Join(config.Output.Dir, config.Version+"-"+buildId)
	err := os.MkdirAll(outDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create output directory (%s):\n%w", outDir, err)
	}

	baseName := strings.TrimSuffix(config.Input.OsImage, filepath.Ext(config.Input.OsImage))
	versionedName := fmt.Sprintf("%s-%s-%s", baseName, config.Version, buildId)
	compression := config.Output.Compression

	manifest := outputManifest{
		Version: config.Version,
		BuildId: buildId,
		Format:  string(config.Output.Format),
	}

	primary, err := packagePrimaryArtifact(ctx, config, outDir, versionedName, osImage, dataImage)
	if err != nil {
		return err
	}
	manifest.Artifacts = append(manifest.Artifacts, primary...)

	// The boot, integrity-tree, and root images are always published
	// standalone, for consumers that update partitions individually.
	auxiliary := []struct {
		source string
		role   string
	}{
		{staged.BootImage, "boot"},
		{verityImage, "verity"},
		{staged.RootImage, "root"},
	}
	for _, artifact := range auxiliary {
		name := fmt.Sprintf("%s-%s.img.%s", versionedName, artifact.role, compressionSuffix(compression))
		dest := filepath.Join(outDir, name)
		err = compressFile(artifact.source, dest, compression)
		if err != nil {
			return fmt.Errorf("%w: %s artifact:\n%w", ErrPackaging, artifact.role, err)
		}

		canonical := fmt.Sprintf("%s-%s.img.%s", baseName, artifact.role, compressionSuffix(compression))
		err = symlinkCanonical(outDir, name, canonical)
		if err != nil {
			return err
		}
		manifest.Artifacts = append(manifest.Artifacts, name)
	}

	err = writeManifestAndMarker(outDir, manifest)
	if err != nil {
		return err
	}

	err = normalizeOwnership(outDir, owner)
	if err != nil {
		return err
	}

	logger.Log.Infof("Output bundle complete: %s", outDir)
	return nil
}

// packagePrimaryArtifact produces the primary artifact(s) for the requested
// output format and their canonical symlinks.
func packagePrimaryArtifact(ctx context.Context, config *imageassemblerapi.Config, outDir string,
	versionedName string, osImage string, dataImage string,
) ([]string, error) {
	baseName := strings.TrimSuffix(config.Input.OsImage, filepath.Ext(config.Input.OsImage))
	compression := config.Output.Compression

	switch config.Output.Format {
	case imageassemblerapi.OutputFormatTypeRaw, imageassemblerapi.OutputFormatTypeQcow2:
		ext := "img"
		osSource := osImage
		dataSource := dataImage
		if config.Output.Format == imageassemblerapi.OutputFormatTypeQcow2 {
			ext = "qcow2"
			converted := filepath.Join(outDir, versionedName+".qcow2.tmp")
			err := convertImage(ctx, osImage, converted, "qcow2")
			if err != nil {
				return nil, err
			}
			defer os.Remove(converted)
			osSource = converted

			if dataImage != "" {
				dataConverted := filepath.Join(outDir, versionedName+"-data.qcow2.tmp")
				err = convertImage(ctx, dataImage, dataConverted, "qcow2")
				if err != nil {
					return nil, err
				}
				defer os.Remove(dataConverted)
				dataSource = dataConverted
			}
		}

		name := fmt.Sprintf("%s.%s.%s", versionedName, ext, compressionSuffix(compression))
		err := compressFile(osSource, filepath.Join(outDir, name), compression)
		if err != nil {
			return nil, fmt.Errorf("%w: primary artifact:\n%w", ErrPackaging, err)
		}

		canonical := fmt.Sprintf("%s.%s.%s", baseName, ext, compressionSuffix(compression))
		err = symlinkCanonical(outDir, name, canonical)
		if err != nil {
			return nil, err
		}
		artifacts := []string{name}

		if dataSource != "" {
			dataName := fmt.Sprintf("%s-data.%s.%s", versionedName, ext, compressionSuffix(compression))
			err = compressFile(dataSource, filepath.Join(outDir, dataName), compression)
			if err != nil {
				return nil, fmt.Errorf("%w: data artifact:\n%w", ErrPackaging, err)
			}

			dataCanonical := fmt.Sprintf("%s-data.%s.%s", baseName, ext, compressionSuffix(compression))
			err = symlinkCanonical(outDir, dataName, dataCanonical)
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, dataName)
		}

		return artifacts, nil

	case imageassemblerapi.OutputFormatTypeVmdk:
		osVmdk := filepath.Join(outDir, versionedName+".vmdk")
		err := convertImage(ctx, osImage, osVmdk, "vmdk")
		if err != nil {
			return nil, err
		}
		err = symlinkCanonical(outDir, filepath.Base(osVmdk), baseName+".vmdk")
		if err != nil {
			return nil, err
		}

		dataVmdk := ""
		if dataImage != "" {
			dataVmdk = filepath.Join(outDir, versionedName+"-data.vmdk")
			err = convertImage(ctx, dataImage, dataVmdk, "vmdk")
			if err != nil {
				return nil, err
			}
			err = symlinkCanonical(outDir, filepath.Base(dataVmdk), baseName+"-data.vmdk")
			if err != nil {
				return nil, err
			}
		}

		bundle, err := buildApplianceBundle(config, outDir, versionedName, osVmdk, dataVmdk)
		if err != nil {
			return nil, err
		}

		err = symlinkCanonical(outDir, filepath.Base(bundle), baseName+".ova")
		if err != nil {
			return nil, err
		}

		artifacts := []string{filepath.Base(osVmdk), filepath.Base(bundle)}
		if dataVmdk != "" {
			artifacts = append(artifacts, filepath.Base(dataVmdk))
		}
		return artifacts, nil

	default:
		return nil, wrapError(ErrPackaging, "unsupported output format (%s)", config.Output.Format)
	}
}

// convertImage converts a raw disk image to the given qemu output format.
func convertImage(ctx context.Context, src string, dst string, format string) error {
	args := []string{"convert", "-O", format}
	if format == "vmdk" {
		args = append(args, "-o", "subformat=streamOptimized")
	}
	args = append(args, src, dst)

	err := shell.ExecuteLive(ctx, true, "qemu-img", args...)
	if err != nil {
		return fmt.Errorf("%w: conversion to %s:\n%w", ErrPackaging, format, err)
	}

	return nil
}

// symlinkCanonical creates (or replaces) the stable canonical-name alias for
// a versioned artifact.
func symlinkCanonical(outDir string, target string, linkName string) error {
	linkPath := filepath.Join(outDir, linkName)
	err := os.Remove(linkPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace symlink (%s):\n%w", linkPath, err)
	}

	err = os.Symlink(target, linkPath)
	if err != nil {
		return fmt.Errorf("failed to create symlink (%s):\n%w", linkPath, err)
	}

	return nil
}

// writeManifestAndMarker writes the output manifest and then the completion
// marker, both atomically. The marker is last: its presence guarantees the
// directory is fully populated.
func writeManifestAndMarker(outDir string, manifest outputManifest) error {
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	err = renameio.WriteFile(filepath.Join(outDir, "manifest.json"), manifestData, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write output manifest:\n%w", err)
	}

	err = renameio.WriteFile(filepath.Join(outDir, completionMarker), []byte{}, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write completion marker:\n%w", err)
	}

	return nil
}

// OutputOwner is the account artifacts are chowned to, so consumers outside
// the build's user namespace can read them.
type OutputOwner struct {
	Uid int
	Gid int
}

// normalizeOwnership recursively chowns every artifact in the output
// directory to the fixed output account.
func normalizeOwnership(outDir string, owner OutputOwner) error {
	return filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		err = os.Lchown(path, owner.Uid, owner.Gid)
		if err != nil {
			return fmt.Errorf("failed to chown (%s):\n%w", path, err)
		}
		return nil
	})
}
