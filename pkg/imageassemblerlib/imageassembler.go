// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

// Package imageassemblerlib implements the image assembly and integrity
// pipeline: it transforms a built OS disk image into a patched, verity
// protected, optionally re-signed, validated, and packaged artifact bundle.
package imageassemblerlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"github.com/substrate-os/image-assembly-tools/internal/diskinfo"
	"github.com/substrate-os/image-assembly-tools/internal/file"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

const ToolVersion = "1.2.0"

// AssemblerOptions configures one pipeline invocation. The editor and
// backend fields are injectable capabilities; they default to the shell tool
// based implementations.
type AssemblerOptions struct {
	// BuildDir is where the private scratch workspace is created.
	BuildDir string

	// Config is the validated invocation configuration.
	Config *imageassemblerapi.Config

	// BuildId tags the output directory and artifact names. A fresh id is
	// generated when empty.
	BuildId string

	// FsEditor edits ext filesystem working images offline.
	FsEditor FsEditor

	// FatEditor edits the FAT EFI system partition image offline.
	FatEditor FatEditor

	// SigningBackend signs boot chain components under secure boot.
	SigningBackend SigningBackend

	// Owner is the fixed account output artifacts are chowned to.
	Owner *OutputOwner
}

// AssembleImageWithConfigFile runs the pipeline with a config file path.
func AssembleImageWithConfigFile(ctx context.Context, buildDir string, configFile string) error {
	config, err := imageassemblerapi.ParseConfigFile(configFile)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInvalidConfig, err)
	}

	return AssembleImage(ctx, AssemblerOptions{
		BuildDir: buildDir,
		Config:   config,
	})
}

// AssembleImage runs the full pipeline: reconcile, stage, patch, build the
// integrity tree, optionally sign, write back, validate, and package. The
// stages are strictly sequential; the only skippable stage is signing, which
// is config-gated. Every failure is fatal and aborts the invocation; the
// scratch workspace is released on every exit path.
func AssembleImage(ctx context.Context, options AssemblerOptions) error {
	config := options.Config
	if config == nil {
		return wrapError(ErrInvalidConfig, "no configuration provided")
	}
	err := config.IsValid()
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInvalidConfig, err)
	}

	buildId := options.BuildId
	if buildId == "" {
		buildId = strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	editor := options.FsEditor
	if editor == nil {
		editor = NewDebugfsEditor()
	}
	fatEditor := options.FatEditor
	if fatEditor == nil {
		fatEditor = NewMtoolsEditor()
	}
	backend := options.SigningBackend
	if backend == nil && config.SecureBoot {
		backend = NewShellSigningBackend(config.SigningKeyDir)
	}
	owner := OutputOwner{}
	if options.Owner != nil {
		owner = *options.Owner
	}

	plan, err := imageassemblerapi.LoadPartitionPlanFile(config.PartitionPlanFile)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInvalidConfig, err)
	}

	sourceImage := filepath.Join(config.Input.Dir, config.Input.OsImage)
	sourceExists, err := file.IsFile(sourceImage)
	if err != nil {
		return err
	}
	if !sourceExists {
		return wrapError(ErrInvalidConfig, "source OS image (%s) not found", sourceImage)
	}
	err = checkImageSize(sourceImage, config.OsImageSize, "osImageSize")
	if err != nil {
		return err
	}

	dataImage := ""
	if config.Input.DataImage != "" {
		dataImage = filepath.Join(config.Input.Dir, config.Input.DataImage)
		dataExists, err := file.IsFile(dataImage)
		if err != nil {
			return err
		}
		if !dataExists {
			return wrapError(ErrInvalidConfig, "data image (%s) not found", dataImage)
		}
		err = checkImageSize(dataImage, config.DataImageSize, "dataImageSize")
		if err != nil {
			return err
		}
	}

	logger.Log.Infof("Assembling image (%s), version (%s), build (%s)", config.Input.OsImage,
		config.Version, buildId)

	ws, err := NewWorkspace(options.BuildDir)
	if err != nil {
		return err
	}
	defer ws.Release()

	// The pipeline owns its own copy of the disk image; the layout writer
	// mutates it in place.
	diskImage := ws.Path("disk.img")
	err = file.Copy(sourceImage, diskImage)
	if err != nil {
		return err
	}

	layout, err := diskinfo.ReadLayout(diskImage)
	if err != nil {
		return err
	}
	err = reconcileLayout(plan, layout)
	if err != nil {
		return err
	}

	staged, err := stagePartitions(ctx, ws, diskImage, plan, config, editor)
	if err != nil {
		return err
	}
	err = checkOsRelease(ctx, staged, editor, config.Version)
	if err != nil {
		return err
	}

	rootEntry, err := planEntry(plan, rootPartition)
	if err != nil {
		return err
	}
	err = patchRootContent(ctx, staged, editor, rootEntry.SizeBytes())
	if err != nil {
		return err
	}

	hashEntry, err := planEntry(plan, hashPartition)
	if err != nil {
		return err
	}
	verityImage := ws.Path("verity.img")
	descriptor, err := buildVerityTree(staged.RootImage, verityImage, newVeritySalt(), hashEntry.SizeBytes())
	if err != nil {
		return err
	}

	bootConfigHostPath, bootConfigOverlay, err := patchBootConfig(ctx, ws, staged, editor, descriptor)
	if err != nil {
		return err
	}

	bootOverlays := []overlay{bootConfigOverlay}
	if config.SecureBoot {
		chainOverlays, err := signSecureBootChain(ctx, ws, staged, editor, fatEditor, backend, bootConfigHostPath)
		if err != nil {
			return err
		}
		bootOverlays = append(bootOverlays, chainOverlays...)
	}

	err = applyBootOverlays(ctx, staged, editor, bootOverlays)
	if err != nil {
		return err
	}

	err = writeFinalizedImages(diskImage, plan, staged, verityImage, config.SecureBoot)
	if err != nil {
		return err
	}
	err = validateDiskImage(diskImage)
	if err != nil {
		return err
	}

	return packageOutputs(ctx, config, buildId, diskImage, dataImage, staged, verityImage, owner)
}

// checkImageSize cross-checks a source image against its declared size
// before any of its contents are read.
func checkImageSize(path string, declared imageassemblerapi.DiskSize, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat (%s):\n%w", path, err)
	}
	if info.Size() != int64(declared) {
		return wrapError(ErrInvalidConfig, "image (%s) size (%d) does not match %s (%s)",
			path, info.Size(), field, declared.String())
	}
	return nil
}

// writeFinalizedImages writes every finalized working image back at its
// reconciled offset.
func writeFinalizedImages(diskImage string, plan *imageassemblerapi.PartitionPlan,
	staged *stagedImages, verityImage string, secureBoot bool,
) error {
	logger.Log.Infof("Writing finalized images back into disk image")

	writes := []struct {
		partition string
		source    string
	}{
		{rootPartition, staged.RootImage},
		{hashPartition, verityImage},
		{bootPartition, staged.BootImage},
	}
	if secureBoot {
		writes = append(writes, struct {
			partition string
			source    string
		}{efiPartition, staged.EfiImage})
	}

	for _, write := range writes {
		entry, err := planEntry(plan, write.partition)
		if err != nil {
			return err
		}
		err = writeWorkingImage(diskImage, write.source, entry)
		if err != nil {
			return err
		}
	}

	return nil
}
