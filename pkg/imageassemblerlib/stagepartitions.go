// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"github.com/substrate-os/image-assembly-tools/internal/file"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
	"golang.org/x/sys/unix"
)

// Partition labels operated on by the pipeline. The in-place-update plan
// variant relocates these partitions but keeps their labels.
const (
	rootPartition = "ROOT-A"
	bootPartition = "BOOT-A"
	efiPartition  = "EFI-A"
	hashPartition = "HASH-A"
)

// Input artifacts located in the caller-supplied input directory.
const (
	caBundleArtifact  = "ca-bundle.crt"
	trustRootArtifact = "root.json"
)

// stagedImages holds the per-role working images extracted from the source
// disk image, plus the extracted root tree when that mode is selected.
type stagedImages struct {
	RootImage string
	BootImage string

	// EfiImage is only staged under secure boot.
	EfiImage string

	// RootTree is only populated in extracted-tree root mode.
	RootTree string

	// CaBundle and TrustRoot are the staged copies of the per-variant
	// input artifacts.
	CaBundle  string
	TrustRoot string
}

// stagePartitions extracts the boot, root, and (under secure boot) EFI
// partition byte ranges into independent working images in the workspace.
func stagePartitions(ctx context.Context, ws *Workspace, osImagePath string,
	plan *imageassemblerapi.PartitionPlan, config *imageassemblerapi.Config, editor FsEditor,
) (*stagedImages, error) {
	logger.Log.Infof("Staging working images")

	staged := &stagedImages{}

	rootEntry, err := planEntry(plan, rootPartition)
	if err != nil {
		return nil, err
	}
	staged.RootImage = ws.Path("root.img")
	err = copyByteRange(osImagePath, staged.RootImage, rootEntry.StartBytes(), rootEntry.SizeBytes())
	if err != nil {
		return nil, err
	}

	bootEntry, err := planEntry(plan, bootPartition)
	if err != nil {
		return nil, err
	}
	staged.BootImage = ws.Path("boot.img")
	err = copyByteRange(osImagePath, staged.BootImage, bootEntry.StartBytes(), bootEntry.SizeBytes())
	if err != nil {
		return nil, err
	}

	if config.SecureBoot {
		efiEntry, err := planEntry(plan, efiPartition)
		if err != nil {
			return nil, err
		}
		staged.EfiImage = ws.Path("efi.img")
		err = copyByteRange(osImagePath, staged.EfiImage, efiEntry.StartBytes(), efiEntry.SizeBytes())
		if err != nil {
			return nil, err
		}
	}

	if config.PrebuiltRootImage {
		staged.RootTree, err = extractRootTree(ctx, ws, staged.RootImage, osImagePath, editor)
		if err != nil {
			return nil, err
		}
	}

	staged.CaBundle, err = stageInputArtifact(ws, config.Input.Dir, caBundleArtifact)
	if err != nil {
		return nil, err
	}
	staged.TrustRoot, err = stageInputArtifact(ws, config.Input.Dir, trustRootArtifact)
	if err != nil {
		return nil, err
	}

	return staged, nil
}

// copyByteRange copies exactly [offset, offset+size) from src into a new
// file at dst. A short copy means the source image is truncated or the plan
// is wrong; neither partial result can be trusted.
func copyByteRange(src string, dst string, offset uint64, size uint64) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source image (%s):\n%w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create working image (%s):\n%w", dst, err)
	}
	defer dstFile.Close()

	copied, err := io.Copy(dstFile, io.NewSectionReader(srcFile, int64(offset), int64(size)))
	if err != nil {
		return fmt.Errorf("failed to extract byte range [%d, %d) from (%s):\n%w", offset, offset+size, src, err)
	}
	if uint64(copied) != size {
		return wrapError(ErrShortCopy, "range [%d, %d) of (%s): copied only (%d) bytes",
			offset, offset+size, src, copied)
	}

	return dstFile.Close()
}

// extractRootTree dumps the root working image into a working directory and
// pins the directory's mtime to the source image's, so later freshness
// comparisons stay stable.
func extractRootTree(ctx context.Context, ws *Workspace, rootImage string, osImagePath string,
	editor FsEditor,
) (string, error) {
	treeDir, err := ws.Mkdir("root-tree")
	if err != nil {
		return "", err
	}

	err = editor.DumpTree(ctx, rootImage, treeDir)
	if err != nil {
		return "", err
	}

	fileCount, err := countTreeFiles(treeDir)
	if err != nil {
		return "", err
	}
	if fileCount == 0 {
		return "", wrapError(ErrNoContent, "root tree extracted from (%s) is empty", rootImage)
	}
	logger.Log.Debugf("Extracted root tree with (%d) files", fileCount)

	sourceInfo, err := os.Stat(osImagePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat source image (%s):\n%w", osImagePath, err)
	}
	mtime := unix.NsecToTimespec(sourceInfo.ModTime().UnixNano())
	err = unix.UtimesNanoAt(unix.AT_FDCWD, treeDir, []unix.Timespec{mtime, mtime}, 0)
	if err != nil {
		return "", fmt.Errorf("failed to set mtime on root tree (%s):\n%w", treeDir, err)
	}

	return treeDir, nil
}

func countTreeFiles(treeDir string) (int, error) {
	count := 0
	err := filepath.WalkDir(treeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk root tree (%s):\n%w", treeDir, err)
	}
	return count, nil
}

// stageInputArtifact copies a required per-variant input artifact into the
// workspace.
func stageInputArtifact(ws *Workspace, inputDir string, name string) (string, error) {
	src := filepath.Join(inputDir, name)
	_, err := os.Stat(src)
	if err != nil {
		return "", wrapError(ErrMissingArtifact, "artifact (%s) in (%s): %s", name, inputDir, err)
	}

	dst := ws.Path(name)
	err = file.Copy(src, dst)
	if err != nil {
		return "", err
	}

	return dst, nil
}
