// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"fmt"
	"strings"

	"github.com/substrate-os/image-assembly-tools/internal/shell"
)

// FatEditor is the offline editor capability for the FAT-formatted EFI
// system partition image.
type FatEditor interface {
	// CopyOut extracts the image's full tree into destDir.
	CopyOut(ctx context.Context, imagePath string, destDir string) error

	// CopyIn writes a host file into the image at destPath, replacing any
	// existing file.
	CopyIn(ctx context.Context, imagePath string, hostPath string, destPath string) error

	// Remove deletes a file within the image.
	Remove(ctx context.Context, imagePath string, path string) error
}

// mtoolsEditor edits FAT filesystem images offline via mtools.
type mtoolsEditor struct {
	mcopyTool string
	mdelTool  string
}

// NewMtoolsEditor returns the default FatEditor, backed by mtools.
func NewMtoolsEditor() FatEditor {
	return &mtoolsEditor{
		mcopyTool: "mcopy",
		mdelTool:  "mdel",
	}
}

func (e *mtoolsEditor) CopyOut(ctx context.Context, imagePath string, destDir string) error {
	stdout, stderr, err := shell.Execute(ctx, e.mcopyTool,
		"-s", "-n", "-i", imagePath, "::", destDir)
	if err != nil {
		return fmt.Errorf("failed to extract EFI tree from (%s):\n%w", imagePath, err)
	}

	return scanFatDiagnostics(imagePath, stdout+stderr)
}

func (e *mtoolsEditor) CopyIn(ctx context.Context, imagePath string, hostPath string, destPath string) error {
	stdout, stderr, err := shell.Execute(ctx, e.mcopyTool,
		"-o", "-i", imagePath, hostPath, "::"+destPath)
	if err != nil {
		return fmt.Errorf("failed to write (%s) into EFI image (%s):\n%w", destPath, imagePath, err)
	}

	return scanFatDiagnostics(imagePath, stdout+stderr)
}

func (e *mtoolsEditor) Remove(ctx context.Context, imagePath string, path string) error {
	stdout, stderr, err := shell.Execute(ctx, e.mdelTool,
		"-i", imagePath, "::"+path)
	if err != nil {
		return fmt.Errorf("failed to remove (%s) from EFI image (%s):\n%w", path, imagePath, err)
	}

	return scanFatDiagnostics(imagePath, stdout+stderr)
}

// mtools is silent on success; any output at all means the operation cannot
// be trusted.
func scanFatDiagnostics(imagePath string, output string) error {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil
	}

	return wrapError(ErrPatchDiagnostics, "EFI image (%s): %s", imagePath, strings.Split(output, "\n")[0])
}
