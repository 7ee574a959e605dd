// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"fmt"
	"io"
	"os"

	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"github.com/substrate-os/image-assembly-tools/internal/diskinfo"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

// writeWorkingImage writes a finalized working image back into the disk
// image at its reconciled offset. The write is in-place and size-bounded:
// the working image must fit its partition and the disk image is never
// truncated or extended.
func writeWorkingImage(diskPath string, workingImage string, entry imageassemblerapi.PartitionPlanEntry) error {
	workingInfo, err := os.Stat(workingImage)
	if err != nil {
		return fmt.Errorf("failed to stat working image (%s):\n%w", workingImage, err)
	}
	if uint64(workingInfo.Size()) > entry.SizeBytes() {
		return wrapError(ErrImageOverflow,
			"working image (%s) is (%d) bytes, partition (%s) allots (%d)",
			workingImage, workingInfo.Size(), entry.Name, entry.SizeBytes())
	}

	workingFile, err := os.Open(workingImage)
	if err != nil {
		return fmt.Errorf("failed to open working image (%s):\n%w", workingImage, err)
	}
	defer workingFile.Close()

	diskFile, err := os.OpenFile(diskPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open disk image (%s):\n%w", diskPath, err)
	}
	defer diskFile.Close()

	written, err := io.Copy(io.NewOffsetWriter(diskFile, int64(entry.StartBytes())), workingFile)
	if err != nil {
		return fmt.Errorf("failed to write partition (%s) back to (%s):\n%w", entry.Name, diskPath, err)
	}

	logger.Log.Debugf("Wrote (%d) bytes of partition (%s) at offset (%d)", written, entry.Name, entry.StartBytes())
	return diskFile.Close()
}

// validateDiskImage runs the whole-disk structural gate after write-back.
// Warnings from the check are escalated to fatal: a warning here almost
// always means primary/backup GPT divergence that permissive tools would
// repair silently.
func validateDiskImage(diskPath string) error {
	logger.Log.Infof("Validating disk image structure")

	err := diskinfo.ValidateGpt(diskPath)
	if err != nil {
		return fmt.Errorf("%w: (%s):\n%w", ErrGptValidation, diskPath, err)
	}

	return nil
}
