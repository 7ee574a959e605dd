// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/substrate-os/image-assembly-tools/internal/file"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

const bootConfigPath = "/grub/grub.cfg"

var dmVerityRootRegex = regexp.MustCompile(`(?m)^set dm_verity_root=.*$`)

// patchBootConfig extracts the bootloader configuration from the staged boot
// image, binds the freshly computed integrity tree root hash into its
// verified-boot parameter line, and returns the patched host-side copy plus
// the overlay that writes it back. This must run after the tree is built and
// before the configuration is signed.
func patchBootConfig(ctx context.Context, ws *Workspace, staged *stagedImages, editor FsEditor,
	descriptor *verityDescriptor,
) (string, overlay, error) {
	logger.Log.Infof("Binding root hash into bootloader configuration")

	config, err := editor.ReadFile(ctx, staged.BootImage, bootConfigPath)
	if err != nil {
		return "", overlay{}, err
	}

	patched, err := setVerityRootParameter(string(config), descriptor)
	if err != nil {
		return "", overlay{}, err
	}

	patchedPath := ws.Path("grub.cfg")
	err = file.Write(patched, patchedPath)
	if err != nil {
		return "", overlay{}, err
	}

	return patchedPath, overlay{Source: patchedPath, Dest: bootConfigPath, Label: securityLabel}, nil
}

// setVerityRootParameter replaces the dm_verity_root table line. The boot
// configuration shipped in the source image must already carry the line; its
// absence means the image was not built for verified boot.
func setVerityRootParameter(config string, descriptor *verityDescriptor) (string, error) {
	if !dmVerityRootRegex.MatchString(config) {
		return "", fmt.Errorf("bootloader configuration has no dm_verity_root parameter line")
	}

	dataSectors := descriptor.DataBlocks * uint64(descriptor.DataBlockSize) / 512
	table := fmt.Sprintf(
		`set dm_verity_root="root,,,ro,0 %d verity 1 PARTLABEL=%s PARTLABEL=%s %d %d %d 1 %s %s %s"`,
		dataSectors, rootPartition, hashPartition,
		descriptor.DataBlockSize, descriptor.HashBlockSize, descriptor.DataBlocks,
		descriptor.Algorithm, descriptor.RootHash, hex.EncodeToString(descriptor.Salt))

	return dmVerityRootRegex.ReplaceAllLiteralString(config, table), nil
}
