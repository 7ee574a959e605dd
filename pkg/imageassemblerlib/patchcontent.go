// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/substrate-os/image-assembly-tools/internal/file"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

// securityLabel is the fixed label applied to every path the pipeline
// writes. The OS relabels nothing at runtime; the label must be correct at
// image assembly time.
const securityLabel = "system_u:object_r:os_t:s0"

// Destination paths of the always-present overlay content.
const (
	caBundleDest  = "/etc/pki/tls/certs/ca-bundle.crt"
	trustRootDest = "/usr/share/updates/root.json"
)

// overlay is one content injection: a host file written to a destination
// path inside a working image, with a security label.
type overlay struct {
	Source string
	Dest   string
	Label  string
}

// rootOverlaySet is the fixed overlay list for the root working image. The
// boot image's overlays (kernel, digest, bootloader config, signatures) are
// assembled by the boot stages.
func rootOverlaySet(staged *stagedImages) []overlay {
	return []overlay{
		{Source: staged.CaBundle, Dest: caBundleDest, Label: securityLabel},
		{Source: staged.TrustRoot, Dest: trustRootDest, Label: securityLabel},
	}
}

// overlayFsOps renders overlays into editor operations. Order per path is
// fixed: remove the old path, write the new content, set the label.
func overlayFsOps(overlays []overlay) []FsOp {
	ops := make([]FsOp, 0, 3*len(overlays))
	for _, o := range overlays {
		ops = append(ops,
			FsOp{Kind: FsOpRemove, Path: o.Dest},
			FsOp{Kind: FsOpWrite, Path: o.Dest, Source: o.Source},
			FsOp{Kind: FsOpSetLabel, Path: o.Dest, Label: o.Label},
		)
	}
	return ops
}

// patchRootContent applies the root overlay set using the configured root
// handling mode. In extracted-tree mode a fresh root image is synthesized
// from the patched tree; in in-place mode the staged image is edited
// directly.
func patchRootContent(ctx context.Context, staged *stagedImages, editor FsEditor, rootSizeBytes uint64) error {
	logger.Log.Infof("Patching root filesystem content")

	overlays := rootOverlaySet(staged)

	if staged.RootTree != "" {
		labelOps, err := applyOverlaysToTree(staged.RootTree, overlays)
		if err != nil {
			return err
		}

		err = editor.BuildFromTree(ctx, staged.RootTree, staged.RootImage, rootSizeBytes)
		if err != nil {
			return err
		}

		return editor.Apply(ctx, staged.RootImage, labelOps)
	}

	return editor.Apply(ctx, staged.RootImage, overlayFsOps(overlays))
}

// applyOverlaysToTree writes overlays directly into the extracted tree and
// returns the label operations to run against the synthesized image, since
// security labels cannot be staged on the host filesystem.
func applyOverlaysToTree(treeDir string, overlays []overlay) ([]FsOp, error) {
	labelOps := make([]FsOp, 0, len(overlays))

	for _, o := range overlays {
		dest := filepath.Join(treeDir, o.Dest)

		err := os.RemoveAll(dest)
		if err != nil {
			return nil, fmt.Errorf("failed to remove stale overlay path (%s):\n%w", dest, err)
		}

		err = file.Copy(o.Source, dest)
		if err != nil {
			return nil, err
		}

		labelOps = append(labelOps, FsOp{Kind: FsOpSetLabel, Path: o.Dest, Label: o.Label})
	}

	return labelOps, nil
}

// applyBootOverlays applies a batch of overlays to the boot working image.
func applyBootOverlays(ctx context.Context, staged *stagedImages, editor FsEditor, overlays []overlay) error {
	if len(overlays) == 0 {
		return nil
	}

	return editor.Apply(ctx, staged.BootImage, overlayFsOps(overlays))
}
