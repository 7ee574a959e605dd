// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

// Boot chain component locations.
const (
	efiBootDir     = "EFI/BOOT"
	kernelPath     = "/vmlinuz"
	kernelHmacPath = "/.vmlinuz.hmac"

	// The verification certificate is provisioned here so firmware setup
	// UIs can import it from the EFI system partition.
	provisionedCertPath = "/EFI/BOOT/verify.cer"
)

// Component name patterns within the EFI system partition. Exactly one match
// is required per role; an arbitrary first-of-many would silently sign the
// wrong binary.
var bootChainPatterns = map[SigningRole]string{
	RoleFirstStageLoader: "boot*.efi",
	RoleManagementModule: "mm*.efi",
	RoleBootloader:       "grub*.efi",
}

// Ordered signing sequence for the loader components.
var loaderRoles = []SigningRole{RoleFirstStageLoader, RoleManagementModule, RoleBootloader}

// pendingEfiWrite is a deferred mutation of the EFI working image.
type pendingEfiWrite struct {
	hostPath string
	destPath string
	remove   bool
}

// signSecureBootChain re-signs the ordered secure boot chain: first-stage
// loader, management module, bootloader, kernel, and bootloader
// configuration. The EFI working image is not touched until every signing
// step has succeeded; a backend failure at any step therefore persists zero
// re-signed binaries. An inconsistent chain would be silently unbootable or,
// worse, would pass some verifications and fail others.
//
// It returns the overlays that carry the re-signed kernel, its digest, and
// the configuration signature into the boot working image.
func signSecureBootChain(ctx context.Context, ws *Workspace, staged *stagedImages,
	editor FsEditor, fatEditor FatEditor, backend SigningBackend, bootConfigHostPath string,
) ([]overlay, error) {
	logger.Log.Infof("Signing secure boot chain")

	if backend == nil {
		return nil, wrapError(ErrSigningContext, "no signing backend configured")
	}
	err := backend.Check(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrSigningContext, err)
	}

	efiTree, err := ws.Mkdir("efi-tree")
	if err != nil {
		return nil, err
	}
	err = fatEditor.CopyOut(ctx, staged.EfiImage, efiTree)
	if err != nil {
		return nil, err
	}

	var pending []pendingEfiWrite

	for _, role := range loaderRoles {
		componentPath, err := findUnique(role, filepath.Join(efiTree, efiBootDir), bootChainPatterns[role])
		if err != nil {
			return nil, err
		}

		signedPath, err := backend.SignBinary(ctx, role, componentPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s:\n%w", ErrSigningChain, role, err)
		}

		destPath, err := efiDestPath(efiTree, componentPath)
		if err != nil {
			return nil, err
		}
		pending = append(pending, pendingEfiWrite{hostPath: signedPath, destPath: destPath})
		logger.Log.Debugf("Signed %s (%s)", role, destPath)
	}

	// The previously embedded verification certificates are dropped;
	// leaving them would let firmware keep trusting a superseded signer.
	staleCerts, err := findStaleCertificates(efiTree)
	if err != nil {
		return nil, err
	}
	for _, cert := range staleCerts {
		pending = append(pending, pendingEfiWrite{destPath: cert, remove: true})
	}

	certPath, err := backend.ExportCertificate(ctx, ws.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate export:\n%w", ErrSigningChain, err)
	}
	pending = append(pending, pendingEfiWrite{hostPath: certPath, destPath: provisionedCertPath})

	// Kernel: re-sign and compute the keyed digest that the boot chain
	// verifies as a sibling file.
	kernelHostPath := ws.Path("vmlinuz")
	kernelData, err := editor.ReadFile(ctx, staged.BootImage, kernelPath)
	if err != nil {
		return nil, err
	}
	err = os.WriteFile(kernelHostPath, kernelData, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to stage kernel:\n%w", err)
	}

	signedKernel, err := backend.SignBinary(ctx, RoleKernel, kernelHostPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:\n%w", ErrSigningChain, RoleKernel, err)
	}
	kernelDigest, err := backend.KernelDigest(ctx, signedKernel)
	if err != nil {
		return nil, fmt.Errorf("%w: kernel digest:\n%w", ErrSigningChain, err)
	}

	configSig, err := backend.DetachedSign(ctx, RoleBootConfig, bootConfigHostPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:\n%w", ErrSigningChain, RoleBootConfig, err)
	}

	// The whole chain is signed; flush the EFI working image mutations.
	for _, write := range pending {
		if write.remove {
			err = fatEditor.Remove(ctx, staged.EfiImage, write.destPath)
		} else {
			err = fatEditor.CopyIn(ctx, staged.EfiImage, write.hostPath, write.destPath)
		}
		if err != nil {
			return nil, err
		}
	}

	return []overlay{
		{Source: signedKernel, Dest: kernelPath, Label: securityLabel},
		{Source: kernelDigest, Dest: kernelHmacPath, Label: securityLabel},
		{Source: configSig, Dest: bootConfigPath + ".sig", Label: securityLabel},
	}, nil
}

// findUnique locates exactly one component matching the pattern. Zero or
// multiple matches is fatal.
func findUnique(role SigningRole, dir string, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", wrapError(ErrComponentMatch, "no %s matching (%s) in (%s)", role, pattern, dir)
	default:
		return "", wrapError(ErrComponentMatch, "multiple candidates for %s in (%s): %s",
			role, dir, strings.Join(matches, ", "))
	}
}

// findStaleCertificates returns the image paths of every certificate file
// embedded in the extracted EFI tree.
func findStaleCertificates(efiTree string) ([]string, error) {
	var certs []string
	for _, pattern := range []string{"*.cer", "*.crt"} {
		matches, err := filepath.Glob(filepath.Join(efiTree, efiBootDir, pattern))
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			destPath, err := efiDestPath(efiTree, match)
			if err != nil {
				return nil, err
			}
			certs = append(certs, destPath)
		}
	}
	return certs, nil
}

// efiDestPath maps a host path within the extracted tree to the absolute
// path inside the EFI image.
func efiDestPath(efiTree string, hostPath string) (string, error) {
	relPath, err := filepath.Rel(efiTree, hostPath)
	if err != nil {
		return "", err
	}
	return "/" + filepath.ToSlash(relPath), nil
}
