// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/substrate-os/image-assembly-tools/internal/file"
	"github.com/substrate-os/image-assembly-tools/internal/shell"
)

// SigningRole names a boot chain component for the signing backend.
type SigningRole string

const (
	RoleFirstStageLoader SigningRole = "first-stage-loader"
	RoleManagementModule SigningRole = "management-module"
	RoleBootloader       SigningRole = "bootloader"
	RoleKernel           SigningRole = "kernel"
	RoleBootConfig       SigningRole = "boot-config"
)

// SigningBackend is the injected signing service. Implementations accept a
// binary blob and a role and return a resigned binary or a detached
// signature; the pipeline never handles key material itself.
type SigningBackend interface {
	// Check verifies the backend is usable before any component is
	// touched, so a failure cannot leave a partially signed chain.
	Check(ctx context.Context) error

	// SignBinary re-signs the binary at path for the given role and
	// returns the path of the signed copy.
	SignBinary(ctx context.Context, role SigningRole, path string) (string, error)

	// DetachedSign produces a detached signature file for path.
	DetachedSign(ctx context.Context, role SigningRole, path string) (string, error)

	// KernelDigest computes the keyed integrity digest of the kernel at
	// path and returns the path of the digest file.
	KernelDigest(ctx context.Context, path string) (string, error)

	// ExportCertificate writes the verification certificate into destDir
	// for firmware import.
	ExportCertificate(ctx context.Context, destDir string) (string, error)
}

// shellSigningBackend signs PE binaries with sbsign and boot configuration
// with gpg, using key material from a local directory.
type shellSigningBackend struct {
	keyDir string
}

// NewShellSigningBackend returns the default signing backend, reading key
// material from keyDir: signing key (signer.key), signing certificate
// (signer.crt), DER verification certificate (verify.cer), gpg keyring
// (keyring.gpg), and kernel HMAC key (hmac.key).
func NewShellSigningBackend(keyDir string) SigningBackend {
	return &shellSigningBackend{keyDir: keyDir}
}

func (b *shellSigningBackend) Check(ctx context.Context) error {
	for _, name := range []string{"signer.key", "signer.crt", "verify.cer", "keyring.gpg", "hmac.key"} {
		exists, err := file.IsFile(filepath.Join(b.keyDir, name))
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("key material (%s) not found in (%s)", name, b.keyDir)
		}
	}

	for _, tool := range []string{"sbsign", "gpg"} {
		_, err := exec.LookPath(tool)
		if err != nil {
			return fmt.Errorf("signing tool (%s) not available:\n%w", tool, err)
		}
	}

	return nil
}

func (b *shellSigningBackend) SignBinary(ctx context.Context, role SigningRole, path string) (string, error) {
	signedPath := path + ".signed"
	_, _, err := shell.Execute(ctx, "sbsign",
		"--key", filepath.Join(b.keyDir, "signer.key"),
		"--cert", filepath.Join(b.keyDir, "signer.crt"),
		"--output", signedPath,
		path)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s (%s):\n%w", role, path, err)
	}

	return signedPath, nil
}

func (b *shellSigningBackend) DetachedSign(ctx context.Context, role SigningRole, path string) (string, error) {
	sigPath := path + ".sig"
	_, _, err := shell.Execute(ctx, "gpg",
		"--batch", "--yes",
		"--no-default-keyring", "--keyring", filepath.Join(b.keyDir, "keyring.gpg"),
		"--output", sigPath,
		"--detach-sign", path)
	if err != nil {
		return "", fmt.Errorf("failed to produce detached signature for %s (%s):\n%w", role, path, err)
	}

	return sigPath, nil
}

func (b *shellSigningBackend) KernelDigest(ctx context.Context, path string) (string, error) {
	key, err := os.ReadFile(filepath.Join(b.keyDir, "hmac.key"))
	if err != nil {
		return "", fmt.Errorf("failed to read HMAC key:\n%w", err)
	}

	kernelFile, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open kernel (%s):\n%w", path, err)
	}
	defer kernelFile.Close()

	mac := hmac.New(sha512.New, key)
	_, err = io.Copy(mac, kernelFile)
	if err != nil {
		return "", fmt.Errorf("failed to digest kernel (%s):\n%w", path, err)
	}

	digestPath := path + ".hmac"
	digestLine := fmt.Sprintf("%s  %s\n", hex.EncodeToString(mac.Sum(nil)), filepath.Base(path))
	err = file.Write(digestLine, digestPath)
	if err != nil {
		return "", err
	}

	return digestPath, nil
}

func (b *shellSigningBackend) ExportCertificate(ctx context.Context, destDir string) (string, error) {
	destPath := filepath.Join(destDir, "verify.cer")
	err := file.Copy(filepath.Join(b.keyDir, "verify.cer"), destPath)
	if err != nil {
		return "", err
	}
	return destPath, nil
}
