// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"github.com/substrate-os/image-assembly-tools/internal/file"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

// applianceDescriptorData is the substitution payload for the appliance
// descriptor template.
type applianceDescriptorData struct {
	OsDiskFile       string
	OsDiskBytes      int64
	OsPublishBytes   uint64
	DataDiskFile     string
	DataDiskBytes    int64
	DataPublishBytes uint64
}

// buildApplianceBundle combines the per-disk vmdk artifacts with a templated
// descriptor and a digest manifest into a single appliance archive.
func buildApplianceBundle(config *imageassemblerapi.Config, outDir string, baseName string,
	osVmdk string, dataVmdk string,
) (string, error) {
	logger.Log.Infof("Building appliance bundle")

	templateExists, err := file.IsFile(config.ApplianceTemplate)
	if err != nil {
		return "", err
	}
	if !templateExists {
		return "", wrapError(ErrMissingTemplate, "(%s)", config.ApplianceTemplate)
	}

	descriptorTemplate, err := template.ParseFiles(config.ApplianceTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse appliance template (%s):\n%w", config.ApplianceTemplate, err)
	}

	data := applianceDescriptorData{
		OsDiskFile:     filepath.Base(osVmdk),
		OsPublishBytes: uint64(config.OsImagePublishSize),
	}
	osInfo, err := os.Stat(osVmdk)
	if err != nil {
		return "", fmt.Errorf("failed to stat (%s):\n%w", osVmdk, err)
	}
	data.OsDiskBytes = osInfo.Size()

	if dataVmdk != "" {
		dataInfo, err := os.Stat(dataVmdk)
		if err != nil {
			return "", fmt.Errorf("failed to stat (%s):\n%w", dataVmdk, err)
		}
		data.DataDiskFile = filepath.Base(dataVmdk)
		data.DataDiskBytes = dataInfo.Size()
		data.DataPublishBytes = uint64(config.DataImagePublishSize)
	}

	descriptorPath := filepath.Join(outDir, baseName+".ovf")
	descriptorFile, err := os.Create(descriptorPath)
	if err != nil {
		return "", fmt.Errorf("failed to create descriptor (%s):\n%w", descriptorPath, err)
	}
	err = descriptorTemplate.Execute(descriptorFile, data)
	descriptorFile.Close()
	if err != nil {
		return "", fmt.Errorf("failed to render appliance descriptor:\n%w", err)
	}

	bundleMembers := []string{descriptorPath}
	manifestPath, err := writeDigestManifest(outDir, baseName, descriptorPath, osVmdk, dataVmdk)
	if err != nil {
		return "", err
	}
	bundleMembers = append(bundleMembers, manifestPath, osVmdk)
	if dataVmdk != "" {
		bundleMembers = append(bundleMembers, dataVmdk)
	}

	bundlePath := filepath.Join(outDir, baseName+".ova")
	err = writeTarBundle(bundlePath, bundleMembers)
	if err != nil {
		return "", err
	}

	return bundlePath, nil
}

// writeDigestManifest writes the OVF-style SHA256 manifest covering the
// descriptor and all disk members.
func writeDigestManifest(outDir string, baseName string, members ...string) (string, error) {
	manifest := strings.Builder{}
	for _, member := range members {
		if member == "" {
			continue
		}
		digest, err := fileSha256(member)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&manifest, "SHA256(%s)= %s\n", filepath.Base(member), digest)
	}

	manifestPath := filepath.Join(outDir, baseName+".mf")
	err := file.Write(manifest.String(), manifestPath)
	if err != nil {
		return "", err
	}

	return manifestPath, nil
}

func fileSha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open (%s):\n%w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	_, err = io.Copy(hasher, f)
	if err != nil {
		return "", fmt.Errorf("failed to digest (%s):\n%w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// writeTarBundle writes members into a tar archive in the given order; the
// descriptor must come first for appliance importers that stream the
// archive.
func writeTarBundle(bundlePath string, members []string) error {
	bundleFile, err := os.Create(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to create bundle (%s):\n%w", bundlePath, err)
	}
	defer bundleFile.Close()

	tarWriter := tar.NewWriter(bundleFile)
	for _, member := range members {
		err = addTarMember(tarWriter, member)
		if err != nil {
			return err
		}
	}

	err = tarWriter.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize bundle (%s):\n%w", bundlePath, err)
	}

	return bundleFile.Close()
}

func addTarMember(tarWriter *tar.Writer, member string) error {
	memberFile, err := os.Open(member)
	if err != nil {
		return fmt.Errorf("failed to open bundle member (%s):\n%w", member, err)
	}
	defer memberFile.Close()

	memberInfo, err := memberFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat bundle member (%s):\n%w", member, err)
	}

	header, err := tar.FileInfoHeader(memberInfo, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(member)

	err = tarWriter.WriteHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, memberFile)
	if err != nil {
		return fmt.Errorf("failed to archive bundle member (%s):\n%w", member, err)
	}

	return nil
}
