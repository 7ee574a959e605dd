// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"github.com/substrate-os/image-assembly-tools/internal/testutils"
)

const testPlanYaml = `partitions:
- name: BOOT-A
  start: 64
  size: 64
- name: ROOT-A
  start: 128
  size: 64
- name: HASH-A
  start: 192
  size: 64
- name: EFI-A
  start: 256
  size: 64
- name: DATA
  start: 320
  size: 64
`

// testAssemblyFixture builds a complete invocation: a synthetic GPT disk
// image with a pattern-filled root partition, the per-variant input
// artifacts, a partition plan, and a seeded fake filesystem editor.
func testAssemblyFixture(t *testing.T) (*imageassemblerapi.Config, *fakeFsEditor) {
	t.Helper()

	inputDir := t.TempDir()
	outputDir := t.TempDir()

	diskPath := filepath.Join(inputDir, "substrate.img")
	err := testutils.CreateGptDiskImage(diskPath, 512, []testutils.TestPartition{
		{Name: "BOOT-A", StartLba: 64, SizeLba: 64},
		{Name: "ROOT-A", StartLba: 128, SizeLba: 64},
		{Name: "HASH-A", StartLba: 192, SizeLba: 64},
		{Name: "EFI-A", StartLba: 256, SizeLba: 64},
		{Name: "DATA", StartLba: 320, SizeLba: 64},
	})
	require.NoError(t, err)
	require.NoError(t, testutils.FillPartition(diskPath, 128, 64, 0xA5))

	writeTestFile(t, inputDir, caBundleArtifact, "trusted CAs")
	writeTestFile(t, inputDir, trustRootArtifact, `{"keys":[]}`)
	planPath := writeTestFile(t, inputDir, "plan.yaml", testPlanYaml)

	config := &imageassemblerapi.Config{
		Input: imageassemblerapi.InputConfig{
			Dir:     inputDir,
			OsImage: "substrate.img",
		},
		Output: imageassemblerapi.OutputConfig{
			Dir:    outputDir,
			Format: imageassemblerapi.OutputFormatTypeRaw,
		},
		Version:           "1.2.3",
		PartitionPlanFile: planPath,
		OsImageSize:       imageassemblerapi.DiskSize(256 << 10),
	}

	editor := newFakeFsEditor()
	editor.seed(osReleasePath, "VERSION_ID=1.2.3\n")
	editor.seed(bootConfigPath, testGrubConfig)
	editor.seed(kernelPath, "kernel image")

	return config, editor
}

// verityTableParameters pulls the root hash and salt out of the patched
// bootloader configuration.
func verityTableParameters(t *testing.T, grubConfig string) (string, []byte) {
	t.Helper()

	table := ""
	for _, line := range strings.Split(grubConfig, "\n") {
		if strings.HasPrefix(line, "set dm_verity_root=") {
			table = line
		}
	}
	require.NotEmpty(t, table, "patched configuration has no dm_verity_root line")

	fields := strings.Fields(strings.Trim(strings.TrimPrefix(table, `set dm_verity_root=`), `"`))
	require.GreaterOrEqual(t, len(fields), 2)

	rootHash := fields[len(fields)-2]
	salt, err := hex.DecodeString(strings.Trim(fields[len(fields)-1], `"`))
	require.NoError(t, err)
	return rootHash, salt
}

func TestAssembleImage(t *testing.T) {
	config, editor := testAssemblyFixture(t)

	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir: t.TempDir(),
		Config:   config,
		BuildId:  "build1",
		FsEditor: editor,
		Owner:    &OutputOwner{Uid: os.Getuid(), Gid: os.Getgid()},
	})
	require.NoError(t, err)

	outDir := filepath.Join(config.Output.Dir, "1.2.3-build1")
	_, err = os.Stat(filepath.Join(outDir, completionMarker))
	assert.NoError(t, err)

	// The root overlays were applied with their labels.
	assert.Equal(t, []byte("trusted CAs"), editor.files[caBundleDest])
	assert.Equal(t, securityLabel, editor.labels[caBundleDest])
	assert.Equal(t, securityLabel, editor.labels[trustRootDest])

	// The finalized disk carries the integrity tree in the hash partition
	// and the untouched root content.
	disk := decompressZstd(t, filepath.Join(outDir, "substrate-1.2.3-build1.img.zst"))
	require.Len(t, disk, 256<<10)
	assert.Equal(t, []byte("verity\x00\x00"), disk[192*512:192*512+8])
	assert.Equal(t, bytes.Repeat([]byte{0xA5}, 64*512), disk[128*512:192*512])

	// The root hash bound into the bootloader configuration must be
	// reproducible from the published root artifact and salt.
	rootHash, salt := verityTableParameters(t, string(editor.files[bootConfigPath]))
	assert.Equal(t, securityLabel, editor.labels[bootConfigPath])

	verifyDir := t.TempDir()
	rootImage := filepath.Join(verifyDir, "root.img")
	rootData := decompressZstd(t, filepath.Join(outDir, "substrate-1.2.3-build1-root.img.zst"))
	require.NoError(t, os.WriteFile(rootImage, rootData, 0o644))

	descriptor, err := buildVerityTree(rootImage, filepath.Join(verifyDir, "tree.img"), salt, 64*512)
	require.NoError(t, err)
	assert.Equal(t, rootHash, descriptor.RootHash)
}

func TestAssembleImageWithDataImage(t *testing.T) {
	config, editor := testAssemblyFixture(t)
	dataContent := bytes.Repeat([]byte{0xD7}, 4096)
	require.NoError(t, os.WriteFile(filepath.Join(config.Input.Dir, "data.img"), dataContent, 0o644))
	config.Input.DataImage = "data.img"
	config.DataImageSize = imageassemblerapi.DiskSize(4096)

	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir: t.TempDir(),
		Config:   config,
		BuildId:  "build1",
		FsEditor: editor,
		Owner:    &OutputOwner{Uid: os.Getuid(), Gid: os.Getgid()},
	})
	require.NoError(t, err)

	outDir := filepath.Join(config.Output.Dir, "1.2.3-build1")
	data := decompressZstd(t, filepath.Join(outDir, "substrate-1.2.3-build1-data.img.zst"))
	assert.Equal(t, dataContent, data)

	target, err := os.Readlink(filepath.Join(outDir, "substrate-data.img.zst"))
	require.NoError(t, err)
	assert.Equal(t, "substrate-1.2.3-build1-data.img.zst", target)
}

func TestAssembleImageOsSizeMismatch(t *testing.T) {
	config, editor := testAssemblyFixture(t)
	config.OsImageSize = imageassemblerapi.DiskSize(128 << 10)

	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir: t.TempDir(),
		Config:   config,
		FsEditor: editor,
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "osImageSize")
}

func TestAssembleImageDataSizeMismatch(t *testing.T) {
	config, editor := testAssemblyFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(config.Input.Dir, "data.img"),
		bytes.Repeat([]byte{0xD7}, 4096), 0o644))
	config.Input.DataImage = "data.img"
	config.DataImageSize = imageassemblerapi.DiskSize(8192)

	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir: t.TempDir(),
		Config:   config,
		FsEditor: editor,
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "dataImageSize")
}

func TestAssembleImageSecureBoot(t *testing.T) {
	config, editor := testAssemblyFixture(t)
	config.SecureBoot = true
	config.SigningKeyDir = t.TempDir()

	fatEditor := newFakeFatEditor()
	fatEditor.seed("/EFI/BOOT/bootx64.efi", "first stage loader")
	fatEditor.seed("/EFI/BOOT/mmx64.efi", "management module")
	fatEditor.seed("/EFI/BOOT/grubx64.efi", "bootloader")
	backend := &fakeSigningBackend{}

	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir:       t.TempDir(),
		Config:         config,
		BuildId:        "build1",
		FsEditor:       editor,
		FatEditor:      fatEditor,
		SigningBackend: backend,
		Owner:          &OutputOwner{Uid: os.Getuid(), Gid: os.Getgid()},
	})
	require.NoError(t, err)

	// The whole chain was signed in order.
	assert.Equal(t, []SigningRole{
		RoleFirstStageLoader, RoleManagementModule, RoleBootloader, RoleKernel, RoleBootConfig,
	}, backend.signed)

	// The loaders and the verification certificate landed in the EFI
	// image; the kernel, its digest, and the configuration signature
	// landed in the boot image.
	assert.Equal(t, []byte("signed:bootloader"), fatEditor.files["/EFI/BOOT/grubx64.efi"])
	assert.Equal(t, []byte("certificate"), fatEditor.files[provisionedCertPath])
	assert.Equal(t, []byte("signed:kernel image"), editor.files[kernelPath])
	assert.NotEmpty(t, editor.files[kernelHmacPath])
	assert.NotEmpty(t, editor.files[bootConfigPath+".sig"])
}

func TestAssembleImagePlanMismatch(t *testing.T) {
	config, editor := testAssemblyFixture(t)

	// Shift ROOT-A by one sector in the plan.
	planPath := filepath.Join(config.Input.Dir, "plan.yaml")
	plan := strings.Replace(testPlanYaml, "start: 128", "start: 129", 1)
	require.NoError(t, os.WriteFile(planPath, []byte(plan), 0o644))

	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir: t.TempDir(),
		Config:   config,
		FsEditor: editor,
		Owner:    &OutputOwner{Uid: os.Getuid(), Gid: os.Getgid()},
	})
	assert.ErrorIs(t, err, ErrLayoutMismatch)
	assert.ErrorContains(t, err, "ROOT-A")
}

func TestAssembleImageCorruptGpt(t *testing.T) {
	config, editor := testAssemblyFixture(t)

	diskPath := filepath.Join(config.Input.Dir, "substrate.img")
	require.NoError(t, testutils.CorruptBackupEntries(diskPath))

	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir: t.TempDir(),
		Config:   config,
		FsEditor: editor,
		Owner:    &OutputOwner{Uid: os.Getuid(), Gid: os.Getgid()},
	})
	assert.ErrorIs(t, err, ErrGptValidation)
}

func TestAssembleImageMissingSourceImage(t *testing.T) {
	config, editor := testAssemblyFixture(t)
	config.Input.OsImage = "missing.img"

	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir: t.TempDir(),
		Config:   config,
		FsEditor: editor,
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAssembleImageInvalidConfig(t *testing.T) {
	err := AssembleImage(context.Background(), AssemblerOptions{
		BuildDir: t.TempDir(),
		Config:   &imageassemblerapi.Config{},
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAssembleImageNilConfig(t *testing.T) {
	err := AssembleImage(context.Background(), AssemblerOptions{BuildDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
