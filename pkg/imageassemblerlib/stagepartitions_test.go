// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
)

func TestCopyByteRange(t *testing.T) {
	dir := t.TempDir()

	source := make([]byte, 4096)
	for i := range source {
		source[i] = byte(i)
	}
	srcPath := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(srcPath, source, 0o644))

	dstPath := filepath.Join(dir, "part.img")
	err := copyByteRange(srcPath, dstPath, 1024, 512)
	require.NoError(t, err)

	extracted, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, source[1024:1536], extracted)
}

func TestCopyByteRangeShortSource(t *testing.T) {
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(srcPath, make([]byte, 1024), 0o644))

	err := copyByteRange(srcPath, filepath.Join(dir, "part.img"), 512, 1024)
	assert.ErrorIs(t, err, ErrShortCopy)
}

func TestStagePartitions(t *testing.T) {
	ws := newTestWorkspace(t)
	inputDir := t.TempDir()

	// Disk image with recognizable content per partition range.
	disk := make([]byte, 256*512)
	copy(disk[64*512:], bytes.Repeat([]byte{0xB0}, 32*512))
	copy(disk[128*512:], bytes.Repeat([]byte{0xA5}, 64*512))
	diskPath := filepath.Join(inputDir, "disk.img")
	require.NoError(t, os.WriteFile(diskPath, disk, 0o644))

	writeTestFile(t, inputDir, caBundleArtifact, "trusted CAs")
	writeTestFile(t, inputDir, trustRootArtifact, `{"keys":[]}`)

	plan := &imageassemblerapi.PartitionPlan{
		Entries: []imageassemblerapi.PartitionPlanEntry{
			{Name: bootPartition, Start: 64, Size: 32},
			{Name: rootPartition, Start: 128, Size: 64},
		},
	}
	config := &imageassemblerapi.Config{
		Input: imageassemblerapi.InputConfig{Dir: inputDir},
	}

	staged, err := stagePartitions(context.Background(), ws, diskPath, plan, config, newFakeFsEditor())
	require.NoError(t, err)

	rootData, err := os.ReadFile(staged.RootImage)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xA5}, 64*512), rootData)

	bootData, err := os.ReadFile(staged.BootImage)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xB0}, 32*512), bootData)

	// EFI staging is secure-boot only.
	assert.Empty(t, staged.EfiImage)
	assert.Empty(t, staged.RootTree)

	bundle, err := os.ReadFile(staged.CaBundle)
	require.NoError(t, err)
	assert.Equal(t, []byte("trusted CAs"), bundle)
}

func TestStagePartitionsMissingArtifact(t *testing.T) {
	ws := newTestWorkspace(t)
	inputDir := t.TempDir()

	diskPath := filepath.Join(inputDir, "disk.img")
	require.NoError(t, os.WriteFile(diskPath, make([]byte, 256*512), 0o644))
	writeTestFile(t, inputDir, caBundleArtifact, "trusted CAs")

	plan := &imageassemblerapi.PartitionPlan{
		Entries: []imageassemblerapi.PartitionPlanEntry{
			{Name: bootPartition, Start: 64, Size: 32},
			{Name: rootPartition, Start: 128, Size: 64},
		},
	}
	config := &imageassemblerapi.Config{
		Input: imageassemblerapi.InputConfig{Dir: inputDir},
	}

	_, err := stagePartitions(context.Background(), ws, diskPath, plan, config, newFakeFsEditor())
	assert.ErrorIs(t, err, ErrMissingArtifact)
	assert.ErrorContains(t, err, trustRootArtifact)
}

func TestExtractRootTreeEmptyImage(t *testing.T) {
	ws := newTestWorkspace(t)

	diskPath := ws.Path("root.img")
	require.NoError(t, os.WriteFile(diskPath, make([]byte, 4096), 0o644))

	// The fake editor holds no files, so the dumped tree is empty.
	_, err := extractRootTree(context.Background(), ws, diskPath, diskPath, newFakeFsEditor())
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestWorkspaceRelease(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws.Dir, "scratch.img", "scratch")

	ws.Release()

	_, err := os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
}
