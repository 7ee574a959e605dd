// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"github.com/substrate-os/image-assembly-tools/internal/diskinfo"
)

func testPlan() *imageassemblerapi.PartitionPlan {
	return &imageassemblerapi.PartitionPlan{
		Entries: []imageassemblerapi.PartitionPlanEntry{
			{Name: "BOOT-A", Start: 64, Size: 64},
			{Name: "ROOT-A", Start: 128, Size: 64},
			{Name: "DATA", Start: 192, Size: 64},
		},
	}
}

func testLayout() *diskinfo.Layout {
	return &diskinfo.Layout{
		Partitions: []diskinfo.PartitionInfo{
			{Index: 1, Name: "BOOT-A", Start: 64 * 512, Size: 64 * 512},
			{Index: 2, Name: "ROOT-A", Start: 128 * 512, Size: 64 * 512},
			{Index: 3, Name: "DATA", Start: 192 * 512, Size: 64 * 512},
		},
	}
}

func TestReconcileLayoutMatchingPlan(t *testing.T) {
	err := reconcileLayout(testPlan(), testLayout())
	assert.NoError(t, err)
}

func TestReconcileLayoutOffsetMismatch(t *testing.T) {
	layout := testLayout()
	// One sector off.
	layout.Partitions[1].Start += 512

	err := reconcileLayout(testPlan(), layout)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
	assert.ErrorContains(t, err, "ROOT-A")
}

func TestReconcileLayoutSizeMismatch(t *testing.T) {
	layout := testLayout()
	layout.Partitions[0].Size -= 512

	err := reconcileLayout(testPlan(), layout)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
	assert.ErrorContains(t, err, "BOOT-A")
}

func TestReconcileLayoutMissingPartition(t *testing.T) {
	layout := testLayout()
	layout.Partitions = layout.Partitions[1:]

	err := reconcileLayout(testPlan(), layout)
	assert.ErrorIs(t, err, ErrPartitionNotInImage)
	assert.ErrorContains(t, err, "BOOT-A")
}

func TestReconcileLayoutDataPartitionMayDiffer(t *testing.T) {
	layout := testLayout()
	// The data volume is resized on first boot; its geometry is exempt.
	layout.Partitions[2].Start += 4096
	layout.Partitions[2].Size *= 2

	err := reconcileLayout(testPlan(), layout)
	assert.NoError(t, err)
}

func TestReconcileLayoutDataPartitionAbsent(t *testing.T) {
	layout := testLayout()
	layout.Partitions = layout.Partitions[:2]

	err := reconcileLayout(testPlan(), layout)
	assert.NoError(t, err)
}

func TestPlanEntryMissing(t *testing.T) {
	_, err := planEntry(testPlan(), "HASH-A")
	assert.ErrorIs(t, err, ErrPartitionNotInPlan)
}
