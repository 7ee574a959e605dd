// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

// Package diskinfo introspects and validates GPT-partitioned disk images.
package diskinfo

import (
	"fmt"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
)

// PartitionInfo describes one partition of a disk image, as read from the
// image's GPT.
type PartitionInfo struct {
	// Index is the 1-based partition number.
	Index int

	// Name is the GPT partition label (e.g. "ROOT-A").
	Name string

	// Start is the partition's first byte offset within the image.
	Start uint64

	// Size is the partition's size in bytes.
	Size uint64
}

// Layout is the introspected partition layout of a disk image.
type Layout struct {
	Partitions []PartitionInfo
}

// Get returns the partition with the given label, if present.
func (l *Layout) Get(name string) (PartitionInfo, bool) {
	for _, partition := range l.Partitions {
		if partition.Name == name {
			return partition, true
		}
	}
	return PartitionInfo{}, false
}

// ReadLayout reads the GPT of the disk image at imagePath and returns the
// layout of its partitions.
func ReadLayout(imagePath string) (*Layout, error) {
	disk, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open disk image (%s):\n%w", imagePath, err)
	}
	defer disk.Close()

	table, err := disk.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("failed to read partition table of (%s):\n%w", imagePath, err)
	}

	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return nil, fmt.Errorf("disk image (%s) does not have a GPT partition table (found %s)", imagePath, table.Type())
	}

	layout := &Layout{}
	for i, partition := range gptTable.Partitions {
		if partition == nil || partition.Type == gpt.Unused {
			continue
		}

		layout.Partitions = append(layout.Partitions, PartitionInfo{
			Index: i + 1,
			Name:  partition.Name,
			Start: uint64(partition.GetStart()),
			Size:  uint64(partition.GetSize()),
		})
	}

	return layout, nil
}
