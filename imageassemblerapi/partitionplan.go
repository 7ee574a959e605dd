// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerapi

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Data-volume partitions are allowed to differ between the plan and the
// image, since the data volume is resized on first boot.
var dataPartitionRegex = regexp.MustCompile(`^DATA(-[A-Z0-9]+)?$`)

// PartitionPlanEntry declares the expected location of one partition, in
// 512-byte sectors.
type PartitionPlanEntry struct {
	Name  string `yaml:"name"`
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

func (e *PartitionPlanEntry) IsValid() error {
	if e.Name == "" {
		return fmt.Errorf("invalid partition plan entry: empty name")
	}
	if e.Size == 0 {
		return fmt.Errorf("invalid partition plan entry (%s): zero size", e.Name)
	}
	return nil
}

// StartBytes returns the entry's byte offset within the disk image.
func (e *PartitionPlanEntry) StartBytes() uint64 {
	return e.Start * 512
}

// SizeBytes returns the entry's size in bytes.
func (e *PartitionPlanEntry) SizeBytes() uint64 {
	return e.Size * 512
}

// PartitionPlan is the declared partition layout of a disk image. It is
// immutable once loaded.
type PartitionPlan struct {
	Entries []PartitionPlanEntry `yaml:"partitions"`
}

func (p *PartitionPlan) IsValid() error {
	if len(p.Entries) == 0 {
		return fmt.Errorf("invalid partition plan: no partitions")
	}

	seen := make(map[string]bool)
	for i := range p.Entries {
		entry := &p.Entries[i]
		if err := entry.IsValid(); err != nil {
			return err
		}
		if seen[entry.Name] {
			return fmt.Errorf("invalid partition plan: duplicate partition name (%s)", entry.Name)
		}
		seen[entry.Name] = true
	}

	return nil
}

// Get returns the plan entry with the given name, if present.
func (p *PartitionPlan) Get(name string) (PartitionPlanEntry, bool) {
	for _, entry := range p.Entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return PartitionPlanEntry{}, false
}

// IsDataPartition reports whether the named partition belongs to the data
// volume.
func IsDataPartition(name string) bool {
	return dataPartitionRegex.MatchString(name)
}

// LoadPartitionPlanFile reads and validates a partition plan descriptor.
func LoadPartitionPlanFile(path string) (*PartitionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition plan file (%s):\n%w", path, err)
	}

	plan := &PartitionPlan{}
	err = yaml.Unmarshal(data, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to parse partition plan file (%s):\n%w", path, err)
	}

	err = plan.IsValid()
	if err != nil {
		return nil, fmt.Errorf("invalid partition plan file (%s):\n%w", path, err)
	}

	return plan, nil
}
