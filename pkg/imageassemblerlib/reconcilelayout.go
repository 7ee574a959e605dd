// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"fmt"

	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"github.com/substrate-os/image-assembly-tools/internal/diskinfo"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

// reconcileLayout checks the declared partition plan against the introspected
// layout of the source image. Every plan entry other than the data-volume
// partitions must match the image exactly in both offset and size; a mismatch
// indicates a stale or incompatible image and must be fixed upstream.
func reconcileLayout(plan *imageassemblerapi.PartitionPlan, layout *diskinfo.Layout) error {
	logger.Log.Infof("Reconciling partition plan against image layout")

	for _, entry := range plan.Entries {
		if imageassemblerapi.IsDataPartition(entry.Name) {
			continue
		}

		partition, found := layout.Get(entry.Name)
		if !found {
			return wrapError(ErrPartitionNotInImage, "partition (%s)", entry.Name)
		}

		if partition.Start != entry.StartBytes() {
			return wrapError(ErrLayoutMismatch,
				"partition (%s): plan offset (%d) != image offset (%d)",
				entry.Name, entry.StartBytes(), partition.Start)
		}

		if partition.Size != entry.SizeBytes() {
			return wrapError(ErrLayoutMismatch,
				"partition (%s): plan size (%d) != image size (%d)",
				entry.Name, entry.SizeBytes(), partition.Size)
		}

		logger.Log.Debugf("Partition (%s) reconciled: offset (%d), size (%d)",
			entry.Name, partition.Start, partition.Size)
	}

	return nil
}

// planEntry fetches a required plan entry by name.
func planEntry(plan *imageassemblerapi.PartitionPlan, name string) (imageassemblerapi.PartitionPlanEntry, error) {
	entry, found := plan.Get(name)
	if !found {
		return imageassemblerapi.PartitionPlanEntry{}, fmt.Errorf("%w: partition (%s)", ErrPartitionNotInPlan, name)
	}
	return entry, nil
}
