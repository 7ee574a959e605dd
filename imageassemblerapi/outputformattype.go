// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerapi

import (
	"fmt"

	"github.com/substrate-os/image-assembly-tools/internal/sliceutils"
)

type OutputFormatType string

const (
	OutputFormatTypeNone  OutputFormatType = ""
	OutputFormatTypeRaw   OutputFormatType = "raw"
	OutputFormatTypeQcow2 OutputFormatType = "qcow2"
	OutputFormatTypeVmdk  OutputFormatType = "vmdk"
)

var supportedOutputFormatTypes = []string{
	string(OutputFormatTypeRaw),
	string(OutputFormatTypeQcow2),
	string(OutputFormatTypeVmdk),
}

func (ft *OutputFormatType) IsValid() error {
	if *ft != OutputFormatTypeNone && !sliceutils.ContainsValue(SupportedOutputFormatTypes(), string(*ft)) {
		return fmt.Errorf("invalid output format type (%s)", *ft)
	}

	return nil
}

// SupportedOutputFormatTypes returns all valid output format types.
func SupportedOutputFormatTypes() []string {
	return supportedOutputFormatTypes
}
