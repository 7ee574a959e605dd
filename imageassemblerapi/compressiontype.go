// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerapi

import (
	"fmt"

	"github.com/substrate-os/image-assembly-tools/internal/sliceutils"
)

type CompressionType string

const (
	// CompressionTypeNone means the default codec (zstd) is used.
	CompressionTypeNone CompressionType = ""
	CompressionTypeZstd CompressionType = "zst"
	CompressionTypeGzip CompressionType = "gz"
)

var supportedCompressionTypes = []string{
	string(CompressionTypeZstd),
	string(CompressionTypeGzip),
}

func (ct *CompressionType) IsValid() error {
	if *ct != CompressionTypeNone && !sliceutils.ContainsValue(supportedCompressionTypes, string(*ct)) {
		return fmt.Errorf("invalid compression type (%s)", *ct)
	}

	return nil
}
