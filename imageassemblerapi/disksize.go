// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerapi

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

var diskSizeRegex = regexp.MustCompile(`^(\d+)([KMGT])?$`)

// DiskSize is a size in bytes, parsed from strings like "2048M" or "10G".
type DiskSize uint64

func (s *DiskSize) IsValid() error {
	return nil
}

func (s *DiskSize) UnmarshalYAML(value *yaml.Node) error {
	var stringValue string
	err := value.Decode(&stringValue)
	if err != nil {
		return fmt.Errorf("failed to parse disk size:\n%w", err)
	}

	return parseAndSetDiskSize(stringValue, s)
}

func (s DiskSize) String() string {
	switch {
	case s == 0:
		return "0"
	case s%(1<<40) == 0:
		return fmt.Sprintf("%dT", s>>40)
	case s%(1<<30) == 0:
		return fmt.Sprintf("%dG", s>>30)
	case s%(1<<20) == 0:
		return fmt.Sprintf("%dM", s>>20)
	case s%(1<<10) == 0:
		return fmt.Sprintf("%dK", s>>10)
	default:
		return strconv.FormatUint(uint64(s), 10)
	}
}

func (DiskSize) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:    "string",
		Pattern: diskSizeRegex.String(),
	}
}

func parseAndSetDiskSize(stringValue string, s *DiskSize) error {
	match := diskSizeRegex.FindStringSubmatch(stringValue)
	if match == nil {
		return fmt.Errorf("invalid disk size (%s): expected format is <number>[K|M|G|T]", stringValue)
	}

	num, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid disk size (%s):\n%w", stringValue, err)
	}

	switch match[2] {
	case "K":
		num <<= 10
	case "M":
		num <<= 20
	case "G":
		num <<= 30
	case "T":
		num <<= 40
	}

	*s = DiskSize(num)
	return nil
}
