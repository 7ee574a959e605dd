// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

// Package imageassemblerapi defines the configuration schema of the image
// assembler.
package imageassemblerapi

import (
	"fmt"
	"os"

	"github.com/asaskevich/govalidator"
	"gopkg.in/yaml.v3"
)

// Config is the full invocation configuration of one assembly run.
type Config struct {
	// Input holds the locations of the source artifacts.
	Input InputConfig `yaml:"input"`

	// Output selects where and in which format artifacts are produced.
	Output OutputConfig `yaml:"output"`

	// Version is the OS version stamped into artifact names.
	Version string `yaml:"version"`

	// PartitionPlanFile points at the partition plan descriptor to
	// reconcile the source image against.
	PartitionPlanFile string `yaml:"partitionPlanFile"`

	// OsImageSize is the expected size of the OS disk image.
	OsImageSize DiskSize `yaml:"osImageSize"`

	// DataImageSize is the expected size of the data disk image, if any.
	DataImageSize DiskSize `yaml:"dataImageSize"`

	// OsImagePublishSize is the OS disk size advertised by the appliance
	// bundle descriptor.
	OsImagePublishSize DiskSize `yaml:"osImagePublishSize"`

	// DataImagePublishSize is the data disk size advertised by the
	// appliance bundle descriptor.
	DataImagePublishSize DiskSize `yaml:"dataImagePublishSize"`

	// ApplianceTemplate points at the descriptor template used when
	// packaging the appliance bundle.
	ApplianceTemplate string `yaml:"applianceTemplate"`

	// PrebuiltRootImage selects the extracted-tree root handling mode: the
	// root filesystem is dumped to a working directory and a fresh image
	// is built from it after patching.
	PrebuiltRootImage bool `yaml:"prebuiltRootImage"`

	// SecureBoot enables re-signing of the boot chain and provisioning of
	// the verification certificate.
	SecureBoot bool `yaml:"secureBoot"`

	// InPlaceUpdates selects the in-place-update partition plan variant.
	InPlaceUpdates bool `yaml:"inPlaceUpdates"`

	// SigningKeyDir holds the signing key and certificate material.
	// Required when SecureBoot is set.
	SigningKeyDir string `yaml:"signingKeyDir"`
}

type InputConfig struct {
	// Dir is the directory holding the source OS image, the optional data
	// image, and the per-variant input artifacts.
	Dir string `yaml:"dir"`

	// OsImage is the source OS image filename within Dir.
	OsImage string `yaml:"osImage"`

	// DataImage is the optional data image filename within Dir.
	DataImage string `yaml:"dataImage"`
}

type OutputConfig struct {
	// Dir is the directory the versioned output bundle is created in.
	Dir string `yaml:"dir"`

	// Format is the primary artifact format.
	Format OutputFormatType `yaml:"format"`

	// Compression selects the artifact compression codec.
	Compression CompressionType `yaml:"compression"`
}

func (c *Config) IsValid() error {
	if c.Input.Dir == "" {
		return fmt.Errorf("invalid config: input.dir must be specified")
	}
	if c.Input.OsImage == "" {
		return fmt.Errorf("invalid config: input.osImage must be specified")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("invalid config: output.dir must be specified")
	}

	if c.Output.Format == OutputFormatTypeNone {
		return fmt.Errorf("invalid config: output.format must be specified")
	}
	if err := c.Output.Format.IsValid(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}
	if err := c.Output.Compression.IsValid(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	if c.Version == "" || !govalidator.Matches(c.Version, `^[0-9]+\.[0-9]+\.[0-9]+$`) {
		return fmt.Errorf("invalid config: version (%s) must be a dotted triple", c.Version)
	}

	if c.PartitionPlanFile == "" {
		return fmt.Errorf("invalid config: partitionPlanFile must be specified")
	}

	if c.OsImageSize == 0 {
		return fmt.Errorf("invalid config: osImageSize must be specified")
	}
	if c.Input.DataImage != "" && c.DataImageSize == 0 {
		return fmt.Errorf("invalid config: dataImageSize must be specified when input.dataImage is set")
	}
	if c.OsImagePublishSize != 0 && c.OsImagePublishSize < c.OsImageSize {
		return fmt.Errorf("invalid config: osImagePublishSize (%s) is smaller than osImageSize (%s)",
			c.OsImagePublishSize.String(), c.OsImageSize.String())
	}
	if c.DataImagePublishSize != 0 && c.DataImagePublishSize < c.DataImageSize {
		return fmt.Errorf("invalid config: dataImagePublishSize (%s) is smaller than dataImageSize (%s)",
			c.DataImagePublishSize.String(), c.DataImageSize.String())
	}

	if c.Output.Format == OutputFormatTypeVmdk && c.ApplianceTemplate == "" {
		return fmt.Errorf("invalid config: applianceTemplate must be specified for the vmdk output format")
	}

	if c.SecureBoot && c.SigningKeyDir == "" {
		return fmt.Errorf("invalid config: signingKeyDir must be specified when secureBoot is enabled")
	}

	return nil
}

// ParseConfigFile reads and validates an assembler config file.
func ParseConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file (%s):\n%w", path, err)
	}

	config := &Config{}
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file (%s):\n%w", path, err)
	}

	err = config.IsValid()
	if err != nil {
		return nil, err
	}

	return config, nil
}
