// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/substrate-os/image-assembly-tools/internal/logger"
	"gopkg.in/ini.v1"
)

const osReleasePath = "/usr/lib/os-release"

// checkOsRelease reads os-release from the staged root content and warns if
// its version disagrees with the configured one. The configured version
// drives artifact naming either way; a disagreement usually means the input
// directory holds a stale image.
func checkOsRelease(ctx context.Context, staged *stagedImages, editor FsEditor, configuredVersion string) error {
	var data []byte
	var err error

	if staged.RootTree != "" {
		data, err = os.ReadFile(filepath.Join(staged.RootTree, osReleasePath))
	} else {
		data, err = editor.ReadFile(ctx, staged.RootImage, osReleasePath)
	}
	if err != nil {
		logger.Log.Debugf("Could not read os-release from staged root: %s", err)
		return nil
	}

	version, err := parseOsReleaseVersion(data)
	if err != nil {
		return err
	}

	if version != "" && version != configuredVersion {
		logger.Log.Warnf("os-release VERSION_ID (%s) differs from configured version (%s)",
			version, configuredVersion)
	}

	return nil
}

func parseOsReleaseVersion(data []byte) (string, error) {
	// os-release is a flat key=value file; ini parses it as the default
	// section.
	osRelease, err := ini.Load(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse os-release:\n%w", err)
	}

	return osRelease.Section("").Key("VERSION_ID").String(), nil
}
