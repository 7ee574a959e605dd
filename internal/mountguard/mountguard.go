// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

// Package mountguard guards scratch directories against removal while
// anything is still mounted underneath them.
package mountguard

import (
	"fmt"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/substrate-os/image-assembly-tools/internal/sliceutils"
)

// EnsureNoMounts returns an error if any mount point lies at or under dir.
// Removing a scratch workspace with a live mount underneath it would delete
// the mounted filesystem's content, so callers must check before cleanup.
func EnsureNoMounts(dir string) error {
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(dir))
	if err != nil {
		return fmt.Errorf("failed to read mount table:\n%w", err)
	}

	if len(mounts) > 0 {
		mountPoints := sliceutils.MapSlice(mounts, func(mount *mountinfo.Info) string {
			return mount.Mountpoint
		})
		return fmt.Errorf("directory (%s) still has active mounts: %s", dir, strings.Join(mountPoints, ", "))
	}

	return nil
}
