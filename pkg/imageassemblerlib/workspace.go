// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
	"github.com/substrate-os/image-assembly-tools/internal/mountguard"
)

// Workspace is the private scratch directory owning all working images and
// staging directories of one invocation. It must be released on every exit
// path; parallel invocations never share a workspace.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a fresh scratch workspace under buildDir.
func NewWorkspace(buildDir string) (*Workspace, error) {
	err := os.MkdirAll(buildDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create build directory (%s):\n%w", buildDir, err)
	}

	dir := filepath.Join(buildDir, "assembly-"+uuid.NewString())
	err = os.Mkdir(dir, 0o700)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch workspace (%s):\n%w", dir, err)
	}

	logger.Log.Debugf("Created scratch workspace (%s)", dir)
	return &Workspace{Dir: dir}, nil
}

// Path returns the path of a file within the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Mkdir creates a subdirectory within the workspace and returns its path.
func (w *Workspace) Mkdir(name string) (string, error) {
	dir := filepath.Join(w.Dir, name)
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", fmt.Errorf("failed to create workspace subdirectory (%s):\n%w", dir, err)
	}
	return dir, nil
}

// Release removes the workspace. It refuses to do so while anything is still
// mounted underneath it, since removal would then destroy mounted content.
func (w *Workspace) Release() {
	err := mountguard.EnsureNoMounts(w.Dir)
	if err != nil {
		logger.Log.Errorf("Not removing scratch workspace (%s): %s", w.Dir, err)
		return
	}

	err = os.RemoveAll(w.Dir)
	if err != nil {
		logger.Log.Warnf("Failed to remove scratch workspace (%s): %s", w.Dir, err)
		return
	}

	logger.Log.Debugf("Removed scratch workspace (%s)", w.Dir)
}
