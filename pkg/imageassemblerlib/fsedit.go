// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"fmt"
	"strings"

	"github.com/substrate-os/image-assembly-tools/internal/logger"
	"github.com/substrate-os/image-assembly-tools/internal/shell"
)

// FsOpKind enumerates the operations an offline filesystem editor supports.
type FsOpKind string

const (
	FsOpRemove   FsOpKind = "remove"
	FsOpWrite    FsOpKind = "write"
	FsOpSetLabel FsOpKind = "set-label"
)

// FsOp is one operation against a filesystem image: remove a path, write a
// host file to a path, or set a path's security label.
type FsOp struct {
	Kind FsOpKind

	// Path is the destination path within the filesystem image.
	Path string

	// Source is the host path of the content to write (FsOpWrite only).
	Source string

	// Label is the security label to set (FsOpSetLabel only).
	Label string
}

// FsEditor is an offline filesystem editor capability: it mutates and reads
// ext filesystem images without mounting them.
type FsEditor interface {
	// Apply executes a batch of operations against the image. The batch is
	// all-or-nothing from the pipeline's perspective: any diagnostic from
	// the underlying tool fails the whole batch.
	Apply(ctx context.Context, imagePath string, ops []FsOp) error

	// ReadFile returns the content of a file within the image.
	ReadFile(ctx context.Context, imagePath string, path string) ([]byte, error)

	// DumpTree extracts the image's full directory tree into destDir.
	DumpTree(ctx context.Context, imagePath string, destDir string) error

	// BuildFromTree creates a fresh filesystem image of the given size from
	// the content of treeDir.
	BuildFromTree(ctx context.Context, treeDir string, imagePath string, sizeBytes uint64) error
}

// debugfsEditor edits ext filesystem images offline via debugfs and mke2fs.
type debugfsEditor struct {
	debugfsTool string
	mke2fsTool  string
}

// NewDebugfsEditor returns the default FsEditor, backed by debugfs.
func NewDebugfsEditor() FsEditor {
	return &debugfsEditor{
		debugfsTool: "debugfs",
		mke2fsTool:  "mke2fs",
	}
}

func (e *debugfsEditor) Apply(ctx context.Context, imagePath string, ops []FsOp) error {
	if len(ops) == 0 {
		return nil
	}

	script := strings.Builder{}
	for _, op := range ops {
		switch op.Kind {
		case FsOpRemove:
			// Removal of a missing path is tolerated; the rm diagnostic
			// for it is filtered below.
			fmt.Fprintf(&script, "rm %s\n", op.Path)
		case FsOpWrite:
			fmt.Fprintf(&script, "write %s %s\n", op.Source, op.Path)
		case FsOpSetLabel:
			fmt.Fprintf(&script, "ea_set %s security.selinux %s\000\n", op.Path, op.Label)
		default:
			return fmt.Errorf("unknown filesystem operation (%s)", op.Kind)
		}
	}

	stdout, stderr, err := shell.ExecuteWithStdin(ctx, script.String(), e.debugfsTool, "-w", "-f", "-", imagePath)
	if err != nil {
		return fmt.Errorf("%w: debugfs batch against (%s) failed:\n%w", ErrPatchDiagnostics, imagePath, err)
	}

	return scanEditorDiagnostics(imagePath, stdout+stderr)
}

func (e *debugfsEditor) ReadFile(ctx context.Context, imagePath string, path string) ([]byte, error) {
	stdout, stderr, err := shell.Execute(ctx, e.debugfsTool, "-R", "cat "+path, imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read (%s) from image (%s):\n%w", path, imagePath, err)
	}

	err = scanEditorDiagnostics(imagePath, stderr)
	if err != nil {
		return nil, err
	}

	return []byte(stdout), nil
}

func (e *debugfsEditor) DumpTree(ctx context.Context, imagePath string, destDir string) error {
	stdout, stderr, err := shell.Execute(ctx, e.debugfsTool, "-R", "rdump / "+destDir, imagePath)
	if err != nil {
		return fmt.Errorf("failed to dump tree of image (%s):\n%w", imagePath, err)
	}

	return scanEditorDiagnostics(imagePath, stdout+stderr)
}

func (e *debugfsEditor) BuildFromTree(ctx context.Context, treeDir string, imagePath string, sizeBytes uint64) error {
	blocks := sizeBytes / 4096
	_, stderr, err := shell.Execute(ctx, e.mke2fsTool,
		"-q", "-F",
		"-t", "ext4",
		"-b", "4096",
		"-d", treeDir,
		imagePath, fmt.Sprintf("%d", blocks))
	if err != nil {
		return fmt.Errorf("failed to build filesystem image (%s) from tree (%s):\n%w", imagePath, treeDir, err)
	}

	return scanEditorDiagnostics(imagePath, stderr)
}

// scanEditorDiagnostics inspects the combined diagnostic stream of an editor
// invocation. The tools print a version banner unconditionally; anything
// beyond the banner means the batch is partially applied and untrustworthy.
func scanEditorDiagnostics(imagePath string, output string) error {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isEditorBanner(line) {
			continue
		}

		logger.Log.Errorf("Filesystem editor diagnostic on (%s): %s", imagePath, line)
		return wrapError(ErrPatchDiagnostics, "image (%s): %s", imagePath, line)
	}

	return nil
}

func isEditorBanner(line string) bool {
	switch {
	case strings.HasPrefix(line, "debugfs 1."),
		strings.HasPrefix(line, "debugfs:"),
		strings.HasPrefix(line, "mke2fs 1."),
		// debugfs's rm prints this for paths that were never written.
		strings.HasSuffix(line, "File not found by ext2_lookup"):
		return true
	}
	return false
}
