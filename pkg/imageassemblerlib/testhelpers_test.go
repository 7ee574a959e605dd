// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

// fakeBatch records one Apply invocation.
type fakeBatch struct {
	imagePath string
	ops       []FsOp
}

// fakeFsEditor is an in-memory FsEditor. Image paths are ignored; all images
// share one namespace, which is sufficient for single-image assertions.
type fakeFsEditor struct {
	files   map[string][]byte
	labels  map[string]string
	batches []fakeBatch

	readErr error
}

func newFakeFsEditor() *fakeFsEditor {
	return &fakeFsEditor{
		files:  make(map[string][]byte),
		labels: make(map[string]string),
	}
}

func (e *fakeFsEditor) seed(path string, content string) {
	e.files[path] = []byte(content)
}

func (e *fakeFsEditor) Apply(ctx context.Context, imagePath string, ops []FsOp) error {
	e.batches = append(e.batches, fakeBatch{imagePath: imagePath, ops: ops})

	for _, op := range ops {
		switch op.Kind {
		case FsOpRemove:
			delete(e.files, op.Path)
			delete(e.labels, op.Path)
		case FsOpWrite:
			data, err := os.ReadFile(op.Source)
			if err != nil {
				return err
			}
			e.files[op.Path] = data
		case FsOpSetLabel:
			if _, exists := e.files[op.Path]; !exists {
				return fmt.Errorf("set-label on missing path (%s)", op.Path)
			}
			e.labels[op.Path] = op.Label
		}
	}
	return nil
}

func (e *fakeFsEditor) ReadFile(ctx context.Context, imagePath string, path string) ([]byte, error) {
	if e.readErr != nil {
		return nil, e.readErr
	}
	data, exists := e.files[path]
	if !exists {
		return nil, fmt.Errorf("path (%s) not in image", path)
	}
	return data, nil
}

func (e *fakeFsEditor) DumpTree(ctx context.Context, imagePath string, destDir string) error {
	for path, data := range e.files {
		hostPath := filepath.Join(destDir, path)
		err := os.MkdirAll(filepath.Dir(hostPath), 0o755)
		if err != nil {
			return err
		}
		err = os.WriteFile(hostPath, data, 0o644)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeFsEditor) BuildFromTree(ctx context.Context, treeDir string, imagePath string, sizeBytes uint64) error {
	e.files = make(map[string][]byte)
	e.labels = make(map[string]string)
	err := filepath.WalkDir(treeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(treeDir, path)
		if err != nil {
			return err
		}
		e.files["/"+filepath.ToSlash(relPath)] = data
		return nil
	})
	if err != nil {
		return err
	}

	imageFile, err := os.Create(imagePath)
	if err != nil {
		return err
	}
	defer imageFile.Close()
	return imageFile.Truncate(int64(sizeBytes))
}

// fakeFatEditor is an in-memory FatEditor with operation recording.
type fakeFatEditor struct {
	files   map[string][]byte
	copyIns []string
	removes []string
}

func newFakeFatEditor() *fakeFatEditor {
	return &fakeFatEditor{files: make(map[string][]byte)}
}

func (e *fakeFatEditor) seed(path string, content string) {
	e.files[path] = []byte(content)
}

func (e *fakeFatEditor) CopyOut(ctx context.Context, imagePath string, destDir string) error {
	for path, data := range e.files {
		hostPath := filepath.Join(destDir, path)
		err := os.MkdirAll(filepath.Dir(hostPath), 0o755)
		if err != nil {
			return err
		}
		err = os.WriteFile(hostPath, data, 0o644)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeFatEditor) CopyIn(ctx context.Context, imagePath string, hostPath string, destPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}
	e.files[destPath] = data
	e.copyIns = append(e.copyIns, destPath)
	return nil
}

func (e *fakeFatEditor) Remove(ctx context.Context, imagePath string, path string) error {
	if _, exists := e.files[path]; !exists {
		return fmt.Errorf("path (%s) not in EFI image", path)
	}
	delete(e.files, path)
	e.removes = append(e.removes, path)
	return nil
}

// fakeSigningBackend records the roles it signs, in order, and can be
// configured to fail at a given role.
type fakeSigningBackend struct {
	checkErr error
	failRole SigningRole
	signed   []SigningRole
}

func (b *fakeSigningBackend) Check(ctx context.Context) error {
	return b.checkErr
}

func (b *fakeSigningBackend) SignBinary(ctx context.Context, role SigningRole, path string) (string, error) {
	if role == b.failRole {
		return "", fmt.Errorf("injected signing failure for %s", role)
	}
	b.signed = append(b.signed, role)

	signedPath := path + ".signed"
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	err = os.WriteFile(signedPath, append([]byte("signed:"), data...), 0o644)
	if err != nil {
		return "", err
	}
	return signedPath, nil
}

func (b *fakeSigningBackend) DetachedSign(ctx context.Context, role SigningRole, path string) (string, error) {
	if role == b.failRole {
		return "", fmt.Errorf("injected signing failure for %s", role)
	}
	b.signed = append(b.signed, role)

	sigPath := path + ".sig"
	err := os.WriteFile(sigPath, []byte("sig:"+filepath.Base(path)), 0o644)
	if err != nil {
		return "", err
	}
	return sigPath, nil
}

func (b *fakeSigningBackend) KernelDigest(ctx context.Context, path string) (string, error) {
	digestPath := path + ".hmac"
	err := os.WriteFile(digestPath, []byte("digest:"+filepath.Base(path)), 0o644)
	if err != nil {
		return "", err
	}
	return digestPath, nil
}

func (b *fakeSigningBackend) ExportCertificate(ctx context.Context, destDir string) (string, error) {
	certPath := filepath.Join(destDir, "verify.cer")
	err := os.WriteFile(certPath, []byte("certificate"), 0o644)
	if err != nil {
		return "", err
	}
	return certPath, nil
}

// newTestWorkspace creates a workspace under a test temp directory. The
// directory is cleaned up by the testing framework; Release is still safe to
// call.
func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

// writeTestFile creates a file with the given content in dir and returns its
// path.
func writeTestFile(t *testing.T, dir string, name string, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		t.Fatal(err)
	}
	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	return path
}
