// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

// Package file contains basic file manipulation helpers.
package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// Read reads the entire file at path and returns its contents as a string.
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file (%s):\n%w", path, err)
	}
	return string(data), nil
}

// Write writes data to the file at path, creating it if needed.
func Write(data string, path string) error {
	err := os.WriteFile(path, []byte(data), 0o644)
	if err != nil {
		return fmt.Errorf("failed to write file (%s):\n%w", path, err)
	}
	return nil
}

// Copy copies the file at src to dst, creating any missing parent
// directories of dst.
func Copy(src string, dst string) error {
	return CopyWithPerm(src, dst, 0o644)
}

// CopyWithPerm copies the file at src to dst with the given permissions.
func CopyWithPerm(src string, dst string, perm os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(dst), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create directory for (%s):\n%w", dst, err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open (%s):\n%w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create (%s):\n%w", dst, err)
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy (%s) to (%s):\n%w", src, dst, err)
	}

	return dstFile.Close()
}

// IsFile returns true if path exists and is a regular file.
func IsFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// DirExists returns true if path exists and is a directory.
func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// CommandExists returns true if the named command is on the PATH.
func CommandExists(name string) (bool, error) {
	_, err := exec.LookPath(name)
	if errors.Is(err, exec.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PathExists returns true if path exists.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
