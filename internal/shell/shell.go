// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

// Package shell runs external tools and captures their output.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

// Execute runs the given program without stdin input, waits for it to
// finish, and returns its captured stdout and stderr.
func Execute(ctx context.Context, program string, args ...string) (stdout string, stderr string, err error) {
	return ExecuteWithStdin(ctx, "", program, args...)
}

// ExecuteWithStdin runs the given program with input piped to stdin.
func ExecuteWithStdin(ctx context.Context, input string, program string, args ...string) (stdout string, stderr string, err error) {
	logger.Log.Debugf("Executing: %s %s", program, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, program, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		return stdout, stderr, fmt.Errorf("%s failed:\n%w\n%s", program, err, strings.TrimSpace(stderr))
	}

	return stdout, stderr, nil
}

// ExecuteLive runs the given program, streaming its output to the logger as
// it is produced. If squashErrors is set, stderr is logged at debug level
// instead of warn level.
func ExecuteLive(ctx context.Context, squashErrors bool, program string, args ...string) error {
	logger.Log.Debugf("Executing: %s %s", program, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, program, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("failed to start %s:\n%w", program, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logLines(stdoutPipe, false, squashErrors)
	}()
	go func() {
		defer wg.Done()
		logLines(stderrPipe, true, squashErrors)
	}()
	wg.Wait()

	err = cmd.Wait()
	if err != nil {
		return fmt.Errorf("%s failed:\n%w", program, err)
	}

	return nil
}

func logLines(reader io.Reader, isStderr bool, squashErrors bool) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		if isStderr && !squashErrors {
			logger.Log.Warn(line)
		} else {
			logger.Log.Debug(line)
		}
	}
}
