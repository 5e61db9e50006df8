// Package process runs external tools with full output capture and a
// wall-clock deadline.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result is the captured outcome of one process run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// SpawnError means the process could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError means the process ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	} else if tail := lastLine(e.Stdout); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// TimeoutError means the deadline passed before the process exited.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s", e.Command, e.Timeout)
}

// Run executes name with args, killing it once timeout elapses. A timeout of
// zero means only ctx bounds the run.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// don't wait forever on grandchildren holding the pipes open
	cmd.WaitDelay = time.Second

	command := describe(name, args)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &SpawnError{Command: command, Err: err}
	}

	err := cmd.Wait()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, &TimeoutError{Command: command, Timeout: timeout, Stdout: res.Stdout, Stderr: res.Stderr}
		}
		return res, ctxErr
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, &ExitError{Command: command, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
		}
		return res, fmt.Errorf("failed waiting for %s: %w", command, err)
	}
	return res, nil
}

// LastNonEmptyLine returns the last line of s that is not blank, trimmed.
func LastNonEmptyLine(s string) string {
	return lastLine(s)
}

func lastLine(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func describe(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
