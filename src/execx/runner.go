// Package execx runs the external tools sshsnap delegates to (ssh, rsync, m4)
// behind a narrow interface so callers can substitute a fake in tests.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command describes one external process invocation.
type Command struct {
	Name string
	Args []string
	// Env is appended to the current process environment when non-empty.
	Env   []string
	Dir   string
	Stdin io.Reader
	// Stdout and Stderr, when set, receive the output as it is produced and
	// it is also captured into Result. An *os.File is handed to the process
	// as is and not captured: a tool that daemonizes (ssh -f) would otherwise
	// keep the capture pipe open and Run would never return.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the captured output of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands and blocks until they exit.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExitError is returned when a process ran but exited non-zero.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.Code, msg)
}

// ExitCode returns the exit status carried by err, or -1 when err did not
// come from a process that ran to completion.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner returns the Runner used outside of tests.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Dir = c.Dir
	if c.Stdin != nil {
		cmd.Stdin = c.Stdin
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = outputWriter(&stdoutBuf, c.Stdout)
	cmd.Stderr = outputWriter(&stderrBuf, c.Stderr)
	err := cmd.Run()
	res := Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, fmt.Errorf("%s: %w", c.Name, ctxErr)
			}
			return res, &ExitError{Name: c.Name, Code: res.ExitCode, Stderr: res.Stderr}
		}
		return res, fmt.Errorf("%s: start: %w", c.Name, err)
	}
	return res, nil
}

func outputWriter(capture *bytes.Buffer, w io.Writer) io.Writer {
	switch w := w.(type) {
	case nil:
		return capture
	case *os.File:
		return w
	default:
		return io.MultiWriter(capture, w)
	}
}
