// Package cmdexec wraps external command execution. Every failure carries
// the return code and the captured output, and command output can be
// consumed line by line through a caller-chosen sink.
package cmdexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// CommandError reports a spawned command that exited non-zero or could not
// be located or started. ReturnCode is -1 when the process never ran.
type CommandError struct {
	Path       string
	Args       []string
	ReturnCode int
	Stdout     string
	Stderr     string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with %d", e.Path, e.ReturnCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

// Command is a single external program invocation.
type Command struct {
	Path  string
	Args  []string
	Env   []string // appended to the parent environment
	Stdin io.Reader

	l *slog.Logger
}

func New(path string, args ...string) *Command {
	return &Command{
		Path: path,
		Args: args,
		l:    slog.With(slog.String("component", "cmdexec")),
	}
}

func (c *Command) build(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin
	return cmd
}

func (c *Command) wrapError(err error, stdout, stderr string) error {
	cmdErr := &CommandError{
		Path:       c.Path,
		Args:       c.Args,
		ReturnCode: -1,
		Stdout:     stdout,
		Stderr:     stderr,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ReturnCode = exitErr.ExitCode()
	}
	return cmdErr
}

// Run executes the command, capturing output only for error reporting.
func (c *Command) Run(ctx context.Context) error {
	var stdout, stderr bytes.Buffer
	cmd := c.build(ctx)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.l.Debug("exec", slog.String("path", c.Path), slog.Any("args", c.Args))
	if err := cmd.Run(); err != nil {
		return c.wrapError(err, stdout.String(), stderr.String())
	}
	return nil
}

// Output executes the command and returns the captured stdout and stderr.
func (c *Command) Output(ctx context.Context) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := c.build(ctx)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.l.Debug("exec", slog.String("path", c.Path), slog.Any("args", c.Args))
	if err := cmd.Run(); err != nil {
		return stdout.String(), stderr.String(), c.wrapError(err, stdout.String(), stderr.String())
	}
	return stdout.String(), stderr.String(), nil
}

// Lines executes the command and delivers stdout to sink one line at a
// time, in order, as the process produces it. The sink sees lines before
// the process exits; stderr is captured for error reporting only.
func (c *Command) Lines(ctx context.Context, sink func(line string)) error {
	var stderr bytes.Buffer
	cmd := c.build(ctx)
	cmd.Stderr = &stderr

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return c.wrapError(err, "", "")
	}

	c.l.Debug("exec", slog.String("path", c.Path), slog.Any("args", c.Args))
	if err := cmd.Start(); err != nil {
		return c.wrapError(err, "", stderr.String())
	}

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return c.wrapError(err, "", stderr.String())
	}
	return scanErr
}
