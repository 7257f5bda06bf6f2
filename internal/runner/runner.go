// Package runner executes external commands and captures what they print.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kebairia/borgmon/internal/logger"
)

// ErrStart indicates the command could not be started at all. A command that
// starts and exits non-zero is not an error.
var ErrStart = errors.New("command could not be started")

// Command is one process to execute. The process inherits the current
// environment at the moment Run is called.
type Command struct {
	Path  string
	Args  []string
	Stdin string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Result is what a finished process left behind.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Success reports whether the process exited with status 0.
func (r Result) Success() bool { return r.ExitStatus == 0 }

// Runner executes a Command to completion.
type Runner interface {
	Run(ctx context.Context, c Command) (Result, error)
}

// Option lets you override default settings on an ExecRunner.
type Option func(*ExecRunner)

// WithLogger sets the logger used for command lines and captured output.
func WithLogger(log logger.Logger) Option {
	return func(r *ExecRunner) {
		if log != nil {
			r.log = log
		}
	}
}

// ExecRunner runs commands with os/exec. Calls block until the process exits;
// no timeout or retry is applied.
type ExecRunner struct {
	log logger.Logger
}

var _ Runner = (*ExecRunner)(nil)

// New returns an ExecRunner configured with opts.
func New(opts ...Option) *ExecRunner {
	r := &ExecRunner{log: logger.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes c and returns its captured output and exit status.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	r.log.Info("calling command", "command", c.String())

	startTime := time.Now()
	err := cmd.Run()
	executionDuration := time.Since(startTime)

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitStatus = exitErr.ExitCode()
	default:
		r.log.Error("command failed to start",
			"command", c.Path,
			"error", err.Error(),
		)
		return Result{}, fmt.Errorf("%w: %s: %v", ErrStart, c.Path, err)
	}

	r.log.Debug("command finished",
		"status", result.ExitStatus,
		"duration", executionDuration.String(),
		"stdout", result.Stdout,
		"stderr", result.Stderr,
	)
	return result, nil
}
