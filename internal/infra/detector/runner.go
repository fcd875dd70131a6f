// Package detector holds what the process-backed detector adapters share:
// running a scanner binary under a context and classifying how it ended.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

const (
	// ExitTimedOut is reported when the context ended before the process.
	ExitTimedOut = 124
	// ExitNotFound is reported when the binary could not be found.
	ExitNotFound = 127

	maxStderrExcerpt = 512
)

// Result is the captured outcome of one process run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner runs an external command. Adapters depend on it so tests can
// substitute canned output.
type Runner interface {
	Run(ctx context.Context, name string, args []string, dir string) (Result, error)
}

// ExecRunner runs commands with os/exec, killing them when ctx ends.
type ExecRunner struct {
	logger *logger.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *logger.Logger) *ExecRunner {
	return &ExecRunner{logger: logger.With("component", "exec_runner")}
}

// Run executes name with args in dir. A non-zero exit is reported through
// ExitCode together with the *exec.ExitError.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, dir string) (Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Give the process a moment to exit after the kill signal before the
	// pipes are closed underneath it.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			res.ExitCode = ExitTimedOut
		case errors.Is(err, exec.ErrNotFound):
			res.ExitCode = ExitNotFound
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = 1
		}
	}

	r.logger.Debug(ctx, "Command finished",
		"command", name,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"stdout_bytes", len(res.Stdout),
	)
	return res, err
}

// Classify converts the outcome of a run into the error a detector should
// return: nil when the exit code is one of okCodes, the context error when
// the context ended, and a *scanning.DetectorError otherwise.
func Classify(ctx context.Context, name scanning.DetectorName, res Result, runErr error, okCodes ...int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if runErr == nil && res.ExitCode == 0 {
		return nil
	}
	if slices.Contains(okCodes, res.ExitCode) {
		return nil
	}

	switch res.ExitCode {
	case ExitNotFound:
		return scanning.NewDetectorError(name, scanning.DetectorErrorNotAvailable, runErr)
	case ExitTimedOut:
		return scanning.NewDetectorError(name, scanning.DetectorErrorTimedOut, runErr)
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) && res.ExitCode <= 1 {
		// The process never started properly.
		return scanning.NewDetectorError(name, scanning.DetectorErrorNotAvailable, runErr)
	}
	return scanning.NewDetectorError(
		name,
		scanning.DetectorErrorNonZeroExit,
		fmt.Errorf("exit code %d: %s", res.ExitCode, stderrExcerpt(res.Stderr)),
	)
}

func stderrExcerpt(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > maxStderrExcerpt {
		s = s[:maxStderrExcerpt] + "..."
	}
	return s
}

// Malformed wraps a parse failure as a MALFORMED_OUTPUT detector error.
func Malformed(name scanning.DetectorName, err error) error {
	return scanning.NewDetectorError(name, scanning.DetectorErrorMalformedOutput, err)
}
