// Package cmdrun runs external administration tools and turns their failures
// into errors that carry the tool name, exit code and stderr.
package cmdrun

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/ruteri/tpm-vault/interfaces"
)

// Runner executes a program with optional stdin and returns its stdout.
type Runner interface {
	Run(stdin []byte, name string, args ...string) ([]byte, error)
}

// ToolError describes a failed tool invocation. Stdin is never recorded.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Tool, strings.Join(e.Args, " "))
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{interfaces.ErrExternalTool}
	}
	return []error{interfaces.ErrExternalTool, e.Err}
}

// OSRunner runs tools through os/exec.
type OSRunner struct {
	log *slog.Logger
}

// NewOSRunner returns a runner that logs invocations at debug level.
func NewOSRunner(log *slog.Logger) *OSRunner {
	return &OSRunner{log: log}
}

// Run executes name with args. A non-zero exit status yields a *ToolError.
func (r *OSRunner) Run(stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug("running tool", slog.String("tool", name), slog.Any("args", args), slog.Bool("stdin", stdin != nil))

	if err := cmd.Run(); err != nil {
		toolErr := &ToolError{
			Tool:     name,
			Args:     args,
			ExitCode: -1,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			toolErr.ExitCode = exitErr.ExitCode()
		}
		r.log.Debug("tool failed", slog.String("tool", name), slog.Int("exit", toolErr.ExitCode), "err", err)
		return stdout.Bytes(), toolErr
	}
	return stdout.Bytes(), nil
}

// Stderr returns the captured stderr of a ToolError in err's chain, or "".
func Stderr(err error) string {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Stderr
	}
	return ""
}
