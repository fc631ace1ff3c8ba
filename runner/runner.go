// Package runner executes external command-line tools, streaming their
// output line by line to an optional progress callback.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultWaitDelay bounds how long Run waits for output pipes to drain after
// the process has been killed.
const DefaultWaitDelay = 5 * time.Second

// Options for a single process invocation.
type Options struct {
	// Timeout for the invocation. Zero means no timeout beyond ctx.
	Timeout time.Duration
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env holds extra environment variables added to the parent's.
	Env map[string]string
	// OnProgress receives each stdout line as it arrives.
	OnProgress func(chunk string)
}

// ExitError is returned when a process exits with a non-zero status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// TimeoutError is returned when a process exceeds its timeout.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.Timeout)
}

// Is lets callers match timeouts with errors.Is(err, context.DeadlineExceeded).
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// Runner is the interface consumed by the backend dispatcher.
type Runner interface {
	Run(ctx context.Context, command string, args []string, opts Options) (string, error)
}

// Exec runs commands as local child processes.
type Exec struct {
	logger    *slog.Logger
	waitDelay time.Duration
}

// Option configures an Exec runner.
type Option func(*Exec)

// WithLogger sets the logger used for process lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exec) { e.logger = logger }
}

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Exec) { e.waitDelay = d }
}

// New returns a runner that executes local processes.
func New(opts ...Option) *Exec {
	e := &Exec{waitDelay: DefaultWaitDelay}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

// Run executes command with args and returns its trimmed stdout. A non-zero
// exit returns *ExitError and an exceeded timeout returns *TimeoutError.
func (e *Exec) Run(ctx context.Context, command string, args []string, opts Options) (string, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.WaitDelay = e.waitDelay
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for key, value := range opts.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	var stderr bytes.Buffer
	stdout := &lineWriter{onLine: opts.OnProgress}
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", command, err)
	}
	e.logger.Debug("process started", "command", command, "pid", cmd.Process.Pid)
	err := cmd.Wait()
	stdout.Flush()

	duration := time.Since(start)
	// The caller's own deadline or cancellation is reported as is.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("%s: %w", command, ctxErr)
	}
	if runCtx.Err() == context.DeadlineExceeded {
		e.logger.Warn("process timed out", "command", command, "timeout", opts.Timeout)
		return "", &TimeoutError{Command: command, Timeout: opts.Timeout}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e.logger.Debug("process failed", "command", command, "exit_code", exitErr.ExitCode(), "duration", duration)
			return "", &ExitError{
				Command:  command,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return "", fmt.Errorf("failed to run %s: %w", command, err)
	}
	e.logger.Debug("process finished", "command", command, "duration", duration)
	return strings.TrimSpace(stdout.String()), nil
}

// LookPath reports whether command resolves to an executable on PATH.
func LookPath(command string) (string, bool) {
	path, err := exec.LookPath(command)
	return path, err == nil
}

// lineWriter collects process output and forwards complete lines to onLine.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	pending []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.onLine(strings.TrimRight(string(w.pending[:i]), "\r"))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line, if any.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil && len(w.pending) > 0 {
		w.onLine(string(w.pending))
		w.pending = nil
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
