package runner

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, ok := LookPath("sh"); !ok {
		t.Skip("sh not available")
	}
}

func TestRunStreamsOutput(t *testing.T) {
	requireShell(t)
	var chunks []string
	out, err := New().Run(context.Background(), "sh", []string{"-c", "echo one; echo two"}, Options{
		OnProgress: func(chunk string) { chunks = append(chunks, chunk) },
	})
	require.NoError(t, err)
	require.Equal(t, "one\ntwo", out)
	require.Equal(t, []string{"one", "two"}, chunks)
}

func TestRunEnvAndDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	out, err := New().Run(context.Background(), "sh", []string{"-c", "echo $AIFLOW_TEST; pwd"}, Options{
		Dir: dir,
		Env: map[string]string{"AIFLOW_TEST": "hello"},
	})
	require.NoError(t, err)
	require.Contains(t, out, "hello")
	require.Contains(t, out, dir)
}

func TestRunNonZeroExit(t *testing.T) {
	requireShell(t)
	_, err := New().Run(context.Background(), "sh", []string{"-c", "echo quota exceeded >&2; exit 3"}, Options{})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.ExitCode)
	require.Equal(t, "quota exceeded", exitErr.Stderr)
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	start := time.Now()
	_, err := New(WithWaitDelay(time.Second)).Run(context.Background(), "sh", []string{"-c", "sleep 5"}, Options{
		Timeout: 100 * time.Millisecond,
	})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestRunCallerDeadline(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := New(WithWaitDelay(time.Second)).Run(ctx, "sh", []string{"-c", "sleep 5"}, Options{
		Timeout: 10 * time.Minute,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var timeoutErr *TimeoutError
	require.False(t, errors.As(err, &timeoutErr), "the caller's deadline is not the runner timeout")
	require.NotContains(t, err.Error(), "10m0s")
}

func TestRunMissingExecutable(t *testing.T) {
	_, err := New().Run(context.Background(), "aiflow-definitely-missing-binary", nil, Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, exec.ErrNotFound))
}
