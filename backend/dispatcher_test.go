package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/aiflow/breaker"
	"github.com/deepnoodle-ai/aiflow/runner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type call struct {
	Command string
	Args    []string
	Opts    runner.Options
}

// fakeRunner returns scripted results in order and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	results []fakeResult
}

type fakeResult struct {
	out string
	err error
}

func (f *fakeRunner) Run(_ context.Context, command string, args []string, opts runner.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Command: command, Args: args, Opts: opts})
	if len(f.results) == 0 {
		return "ok", nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	if opts.OnProgress != nil && r.out != "" {
		opts.OnProgress(r.out)
	}
	return r.out, r.err
}

func (f *fakeRunner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestExecuteEmptyPrompt(t *testing.T) {
	for _, prompt := range []string{"", "   ", "\n\t"} {
		fr := &fakeRunner{}
		d := NewDispatcher(WithRunner(fr), WithBreaker(breaker.New()))
		_, err := d.Execute(context.Background(), Request{Backend: Gemini, Prompt: prompt})
		require.ErrorIs(t, err, ErrEmptyPrompt)
		require.Empty(t, fr.Calls())
	}
}

func TestExecuteUnknownBackend(t *testing.T) {
	fr := &fakeRunner{}
	d := NewDispatcher(WithRunner(fr))
	_, err := d.Execute(context.Background(), Request{Backend: "claude", Prompt: "hi"})
	require.ErrorIs(t, err, ErrUnsupportedBackend)
	require.Contains(t, err.Error(), "claude")
	require.Empty(t, fr.Calls())

	_, err = ParseBackend("nope")
	require.ErrorContains(t, err, "unsupported backend")
	require.ErrorContains(t, err, "nope")
}

func TestExecuteSuccess(t *testing.T) {
	fr := &fakeRunner{results: []fakeResult{{out: "analysis"}}}
	reg := breaker.New()
	reg.OnFailure("gemini")
	var progress []string
	d := NewDispatcher(WithRunner(fr), WithBreaker(reg))

	out, err := d.Execute(context.Background(), Request{
		Backend:    Gemini,
		Prompt:     "find the bug",
		OnProgress: func(m string) { progress = append(progress, m) },
	})
	require.NoError(t, err)
	require.Equal(t, "analysis", out)
	require.Equal(t, []string{ProgressStarting, "analysis", ProgressCompleted}, progress)
	require.Equal(t, 0, reg.State("gemini").Failures)

	calls := fr.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "gemini", calls[0].Command)
	require.Equal(t, []string{"-m", GeminiPrimaryModel, "-p", "find the bug"}, calls[0].Args)
	require.Equal(t, DefaultTimeout, calls[0].Opts.Timeout)
}

func TestQuotaFallback(t *testing.T) {
	t.Run("retries once with fallback model", func(t *testing.T) {
		fr := &fakeRunner{results: []fakeResult{
			{err: errors.New("Quota exceeded for model")},
			{out: "from flash"},
		}}
		var progress []string
		d := NewDispatcher(WithRunner(fr), WithBreaker(breaker.New()))
		out, err := d.Execute(context.Background(), Request{
			Backend:    Qwen,
			Prompt:     "review",
			Model:      QwenPrimaryModel,
			Sandbox:    true,
			OnProgress: func(m string) { progress = append(progress, m) },
		})
		require.NoError(t, err)
		require.Equal(t, "from flash", out)
		require.Contains(t, progress, ProgressSwitching)

		calls := fr.Calls()
		require.Len(t, calls, 2)
		require.Equal(t, []string{"--model", QwenPrimaryModel, "--sandbox", "-p", "review"}, calls[0].Args)
		require.Equal(t, []string{"--model", QwenFallbackModel, "--sandbox", "-p", "review"}, calls[1].Args)
	})

	t.Run("rate limit on default model", func(t *testing.T) {
		fr := &fakeRunner{results: []fakeResult{
			{err: errors.New("429: RATE LIMIT reached")},
			{out: "ok"},
		}}
		d := NewDispatcher(WithRunner(fr))
		_, err := d.Execute(context.Background(), Request{Backend: Gemini, Prompt: "x"})
		require.NoError(t, err)
		calls := fr.Calls()
		require.Len(t, calls, 2)
		require.Equal(t, []string{"-m", GeminiFallbackModel, "-p", "x"}, calls[1].Args)
	})

	t.Run("both fail", func(t *testing.T) {
		fr := &fakeRunner{results: []fakeResult{
			{err: errors.New("quota exceeded")},
			{err: errors.New("flash is down")},
		}}
		reg := breaker.New()
		d := NewDispatcher(WithRunner(fr), WithBreaker(reg))
		_, err := d.Execute(context.Background(), Request{Backend: Gemini, Prompt: "x"})
		var fbErr *FallbackError
		require.ErrorAs(t, err, &fbErr)
		require.Contains(t, err.Error(), "quota exceeded")
		require.Contains(t, err.Error(), "flash is down")
		require.Len(t, fr.Calls(), 2)
		require.Equal(t, 1, reg.State("gemini").Failures)
	})

	t.Run("non-primary model is not retried", func(t *testing.T) {
		fr := &fakeRunner{results: []fakeResult{{err: errors.New("quota exceeded")}}}
		d := NewDispatcher(WithRunner(fr))
		_, err := d.Execute(context.Background(), Request{Backend: Gemini, Prompt: "x", Model: "gemini-2.5-pro"})
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		require.Len(t, fr.Calls(), 1)
	})

	t.Run("backend without fallback model", func(t *testing.T) {
		fr := &fakeRunner{results: []fakeResult{{err: errors.New("quota exceeded")}}}
		d := NewDispatcher(WithRunner(fr))
		_, err := d.Execute(context.Background(), Request{Backend: Cursor, Prompt: "x"})
		require.Error(t, err)
		require.Len(t, fr.Calls(), 1)
	})
}

func TestNonQuotaFailureNotRetried(t *testing.T) {
	fr := &fakeRunner{results: []fakeResult{{err: &runner.ExitError{Command: "gemini", ExitCode: 1, Stderr: "boom"}}}}
	reg := breaker.New()
	var progress []string
	d := NewDispatcher(WithRunner(fr), WithBreaker(reg))
	_, err := d.Execute(context.Background(), Request{
		Backend:    Gemini,
		Prompt:     "x",
		OnProgress: func(m string) { progress = append(progress, m) },
	})
	var exitErr *runner.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Len(t, fr.Calls(), 1)
	require.Equal(t, 1, reg.State("gemini").Failures)
	require.Equal(t, ProgressFailed, progress[len(progress)-1])
}

func TestOpenCircuitFailsFast(t *testing.T) {
	fr := &fakeRunner{results: []fakeResult{
		{err: errors.New("e1")}, {err: errors.New("e2")}, {err: errors.New("e3")},
	}}
	reg := breaker.New()
	d := NewDispatcher(WithRunner(fr), WithBreaker(reg))
	for range 3 {
		_, err := d.Execute(context.Background(), Request{Backend: Droid, Prompt: "plan"})
		require.Error(t, err)
	}
	_, err := d.Execute(context.Background(), Request{Backend: Droid, Prompt: "plan"})
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.Len(t, fr.Calls(), 3)
	require.Equal(t, breaker.Open, reg.State("droid").State)

	// Other backends are unaffected.
	_, err = d.Execute(context.Background(), Request{Backend: Cursor, Prompt: "plan"})
	require.NoError(t, err)
}

func TestCanceledTrialIsReleased(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := breaker.New(breaker.WithClock(func() time.Time { return now }))
	for range 3 {
		reg.OnFailure("gemini")
	}
	now = now.Add(6 * time.Minute)

	calls := 0
	run := runnerFunc(func(ctx context.Context, _ string, _ []string, _ runner.Options) (string, error) {
		calls++
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "recovered", nil
	})
	d := NewDispatcher(WithRunner(run), WithBreaker(reg))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Execute(canceled, Request{Backend: Gemini, Prompt: "why"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, breaker.HalfOpen, reg.State("gemini").State)

	out, err := d.Execute(context.Background(), Request{Backend: Gemini, Prompt: "why"})
	require.NoError(t, err)
	require.Equal(t, "recovered", out)
	require.Equal(t, 2, calls)
	require.Equal(t, breaker.Closed, reg.State("gemini").State)
}

func TestRateLimitWaitDoesNotHoldTrial(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := breaker.New(breaker.WithClock(func() time.Time { return now }))
	for range 3 {
		reg.OnFailure("qwen")
	}

	fr := &fakeRunner{}
	d := NewDispatcher(WithRunner(fr), WithBreaker(reg), WithRateLimit(Qwen, rate.Every(time.Hour), 1))
	_, err := d.Execute(context.Background(), Request{Backend: Qwen, Prompt: "first"})
	require.ErrorIs(t, err, ErrBackendUnavailable)

	now = now.Add(6 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.Execute(ctx, Request{Backend: Qwen, Prompt: "second"})
	require.ErrorContains(t, err, "rate limit wait")
	require.Empty(t, fr.Calls())
	require.Equal(t, breaker.Open, reg.State("qwen").State, "no trial was handed out")
	require.True(t, reg.IsAvailable("qwen"))
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	fr := &fakeRunner{results: []fakeResult{{err: &runner.TimeoutError{Command: "cursor-agent", Timeout: time.Second}}}}
	reg := breaker.New()
	d := NewDispatcher(WithRunner(fr), WithBreaker(reg), WithTimeout(time.Second))
	_, err := d.Execute(context.Background(), Request{Backend: Cursor, Prompt: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, reg.State("cursor").Failures)
	require.Equal(t, time.Second, fr.Calls()[0].Opts.Timeout)
}

func TestObserversAndMetrics(t *testing.T) {
	fr := &fakeRunner{results: []fakeResult{{err: fmt.Errorf("quota")}, {out: "ok"}}}
	var records []CallRecord
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("aiflow_test", reg)
	d := NewDispatcher(
		WithRunner(fr),
		WithObserver(CallObserverFunc(func(_ context.Context, r CallRecord) { records = append(records, r) }), metrics),
	)
	_, err := d.Execute(context.Background(), Request{Backend: Gemini, Prompt: "x"})
	require.NoError(t, err)

	require.Len(t, records, 2)
	require.False(t, records[0].Success)
	require.False(t, records[0].Fallback)
	require.True(t, records[1].Success)
	require.True(t, records[1].Fallback)
	require.Equal(t, GeminiFallbackModel, records[1].Model)
	require.NotEqual(t, records[0].ID, records[1].ID)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.fallbacks.WithLabelValues("gemini")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("gemini", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("gemini", "success")))

	metrics.ObserveTransition(breaker.Transition{Backend: "gemini", To: breaker.Open})
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.circuit.WithLabelValues("gemini")))
}

func TestWithRouteOverride(t *testing.T) {
	fr := &fakeRunner{}
	d := NewDispatcher(WithRunner(fr), WithRoute(Gemini, Route{Command: "/opt/bin/gemini", PrimaryModel: "gemini-2.5-pro"}))
	_, err := d.Execute(context.Background(), Request{Backend: Gemini, Prompt: "x"})
	require.NoError(t, err)
	calls := fr.Calls()
	require.Equal(t, "/opt/bin/gemini", calls[0].Command)
	require.Equal(t, []string{"-m", "gemini-2.5-pro", "-p", "x"}, calls[0].Args)

	route, ok := d.Route(Gemini)
	require.True(t, ok)
	require.Equal(t, GeminiFallbackModel, route.FallbackModel)
}

func TestMaxConcurrent(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	slow := runnerFunc(func(ctx context.Context, _ string, _ []string, _ runner.Options) (string, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return "ok", nil
	})
	d := NewDispatcher(WithRunner(slow), WithMaxConcurrent(2))
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Execute(context.Background(), Request{Backend: Cursor, Prompt: "x"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak, 2)
}

func TestIsQuotaError(t *testing.T) {
	cases := map[string]bool{
		"Quota exceeded":            true,
		"you hit the RATE LIMIT":    true,
		"resource_exhausted: quota": true,
		"rate-limited":              false,
		"connection refused":        false,
		"exit status 1":             false,
	}
	for msg, want := range cases {
		require.Equal(t, want, IsQuotaError(errors.New(msg)), msg)
	}
	require.False(t, IsQuotaError(nil))
}

type runnerFunc func(ctx context.Context, command string, args []string, opts runner.Options) (string, error)

func (f runnerFunc) Run(ctx context.Context, command string, args []string, opts runner.Options) (string, error) {
	return f(ctx, command, args, opts)
}
