package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/aiflow/runner"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultTimeout is the per-invocation ceiling for long-running backends.
const DefaultTimeout = 600 * time.Second

// Breaker is the circuit breaker consulted before and informed after every
// dispatch. *breaker.Registry satisfies it.
type Breaker interface {
	IsAvailable(backend string) bool
	OnSuccess(backend string)
	OnFailure(backend string)
	Abandon(backend string)
}

// CallRecord describes one completed dispatch.
type CallRecord struct {
	ID       string        `json:"id"`
	Backend  Backend       `json:"backend"`
	Model    string        `json:"model,omitempty"`
	Fallback bool          `json:"fallback"`
	Success  bool          `json:"success"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// CallObserver is notified after every dispatch that reached a backend.
// Observers must not block.
type CallObserver interface {
	ObserveCall(ctx context.Context, record CallRecord)
}

// CallObserverFunc adapts a function to CallObserver.
type CallObserverFunc func(ctx context.Context, record CallRecord)

func (f CallObserverFunc) ObserveCall(ctx context.Context, record CallRecord) {
	f(ctx, record)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRunner sets the process runner. Defaults to runner.New().
func WithRunner(r runner.Runner) Option {
	return func(d *Dispatcher) { d.runner = r }
}

// WithBreaker sets the circuit breaker shared across dispatches.
func WithBreaker(b Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithRoute replaces the command and models used for a backend. Empty
// fields keep the built-in values.
func WithRoute(b Backend, route Route) Option {
	return func(d *Dispatcher) {
		current, ok := d.routes[b]
		if !ok {
			return
		}
		if route.Command != "" {
			current.Command = route.Command
		}
		if route.PrimaryModel != "" {
			current.PrimaryModel = route.PrimaryModel
		}
		if route.FallbackModel != "" {
			current.FallbackModel = route.FallbackModel
		}
		d.routes[b] = current
	}
}

// WithMaxConcurrent caps the number of backend processes running at once
// across every workflow sharing the dispatcher.
func WithMaxConcurrent(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRateLimit limits how often a backend may be invoked.
func WithRateLimit(b Backend, limit rate.Limit, burst int) Option {
	return func(d *Dispatcher) { d.limiters[b] = rate.NewLimiter(limit, burst) }
}

// WithObserver registers call observers.
func WithObserver(observers ...CallObserver) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, observers...) }
}

// Dispatcher routes requests to backend executables.
type Dispatcher struct {
	runner    runner.Runner
	breaker   Breaker
	logger    *slog.Logger
	timeout   time.Duration
	routes    map[Backend]Route
	sem       *semaphore.Weighted
	limiters  map[Backend]*rate.Limiter
	observers []CallObserver
}

// NewDispatcher returns a Dispatcher using the built-in routing table.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout:  DefaultTimeout,
		routes:   DefaultRoutes(),
		limiters: map[Backend]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.runner == nil {
		d.runner = runner.New(runner.WithLogger(d.logger))
	}
	return d
}

// Route returns the invocation details for b.
func (d *Dispatcher) Route(b Backend) (Route, bool) {
	route, ok := d.routes[b]
	return route, ok
}

// Available reports whether the executable for b is installed.
func (d *Dispatcher) Available(b Backend) (string, bool) {
	route, ok := d.routes[b]
	if !ok {
		return "", false
	}
	return runner.LookPath(route.Command)
}

// Execute runs req against its backend and returns the tool's output.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (string, error) {
	route, ok := d.routes[req.Backend]
	if !ok {
		return "", &UnsupportedBackendError{Name: string(req.Backend)}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("%s: %w", req.Backend, ErrEmptyPrompt)
	}

	name := string(req.Backend)
	logger := d.logger.With("backend", name)
	// Waits happen before the breaker can admit a HALF_OPEN trial.
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer d.sem.Release(1)
	}
	if limiter, ok := d.limiters[req.Backend]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%s rate limit wait: %w", name, err)
		}
	}
	if d.breaker != nil && !d.breaker.IsAvailable(name) {
		logger.Warn("skipping call, circuit is open")
		return "", &UnavailableError{Backend: req.Backend}
	}

	model := route.resolveModel(req)
	req.progress(ProgressStarting)
	logger.Info("dispatching request", "model", model, "attachments", len(req.Attachments))

	out, err := d.invoke(ctx, route, req, model, false)
	if err == nil {
		d.succeeded(req)
		return out, nil
	}

	if IsQuotaError(err) && route.canFallback(model) {
		logger.Warn("quota exhausted on primary model, switching to fallback",
			"model", model, "fallback_model", route.FallbackModel, "error", err)
		req.progress(ProgressSwitching)
		out, fallbackErr := d.invoke(ctx, route, req, route.FallbackModel, true)
		if fallbackErr == nil {
			d.succeeded(req)
			return out, nil
		}
		err = &FallbackError{Backend: req.Backend, Primary: err, Fallback: fallbackErr}
	} else {
		err = &ExecutionError{Backend: req.Backend, Model: model, Err: err}
	}

	d.failed(ctx, req)
	logger.Error("backend call failed", "error", err)
	return "", err
}

func (d *Dispatcher) invoke(ctx context.Context, route Route, req Request, model string, fallback bool) (string, error) {
	record := CallRecord{
		ID:       uuid.NewString(),
		Backend:  req.Backend,
		Model:    model,
		Fallback: fallback,
		Started:  time.Now(),
	}
	out, err := d.runner.Run(ctx, route.Command, route.Args(req, model), runner.Options{
		Timeout:    d.timeout,
		Dir:        req.Dir,
		OnProgress: req.OnProgress,
	})
	record.Duration = time.Since(record.Started)
	record.Success = err == nil
	record.Err = err
	for _, observer := range d.observers {
		observer.ObserveCall(ctx, record)
	}
	return out, err
}

func (d *Dispatcher) succeeded(req Request) {
	if d.breaker != nil {
		d.breaker.OnSuccess(string(req.Backend))
	}
	req.progress(ProgressCompleted)
}

func (d *Dispatcher) failed(ctx context.Context, req Request) {
	// A caller abandoning the call says nothing about backend health.
	if d.breaker != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			d.breaker.Abandon(string(req.Backend))
		} else {
			d.breaker.OnFailure(string(req.Backend))
		}
	}
	req.progress(ProgressFailed)
}
