// Package breaker tracks the health of named backends and stops calling a
// backend after repeated failures, re-probing it once a cooldown elapses.
package breaker

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State of a backend circuit.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Defaults applied when a Config field is zero.
const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 5 * time.Minute
)

// Config controls when circuits open and how long they stay open.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// BackendState is a point-in-time view of one backend's circuit.
type BackendState struct {
	Backend         string    `json:"backend"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
}

// Transition describes a state change, passed to the state change handler.
type Transition struct {
	Backend  string
	From     State
	To       State
	Failures int
	At       time.Time
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
	trial       bool // a HALF_OPEN trial call has been handed out
	trialStart  time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfig overrides the failure threshold and reset timeout.
func WithConfig(cfg Config) Option {
	return func(r *Registry) { r.cfg = cfg.withDefaults() }
}

// WithClock injects the time source. Used by tests to simulate cooldowns.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used to report state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithStateChangeHandler registers a callback invoked after every
// transition. It is called while the registry lock is not held.
func WithStateChangeHandler(fn func(Transition)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// Registry holds the circuit state of every backend it has seen. A single
// Registry is shared by all dispatchers and workflow runs in a process.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	onChange func(Transition)
}

// New returns a Registry with all circuits closed.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: map[string]*entry{},
		cfg:     Config{}.withDefaults(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// get returns the entry for backend, creating it on first reference.
// Callers must hold r.mu.
func (r *Registry) get(backend string) *entry {
	e, ok := r.entries[backend]
	if !ok {
		e = &entry{state: Closed}
		r.entries[backend] = e
	}
	return e
}

// IsAvailable reports whether a call to backend should be attempted. When
// an open circuit's cooldown has elapsed the circuit moves to HALF_OPEN and
// exactly one caller is admitted as the trial; others are refused until the
// trial outcome is reported or the trial is abandoned.
func (r *Registry) IsAvailable(backend string) bool {
	r.mu.Lock()
	e := r.get(backend)
	var t *Transition
	allowed := true
	switch e.state {
	case Open:
		if r.now().Sub(e.lastFailure) > r.cfg.ResetTimeout {
			t = r.transition(backend, e, HalfOpen)
			e.trial = true
			e.trialStart = r.now()
		} else {
			allowed = false
		}
	case HalfOpen:
		// A trial whose outcome was never reported is abandoned after
		// another reset timeout.
		if e.trial && r.now().Sub(e.trialStart) <= r.cfg.ResetTimeout {
			allowed = false
		} else {
			e.trial = true
			e.trialStart = r.now()
		}
	}
	r.mu.Unlock()
	r.notify(t)
	return allowed
}

// OnSuccess records a successful call.
func (r *Registry) OnSuccess(backend string) {
	r.mu.Lock()
	e := r.get(backend)
	var t *Transition
	switch e.state {
	case HalfOpen:
		e.failures = 0
		e.trial = false
		t = r.transition(backend, e, Closed)
	case Closed:
		e.failures = 0
	}
	r.mu.Unlock()
	r.notify(t)
}

// OnFailure records a failed call.
func (r *Registry) OnFailure(backend string) {
	r.mu.Lock()
	e := r.get(backend)
	var t *Transition
	now := r.now()
	switch e.state {
	case Closed:
		e.failures++
		e.lastFailure = now
		if e.failures >= r.cfg.FailureThreshold {
			t = r.transition(backend, e, Open)
		}
	case HalfOpen:
		e.failures++
		e.lastFailure = now
		e.trial = false
		t = r.transition(backend, e, Open)
	case Open:
		// A straggler from before the circuit opened extends the cooldown.
		e.lastFailure = now
	}
	r.mu.Unlock()
	r.notify(t)
}

// Abandon releases a HALF_OPEN trial whose call never reached the backend,
// so the next caller is admitted as the trial instead.
func (r *Registry) Abandon(backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[backend]; ok && e.state == HalfOpen {
		e.trial = false
	}
}

// State returns the current state of backend without creating an entry.
func (r *Registry) State(backend string) BackendState {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[backend]
	if !ok {
		return BackendState{Backend: backend, State: Closed}
	}
	return BackendState{
		Backend:         backend,
		State:           e.state,
		Failures:        e.failures,
		LastFailureTime: e.lastFailure,
	}
}

// States returns every tracked backend, sorted by name.
func (r *Registry) States() []BackendState {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	states := make([]BackendState, 0, len(names))
	for _, name := range names {
		states = append(states, r.State(name))
	}
	return states
}

// Reset forgets every backend, returning all circuits to CLOSED.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.entries = map[string]*entry{}
	r.mu.Unlock()
	r.logger.Info("circuit breaker reset")
}

func (r *Registry) transition(backend string, e *entry, to State) *Transition {
	from := e.state
	e.state = to
	return &Transition{
		Backend:  backend,
		From:     from,
		To:       to,
		Failures: e.failures,
		At:       r.now(),
	}
}

func (r *Registry) notify(t *Transition) {
	if t == nil {
		return
	}
	logger := r.logger.With("backend", t.Backend, "from", t.From, "to", t.To, "failures", t.Failures)
	switch {
	case t.To == Closed:
		logger.Info("circuit closed, backend recovered")
	case t.To == HalfOpen:
		logger.Info("circuit half-open, admitting trial call")
	case t.From == HalfOpen:
		logger.Warn("trial call failed, circuit reopened")
	default:
		logger.Error("failure threshold reached, circuit opened")
	}
	if r.onChange != nil {
		r.onChange(*t)
	}
}
