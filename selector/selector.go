// Package selector picks backends for a task using fixed rules and keeps
// per-backend usage statistics.
package selector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/deepnoodle-ai/aiflow/audit"
	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/breaker"
)

// Complexity of a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Domain of a task.
type Domain string

const (
	DomainGeneral      Domain = "general"
	DomainSecurity     Domain = "security"
	DomainPerformance  Domain = "performance"
	DomainArchitecture Domain = "architecture"
	DomainDebugging    Domain = "debugging"
)

// TaskCharacteristics describes what a task needs from a backend.
type TaskCharacteristics struct {
	Complexity                    Complexity `json:"complexity"`
	TokenBudget                   int        `json:"token_budget"`
	RequiresArchitecturalThinking bool       `json:"requires_architectural_thinking"`
	RequiresCodeGeneration        bool       `json:"requires_code_generation"`
	RequiresSpeed                 bool       `json:"requires_speed"`
	RequiresCreativity            bool       `json:"requires_creativity"`
	Domain                        Domain     `json:"domain"`
}

var workflowDefaults = map[string]TaskCharacteristics{
	"parallel-review": {
		Complexity: ComplexityHigh, TokenBudget: 50000,
		RequiresArchitecturalThinking: true, Domain: DomainArchitecture,
	},
	"pre-commit-validate": {
		Complexity: ComplexityMedium, TokenBudget: 30000,
		RequiresSpeed: true, Domain: DomainSecurity,
	},
	"bug-hunt": {
		Complexity: ComplexityHigh, TokenBudget: 40000,
		Domain: DomainDebugging,
	},
	"feature-design": {
		Complexity: ComplexityHigh, TokenBudget: 60000,
		RequiresArchitecturalThinking: true, RequiresCodeGeneration: true, RequiresCreativity: true,
		Domain: DomainArchitecture,
	},
	"validate-last-commit": {
		Complexity: ComplexityMedium, TokenBudget: 25000,
		RequiresSpeed: true, Domain: DomainGeneral,
	},
}

// ForWorkflow returns the default characteristics for a workflow name.
func ForWorkflow(name string) TaskCharacteristics {
	if task, ok := workflowDefaults[name]; ok {
		return task
	}
	return TaskCharacteristics{Complexity: ComplexityMedium, TokenBudget: 30000, Domain: DomainGeneral}
}

// CircuitReader exposes circuit state without side effects.
// *breaker.Registry satisfies it.
type CircuitReader interface {
	State(backend string) breaker.BackendState
}

// Option configures a Selector.
type Option func(*Selector)

// WithRecorder audits every selection.
func WithRecorder(r *audit.Recorder) Option {
	return func(s *Selector) { s.recorder = r }
}

// WithCircuits makes SelectParallel skip backends whose circuit is open.
func WithCircuits(c CircuitReader) Option {
	return func(s *Selector) { s.circuits = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// Selector chooses backends for tasks.
type Selector struct {
	recorder *audit.Recorder
	circuits CircuitReader
	logger   *slog.Logger
}

// New returns a Selector.
func New(opts ...Option) *Selector {
	s := &Selector{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.recorder == nil {
		s.recorder = audit.NewRecorder(nil, s.logger)
	}
	return s
}

// preference is the order used when the rule's choice is not allowed.
var preference = []backend.Backend{backend.Cursor, backend.Gemini, backend.Droid, backend.Qwen, backend.Rovodev}

// SelectOptimal applies the selection rules to task. When allowed is
// non-empty and excludes the rule's choice, the first allowed backend in
// preference order is returned instead.
func (s *Selector) SelectOptimal(ctx context.Context, task TaskCharacteristics, allowed []backend.Backend) backend.Backend {
	choice, reason := rule(task)
	if len(allowed) > 0 && !slices.Contains(allowed, choice) {
		for _, b := range preference {
			if slices.Contains(allowed, b) {
				reason = fmt.Sprintf("%s not allowed, using %s", choice, b)
				choice = b
				break
			}
		}
	}
	s.logger.Debug("backend selected", "backend", choice, "reason", reason)
	s.recorder.Record(ctx, "model_selection", "medium", map[string]any{
		"backend": string(choice),
		"reason":  reason,
		"task":    task,
	})
	return choice
}

func rule(task TaskCharacteristics) (backend.Backend, string) {
	switch {
	case task.RequiresArchitecturalThinking || task.Domain == DomainArchitecture:
		return backend.Gemini, "architectural task"
	case task.RequiresCodeGeneration && !task.RequiresSpeed:
		return backend.Droid, "implementation task"
	case task.Domain == DomainDebugging || task.Domain == DomainSecurity || task.RequiresSpeed:
		return backend.Cursor, "debugging or speed sensitive task"
	default:
		return backend.Cursor, "default"
	}
}

// SelectParallel returns up to n distinct backends with complementary
// strengths: the optimal one first, then its complement, then the rest.
func (s *Selector) SelectParallel(ctx context.Context, task TaskCharacteristics, n int) []backend.Backend {
	pool := []backend.Backend{backend.Cursor, backend.Gemini, backend.Droid}
	if s.circuits != nil {
		pool = slices.DeleteFunc(pool, func(b backend.Backend) bool {
			return s.circuits.State(string(b)).State == breaker.Open
		})
	}
	if n <= 0 || len(pool) == 0 {
		return nil
	}

	selected := []backend.Backend{s.SelectOptimal(ctx, task, pool)}
	remaining := func() []backend.Backend {
		return slices.DeleteFunc(slices.Clone(pool), func(b backend.Backend) bool {
			return slices.Contains(selected, b)
		})
	}
	if n >= 2 {
		rest := remaining()
		if len(rest) > 0 {
			want := backend.Gemini
			if selected[0] == backend.Gemini {
				want = backend.Droid
			}
			if !slices.Contains(rest, want) {
				want = rest[0]
			}
			selected = append(selected, want)
		}
	}
	for len(selected) < n {
		rest := remaining()
		if len(rest) == 0 {
			break
		}
		selected = append(selected, rest[0])
	}
	return selected
}
