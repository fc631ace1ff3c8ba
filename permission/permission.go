// Package permission gates file and source control operations behind an
// autonomy level.
package permission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// AutonomyLevel is an ordered permission tier.
type AutonomyLevel string

const (
	ReadOnly AutonomyLevel = "read-only"
	Low      AutonomyLevel = "low"
	Medium   AutonomyLevel = "medium"
	High     AutonomyLevel = "high"
)

// Levels lists every autonomy level from least to most permissive.
var Levels = []AutonomyLevel{ReadOnly, Low, Medium, High}

func (l AutonomyLevel) rank() int {
	return slices.Index(Levels, l)
}

// Valid reports whether l is a known level.
func (l AutonomyLevel) Valid() bool {
	return l.rank() >= 0
}

// Cap returns l, lowered to ceiling if l is more permissive.
func (l AutonomyLevel) Cap(ceiling AutonomyLevel) AutonomyLevel {
	if l.rank() > ceiling.rank() {
		return ceiling
	}
	return l
}

// Description summarizes what a level permits.
func (l AutonomyLevel) Description() string {
	switch l {
	case ReadOnly:
		return "read files and inspect git state"
	case Low:
		return "modify local files"
	case Medium:
		return "run local git operations, builds, tests and dependency installs"
	case High:
		return "perform operations with external impact such as push, publish and deploy"
	default:
		return "unknown level"
	}
}

// ParseAutonomyLevel converts s into an AutonomyLevel. Matching ignores case
// and "autonomous" is accepted as an alias of high. An empty string yields
// ReadOnly.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "":
		return ReadOnly, nil
	case "autonomous":
		return High, nil
	case "readonly", "read_only":
		return ReadOnly, nil
	}
	level := AutonomyLevel(normalized)
	if !level.Valid() {
		return "", fmt.Errorf("unknown autonomy level %q (expected one of read-only, low, medium, high)", s)
	}
	return level, nil
}

// Operation names a class of file or source control action.
type Operation string

const (
	ReadFile      Operation = "read_file"
	ListDirectory Operation = "list_directory"
	GitStatus     Operation = "git_status"
	GitDiff       Operation = "git_diff"
	GitLog        Operation = "git_log"

	WriteFile  Operation = "write_file"
	CreateFile Operation = "create_file"
	DeleteFile Operation = "delete_file"
	ModifyFile Operation = "modify_file"

	GitCommit           Operation = "git_commit"
	GitBranch           Operation = "git_branch"
	GitCheckout         Operation = "git_checkout"
	GitMerge            Operation = "git_merge"
	InstallDependencies Operation = "install_dependencies"
	RunBuild            Operation = "run_build"
	RunTests            Operation = "run_tests"

	GitPush            Operation = "git_push"
	GitForcePush       Operation = "git_force_push"
	Publish            Operation = "publish"
	Deploy             Operation = "deploy"
	DeleteRemoteBranch Operation = "delete_remote_branch"
)

// required maps each operation to the lowest level that permits it.
var required = map[Operation]AutonomyLevel{
	ReadFile:      ReadOnly,
	ListDirectory: ReadOnly,
	GitStatus:     ReadOnly,
	GitDiff:       ReadOnly,
	GitLog:        ReadOnly,

	WriteFile:  Low,
	CreateFile: Low,
	DeleteFile: Low,
	ModifyFile: Low,

	GitCommit:           Medium,
	GitBranch:           Medium,
	GitCheckout:         Medium,
	GitMerge:            Medium,
	InstallDependencies: Medium,
	RunBuild:            Medium,
	RunTests:            Medium,

	GitPush:            High,
	GitForcePush:       High,
	Publish:            High,
	Deploy:             High,
	DeleteRemoteBranch: High,
}

// Operations returns every known operation ordered by required level, then name.
func Operations() []Operation {
	ops := make([]Operation, 0, len(required))
	for op := range required {
		ops = append(ops, op)
	}
	slices.SortFunc(ops, func(a, b Operation) int {
		if d := required[a].rank() - required[b].rank(); d != 0 {
			return d
		}
		return strings.Compare(string(a), string(b))
	})
	return ops
}

// RequiredLevel returns the lowest level that permits op.
func RequiredLevel(op Operation) (AutonomyLevel, bool) {
	level, ok := required[op]
	return level, ok
}

// Critical reports whether op has effects outside the local machine and
// therefore needs explicit confirmation when a confirmer is configured.
func Critical(op Operation) bool {
	return required[op] == High
}

// Mutating reports whether op changes files or source control state.
func Mutating(op Operation) bool {
	level, ok := required[op]
	return !ok || level != ReadOnly
}

// ErrPermissionDenied matches any *DeniedError.
var ErrPermissionDenied = errors.New("permission denied")

// DeniedError is returned when an operation is not permitted.
type DeniedError struct {
	Operation Operation
	Level     AutonomyLevel
	Detail    string
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("operation %q not permitted at autonomy level %q", e.Operation, e.Level)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Gate is consulted before any step that mutates files or source control.
type Gate interface {
	IsAllowed(op Operation) bool
	RequestPermission(ctx context.Context, op Operation, detail string) error
	Level() AutonomyLevel
}

// RequireLevel returns an error matching ErrPermissionDenied when g is
// below level. what names the thing that needs the level.
func RequireLevel(g Gate, level AutonomyLevel, what string) error {
	if current := g.Level(); level.Cap(current) != level {
		return fmt.Errorf("%w: %s requires autonomy level %q, configured level is %q",
			ErrPermissionDenied, what, level, current)
	}
	return nil
}

// Confirmer asks a human to approve a critical operation.
type Confirmer func(ctx context.Context, op Operation) (bool, error)

// Option configures a Manager.
type Option func(*Manager)

// WithConfirmer sets the confirmation callback for critical operations.
func WithConfirmer(fn Confirmer) Option {
	return func(m *Manager) { m.confirm = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager is the default Gate implementation.
type Manager struct {
	mu      sync.RWMutex
	level   AutonomyLevel
	confirm Confirmer
	logger  *slog.Logger
}

// NewManager returns a Manager at the given level. An invalid level is
// treated as ReadOnly.
func NewManager(level AutonomyLevel, opts ...Option) *Manager {
	if !level.Valid() {
		level = ReadOnly
	}
	m := &Manager{level: level}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m
}

// Level returns the current autonomy level.
func (m *Manager) Level() AutonomyLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// SetLevel changes the autonomy level.
func (m *Manager) SetLevel(level AutonomyLevel) error {
	if !level.Valid() {
		return fmt.Errorf("unknown autonomy level %q", level)
	}
	m.mu.Lock()
	m.level = level
	m.mu.Unlock()
	return nil
}

// IsAllowed reports whether op is permitted at the current level. Unknown
// operations are never allowed.
func (m *Manager) IsAllowed(op Operation) bool {
	need, ok := required[op]
	if !ok {
		return false
	}
	return m.Level().rank() >= need.rank()
}

// RequestPermission returns a *DeniedError unless op is permitted. Critical
// operations also require the confirmer's approval when one is configured.
func (m *Manager) RequestPermission(ctx context.Context, op Operation, detail string) error {
	level := m.Level()
	if !m.IsAllowed(op) {
		m.logger.Warn("permission denied", "operation", op, "level", level, "detail", detail)
		return &DeniedError{Operation: op, Level: level, Detail: detail}
	}
	if Critical(op) && m.confirm != nil {
		ok, err := m.confirm(ctx, op)
		if err != nil {
			return fmt.Errorf("confirming %s: %w", op, err)
		}
		if !ok {
			m.logger.Warn("confirmation declined", "operation", op)
			return &DeniedError{Operation: op, Level: level, Detail: "confirmation declined"}
		}
	}
	m.logger.Debug("permission granted", "operation", op, "level", level)
	return nil
}

// Allowed returns the operations permitted at the current level.
func (m *Manager) Allowed() []Operation {
	var ops []Operation
	for _, op := range Operations() {
		if m.IsAllowed(op) {
			ops = append(ops, op)
		}
	}
	return ops
}

// Report renders the allowed and denied operations as text.
func (m *Manager) Report() string {
	level := m.Level()
	var allowed, denied []string
	for _, op := range Operations() {
		if m.IsAllowed(op) {
			allowed = append(allowed, "  - "+string(op))
		} else {
			denied = append(denied, "  - "+string(op))
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Autonomy level: %s\n%s\n\n", level, level.Description())
	fmt.Fprintf(&b, "Allowed operations (%d):\n%s\n\n", len(allowed), strings.Join(allowed, "\n"))
	fmt.Fprintf(&b, "Denied operations (%d):", len(denied))
	if len(denied) > 0 {
		b.WriteString("\n" + strings.Join(denied, "\n"))
	}
	return b.String()
}
