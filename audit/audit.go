// Package audit records what workflows and backend selections did.
//
// Recording is best effort: a failing sink is logged and otherwise ignored so
// that telemetry can never abort a workflow.
package audit

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/google/uuid"
)

// Entry is a single audit record.
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	Operation     string         `json:"operation"`
	AutonomyLevel string         `json:"autonomy_level"`
	Details       map[string]any `json:"details,omitempty"`
}

// RunRecord summarizes one workflow execution.
type RunRecord struct {
	ID       string        `json:"id"`
	Workflow string        `json:"workflow"`
	Status   string        `json:"status"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Operation  string
	WorkflowID string
	Since      time.Time
	Limit      int
}

func (f Filter) match(e Entry) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Sink persists audit entries.
type Sink interface {
	Log(ctx context.Context, entry Entry) error
}

// Lister is implemented by sinks that can read entries back.
type Lister interface {
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// CallSink is implemented by sinks that persist backend call records.
type CallSink interface {
	RecordCall(ctx context.Context, record backend.CallRecord) error
}

// RunSink is implemented by sinks that persist workflow run records.
type RunSink interface {
	RecordRun(ctx context.Context, record RunRecord) error
}

// NullSink discards everything.
type NullSink struct{}

func (NullSink) Log(context.Context, Entry) error { return nil }

type workflowIDKey struct{}

// WithWorkflowID returns a context carrying the id of the running workflow.
// Entries recorded with it are tagged with that id.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey{}, id)
}

// WorkflowID returns the workflow id stored by WithWorkflowID.
func WorkflowID(ctx context.Context) string {
	id, _ := ctx.Value(workflowIDKey{}).(string)
	return id
}

// Recorder writes to a Sink without ever failing the caller.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder writing to sink. A nil sink discards.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if sink == nil {
		sink = NullSink{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// Sink returns the underlying sink.
func (r *Recorder) Sink() Sink {
	return r.sink
}

// Record logs an operation performed at an autonomy level.
func (r *Recorder) Record(ctx context.Context, operation, level string, details map[string]any) {
	r.Log(ctx, Entry{Operation: operation, AutonomyLevel: level, Details: details})
}

// Log writes entry, filling in the id, timestamp and workflow id when unset.
func (r *Recorder) Log(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	if entry.WorkflowID == "" {
		entry.WorkflowID = WorkflowID(ctx)
	}
	if err := r.sink.Log(ctx, entry); err != nil {
		r.logger.Warn("failed to write audit entry", "operation", entry.Operation, "error", err)
	}
}

// ObserveCall implements backend.CallObserver for sinks that store calls.
func (r *Recorder) ObserveCall(ctx context.Context, record backend.CallRecord) {
	sink, ok := r.sink.(CallSink)
	if !ok {
		return
	}
	if err := sink.RecordCall(ctx, record); err != nil {
		r.logger.Warn("failed to record backend call", "backend", record.Backend, "error", err)
	}
}

// RecordRun stores a workflow run summary for sinks that support it.
func (r *Recorder) RecordRun(ctx context.Context, record RunRecord) {
	sink, ok := r.sink.(RunSink)
	if !ok {
		return
	}
	if err := sink.RecordRun(ctx, record); err != nil {
		r.logger.Warn("failed to record workflow run", "workflow", record.Workflow, "error", err)
	}
}
