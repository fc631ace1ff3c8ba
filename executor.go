package aiflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/aiflow/audit"
	"go.jetify.com/typeid"
)

// NewWorkflowID returns a new execution id such as wf_01h455vb4pex5vsknk084sn02q.
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

func newCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Registry     *Registry
	Logger       *slog.Logger
	Checkpointer Checkpointer
	Callbacks    Callbacks
	Recorder     *audit.Recorder
}

// Executor runs registered workflows.
type Executor struct {
	registry     *Registry
	logger       *slog.Logger
	checkpointer Checkpointer
	callbacks    Callbacks
	recorder     *audit.Recorder
	now          func() time.Time
}

// NewExecutor returns an executor. Only the registry is required.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.NewRecorder(nil, opts.Logger)
	}
	return &Executor{
		registry:     opts.Registry,
		logger:       opts.Logger,
		checkpointer: opts.Checkpointer,
		callbacks:    opts.Callbacks,
		recorder:     opts.Recorder,
		now:          time.Now,
	}, nil
}

// Registry returns the executor's registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Result is the outcome of a workflow execution.
type Result struct {
	WorkflowID string         `json:"workflow_id"`
	Workflow   string         `json:"workflow"`
	Status     Status         `json:"status"`
	Output     string         `json:"output"`
	Duration   time.Duration  `json:"duration"`
	Summary    ContextSummary `json:"summary"`
}

// Execute runs the named workflow with a fresh context. On failure the
// returned Result is still populated so callers can report the workflow id
// to resume with.
func (e *Executor) Execute(ctx context.Context, name string, params Params) (*Result, error) {
	w, ok := e.registry.Get(name)
	if !ok {
		return nil, &WorkflowError{
			Type:    ErrorTypeValidation,
			Cause:   fmt.Sprintf("unknown workflow %q", name),
			Wrapped: ErrUnknownWorkflow,
		}
	}
	wctx := NewWorkflowContext(NewWorkflowID(), name)
	return e.run(ctx, w, wctx, params, false)
}

// Resume re-runs a failed execution from its stored context snapshot. Steps
// that completed before the failure are skipped. Nil params reuse the
// parameters of the failed run.
func (e *Executor) Resume(ctx context.Context, workflowID string, params Params) (*Result, error) {
	cp, err := e.checkpointer.LoadCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, &WorkflowError{
			Type:  ErrorTypeValidation,
			Cause: fmt.Sprintf("no checkpoint for workflow id %q", workflowID),
		}
	}
	w, ok := e.registry.Get(cp.WorkflowName)
	if !ok {
		return nil, &WorkflowError{
			Type:    ErrorTypeValidation,
			Cause:   fmt.Sprintf("unknown workflow %q", cp.WorkflowName),
			Wrapped: ErrUnknownWorkflow,
		}
	}
	wctx, err := ImportContext(cp.Context)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = cp.Params
	}
	return e.run(ctx, w, wctx, params, true)
}

func (e *Executor) run(ctx context.Context, w Workflow, wctx *WorkflowContext, params Params, resumed bool) (*Result, error) {
	meta := wctx.Metadata()
	logger := e.logger.With("workflow", w.Name, "workflow_id", meta.ID)
	ctx = audit.WithWorkflowID(ctx, meta.ID)
	ctx = WithLogger(ctx, logger)
	ctx = WithCallbacks(ctx, e.callbacks)

	// The context is dropped once the run is over, after any snapshot has
	// been taken.
	defer wctx.Clear()

	start := e.now()
	event := &WorkflowEvent{
		WorkflowID:   meta.ID,
		WorkflowName: w.Name,
		Status:       StatusRunning,
		StartTime:    start,
		Params:       params,
		Resumed:      resumed,
	}
	e.callbacks.BeforeWorkflow(ctx, event)
	logger.Info("workflow started", "resumed", resumed)

	prepared, err := w.prepare(params)
	var output string
	if err == nil {
		output, err = w.Run(ctx, wctx, prepared)
	}

	end := e.now()
	summary := wctx.Summary()
	result := &Result{
		WorkflowID: meta.ID,
		Workflow:   w.Name,
		Status:     StatusCompleted,
		Output:     output,
		Duration:   end.Sub(start),
		Summary:    summary,
	}
	if err != nil {
		result.Status = StatusFailed
		if errors.Is(err, context.Canceled) {
			result.Status = StatusCanceled
		}
		logger.Error("workflow failed", "error", err, "context", summary)
		e.saveSnapshot(ctx, logger, w, wctx, params, start, end, err)
	} else {
		logger.Info("workflow completed", "duration", result.Duration, "context", summary)
		if resumed {
			if delErr := e.checkpointer.DeleteCheckpoint(ctx, meta.ID); delErr != nil {
				logger.Warn("failed to delete checkpoint", "error", delErr)
			}
		}
	}

	record := audit.RunRecord{
		ID:       meta.ID,
		Workflow: w.Name,
		Status:   string(result.Status),
		Started:  start,
		Duration: result.Duration,
	}
	if err != nil {
		record.Error = err.Error()
	}
	e.recorder.RecordRun(ctx, record)

	event.Status = result.Status
	event.EndTime = end
	event.Duration = result.Duration
	event.Output = output
	event.Error = err
	e.callbacks.AfterWorkflow(ctx, event)

	if err != nil {
		var classified *WorkflowError
		if errors.As(err, &classified) {
			return result, err
		}
		return result, ClassifyError(err)
	}
	return result, nil
}

func (e *Executor) saveSnapshot(ctx context.Context, logger *slog.Logger, w Workflow, wctx *WorkflowContext, params Params, start, end time.Time, runErr error) {
	exported, err := wctx.Export()
	if err != nil {
		logger.Error("failed to export context", "error", err)
		return
	}
	status := StatusFailed
	if errors.Is(runErr, context.Canceled) {
		status = StatusCanceled
	}
	cp := &Checkpoint{
		ID:           newCheckpointID(),
		WorkflowID:   wctx.ID(),
		WorkflowName: w.Name,
		Status:       status,
		Params:       params,
		Context:      exported,
		Error:        runErr.Error(),
		StartTime:    start,
		EndTime:      end,
		CheckpointAt: e.now(),
	}
	// The caller's context may already be canceled.
	if err := e.checkpointer.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		logger.Error("failed to save checkpoint", "error", err)
	}
}
