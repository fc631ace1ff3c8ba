package aiflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/deepnoodle-ai/aiflow/retry"
)

// Context keys maintained by Sequence.
const (
	KeyCompletedSteps = "completed_steps"
	KeySkippedSteps   = "skipped_steps"
)

// StepFunc is the body of a step.
type StepFunc func(ctx context.Context, wctx *WorkflowContext) error

// Step is one unit of a Sequence.
type Step struct {
	Name string

	// Operation, when set, is requested from the permission gate before
	// the step runs.
	Operation permission.Operation

	// Detail describes the operation for the gate and the audit log.
	Detail string

	// Retries is how many times a retryable failure is retried. The
	// context is rolled back to the step's checkpoint before every retry.
	Retries int

	// RetryWait is the wait before the first retry; it doubles on each
	// later retry.
	RetryWait time.Duration

	// Optional steps do not fail the sequence. Their failure is recorded
	// under KeySkippedSteps and the sequence continues.
	Optional bool

	Run StepFunc
}

// StepError reports the step that failed a sequence.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Sequence runs steps one after another against a WorkflowContext.
type Sequence struct {
	steps []Step
	gate  permission.Gate
}

// NewSequence returns a sequence of steps guarded by gate. A nil gate
// permits only read-only operations.
func NewSequence(gate permission.Gate, steps ...Step) *Sequence {
	if gate == nil {
		gate = permission.NewManager(permission.ReadOnly)
	}
	return &Sequence{steps: steps, gate: gate}
}

// Steps returns the steps in order.
func (s *Sequence) Steps() []Step {
	return slices.Clone(s.steps)
}

// Run executes each step in order. Steps already listed under
// KeyCompletedSteps, as in a resumed context, are skipped. The first
// failure of a required step stops the sequence and is returned as a
// *StepError, with the context rolled back to its state before that step.
func (s *Sequence) Run(ctx context.Context, wctx *WorkflowContext) error {
	logger := LoggerFromContext(ctx)
	callbacks := CallbacksFromContext(ctx)
	completed := LookupAll[string](wctx, KeyCompletedSteps)

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name, Err: err}
		}
		if slices.Contains(completed, step.Name) {
			logger.Debug("skipping completed step", "step", step.Name)
			continue
		}
		if err := s.runStep(ctx, wctx, step, callbacks); err != nil {
			if !step.Optional {
				return &StepError{Step: step.Name, Err: err}
			}
			logger.Warn("optional step failed", "step", step.Name, "error", err)
			wctx.Append(KeySkippedSteps, map[string]any{
				"step":  step.Name,
				"error": err.Error(),
			})
			continue
		}
		wctx.Append(KeyCompletedSteps, step.Name)
	}
	return nil
}

func (s *Sequence) runStep(ctx context.Context, wctx *WorkflowContext, step Step, callbacks Callbacks) error {
	logger := LoggerFromContext(ctx).With("step", step.Name)
	meta := wctx.Metadata()
	event := &StepEvent{
		WorkflowID:   meta.ID,
		WorkflowName: meta.Name,
		StepName:     step.Name,
		Operation:    string(step.Operation),
		StartTime:    time.Now(),
	}
	callbacks.BeforeStep(ctx, event)
	defer func() {
		event.Duration = time.Since(event.StartTime)
		callbacks.AfterStep(ctx, event)
	}()

	if step.Operation != "" {
		if err := s.gate.RequestPermission(ctx, step.Operation, step.Detail); err != nil {
			event.Skipped = true
			event.Error = err
			return err
		}
	}

	checkpoint := "step:" + step.Name
	wctx.Checkpoint(checkpoint)

	err := retry.Do(ctx, func() error {
		event.Attempt++
		if event.Attempt > 1 {
			wctx.Rollback(checkpoint)
		}
		return step.Run(ctx, wctx)
	},
		retry.WithMaxRetries(step.Retries),
		retry.WithBaseWait(step.RetryWait),
		retry.WithRetryIf(IsRetryable),
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			logger.Warn("retrying step", "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		wctx.Rollback(checkpoint)
		event.Error = err
		return err
	}
	logger.Debug("step completed", "attempts", event.Attempt)
	return nil
}
