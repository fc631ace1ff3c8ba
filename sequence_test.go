package aiflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/stretchr/testify/require"
)

type recordingCallbacks struct {
	BaseCallbacks
	mu       sync.Mutex
	events   []string
	steps    []*StepEvent
	branches []*BranchEvent
	after    *WorkflowEvent
}

func (r *recordingCallbacks) BeforeWorkflow(ctx context.Context, e *WorkflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "before:"+e.WorkflowName)
}

func (r *recordingCallbacks) AfterWorkflow(ctx context.Context, e *WorkflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "after:"+e.WorkflowName)
	r.after = e
}

func (r *recordingCallbacks) BeforeStep(ctx context.Context, e *StepEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "step:"+e.StepName)
}

func (r *recordingCallbacks) AfterStep(ctx context.Context, e *StepEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, e)
}

func (r *recordingCallbacks) AfterBranch(ctx context.Context, e *BranchEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches = append(r.branches, e)
}

func appendStep(name string) Step {
	return Step{Name: name, Run: func(ctx context.Context, wctx *WorkflowContext) error {
		wctx.Append("ran", name)
		return nil
	}}
}

func TestSequenceRunsStepsInOrder(t *testing.T) {
	wctx := NewWorkflowContext("wf_1", "seq")
	err := NewSequence(nil, appendStep("a"), appendStep("b"), appendStep("c")).Run(context.Background(), wctx)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b", "c"}, wctx.GetAll("ran"))
	require.Equal(t, []any{"a", "b", "c"}, wctx.GetAll(KeyCompletedSteps))
	require.Equal(t, []string{"step:a", "step:b", "step:c"}, wctx.ListCheckpoints())
}

func TestSequenceRetryRollsBack(t *testing.T) {
	wctx := NewWorkflowContext("wf_1", "seq")
	wctx.Set("calls", 0)
	attempts := 0
	step := Step{
		Name:    "flaky",
		Retries: 2,
		Run: func(ctx context.Context, wctx *WorkflowContext) error {
			attempts++
			_, _ = wctx.Increment("calls", 1)
			wctx.Append("partial", attempts)
			if attempts < 3 {
				return errors.New("exit status 1")
			}
			return nil
		},
	}
	cb := &recordingCallbacks{}
	ctx := WithCallbacks(context.Background(), cb)
	require.NoError(t, NewSequence(nil, step).Run(ctx, wctx))
	require.Equal(t, 3, attempts)

	calls, _ := wctx.Get("calls")
	require.Equal(t, 1, calls)
	require.Equal(t, []any{3}, wctx.GetAll("partial"))
	require.Len(t, cb.steps, 1)
	require.Equal(t, 3, cb.steps[0].Attempt)
	require.NoError(t, cb.steps[0].Error)
}

func TestSequenceFailureRollsBackAndStops(t *testing.T) {
	wctx := NewWorkflowContext("wf_1", "seq")
	wctx.Set("keep", "yes")
	failing := Step{
		Name:    "broken",
		Retries: 1,
		Run: func(ctx context.Context, wctx *WorkflowContext) error {
			wctx.Set("keep", "no")
			wctx.Set("garbage", true)
			return errors.New("backend crashed")
		},
	}
	err := NewSequence(nil, appendStep("a"), failing, appendStep("c")).Run(context.Background(), wctx)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "broken", stepErr.Step)
	require.Equal(t, []any{"a"}, wctx.GetAll("ran"))
	keep, _ := wctx.Get("keep")
	require.Equal(t, "yes", keep)
	require.False(t, wctx.Has("garbage"))
	require.Equal(t, []any{"a"}, wctx.GetAll(KeyCompletedSteps))
}

func TestSequenceDoesNotRetryValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", backend.ErrEmptyPrompt},
		{"unavailable", &backend.UnavailableError{Backend: backend.Gemini}},
		{"permission", &permission.DeniedError{Operation: permission.WriteFile, Level: permission.ReadOnly}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			step := Step{Name: "s", Retries: 5, Run: func(ctx context.Context, wctx *WorkflowContext) error {
				attempts++
				return tt.err
			}}
			err := NewSequence(nil, step).Run(context.Background(), NewWorkflowContext("wf", "x"))
			require.ErrorIs(t, err, tt.err)
			require.Equal(t, 1, attempts)
		})
	}
}

func TestSequenceOptionalStepDegrades(t *testing.T) {
	wctx := NewWorkflowContext("wf_1", "seq")
	optional := Step{
		Name:     "enrich",
		Optional: true,
		Run: func(ctx context.Context, wctx *WorkflowContext) error {
			wctx.Set("half-done", true)
			return errors.New("droid timed out")
		},
	}
	err := NewSequence(nil, optional, appendStep("report")).Run(context.Background(), wctx)
	require.NoError(t, err)
	require.False(t, wctx.Has("half-done"))
	require.Equal(t, []any{"report"}, wctx.GetAll("ran"))
	require.Equal(t, []any{map[string]any{"step": "enrich", "error": "droid timed out"}}, wctx.GetAll(KeySkippedSteps))
}

func TestSequencePermissionGate(t *testing.T) {
	gate := permission.NewManager(permission.Low)
	ran := false
	push := Step{
		Name:      "push",
		Operation: permission.GitPush,
		Run: func(ctx context.Context, wctx *WorkflowContext) error {
			ran = true
			return nil
		},
	}
	write := Step{
		Name:      "write",
		Operation: permission.WriteFile,
		Run: func(ctx context.Context, wctx *WorkflowContext) error {
			wctx.Set("written", true)
			return nil
		},
	}

	wctx := NewWorkflowContext("wf_1", "seq")
	err := NewSequence(gate, write, push).Run(context.Background(), wctx)
	require.ErrorIs(t, err, permission.ErrPermissionDenied)
	require.Equal(t, ErrorTypePermissionDenied, ClassifyError(err).Type)
	require.False(t, ran)
	require.True(t, wctx.Has("written"))

	push.Optional = true
	wctx = NewWorkflowContext("wf_2", "seq")
	require.NoError(t, NewSequence(gate, push).Run(context.Background(), wctx))
	require.False(t, ran)
	require.Len(t, wctx.GetAll(KeySkippedSteps), 1)

	// A nil gate is read-only.
	err = NewSequence(nil, write).Run(context.Background(), NewWorkflowContext("wf_3", "seq"))
	require.ErrorIs(t, err, permission.ErrPermissionDenied)
}

func TestSequenceSkipsCompletedSteps(t *testing.T) {
	wctx := NewWorkflowContext("wf_1", "seq")
	wctx.Append(KeyCompletedSteps, "a")
	require.NoError(t, NewSequence(nil, appendStep("a"), appendStep("b")).Run(context.Background(), wctx))
	require.Equal(t, []any{"b"}, wctx.GetAll("ran"))
	require.Equal(t, []any{"a", "b"}, wctx.GetAll(KeyCompletedSteps))
}

func TestSequenceStopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := Step{Name: "first", Run: func(ctx context.Context, wctx *WorkflowContext) error {
		cancel()
		return nil
	}}
	wctx := NewWorkflowContext("wf_1", "seq")
	err := NewSequence(nil, first, appendStep("second")).Run(ctx, wctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, wctx.GetAll("ran"))
}
