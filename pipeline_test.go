package aiflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []backend.Request
	respond  func(req backend.Request) (string, error)
}

func (f *fakeDispatcher) Execute(ctx context.Context, req backend.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeDispatcher) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, string(r.Backend)+": "+r.Prompt)
	}
	sort.Strings(out)
	return out
}

const reviewPipeline = `
name: quick-review
description: Review files and summarize
inputs:
  - name: files
    type: array
    required: true
  - name: deep
    type: boolean
    default: false
steps:
  - name: review
    backend: gemini
    prompt: 'Review ${strings.join(inputs.files, ", ")}'
    attachments: ['${inputs.files}']
    store: review
    append: notes
  - name: second-opinion
    when: inputs.deep
    backend: cursor
    prompt: 'Double check: ${state.review}'
    store: second
  - name: plans
    operation: read_file
    branches:
      - name: droid
        backend: droid
        prompt: 'Plan fixes for ${state.review}'
      - name: qwen
        backend: qwen
        prompt: 'Plan tests for ${state.review}'
output: '${state.review} | ${len(lists.notes)}'
`

func TestPipelineRuns(t *testing.T) {
	p, err := ParsePipeline([]byte(reviewPipeline))
	require.NoError(t, err)
	require.Equal(t, "quick-review", p.Name)
	require.Len(t, p.Steps, 3)

	d := &fakeDispatcher{respond: func(req backend.Request) (string, error) {
		switch req.Backend {
		case backend.Gemini:
			return "looks fine", nil
		case backend.Qwen:
			return "", errors.New("qwen down")
		default:
			return "ok from " + string(req.Backend), nil
		}
	}}
	w, err := p.Workflow(d, permission.NewManager(permission.ReadOnly), nil)
	require.NoError(t, err)

	wctx := NewWorkflowContext("wf_pipe", p.Name)
	params, err := w.prepare(Params{"files": []any{"a.go", "b.go"}})
	require.NoError(t, err)
	out, err := w.Run(context.Background(), wctx, params)
	require.NoError(t, err)
	require.Equal(t, "looks fine | 1", out)

	require.Equal(t, []string{
		"droid: Plan fixes for looks fine",
		"gemini: Review a.go, b.go",
		"qwen: Plan tests for looks fine",
	}, d.prompts())
	require.Equal(t, []string{"a.go", "b.go"}, d.requests[0].Attachments)

	require.False(t, wctx.Has("second"), "condition was false")
	outputs, ok := Lookup[map[string]any](wctx, KeyOutputs)
	require.True(t, ok)
	require.Equal(t, map[string]any{"droid": "ok from droid", "qwen": "failed: qwen down"}, outputs["plans"])
}

func TestPipelineDefaultOutput(t *testing.T) {
	p, err := ParsePipeline([]byte(`
name: two-step
steps:
  - name: first
    backend: gemini
    prompt: one
  - name: second
    backend: droid
    prompt: 'two after ${state.outputs.first}'
`))
	require.NoError(t, err)
	d := &fakeDispatcher{respond: func(req backend.Request) (string, error) {
		return "out-" + string(req.Backend), nil
	}}
	w, err := p.Workflow(d, nil, nil)
	require.NoError(t, err)
	out, err := w.Run(context.Background(), NewWorkflowContext("wf", "two-step"), Params{})
	require.NoError(t, err)
	require.Equal(t, "## first\n\nout-gemini\n\n## second\n\nout-droid", out)
	require.Contains(t, d.prompts(), "droid: two after out-gemini")
}

func TestPipelineFailures(t *testing.T) {
	t.Run("all branches failing fails the step", func(t *testing.T) {
		p, err := ParsePipeline([]byte(`
name: fan
steps:
  - name: both
    branches:
      - {name: a, backend: gemini, prompt: x}
      - {name: b, backend: droid, prompt: y}
`))
		require.NoError(t, err)
		d := &fakeDispatcher{respond: func(req backend.Request) (string, error) {
			return "", errors.New("down")
		}}
		w, err := p.Workflow(d, nil, nil)
		require.NoError(t, err)
		_, err = w.Run(context.Background(), NewWorkflowContext("wf", "fan"), nil)
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		require.Equal(t, "both", stepErr.Step)
	})

	t.Run("permission denied", func(t *testing.T) {
		p, err := ParsePipeline([]byte(`
name: writer
steps:
  - name: write
    operation: write_file
    backend: droid
    prompt: write it
`))
		require.NoError(t, err)
		d := &fakeDispatcher{respond: func(req backend.Request) (string, error) { return "", nil }}
		w, err := p.Workflow(d, permission.NewManager(permission.ReadOnly), nil)
		require.NoError(t, err)
		_, err = w.Run(context.Background(), NewWorkflowContext("wf", "writer"), nil)
		require.ErrorIs(t, err, permission.ErrPermissionDenied)
		require.Empty(t, d.requests)
	})
}

func TestPipelineValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "steps: [{name: a, backend: gemini, prompt: x}]", "pipeline name required"},
		{"no steps", "name: p", "has no steps"},
		{"duplicate", "name: p\nsteps: [{name: a, backend: gemini, prompt: x}, {name: a, backend: gemini, prompt: y}]", "duplicate step"},
		{"bad backend", "name: p\nsteps: [{name: a, backend: gpt, prompt: x}]", "unsupported backend"},
		{"no prompt", "name: p\nsteps: [{name: a, backend: gemini}]", "has no prompt"},
		{"bad operation", "name: p\nsteps: [{name: a, backend: gemini, prompt: x, operation: launch}]", "unknown operation"},
		{"mixed", "name: p\nsteps: [{name: a, backend: gemini, prompt: x, branches: [{name: b, backend: droid, prompt: y}]}]", "either branches"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.yaml))
			require.ErrorContains(t, err, tt.want)
		})
	}

	p, err := ParsePipeline([]byte("name: p\nsteps: [{name: a, backend: gemini, prompt: '${'}]"))
	require.NoError(t, err)
	_, err = p.Workflow(&fakeDispatcher{}, nil, nil)
	require.ErrorContains(t, err, "unclosed template expression")
}

func TestLoadPipelineDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: b\nsteps: [{name: s, backend: droid, prompt: x}]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("name: a\nsteps: [{name: s, backend: gemini, prompt: x}]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	pipelines, err := LoadPipelineDir(dir)
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	require.Equal(t, "a", pipelines[0].Name)
	require.Equal(t, "b", pipelines[1].Name)

	none, err := LoadPipelineDir(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte("name: c"), 0o644))
	_, err = LoadPipelineDir(dir)
	require.ErrorContains(t, err, "c.yaml")
}

func TestExamplePipelines(t *testing.T) {
	pipelines, err := LoadPipelineDir(filepath.Join("examples", "pipelines"))
	require.NoError(t, err)
	names := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"commit-prep", "consensus", "security-audit"}, names)

	d := &fakeDispatcher{respond: func(req backend.Request) (string, error) {
		return "answer from " + string(req.Backend), nil
	}}
	gate := permission.NewManager(permission.ReadOnly)
	reg, err := NewRegistry()
	require.NoError(t, err)
	for _, p := range pipelines {
		w, err := p.Workflow(d, gate, nil)
		require.NoError(t, err, p.Name)
		require.NoError(t, reg.Register(w))
	}

	ctx := context.Background()
	w, _ := reg.Get("security-audit")
	params, err := w.prepare(Params{"files": []any{"auth.go", "session.go"}})
	require.NoError(t, err)
	out, err := w.Run(ctx, NewWorkflowContext("wf_audit", w.Name), params)
	require.NoError(t, err)
	require.Contains(t, out, "# Security Audit\n\nanswer from gemini")
	require.Len(t, d.requests, 1, "challenge is skipped unless deep is set")
	require.Equal(t, []string{"auth.go", "session.go"}, d.requests[0].Attachments)

	w, _ = reg.Get("consensus")
	out, err = w.Run(ctx, NewWorkflowContext("wf_consensus", w.Name), Params{"question": "why?"})
	require.NoError(t, err)
	require.Len(t, d.requests, 5)
	require.Contains(t, d.requests[4].Prompt, `Several assistants answered "why?"`)
	require.Contains(t, out, "## reconcile\n\nanswer from gemini")
}
