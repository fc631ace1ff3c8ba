package aiflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/deepnoodle-ai/aiflow/script"
	"gopkg.in/yaml.v3"
)

// Dispatcher sends a request to a backend. *backend.Dispatcher implements it.
type Dispatcher interface {
	Execute(ctx context.Context, req backend.Request) (string, error)
}

// KeyOutputs is the record under which pipelines store every step's output,
// keyed by step name.
const KeyOutputs = "outputs"

// PipelineBranch is one concurrent backend call of a fan-out step.
type PipelineBranch struct {
	Name    string `json:"name" yaml:"name"`
	Backend string `json:"backend" yaml:"backend"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt  string `json:"prompt" yaml:"prompt"`
}

// PipelineStep is a step of a YAML pipeline. A step either calls one
// backend with Prompt or fans out to Branches.
type PipelineStep struct {
	Name        string           `json:"name" yaml:"name"`
	Backend     string           `json:"backend,omitempty" yaml:"backend,omitempty"`
	Model       string           `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt      string           `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	When        string           `json:"when,omitempty" yaml:"when,omitempty"`
	Store       string           `json:"store,omitempty" yaml:"store,omitempty"`
	Append      string           `json:"append,omitempty" yaml:"append,omitempty"`
	Operation   string           `json:"operation,omitempty" yaml:"operation,omitempty"`
	Retries     int              `json:"retries,omitempty" yaml:"retries,omitempty"`
	Optional    bool             `json:"optional,omitempty" yaml:"optional,omitempty"`
	Attachments []string         `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Branches    []PipelineBranch `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// Pipeline is a workflow defined in YAML. Prompts, attachments and the
// output are templates with ${expression} placeholders; expressions see
// the globals inputs, state and lists.
type Pipeline struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []*Input       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps       []PipelineStep `json:"steps" yaml:"steps"`
	Output      string         `json:"output,omitempty" yaml:"output,omitempty"`
}

// ParsePipeline decodes and validates a YAML pipeline.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPipelineFile loads a pipeline from a YAML file.
func LoadPipelineFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadPipelineDir loads every *.yaml and *.yml file in dir, sorted by file
// name. A missing directory yields no pipelines.
func LoadPipelineDir(dir string) ([]*Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline directory: %w", err)
	}
	var pipelines []*Pipeline
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		p, err := LoadPipelineFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

// Validate checks names, backends and operations.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %q has no steps", p.Name)
	}
	seen := map[string]bool{}
	for i, step := range p.Steps {
		if step.Name == "" {
			return fmt.Errorf("pipeline %q: step %d has no name", p.Name, i+1)
		}
		if seen[step.Name] {
			return fmt.Errorf("pipeline %q: duplicate step %q", p.Name, step.Name)
		}
		seen[step.Name] = true
		if step.Operation != "" {
			if _, ok := permission.RequiredLevel(permission.Operation(step.Operation)); !ok {
				return fmt.Errorf("pipeline %q: step %q: unknown operation %q", p.Name, step.Name, step.Operation)
			}
		}
		if len(step.Branches) > 0 {
			if step.Prompt != "" || step.Backend != "" {
				return fmt.Errorf("pipeline %q: step %q: use either branches or backend and prompt", p.Name, step.Name)
			}
			for _, br := range step.Branches {
				if br.Name == "" || br.Prompt == "" {
					return fmt.Errorf("pipeline %q: step %q: branches need a name and a prompt", p.Name, step.Name)
				}
				if _, err := backend.ParseBackend(br.Backend); err != nil {
					return fmt.Errorf("pipeline %q: step %q: %w", p.Name, step.Name, err)
				}
			}
			continue
		}
		if step.Prompt == "" {
			return fmt.Errorf("pipeline %q: step %q has no prompt", p.Name, step.Name)
		}
		if _, err := backend.ParseBackend(step.Backend); err != nil {
			return fmt.Errorf("pipeline %q: step %q: %w", p.Name, step.Name, err)
		}
	}
	return nil
}

type compiledBranch struct {
	name    string
	backend backend.Backend
	model   string
	prompt  *script.Template
}

type compiledStep struct {
	PipelineStep
	backend     backend.Backend
	prompt      *script.Template
	when        *script.Condition
	attachments []*script.Template
	branches    []compiledBranch
}

// Workflow compiles the pipeline's expressions and returns it as a
// Workflow that dispatches through d under gate.
func (p *Pipeline) Workflow(d Dispatcher, gate permission.Gate, compiler script.Compiler) (Workflow, error) {
	if err := p.Validate(); err != nil {
		return Workflow{}, err
	}
	if compiler == nil {
		compiler = script.NewEngine(nil)
	}
	ctx := context.Background()
	steps := make([]*compiledStep, 0, len(p.Steps))
	for _, step := range p.Steps {
		cs, err := compileStep(ctx, compiler, step)
		if err != nil {
			return Workflow{}, fmt.Errorf("pipeline %q: step %q: %w", p.Name, step.Name, err)
		}
		steps = append(steps, cs)
	}
	var output *script.Template
	if p.Output != "" {
		t, err := script.NewTemplate(ctx, compiler, p.Output)
		if err != nil {
			return Workflow{}, fmt.Errorf("pipeline %q: output: %w", p.Name, err)
		}
		output = t
	}

	run := func(ctx context.Context, wctx *WorkflowContext, params Params) (string, error) {
		seqSteps := make([]Step, 0, len(steps))
		for _, cs := range steps {
			seqSteps = append(seqSteps, Step{
				Name:      cs.Name,
				Operation: permission.Operation(cs.Operation),
				Detail:    "pipeline " + p.Name,
				Retries:   cs.Retries,
				Optional:  cs.Optional,
				Run: func(ctx context.Context, wctx *WorkflowContext) error {
					return cs.run(ctx, d, wctx, params)
				},
			})
		}
		if err := NewSequence(gate, seqSteps...).Run(ctx, wctx); err != nil {
			return "", err
		}
		if output != nil {
			return output.Eval(ctx, pipelineGlobals(wctx, params))
		}
		return defaultPipelineOutput(wctx, steps), nil
	}
	return Workflow{Name: p.Name, Description: p.Description, Inputs: p.Inputs, Run: run}, nil
}

func compileStep(ctx context.Context, compiler script.Compiler, step PipelineStep) (*compiledStep, error) {
	cs := &compiledStep{PipelineStep: step}
	var err error
	if step.When != "" {
		if cs.when, err = script.NewCondition(ctx, compiler, step.When); err != nil {
			return nil, err
		}
	}
	for _, a := range step.Attachments {
		t, err := script.NewTemplate(ctx, compiler, a)
		if err != nil {
			return nil, err
		}
		cs.attachments = append(cs.attachments, t)
	}
	if len(step.Branches) > 0 {
		for _, br := range step.Branches {
			b, err := backend.ParseBackend(br.Backend)
			if err != nil {
				return nil, err
			}
			t, err := script.NewTemplate(ctx, compiler, br.Prompt)
			if err != nil {
				return nil, err
			}
			cs.branches = append(cs.branches, compiledBranch{name: br.Name, backend: b, model: br.Model, prompt: t})
		}
		return cs, nil
	}
	if cs.backend, err = backend.ParseBackend(step.Backend); err != nil {
		return nil, err
	}
	if cs.prompt, err = script.NewTemplate(ctx, compiler, step.Prompt); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *compiledStep) run(ctx context.Context, d Dispatcher, wctx *WorkflowContext, params Params) error {
	globals := pipelineGlobals(wctx, params)
	if cs.when != nil {
		ok, err := cs.when.Eval(ctx, globals)
		if err != nil {
			return fmt.Errorf("when: %w", err)
		}
		if !ok {
			LoggerFromContext(ctx).Debug("step condition is false", "step", cs.Name, "when", cs.When)
			return nil
		}
	}
	var attachments []string
	for _, t := range cs.attachments {
		a, err := t.Eval(ctx, globals)
		if err != nil {
			return fmt.Errorf("attachments: %w", err)
		}
		for _, line := range strings.Split(a, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				attachments = append(attachments, line)
			}
		}
	}

	var output any
	if len(cs.branches) > 0 {
		out, err := cs.fanOut(ctx, d, globals, attachments)
		if err != nil {
			return err
		}
		output = out
	} else {
		prompt, err := cs.prompt.Eval(ctx, globals)
		if err != nil {
			return fmt.Errorf("prompt: %w", err)
		}
		out, err := d.Execute(ctx, backend.Request{
			Backend:     cs.backend,
			Model:       cs.Model,
			Prompt:      prompt,
			Attachments: attachments,
		})
		if err != nil {
			return err
		}
		output = out
	}

	if cs.Store != "" {
		wctx.Set(cs.Store, output)
	}
	if cs.Append != "" {
		wctx.Append(cs.Append, output)
	}
	return wctx.Merge(KeyOutputs, map[string]any{cs.Name: output})
}

// fanOut runs the branches concurrently. Failed branches are reported
// inline; the step fails only if every branch failed.
func (cs *compiledStep) fanOut(ctx context.Context, d Dispatcher, globals map[string]any, attachments []string) (map[string]any, error) {
	branches := make([]Branch, 0, len(cs.branches))
	for _, br := range cs.branches {
		prompt, err := br.prompt.Eval(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("branch %s prompt: %w", br.name, err)
		}
		branches = append(branches, Branch{
			Name: br.name,
			Run: func(ctx context.Context) (string, error) {
				return d.Execute(ctx, backend.Request{
					Backend:     br.backend,
					Model:       br.model,
					Prompt:      prompt,
					Attachments: attachments,
				})
			},
		})
	}
	results := FanOut(ctx, branches...)
	out := make(map[string]any, len(results))
	var errs []error
	for _, r := range results {
		if r.OK() {
			out[r.Name] = r.Output
			continue
		}
		out[r.Name] = fmt.Sprintf("failed: %v", r.Err)
		errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
	}
	if len(errs) == len(results) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func pipelineGlobals(wctx *WorkflowContext, params Params) map[string]any {
	lists := map[string]any{}
	for k, seq := range wctx.Sequences() {
		lists[k] = seq
	}
	return map[string]any{
		script.GlobalInputs: jsonNative(map[string]any(params)),
		script.GlobalState:  jsonNative(wctx.Values()),
		script.GlobalLists:  jsonNative(lists),
	}
}

// jsonNative reduces v to maps, slices and scalars the script engine can
// convert.
func jsonNative(v map[string]any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func defaultPipelineOutput(wctx *WorkflowContext, steps []*compiledStep) string {
	outputs, _ := Lookup[map[string]any](wctx, KeyOutputs)
	var b strings.Builder
	for _, cs := range steps {
		out, ok := outputs[cs.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", cs.Name)
		switch v := out.(type) {
		case map[string]any:
			names := make([]string, 0, len(v))
			for name := range v {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				fmt.Fprintf(&b, "### %s\n\n%v\n\n", name, v[name])
			}
		default:
			fmt.Fprintf(&b, "%v\n\n", v)
		}
	}
	return strings.TrimSpace(b.String())
}
