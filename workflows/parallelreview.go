package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/aiflow"
	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/report"
	"github.com/deepnoodle-ai/aiflow/selector"
)

// DefaultReviewers is the number of backends used by parallel-review.
const DefaultReviewers = 3

const keyReviewers = "reviewers"

// ParallelReviewParams are the parameters of the parallel-review workflow.
type ParallelReviewParams struct {
	Files         aiflow.StringList `json:"files" desc:"Files to review" required:"true"`
	Focus         string            `json:"focus,omitempty" desc:"Review focus: general, security, performance, architecture or debugging"`
	Backends      int               `json:"backends,omitempty" desc:"Number of backends reviewing concurrently"`
	AutonomyLevel string            `json:"autonomy_level,omitempty" desc:"Autonomy level for this run, capped at the configured level"`
}

func (p ParallelReviewParams) Validate() error {
	if len(p.Files) == 0 {
		return errors.New("at least one file required")
	}
	if p.Backends < 0 || p.Backends > len(backend.All) {
		return fmt.Errorf("backends must be between 1 and %d", len(backend.All))
	}
	if _, err := focusDomain(p.Focus); err != nil {
		return err
	}
	return nil
}

func focusDomain(focus string) (selector.Domain, error) {
	switch d := selector.Domain(strings.ToLower(strings.TrimSpace(focus))); d {
	case "":
		return selector.DomainArchitecture, nil
	case selector.DomainGeneral, selector.DomainSecurity, selector.DomainPerformance,
		selector.DomainArchitecture, selector.DomainDebugging:
		return d, nil
	default:
		return "", fmt.Errorf("unknown focus %q", focus)
	}
}

// ParallelReview returns the parallel-review workflow: the selector picks
// complementary backends and each reviews the files concurrently.
func ParallelReview(deps Dependencies) aiflow.Workflow {
	deps = deps.withDefaults()
	return aiflow.NewTypedWorkflow("parallel-review",
		"Reviews files with several complementary backends in parallel",
		func(ctx context.Context, wctx *aiflow.WorkflowContext, p ParallelReviewParams) (string, error) {
			return deps.parallelReview(ctx, wctx, p)
		})
}

func (d Dependencies) parallelReview(ctx context.Context, wctx *aiflow.WorkflowContext, p ParallelReviewParams) (string, error) {
	gate, err := d.gate(ctx, p.AutonomyLevel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", aiflow.ErrInvalidParams, err)
	}
	n := p.Backends
	if n == 0 {
		n = DefaultReviewers
	}
	domain, _ := focusDomain(p.Focus)
	focus := strings.TrimSpace(p.Focus)
	if focus == "" {
		focus = "general quality"
	}
	d.Recorder.Record(ctx, "parallel-review-start", string(gate.Level()), map[string]any{
		"files": len(p.Files),
		"focus": focus,
	})

	if !wctx.Has(keyFiles) {
		for _, f := range p.Files {
			wctx.Append(keyFiles, f)
		}
	}

	seq := aiflow.NewSequence(gate,
		aiflow.Step{
			Name: "select-backends",
			Run: func(ctx context.Context, wctx *aiflow.WorkflowContext) error {
				task := selector.ForWorkflow("parallel-review")
				task.Domain = domain
				task.RequiresArchitecturalThinking = domain == selector.DomainArchitecture
				selected := d.Selector.SelectParallel(ctx, task, n)
				if len(selected) == 0 {
					return fmt.Errorf("no reviewers: %w", backend.ErrBackendUnavailable)
				}
				for _, b := range selected {
					wctx.Append(keyReviewers, string(b))
				}
				return nil
			},
		},
		d.readFilesStep(),
		aiflow.Step{
			Name: "review",
			Run: func(ctx context.Context, wctx *aiflow.WorkflowContext) error {
				if len(stringsOf(wctx, keyFiles)) == 0 {
					return fmt.Errorf("%w: none of the files could be read", aiflow.ErrInvalidParams)
				}
				prompt := fmt.Sprintf(`Review the following code with a focus on %s.

%s
Report concrete findings with file and line references, ordered by severity, and suggest fixes.`, focus, inlineFiles(wctx))
				var branches []aiflow.Branch
				for _, name := range stringsOf(wctx, keyReviewers) {
					b := backend.Backend(name)
					req := backend.Request{Backend: b, Prompt: prompt}
					if b == backend.Cursor || b == backend.Droid {
						req.OutputFormat = "text"
					}
					branches = append(branches, analysisBranch(d.Dispatcher, name, req))
				}
				return storeResults(wctx, aiflow.FanOut(ctx, branches...))
			},
		},
	)
	if err := seq.Run(ctx, wctx); err != nil {
		return "", err
	}

	files := stringsOf(wctx, keyFiles)
	reviewers := stringsOf(wctx, keyReviewers)
	rep := report.New("Parallel Review Report").
		Section("Focus", focus).
		List("Files Reviewed", files)
	for _, name := range reviewers {
		if result, ok := analysisResult(wctx, name); ok {
			rep.Backend(fmt.Sprintf("Review (%s)", name), result.Output, result.Err)
		}
	}
	rep.Summary("Files Reviewed", len(files)).
		Summary("Reviewers", strings.Join(reviewers, ", ")).
		Summary("Failed Reviews", rep.Failures())

	d.Recorder.Record(ctx, "parallel-review-complete", string(gate.Level()), map[string]any{"failures": rep.Failures()})
	return rep.String(), nil
}
