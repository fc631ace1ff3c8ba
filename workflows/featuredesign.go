package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/aiflow"
	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/report"
)

const (
	keyArchitecture = "architecture"

	branchImplementation = "implementation"
	branchTestPlan       = "test-plan"
)

// FeatureDesignParams are the parameters of the feature-design workflow.
type FeatureDesignParams struct {
	Feature       string            `json:"feature" desc:"Description of the feature to design" required:"true"`
	ContextFiles  aiflow.StringList `json:"context_files,omitempty" desc:"Existing files the design should take into account"`
	AutonomyLevel string            `json:"autonomy_level,omitempty" desc:"Autonomy level for this run, capped at the configured level"`
}

func (p FeatureDesignParams) Validate() error {
	if strings.TrimSpace(p.Feature) == "" {
		return errors.New("feature required")
	}
	return nil
}

// FeatureDesign returns the feature-design workflow: gemini designs the
// architecture, then droid and cursor plan the implementation and its
// tests concurrently.
func FeatureDesign(deps Dependencies) aiflow.Workflow {
	deps = deps.withDefaults()
	return aiflow.NewTypedWorkflow("feature-design",
		"Designs a feature: architecture first, then implementation and test plans in parallel",
		func(ctx context.Context, wctx *aiflow.WorkflowContext, p FeatureDesignParams) (string, error) {
			return deps.featureDesign(ctx, wctx, p)
		})
}

func (d Dependencies) featureDesign(ctx context.Context, wctx *aiflow.WorkflowContext, p FeatureDesignParams) (string, error) {
	gate, err := d.gate(ctx, p.AutonomyLevel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", aiflow.ErrInvalidParams, err)
	}
	level := gate.Level()
	d.Recorder.Record(ctx, "feature-design-start", string(level), map[string]any{"feature": p.Feature})

	if !wctx.Has(keyFiles) {
		for _, f := range p.ContextFiles {
			wctx.Append(keyFiles, f)
		}
	}

	seq := aiflow.NewSequence(gate,
		d.readFilesStep(),
		aiflow.Step{
			Name:      "architecture",
			Retries:   1,
			RetryWait: time.Second,
			Run: func(ctx context.Context, wctx *aiflow.WorkflowContext) error {
				out, err := d.Dispatcher.Execute(ctx, backend.Request{
					Backend: backend.Gemini,
					Prompt: fmt.Sprintf(`Design the architecture for this feature.

Feature: %s
%s
Provide:
1. Components and their responsibilities
2. Data model changes
3. Interfaces between components
4. Trade-offs and alternatives considered`, p.Feature, inlineFiles(wctx)),
				})
				if err != nil {
					return err
				}
				wctx.Set(keyArchitecture, out)
				return nil
			},
		},
		aiflow.Step{
			Name: "plan",
			Run: func(ctx context.Context, wctx *aiflow.WorkflowContext) error {
				architecture, _ := aiflow.Lookup[string](wctx, keyArchitecture)
				results := aiflow.FanOut(ctx,
					analysisBranch(d.Dispatcher, branchImplementation, backend.Request{
						Backend: backend.Droid,
						Prompt: fmt.Sprintf(`Create a step by step implementation plan for this design.

Feature: %s

Architecture:
%s

List the files to create or change, in order, with the checks that prove each step.`, p.Feature, architecture),
						Autonomy:     droidAutonomy(level),
						OutputFormat: "text",
					}),
					analysisBranch(d.Dispatcher, branchTestPlan, backend.Request{
						Backend: backend.Cursor,
						Prompt: fmt.Sprintf(`Write a test strategy and risk assessment for this design.

Feature: %s

Architecture:
%s

Cover unit and integration tests, edge cases and rollout risks.`, p.Feature, architecture),
						OutputFormat: "text",
					}),
				)
				return storeResults(wctx, results)
			},
		},
	)
	if err := seq.Run(ctx, wctx); err != nil {
		return "", err
	}

	architecture, _ := aiflow.Lookup[string](wctx, keyArchitecture)
	files := stringsOf(wctx, keyFiles)
	rep := report.New("Feature Design Report").
		Section("Feature", p.Feature).
		List("Context Files", files).
		Section("Architecture Design (Gemini)", architecture)
	for _, s := range []struct{ branch, heading string }{
		{branchImplementation, "Implementation Plan (Droid)"},
		{branchTestPlan, "Test & Risk Plan (Cursor Agent)"},
	} {
		if result, ok := analysisResult(wctx, s.branch); ok {
			rep.Backend(s.heading, result.Output, result.Err)
		}
	}
	rep.Summary("Context Files", len(files)).
		Summary("Failed Analyses", rep.Failures())

	d.Recorder.Record(ctx, "feature-design-complete", string(level), map[string]any{"failures": rep.Failures()})
	return rep.String(), nil
}
