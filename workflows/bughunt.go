package workflows

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/aiflow"
	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/deepnoodle-ai/aiflow/report"
)

const noFilesMessage = "Unable to identify relevant files. Please provide suspected files manually."

// Branch names of the bug hunt analysis.
const (
	branchRootCause  = "root-cause"
	branchHypotheses = "hypotheses"
	branchFixPlan    = "fix-plan"
)

// BugHuntParams are the parameters of the bug-hunt workflow.
type BugHuntParams struct {
	Symptoms         string            `json:"symptoms" desc:"Description of the observed symptoms" required:"true"`
	SuspectedFiles   aiflow.StringList `json:"suspected_files,omitempty" desc:"Files suspected of causing the bug"`
	AutonomyLevel    string            `json:"autonomy_level,omitempty" desc:"Autonomy level for this run, capped at the configured level"`
	Attachments      aiflow.StringList `json:"attachments,omitempty" desc:"Extra files such as logs attached to the analysis"`
	BackendOverrides aiflow.StringList `json:"backend_overrides,omitempty" desc:"Restrict the analysis to these backends"`
}

func (p BugHuntParams) Validate() error {
	if strings.TrimSpace(p.Symptoms) == "" {
		return errors.New("symptoms required")
	}
	return validateBackends(p.BackendOverrides)
}

// BugHunt returns the bug-hunt workflow: it finds the files behind a
// symptom, analyzes them with three backends concurrently and follows the
// imports of files the analysis flags.
func BugHunt(deps Dependencies) aiflow.Workflow {
	deps = deps.withDefaults()
	return aiflow.NewTypedWorkflow("bug-hunt",
		"Hunts for bugs based on symptoms using parallel multi-backend analysis",
		func(ctx context.Context, wctx *aiflow.WorkflowContext, p BugHuntParams) (string, error) {
			return deps.bugHunt(ctx, wctx, p)
		})
}

func (d Dependencies) bugHunt(ctx context.Context, wctx *aiflow.WorkflowContext, p BugHuntParams) (string, error) {
	gate, err := d.gate(ctx, p.AutonomyLevel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", aiflow.ErrInvalidParams, err)
	}
	level := string(gate.Level())
	d.Recorder.Record(ctx, "bug-hunt-start", level, map[string]any{"symptoms": p.Symptoms})

	if !wctx.Has(keyFiles) {
		for _, f := range p.SuspectedFiles {
			wctx.Append(keyFiles, f)
		}
	}

	discover := aiflow.NewSequence(gate, aiflow.Step{
		Name:      "discover-files",
		Operation: permission.ListDirectory,
		Detail:    "search the codebase for files matching the symptoms",
		Retries:   1,
		Run: func(ctx context.Context, wctx *aiflow.WorkflowContext) error {
			if len(stringsOf(wctx, keyFiles)) > 0 {
				return nil
			}
			out, err := d.Dispatcher.Execute(ctx, backend.Request{
				Backend: backend.Gemini,
				Prompt:  discoveryPrompt(p.Symptoms),
			})
			if err != nil {
				return err
			}
			for _, path := range extractFilePaths(d.Root, out) {
				wctx.Append(keyFiles, path)
			}
			return nil
		},
	})
	if err := discover.Run(ctx, wctx); err != nil {
		return "", err
	}
	if len(stringsOf(wctx, keyFiles)) == 0 {
		return report.New("Bug Hunt Report").
			Section("Symptoms", p.Symptoms).
			Section("Result", noFilesMessage).
			String(), nil
	}

	analysis := aiflow.NewSequence(gate,
		d.readFilesStep(),
		aiflow.Step{
			Name: "analyze",
			Run: func(ctx context.Context, wctx *aiflow.WorkflowContext) error {
				return storeResults(wctx, aiflow.FanOut(ctx, d.bugHuntBranches(wctx, p, gate.Level())...))
			},
		},
		aiflow.Step{
			Name:      "related-files",
			Operation: permission.ReadFile,
			Detail:    "follow imports of flagged files",
			Optional:  true,
			Run: func(ctx context.Context, wctx *aiflow.WorkflowContext) error {
				result, ok := analysisResult(wctx, branchRootCause)
				if !ok || !result.OK() || !reportsIssue(result.Output) {
					return nil
				}
				files := stringsOf(wctx, keyFiles)
				for _, f := range files {
					for _, related := range findRelatedFiles(d.Root, f) {
						if !slices.Contains(files, related) && !slices.Contains(stringsOf(wctx, keyRelated), related) {
							wctx.Append(keyRelated, related)
						}
					}
				}
				return nil
			},
		},
	)
	if err := analysis.Run(ctx, wctx); err != nil {
		return "", err
	}

	files := stringsOf(wctx, keyFiles)
	related := stringsOf(wctx, keyRelated)
	rep := report.New("Bug Hunt Report").
		Section("Symptoms", p.Symptoms).
		List("Files Analyzed", files)
	sections := []struct {
		branch  string
		heading string
	}{
		{branchRootCause, "Root Cause Analysis (Gemini)"},
		{branchHypotheses, "Hypothesis Exploration (Cursor Agent)"},
		{branchFixPlan, "Autonomous Fix Plan (Droid)"},
	}
	for _, s := range sections {
		if result, ok := analysisResult(wctx, s.branch); ok {
			rep.Backend(s.heading, result.Output, result.Err)
		}
	}
	if len(related) > 0 {
		rep.List("Related Files", related)
	}
	rep.Summary("Files Analyzed", len(files)).
		Summary("Related Files", len(related)).
		Summary("Failed Analyses", rep.Failures())

	d.Recorder.Record(ctx, "bug-hunt-complete", level, map[string]any{
		"files":    len(files),
		"failures": rep.Failures(),
	})
	return rep.String(), nil
}

func (d Dependencies) bugHuntBranches(wctx *aiflow.WorkflowContext, p BugHuntParams, level permission.AutonomyLevel) []aiflow.Branch {
	files := strings.Join(stringsOf(wctx, keyFiles), "\n")
	var branches []aiflow.Branch
	if enabled(p.BackendOverrides, backend.Gemini) {
		branches = append(branches, analysisBranch(d.Dispatcher, branchRootCause, backend.Request{
			Backend: backend.Gemini,
			Prompt: fmt.Sprintf(`Analyze these files for the reported bug.

Symptoms: %s

Files:
%s
Provide:
1. Root cause analysis
2. Affected code sections
3. Why this causes the symptoms
4. Potential side effects`, p.Symptoms, inlineFiles(wctx)),
		}))
	}
	if enabled(p.BackendOverrides, backend.Cursor) {
		branches = append(branches, analysisBranch(d.Dispatcher, branchHypotheses, backend.Request{
			Backend: backend.Cursor,
			Prompt: fmt.Sprintf(`Act as a code investigator. You have the following symptoms and files.

Symptoms: %s

Main files:
%s

Produce:
1. 3-5 hypotheses ordered by likelihood
2. Evidence needed to confirm each
3. Suggested experiments and tools
4. Metrics to monitor`, p.Symptoms, files),
			Attachments:  p.Attachments,
			OutputFormat: "text",
		}))
	}
	if enabled(p.BackendOverrides, backend.Droid) {
		branches = append(branches, analysisBranch(d.Dispatcher, branchFixPlan, backend.Request{
			Backend: backend.Droid,
			Prompt: fmt.Sprintf(`Create an operational plan to fix the described bug.

Symptoms: %s

Files:
%s

Required output:
- Remediation steps (max 5) with priority
- Automated checks for each step
- Residual risks`, p.Symptoms, files),
			Autonomy:     droidAutonomy(level),
			Attachments:  p.Attachments,
			OutputFormat: "text",
		}))
	}
	return branches
}

func discoveryPrompt(symptoms string) string {
	return fmt.Sprintf(`Given these bug symptoms, list the most likely files in the codebase that could be causing the issue.

Symptoms: %s

Consider:
- Error messages and stack traces
- Component/module names mentioned
- Common locations for such issues

List only file paths, one per line, in order of likelihood.`, symptoms)
}
