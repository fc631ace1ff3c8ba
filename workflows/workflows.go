// Package workflows holds the built-in multi-backend workflows.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/aiflow"
	"github.com/deepnoodle-ai/aiflow/audit"
	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/deepnoodle-ai/aiflow/selector"
)

// maxFileBytes caps how much of a file is inlined into a prompt.
const maxFileBytes = 200 * 1024

// Context keys shared by the built-in workflows.
const (
	keyFiles    = "files"
	keyContents = "file_contents"
	keyAnalysis = "analysis"
	keyRelated  = "related_files"
)

// Dependencies are the collaborators of the built-in workflows.
type Dependencies struct {
	Dispatcher aiflow.Dispatcher

	// Gate is the configured permission gate. A workflow's autonomy_level
	// parameter can lower its level for one run but never raise it.
	Gate permission.Gate

	Recorder *audit.Recorder
	Selector *selector.Selector

	// Root is the directory relative file paths are resolved against.
	Root string
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Gate == nil {
		d.Gate = permission.NewManager(permission.ReadOnly)
	}
	if d.Recorder == nil {
		d.Recorder = audit.NewRecorder(nil, nil)
	}
	if d.Selector == nil {
		d.Selector = selector.New(selector.WithRecorder(d.Recorder))
	}
	if d.Root == "" {
		d.Root = "."
	}
	return d
}

// All returns the built-in workflows.
func All(deps Dependencies) []aiflow.Workflow {
	return []aiflow.Workflow{
		BugHunt(deps),
		FeatureDesign(deps),
		ParallelReview(deps),
	}
}

// Register adds the built-in workflows to reg.
func Register(reg *aiflow.Registry, deps Dependencies) error {
	for _, w := range All(deps) {
		if err := reg.Register(w); err != nil {
			return err
		}
	}
	return nil
}

// gate returns the gate for one run. An explicit level is capped at the
// configured gate's level.
func (d Dependencies) gate(ctx context.Context, level string) (permission.Gate, error) {
	if strings.TrimSpace(level) == "" {
		return d.Gate, nil
	}
	requested, err := permission.ParseAutonomyLevel(level)
	if err != nil {
		return nil, err
	}
	ceiling := d.Gate.Level()
	effective := requested.Cap(ceiling)
	if effective != requested {
		aiflow.LoggerFromContext(ctx).Warn("autonomy level capped",
			"requested", requested, "ceiling", ceiling)
	}
	if effective == ceiling {
		return d.Gate, nil
	}
	return permission.NewManager(effective), nil
}

func validateBackends(names []string) error {
	for _, name := range names {
		if _, err := backend.ParseBackend(name); err != nil {
			return err
		}
	}
	return nil
}

// enabled reports whether b should run given an optional override list.
func enabled(overrides []string, b backend.Backend) bool {
	if len(overrides) == 0 {
		return true
	}
	return slices.ContainsFunc(overrides, func(name string) bool {
		parsed, err := backend.ParseBackend(name)
		return err == nil && parsed == b
	})
}

func (d Dependencies) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.Root, path)
}

// readFilesStep reads the files listed under keyFiles into keyContents.
// Missing files are dropped from keyFiles.
func (d Dependencies) readFilesStep() aiflow.Step {
	return aiflow.Step{
		Name:      "read-files",
		Operation: permission.ReadFile,
		Detail:    "read files to analyze",
		Run: func(ctx context.Context, wctx *aiflow.WorkflowContext) error {
			logger := aiflow.LoggerFromContext(ctx)
			contents := map[string]any{}
			var found []any
			for _, path := range aiflow.LookupAll[string](wctx, keyFiles) {
				data, err := os.ReadFile(d.resolve(path))
				if err != nil {
					logger.Warn("skipping unreadable file", "path", path, "error", err)
					continue
				}
				if len(data) > maxFileBytes {
					data = append(data[:maxFileBytes:maxFileBytes], "\n... (truncated)"...)
				}
				contents[path] = string(data)
				found = append(found, path)
			}
			wctx.Delete(keyFiles)
			for _, path := range found {
				wctx.Append(keyFiles, path)
			}
			wctx.Set(keyContents, contents)
			return nil
		},
	}
}

// inlineFiles renders file contents for a prompt in file order.
func inlineFiles(wctx *aiflow.WorkflowContext) string {
	contents, _ := aiflow.Lookup[map[string]any](wctx, keyContents)
	var b strings.Builder
	for _, path := range aiflow.LookupAll[string](wctx, keyFiles) {
		fmt.Fprintf(&b, "\n--- %s ---\n%v\n", path, contents[path])
	}
	return b.String()
}

// analysisBranch wraps a backend request as a fan-out branch.
func analysisBranch(d aiflow.Dispatcher, name string, req backend.Request) aiflow.Branch {
	return aiflow.Branch{
		Name: name,
		Run: func(ctx context.Context) (string, error) {
			return d.Execute(ctx, req)
		},
	}
}

// storeResults records each branch outcome under keyAnalysis.
func storeResults(wctx *aiflow.WorkflowContext, results []aiflow.BranchResult) error {
	record := make(map[string]any, len(results))
	for _, r := range results {
		entry := map[string]any{"output": r.Output}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
		}
		record[r.Name] = entry
	}
	return wctx.Merge(keyAnalysis, record)
}

// analysisResult returns the stored outcome of a branch.
func analysisResult(wctx *aiflow.WorkflowContext, name string) (aiflow.BranchResult, bool) {
	record, _ := aiflow.Lookup[map[string]any](wctx, keyAnalysis)
	entry, ok := record[name].(map[string]any)
	if !ok {
		return aiflow.BranchResult{}, false
	}
	result := aiflow.BranchResult{Name: name}
	if msg, ok := entry["error"].(string); ok {
		result.Err = errors.New(msg)
		return result, true
	}
	result.Output, _ = entry["output"].(string)
	return result, true
}

func stringsOf(wctx *aiflow.WorkflowContext, key string) []string {
	return aiflow.LookupAll[string](wctx, key)
}

// droidAutonomy maps a gate level onto droid's --auto flag. Droid is never
// given more than medium autonomy.
func droidAutonomy(level permission.AutonomyLevel) string {
	if level == permission.ReadOnly {
		return ""
	}
	return string(level.Cap(permission.Medium))
}
