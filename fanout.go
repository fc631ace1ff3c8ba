package aiflow

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/aiflow/audit"
	"golang.org/x/sync/errgroup"
)

// Branch is one concurrent unit of a fan-out.
type Branch struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// BranchResult is the outcome of one branch.
type BranchResult struct {
	Name     string
	Output   string
	Err      error
	Duration time.Duration
}

// OK reports whether the branch succeeded.
func (r BranchResult) OK() bool {
	return r.Err == nil
}

// FanOut runs every branch concurrently and waits for all of them. A
// failing branch never cancels its siblings; each result carries its own
// output or error. Results are returned in branch order. A panicking branch
// is reported as a failed result.
func FanOut(ctx context.Context, branches ...Branch) []BranchResult {
	logger := LoggerFromContext(ctx)
	callbacks := CallbacksFromContext(ctx)
	workflowID := audit.WorkflowID(ctx)

	results := make([]BranchResult, len(branches))
	var g errgroup.Group
	for i, branch := range branches {
		g.Go(func() error {
			start := time.Now()
			out, err := runBranch(ctx, branch)
			results[i] = BranchResult{
				Name:     branch.Name,
				Output:   out,
				Err:      err,
				Duration: time.Since(start),
			}
			if err != nil {
				logger.Warn("branch failed", "branch", branch.Name, "error", err)
			} else {
				logger.Debug("branch completed", "branch", branch.Name, "duration", results[i].Duration)
			}
			callbacks.AfterBranch(ctx, &BranchEvent{
				WorkflowID: workflowID,
				Branch:     branch.Name,
				Duration:   results[i].Duration,
				Output:     out,
				Error:      err,
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runBranch(ctx context.Context, branch Branch) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("branch %s panicked: %v", branch.Name, r)
		}
	}()
	return branch.Run(ctx)
}

// Partition splits results into successes and failures, keeping order.
func Partition(results []BranchResult) (succeeded, failed []BranchResult) {
	for _, r := range results {
		if r.OK() {
			succeeded = append(succeeded, r)
		} else {
			failed = append(failed, r)
		}
	}
	return succeeded, failed
}
