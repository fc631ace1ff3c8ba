package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/aiflow"
)

// progressPrinter prints workflow progress as colored lines.
type progressPrinter struct {
	aiflow.BaseCallbacks

	mu  sync.Mutex
	out io.Writer

	cyan   func(a ...any) string
	green  func(a ...any) string
	red    func(a ...any) string
	yellow func(a ...any) string
	faint  func(a ...any) string
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{
		out:    out,
		cyan:   color.New(color.FgCyan).SprintFunc(),
		green:  color.New(color.FgGreen).SprintFunc(),
		red:    color.New(color.FgRed).SprintFunc(),
		yellow: color.New(color.FgYellow).SprintFunc(),
		faint:  color.New(color.Faint).SprintFunc(),
	}
}

func (p *progressPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *progressPrinter) BeforeWorkflow(_ context.Context, e *aiflow.WorkflowEvent) {
	verb := "Starting"
	if e.Resumed {
		verb = "Resuming"
	}
	p.printf("%s %s %s\n", p.cyan("▶"), verb, e.WorkflowName+" "+p.faint("("+e.WorkflowID+")"))
}

func (p *progressPrinter) AfterWorkflow(_ context.Context, e *aiflow.WorkflowEvent) {
	d := e.Duration.Round(time.Millisecond)
	switch e.Status {
	case aiflow.StatusCompleted:
		p.printf("%s %s completed in %s\n", p.green("✓"), e.WorkflowName, d)
	default:
		p.printf("%s %s %s after %s: %v\n", p.red("✗"), e.WorkflowName, e.Status, d, e.Error)
		p.printf("  resume with: aiflow resume %s\n", e.WorkflowID)
	}
}

func (p *progressPrinter) BeforeStep(_ context.Context, e *aiflow.StepEvent) {
	p.printf("  %s %s\n", p.cyan("→"), e.StepName)
}

func (p *progressPrinter) AfterStep(_ context.Context, e *aiflow.StepEvent) {
	d := e.Duration.Round(time.Millisecond)
	switch {
	case e.Skipped:
		p.printf("  %s %s skipped: %v\n", p.yellow("!"), e.StepName, e.Error)
	case e.Error != nil:
		p.printf("  %s %s failed after %d attempt(s): %v\n", p.red("✗"), e.StepName, e.Attempt, e.Error)
	default:
		p.printf("  %s %s %s\n", p.green("✓"), e.StepName, p.faint(d.String()))
	}
}

func (p *progressPrinter) AfterBranch(_ context.Context, e *aiflow.BranchEvent) {
	d := e.Duration.Round(time.Millisecond)
	if e.Error != nil {
		p.printf("    %s %s failed: %v\n", p.red("✗"), e.Branch, e.Error)
		return
	}
	p.printf("    %s %s %s\n", p.green("✓"), e.Branch, p.faint(d.String()))
}
