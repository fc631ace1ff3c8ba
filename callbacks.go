package aiflow

import (
	"context"
	"time"
)

// Status of a workflow execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Callbacks receives workflow, step and fan-out branch events. AfterBranch
// is called from the branch goroutines and must be safe for concurrent use.
type Callbacks interface {
	BeforeWorkflow(ctx context.Context, event *WorkflowEvent)
	AfterWorkflow(ctx context.Context, event *WorkflowEvent)

	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)

	AfterBranch(ctx context.Context, event *BranchEvent)
}

// WorkflowEvent describes a workflow execution.
type WorkflowEvent struct {
	WorkflowID   string
	WorkflowName string
	Status       Status
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Params       Params
	Output       string
	Resumed      bool
	Error        error
}

// StepEvent describes one step of a Sequence.
type StepEvent struct {
	WorkflowID   string
	WorkflowName string
	StepName     string
	Operation    string
	Attempt      int
	Skipped      bool
	StartTime    time.Time
	Duration     time.Duration
	Error        error
}

// BranchEvent describes a finished fan-out branch.
type BranchEvent struct {
	WorkflowID string
	Branch     string
	Duration   time.Duration
	Output     string
	Error      error
}

// BaseCallbacks implements Callbacks with no-ops. Embed it to implement only
// the events you need.
type BaseCallbacks struct{}

func (*BaseCallbacks) BeforeWorkflow(context.Context, *WorkflowEvent) {}
func (*BaseCallbacks) AfterWorkflow(context.Context, *WorkflowEvent)  {}
func (*BaseCallbacks) BeforeStep(context.Context, *StepEvent)         {}
func (*BaseCallbacks) AfterStep(context.Context, *StepEvent)          {}
func (*BaseCallbacks) AfterBranch(context.Context, *BranchEvent)      {}

// CallbackChain fans events out to several Callbacks in order.
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a chain of the given callbacks.
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a callback to the chain.
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeWorkflow(ctx context.Context, event *WorkflowEvent) {
	for _, cb := range c.callbacks {
		cb.BeforeWorkflow(ctx, event)
	}
}

func (c *CallbackChain) AfterWorkflow(ctx context.Context, event *WorkflowEvent) {
	for _, cb := range c.callbacks {
		cb.AfterWorkflow(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, cb := range c.callbacks {
		cb.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, cb := range c.callbacks {
		cb.AfterStep(ctx, event)
	}
}

func (c *CallbackChain) AfterBranch(ctx context.Context, event *BranchEvent) {
	for _, cb := range c.callbacks {
		cb.AfterBranch(ctx, event)
	}
}
