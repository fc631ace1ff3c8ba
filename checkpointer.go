package aiflow

import (
	"context"
	"time"
)

// Checkpoint is a persisted snapshot of a failed or interrupted execution,
// enough to resume it.
type Checkpoint struct {
	ID           string    `json:"id"`
	WorkflowID   string    `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name"`
	Status       Status    `json:"status"`
	Params       Params    `json:"params,omitempty"`
	Context      string    `json:"context"`
	Error        string    `json:"error,omitempty"`
	StartTime    time.Time `json:"start_time,omitzero"`
	EndTime      time.Time `json:"end_time,omitzero"`
	CheckpointAt time.Time `json:"checkpoint_at"`
}

// RunSummary is a listing view of a stored checkpoint.
type RunSummary struct {
	WorkflowID   string        `json:"workflow_id"`
	WorkflowName string        `json:"workflow_name"`
	Status       Status        `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitzero"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Checkpointer persists execution snapshots.
type Checkpointer interface {
	// SaveCheckpoint stores checkpoint as the latest for its workflow id.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the latest checkpoint, or nil when none exists.
	LoadCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)

	// DeleteCheckpoint removes all checkpoints for a workflow id.
	DeleteCheckpoint(ctx context.Context, workflowID string) error
}

// NullCheckpointer stores nothing.
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

func (c *NullCheckpointer) LoadCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	return nil, nil
}

func (c *NullCheckpointer) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	return nil
}
