package aiflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// FileCheckpointer persists checkpoints as JSON files, one directory per
// workflow id, with latest.json pointing at the newest checkpoint.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a file checkpointer rooted at dataDir,
// defaulting to ~/.aiflow/checkpoints.
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".aiflow", "checkpoints")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

// ErrInvalidWorkflowID is returned for workflow ids that are not a single
// path element.
var ErrInvalidWorkflowID = errors.New("invalid workflow id")

// workflowDir returns the directory holding workflowID's checkpoints. Ids
// must name a direct child of the data directory.
func (c *FileCheckpointer) workflowDir(workflowID string) (string, error) {
	if workflowID == "" || workflowID == "." || workflowID == ".." ||
		strings.ContainsAny(workflowID, `/\`) || filepath.Base(workflowID) != workflowID {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkflowID, workflowID)
	}
	return filepath.Join(c.dataDir, workflowID), nil
}

// Dir returns the root directory.
func (c *FileCheckpointer) Dir() string {
	return c.dataDir
}

func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	dir, err := c.workflowDir(checkpoint.WorkflowID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("checkpoint-%s.json", checkpoint.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := updateLatest(path, filepath.Join(dir, "latest.json"), data); err != nil {
		return fmt.Errorf("failed to update latest checkpoint: %w", err)
	}
	return nil
}

func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	dir, err := c.workflowDir(workflowID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "latest.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (c *FileCheckpointer) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	dir, err := c.workflowDir(workflowID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete checkpoint directory: %w", err)
	}
	return nil
}

// List summarizes every stored execution, newest first. Unreadable entries
// are skipped.
func (c *FileCheckpointer) List(ctx context.Context) ([]RunSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if os.IsNotExist(err) {
		return []RunSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	summaries := []RunSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := c.LoadCheckpoint(ctx, entry.Name())
		if err != nil || cp == nil {
			continue
		}
		end := cp.EndTime
		if end.IsZero() {
			end = cp.CheckpointAt
		}
		summaries = append(summaries, RunSummary{
			WorkflowID:   cp.WorkflowID,
			WorkflowName: cp.WorkflowName,
			Status:       cp.Status,
			StartTime:    cp.StartTime,
			EndTime:      cp.EndTime,
			Duration:     end.Sub(cp.StartTime),
			Error:        cp.Error,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

// updateLatest points latestPath at checkpointPath with a relative symlink,
// or writes a copy where symlinks are unreliable.
func updateLatest(checkpointPath, latestPath string, data []byte) error {
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return err
		}
	}
	if runtime.GOOS == "windows" {
		return os.WriteFile(latestPath, data, 0o644)
	}
	return os.Symlink(filepath.Base(checkpointPath), latestPath)
}
