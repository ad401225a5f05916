// Package checkpoint persists workflow checkpoints as one JSON file per
// workflow. Each save overwrites the previous snapshot: the latest wins.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/ports"
	"taskflow/internal/taskerr"
)

// Store implements ports.CheckpointStore on a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory, creating it if
// needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "create checkpoint dir %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Save writes the checkpoint for a workflow, replacing any previous one.
func (s *Store) Save(ctx context.Context, workflowID string, cp ports.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return taskerr.Wrap(taskerr.KindCancelled, err, "save checkpoint for %s", workflowID)
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.WorkflowID == "" {
		cp.WorkflowID = workflowID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return taskerr.Wrap(taskerr.KindConfig, err, "marshal checkpoint for %s", workflowID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.filePath(workflowID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return taskerr.Wrap(taskerr.KindOutput, err, "write checkpoint for %s", workflowID)
	}
	if err := os.Rename(tmp, path); err != nil {
		return taskerr.Wrap(taskerr.KindOutput, err, "replace checkpoint for %s", workflowID)
	}
	return nil
}

// List returns the stored checkpoints for a workflow. With one file per
// workflow this is at most one entry.
func (s *Store) List(ctx context.Context, workflowID string) ([]ports.Checkpoint, error) {
	cp, err := s.Latest(ctx, workflowID)
	if err != nil || cp == nil {
		return nil, err
	}
	return []ports.Checkpoint{*cp}, nil
}

// Latest loads the checkpoint for a workflow. Returns nil when none exists
// or the file is unreadable; a half-written snapshot never blocks a fresh run.
func (s *Store) Latest(ctx context.Context, workflowID string) (*ports.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.KindCancelled, err, "load checkpoint for %s", workflowID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.filePath(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, taskerr.Wrap(taskerr.KindInput, err, "read checkpoint for %s", workflowID)
	}
	var cp ports.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, nil
	}
	return &cp, nil
}

// Delete removes the checkpoint for a workflow, if any.
func (s *Store) Delete(workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.filePath(workflowID)); err != nil && !os.IsNotExist(err) {
		return taskerr.Wrap(taskerr.KindOutput, err, "delete checkpoint for %s", workflowID)
	}
	return nil
}

func (s *Store) filePath(workflowID string) string {
	return filepath.Join(s.dir, sanitize(workflowID)+".json")
}

// sanitize keeps workflow ids safe as file names.
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
