package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/mcpbus/errors"
)

// Checkpoint is a labelled snapshot of a workflow's stages, status,
// current stage and data.
type Checkpoint struct {
	WorkflowID   string         `json:"workflow_id"`
	Label        string         `json:"label"`
	Status       Status         `json:"status"`
	CurrentStage string         `json:"current_stage,omitempty"`
	Stages       []*Stage       `json:"stages"`
	Data         map[string]any `json:"data,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func snapshot(wf *Workflow, label string, now time.Time) *Checkpoint {
	c := wf.Clone()
	return &Checkpoint{
		WorkflowID:   wf.ID,
		Label:        label,
		Status:       c.Status,
		CurrentStage: c.CurrentStage,
		Stages:       c.Stages,
		Data:         c.Data,
		CreatedAt:    now,
	}
}

// CheckpointStore persists checkpoints. Saving an existing label replaces it.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns a NOT_FOUND error when the checkpoint does not exist.
	Load(ctx context.Context, workflowID, label string) (*Checkpoint, error)

	// List returns the workflow's checkpoints, oldest first.
	List(ctx context.Context, workflowID string) ([]*Checkpoint, error)

	// Delete removes all checkpoints of a workflow.
	Delete(ctx context.Context, workflowID string) error

	Close() error
}

func encodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func checkpointNotFound(workflowID, label string) error {
	return errors.NotFound(fmt.Sprintf("checkpoint %q of workflow %s not found", label, workflowID),
		errors.WithDetail("workflow_id", workflowID),
		errors.WithDetail("label", label))
}

func sortCheckpoints(cps []*Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		return cps[i].CreatedAt.Before(cps[j].CreatedAt)
	})
}

// MemoryCheckpoints keeps checkpoints in process memory.
type MemoryCheckpoints struct {
	mu   sync.RWMutex
	byWF map[string]map[string]*Checkpoint
}

var _ CheckpointStore = (*MemoryCheckpoints)(nil)

// NewMemoryCheckpoints creates an empty in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{byWF: make(map[string]map[string]*Checkpoint)}
}

// Save stores a copy of cp.
func (s *MemoryCheckpoints) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels, ok := s.byWF[cp.WorkflowID]
	if !ok {
		labels = make(map[string]*Checkpoint)
		s.byWF[cp.WorkflowID] = labels
	}
	labels[cp.Label] = cloneCheckpoint(cp)
	return nil
}

// Load returns a copy of the checkpoint.
func (s *MemoryCheckpoints) Load(_ context.Context, workflowID, label string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byWF[workflowID][label]
	if !ok {
		return nil, checkpointNotFound(workflowID, label)
	}
	return cloneCheckpoint(cp), nil
}

// List returns copies of the workflow's checkpoints.
func (s *MemoryCheckpoints) List(_ context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(s.byWF[workflowID]))
	for _, cp := range s.byWF[workflowID] {
		out = append(out, cloneCheckpoint(cp))
	}
	sortCheckpoints(out)
	return out, nil
}

// Delete removes the workflow's checkpoints.
func (s *MemoryCheckpoints) Delete(_ context.Context, workflowID string) error {
	s.mu.Lock()
	delete(s.byWF, workflowID)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemoryCheckpoints) Close() error { return nil }

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	c := *cp
	c.Stages = make([]*Stage, len(cp.Stages))
	for i, st := range cp.Stages {
		c.Stages[i] = st.Clone()
	}
	c.Data = cloneData(cp.Data)
	return &c
}
