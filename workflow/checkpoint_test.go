package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/logging"
)

func sampleCheckpoint(wfID, label string, at time.Time) *Checkpoint {
	started := at.Add(-time.Minute)
	return &Checkpoint{
		WorkflowID:   wfID,
		Label:        label,
		Status:       StatusProcessing,
		CurrentStage: "script_creation",
		Stages: []*Stage{
			{Name: "script_creation", Status: StatusCompleted, StartedAt: &started, CompletedAt: &at, Attempts: 1,
				Data: map[string]any{"script": "draft"}},
			{Name: "distribution", Status: StatusPending},
		},
		Data:      map[string]any{"theme": "AI"},
		CreatedAt: at,
	}
}

// checkpointContract exercises the behaviour every CheckpointStore shares.
func checkpointContract(t *testing.T, s CheckpointStore) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Load(ctx, "wf-1", "missing")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)

	require.NoError(t, s.Save(ctx, sampleCheckpoint("wf-1", "after script", at.Add(time.Second))))
	require.NoError(t, s.Save(ctx, sampleCheckpoint("wf-1", "start", at)))
	require.NoError(t, s.Save(ctx, sampleCheckpoint("wf-2", "start", at)))

	cp, err := s.Load(ctx, "wf-1", "after script")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", cp.WorkflowID)
	assert.Equal(t, StatusProcessing, cp.Status)
	require.Len(t, cp.Stages, 2)
	assert.Equal(t, StatusCompleted, cp.Stages[0].Status)
	assert.Equal(t, "draft", cp.Stages[0].Data["script"])
	assert.True(t, cp.Stages[0].CompletedAt.Equal(at.Add(time.Second)))
	assert.Equal(t, "AI", cp.Data["theme"])

	list, err := s.List(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "start", list[0].Label)
	assert.Equal(t, "after script", list[1].Label)

	// Same label replaces.
	replaced := sampleCheckpoint("wf-1", "start", at.Add(2*time.Second))
	replaced.Status = StatusFailed
	require.NoError(t, s.Save(ctx, replaced))
	cp, err = s.Load(ctx, "wf-1", "start")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cp.Status)

	require.NoError(t, s.Delete(ctx, "wf-1"))
	list, err = s.List(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, s.Delete(ctx, "wf-1"))

	_, err = s.Load(ctx, "wf-2", "start")
	assert.NoError(t, err, "other workflows are untouched")
}

func TestMemoryCheckpoints(t *testing.T) {
	checkpointContract(t, NewMemoryCheckpoints())
}

func TestMemoryCheckpointsReturnCopies(t *testing.T) {
	s := NewMemoryCheckpoints()
	ctx := context.Background()
	cp := sampleCheckpoint("wf", "l", time.Now())
	require.NoError(t, s.Save(ctx, cp))
	cp.Stages[0].Status = StatusFailed

	got, err := s.Load(ctx, "wf", "l")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Stages[0].Status)

	got.Data["theme"] = "changed"
	again, _ := s.Load(ctx, "wf", "l")
	assert.Equal(t, "AI", again.Data["theme"])
}

func TestBoltCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := NewBoltCheckpoints(BoltCheckpointsConfig{Path: path})
	require.NoError(t, err)
	checkpointContract(t, s)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Load(context.Background(), "wf-2", "start")
	assert.Error(t, err)
}

func TestBoltCheckpointsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	first, err := NewBoltCheckpoints(BoltCheckpointsConfig{Path: path})
	require.NoError(t, err)
	e, err := NewEngine(DefaultConfig(), &recorder{}, WithCheckpointStore(first), WithLogger(logging.Nop()))
	require.NoError(t, err)
	wf, err := e.Create(ctx, "video", pipeline, nil)
	require.NoError(t, err)
	_, err = e.CreateCheckpoint(ctx, wf.ID, "created")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	second, err := NewBoltCheckpoints(BoltCheckpointsConfig{Path: path})
	require.NoError(t, err)
	defer second.Close()
	cp, err := second.Load(ctx, wf.ID, "created")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cp.Status)
	assert.Len(t, cp.Stages, len(pipeline))
}

func TestCheckpointKeyEncodesLabel(t *testing.T) {
	key := checkpointKey("wf-1", "after script/2")
	assert.Equal(t, "wf-1.YWZ0ZXIgc2NyaXB0LzI", key)
}
