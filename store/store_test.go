package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpbus/mcp"
)

func mustCommand(t *testing.T, source, target string, opts ...mcp.Option) *mcp.Message {
	t.Helper()
	m, err := mcp.NewCommand(source, target, "create_script", mcp.Params{"theme": "AI", "n": 3}, opts...)
	require.NoError(t, err)
	return m
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		m := mustCommand(t, "central", "content", mcp.WithSession("s1"), mcp.WithIdempotencyKey("k1"))
		m.SetMeta(mcp.MetaClientInfo, map[string]any{"ip": "10.0.0.1"})
		require.NoError(t, s.Save(ctx, m))

		got, err := s.Load(ctx, m.ID())
		require.NoError(t, err)

		want, err := mcp.Encode(m)
		require.NoError(t, err)
		have, err := mcp.Encode(got)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(have))
		assert.True(t, m.Header.Timestamp.Equal(got.Header.Timestamp))
	})

	t.Run("delete then load is not found", func(t *testing.T) {
		m := mustCommand(t, "central", "content")
		require.NoError(t, s.Save(ctx, m))
		require.NoError(t, s.Delete(ctx, m.ID()))

		_, err := s.Load(ctx, m.ID())
		assert.True(t, IsNotFound(err), "got %v", err)
		assert.NoError(t, s.Delete(ctx, m.ID()), "deleting twice is not an error")
	})

	t.Run("query filters and processed flag", func(t *testing.T) {
		session := "q-" + mcp.NewID()
		a := mustCommand(t, "central", "video", mcp.WithSession(session))
		time.Sleep(2 * time.Millisecond)
		b := mustCommand(t, "central", "audio", mcp.WithSession(session))
		time.Sleep(2 * time.Millisecond)
		ev, err := mcp.NewEvent("video", "central", "progress", nil, mcp.WithSession(session))
		require.NoError(t, err)

		for _, m := range []*mcp.Message{a, b, ev} {
			require.NoError(t, s.Save(ctx, m))
		}

		all, err := s.Query(ctx, Filter{SessionID: session})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, a.ID(), all[0].ID(), "oldest first")

		cmds, err := s.Query(ctx, Filter{SessionID: session, Types: []mcp.MessageType{mcp.TypeCommand}})
		require.NoError(t, err)
		assert.Len(t, cmds, 2)

		byTarget, err := s.Query(ctx, Filter{SessionID: session, Target: "audio"})
		require.NoError(t, err)
		require.Len(t, byTarget, 1)
		assert.Equal(t, b.ID(), byTarget[0].ID())

		require.NoError(t, s.MarkProcessed(ctx, a.ID()))
		pending, err := s.Query(ctx, Filter{SessionID: session})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		withDone, err := s.Query(ctx, Filter{SessionID: session, IncludeProcessed: true, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, withDone, 2)
		assert.Equal(t, a.ID(), withDone[0].ID())
	})

	t.Run("mark processed missing", func(t *testing.T) {
		err := s.MarkProcessed(ctx, "mcp_missing")
		assert.True(t, IsNotFound(err), "got %v", err)
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreSuite(t, s)
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(BoltConfig{Path: filepath.Join(t.TempDir(), "messages.db"), NoSync: true})
	require.NoError(t, err)
	defer s.Close()
	runStoreSuite(t, s)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	ctx := context.Background()

	s, err := NewBoltStore(BoltConfig{Path: path})
	require.NoError(t, err)
	m := mustCommand(t, "central", "content", mcp.WithPriority(mcp.PriorityCritical))
	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(BoltConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()

	pending, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID(), pending[0].ID())
}

func TestClosedStore(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	err := s.Save(context.Background(), mustCommand(t, "a", "b"))
	assert.Error(t, err)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()

	cmd := mustCommand(t, "a", "b", mcp.WithPriority(mcp.PriorityLow))
	assert.True(t, p.ShouldPersist(cmd), "commands always persist")

	low, _ := mcp.NewEvent("a", "b", "tick", nil, mcp.WithPriority(mcp.PriorityLow))
	assert.False(t, p.ShouldPersist(low))

	high, _ := mcp.NewEvent("a", "b", "tick", nil, mcp.WithPriority(mcp.PriorityHigh))
	assert.True(t, p.ShouldPersist(high))

	volatile, _ := mcp.NewEvent("a", "b", "tick", nil, mcp.WithPriority(mcp.PriorityCritical), mcp.Volatile())
	assert.False(t, p.ShouldPersist(volatile))

	hb, _ := mcp.NewHeartbeat("a", "system", "active", 0.1, 0, mcp.WithPriority(mcp.PriorityCritical))
	assert.False(t, p.ShouldPersist(hb))

	none := Policy{}
	assert.False(t, none.ShouldPersist(high))
}
