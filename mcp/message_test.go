package mcp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpbus/errors"
)

func TestNewCommandDefaults(t *testing.T) {
	cmd, err := NewCommand("central", "content", "create_script", Params{"theme": "AI"},
		WithSession("s1"), WithTrace("t1"), WithIdempotencyKey("job-1:script"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cmd.ID(), IDPrefix))
	assert.Equal(t, TypeCommand, cmd.Type())
	assert.Equal(t, PriorityNormal, cmd.Header.Priority)
	assert.Equal(t, StatusPending, cmd.Header.Status)
	assert.Equal(t, FormatAction, cmd.Header.ContentFormat)

	body, ok := cmd.Command()
	require.True(t, ok)
	assert.Equal(t, "job-1:script", body.IdempotencyKey)
	assert.Equal(t, "AI", body.Parameters.StringOr("theme", ""))
}

func TestMessageIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestConstructorValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Message, error)
		field string
	}{
		{"missing action", func() (*Message, error) { return NewCommand("a", "b", "", nil) }, "body.action"},
		{"missing source", func() (*Message, error) { return NewCommand("", "b", "x", nil) }, "header.source"},
		{"missing target", func() (*Message, error) { return NewEvent("a", "", "done", nil) }, "header.target"},
		{"missing event type", func() (*Message, error) { return NewEvent("a", "b", "", nil) }, "body.event_type"},
		{"bad priority", func() (*Message, error) { return NewCommand("a", "b", "x", nil, WithPriority("urgent")) }, "header.priority"},
		{"missing query type", func() (*Message, error) { return NewQuery("a", "b", "", nil) }, "body.query_type"},
		{"load out of range", func() (*Message, error) { return NewHeartbeat("a", "system", "active", 1.5, 0) }, "body.load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeValidation))
			mErr, _ := errors.As(err)
			assert.Equal(t, tt.field, mErr.Details()["field"])
		})
	}
}

func TestReplyInheritsFromCommand(t *testing.T) {
	cmd, err := NewCommand("central", "content", "create_script", nil,
		WithSession("s1"), WithTrace("t1"), WithPriority(PriorityHigh))
	require.NoError(t, err)

	resp, err := cmd.Reply(true, "script created", map[string]any{"script_id": "x"})
	require.NoError(t, err)
	assert.Equal(t, cmd.ID(), resp.Header.CorrelationID)
	assert.Equal(t, "content", resp.Header.Source)
	assert.Equal(t, "central", resp.Header.Target)
	assert.Equal(t, "s1", resp.Header.SessionID)
	assert.Equal(t, "t1", resp.Header.TraceID)
	assert.Equal(t, PriorityHigh, resp.Header.Priority)
	assert.Equal(t, TypeResponse, resp.Type())

	fail, err := cmd.Fail(errors.ErrCodeProcessing, "renderer crashed", map[string]any{"stage": "video"})
	require.NoError(t, err)
	assert.Equal(t, cmd.ID(), fail.Header.CorrelationID)
	body, ok := fail.Failure()
	require.True(t, ok)
	assert.Equal(t, "PROCESSING", body.ErrorCode)
	assert.Equal(t, errors.CategoryPermanent, body.Category)
	assert.Equal(t, "video", body.Details["stage"])
}

func TestReplyOnlyFromCommand(t *testing.T) {
	ev, err := NewEvent("a", "b", "done", nil)
	require.NoError(t, err)

	_, err = ev.Reply(true, "ok", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	_, err = ev.Fail(errors.ErrCodeProcessing, "x", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestStatusAdvance(t *testing.T) {
	cmd, err := NewCommand("a", "b", "x", nil)
	require.NoError(t, err)

	require.NoError(t, cmd.Advance(StatusProcessing))
	require.NoError(t, cmd.Advance(StatusCompleted))

	err = cmd.Advance(StatusProcessing)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition))
	assert.Equal(t, StatusCompleted, cmd.Header.Status)

	other, _ := NewCommand("a", "b", "x", nil)
	require.NoError(t, other.Advance(StatusTimeout))
	assert.Error(t, other.Advance(StatusCompleted))
}

func TestExpired(t *testing.T) {
	cmd, err := NewCommand("a", "b", "x", nil, WithTTL(2*time.Second))
	require.NoError(t, err)
	assert.False(t, cmd.Expired(cmd.Header.Timestamp.Add(time.Second)))
	assert.True(t, cmd.Expired(cmd.Header.Timestamp.Add(3*time.Second)))

	forever, _ := NewCommand("a", "b", "x", nil)
	assert.False(t, forever.Expired(time.Now().Add(24*time.Hour)))
}

func TestWireFormat(t *testing.T) {
	cmd, err := NewCommand("central", "content", "create_script", Params{"theme": "AI"},
		WithTimeout(30*time.Second), WithIdempotencyKey("k1"))
	require.NoError(t, err)

	data, err := Encode(cmd)
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"message_id", "timestamp", "source", "target", "message_type", "priority", "content_format", "status"} {
		assert.Contains(t, raw["header"], key)
	}
	assert.Equal(t, "command", raw["header"]["message_type"])
	assert.Equal(t, "normal", raw["header"]["priority"])
	assert.Equal(t, "pending", raw["header"]["status"])
	assert.Equal(t, "create_script", raw["body"]["action"])
	assert.Equal(t, float64(30), raw["body"]["timeout_seconds"])
	assert.Equal(t, "k1", raw["body"]["idempotency_key"])
}

func TestDecodeSelectsVariant(t *testing.T) {
	builders := []func() (*Message, error){
		func() (*Message, error) { return NewCommand("a", "b", "x", Params{"n": 1}) },
		func() (*Message, error) { return NewEvent("a", "b", "stage_done", map[string]any{"k": "v"}, WithSequence(7)) },
		func() (*Message, error) { return NewQuery("a", "b", "status", map[string]any{"id": "w1"}) },
		func() (*Message, error) { return NewHeartbeat("a", "system", "active", 0.25, time.Minute) },
		func() (*Message, error) {
			return NewStateUpdate("a", "workflow", &StateUpdate{EntityID: "w1", EntityType: "workflow", CurrentState: map[string]any{"status": "processing"}})
		},
		func() (*Message, error) { return NewData("a", "b", "hello", "text/plain") },
		func() (*Message, error) { return New("a", "bus", &Subscription{SubscriptionID: "s1", Topic: "jobs", Unsubscribe: true}) },
	}
	for _, build := range builders {
		m, err := build()
		require.NoError(t, err)

		data, err := Encode(m)
		require.NoError(t, err)
		back, err := Decode(data)
		require.NoError(t, err)

		assert.Equal(t, m.Type(), back.Type())
		assert.Equal(t, m.Body.Type(), back.Body.Type())
		require.NoError(t, back.Validate())

		again, err := Encode(back)
		require.NoError(t, err)
		assert.JSONEq(t, string(data), string(again))
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"header":{"message_type":"gossip"},"body":{}}`))
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestErrorBodyRoundTrip(t *testing.T) {
	src := errors.CircuitOpen("content", errors.WithRetryDelay(5*time.Second))
	body := ErrorBody(src)
	assert.Equal(t, "CIRCUIT_OPEN", body.ErrorCode)
	assert.True(t, body.RetryPossible)
	assert.Equal(t, int64(5000), body.RetryDelayMS)

	back := body.AsError()
	assert.Equal(t, errors.ErrCodeCircuitOpen, back.Code())
	assert.True(t, errors.IsTemporary(back))
	assert.Equal(t, 5*time.Second, back.RetryDelay())
}

func TestCloneIsDeep(t *testing.T) {
	cmd, err := NewCommand("a", "b", "x", Params{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)
	cmd.SetMeta("client_info", map[string]any{"ip": "127.0.0.1"})

	cp := cmd.Clone()
	body, _ := cp.Command()
	body.Parameters["nested"].(map[string]any)["k"] = "changed"
	cp.Metadata["client_info"].(map[string]any)["ip"] = "changed"
	cp.Header.Status = StatusCompleted

	orig, _ := cmd.Command()
	assert.Equal(t, "v", orig.Parameters["nested"].(map[string]any)["k"])
	assert.Equal(t, "127.0.0.1", cmd.Metadata["client_info"].(map[string]any)["ip"])
	assert.Equal(t, StatusPending, cmd.Header.Status)
}

func TestRouteHistory(t *testing.T) {
	m, err := NewData("a", "b", "x", "")
	require.NoError(t, err)
	m.AddRoute("bus")
	m.AddRoute("b")
	assert.Equal(t, []string{"bus", "b"}, m.Metadata[MetaRouteHistory])
}

func TestParams(t *testing.T) {
	p := Params{"s": "x", "f": float64(3), "frac": 2.5, "b": true, "m": map[string]any{}}
	n, ok := p.Int("f")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	_, ok = p.Int("frac")
	assert.False(t, ok)
	_, ok = p.Map("m")
	assert.True(t, ok)
	assert.NoError(t, p.Require("s", "b"))
	assert.True(t, errors.Is(p.Require("missing"), errors.ErrCodeValidation))
}
