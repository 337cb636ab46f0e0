package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpbus/agent"
	"github.com/vinayprograms/mcpbus/config"
	"github.com/vinayprograms/mcpbus/coordinator"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/retry"
	"github.com/vinayprograms/mcpbus/shutdown"
	"github.com/vinayprograms/mcpbus/store"
	"github.com/vinayprograms/mcpbus/workflow"
)

// boltFixture writes a config pointing at a bolt store in a temp dir and
// seeds it with msgs. Messages listed in processed are marked processed.
func boltFixture(t *testing.T, msgs []*mcp.Message, processed ...string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "messages.db")
	cfgPath = filepath.Join(dir, "mcpbus.toml")
	content := fmt.Sprintf(`
[store]
backend = "bolt"
path = %q

[workflow]
checkpoints = "memory"
`, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	bc := store.DefaultBoltConfig()
	bc.Path = dbPath
	st, err := store.NewBoltStore(bc)
	require.NoError(t, err)
	ctx := context.Background()
	for _, m := range msgs {
		require.NoError(t, st.Save(ctx, m))
	}
	for _, id := range processed {
		require.NoError(t, st.MarkProcessed(ctx, id))
	}
	require.NoError(t, st.Close())
	return cfgPath, dbPath
}

func command(t *testing.T, target, action string) *mcp.Message {
	t.Helper()
	m, err := mcp.NewCommand("client", target, action, mcp.Params{"topic": "tides"})
	require.NoError(t, err)
	return m
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInspectPrintsMessage(t *testing.T) {
	m := command(t, "content-agent", "create_script")
	cfgPath, _ := boltFixture(t, []*mcp.Message{m})

	out, err := execute(t, "--config", cfgPath, "inspect", m.ID())
	require.NoError(t, err)

	decoded, err := mcp.Decode([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, m.ID(), decoded.ID())
	cmd, ok := decoded.Command()
	require.True(t, ok)
	assert.Equal(t, "create_script", cmd.Action)
}

func TestInspectMissingMessage(t *testing.T) {
	cfgPath, _ := boltFixture(t, nil)
	_, err := execute(t, "--config", cfgPath, "inspect", "msg_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestReplayListsUnprocessed(t *testing.T) {
	pending := command(t, "content-agent", "create_script")
	done := command(t, "visual-agent", "generate_videos")
	cfgPath, _ := boltFixture(t, []*mcp.Message{pending, done}, done.ID())

	out, err := execute(t, "--config", cfgPath, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, pending.ID())
	assert.NotContains(t, out, done.ID())
	assert.Contains(t, out, "1 message(s) will be redelivered")
}

func TestReplayDiscard(t *testing.T) {
	pending := command(t, "content-agent", "create_script")
	cfgPath, dbPath := boltFixture(t, []*mcp.Message{pending})

	out, err := execute(t, "--config", cfgPath, "replay", "--discard")
	require.NoError(t, err)
	assert.Contains(t, out, "discarded 1 message(s)")

	out, err = execute(t, "--config", cfgPath, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "no unprocessed messages")

	bc := store.DefaultBoltConfig()
	bc.Path = dbPath
	st, err := store.NewBoltStore(bc)
	require.NoError(t, err)
	defer st.Close()
	all, err := st.Query(context.Background(), store.Filter{IncludeProcessed: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func newTestDaemon(t *testing.T, content string) *daemon {
	t.Helper()
	cfg, err := config.Parse(content)
	require.NoError(t, err)
	sc := shutdown.DefaultConfig()
	sc.Logger = logging.Nop()
	d := &daemon{cfg: cfg, log: logging.Nop(), sd: shutdown.NewCoordinator(sc)}
	t.Cleanup(func() { d.sd.ShutdownWithTimeout(5 * time.Second) })
	return d
}

const demoConfig = `
[store]
backend = "memory"

[workflow]
checkpoints = "memory"

[monitor]
addr = ""

[coordinator]
demo_agents = true
heartbeat_interval = "0s"
`

func TestDaemonRunsDemoPipeline(t *testing.T) {
	d := newTestDaemon(t, demoConfig)
	ctx := context.Background()
	require.NoError(t, d.assemble(ctx))
	assert.Nil(t, d.monitor)

	cfg := agent.DefaultConfig()
	cfg.ID = "client"
	cfg.HeartbeatInterval = 0
	cfg.Retry = retry.None()
	client, err := agent.New(cfg, d.bus, agent.WithLogger(logging.Nop()))
	require.NoError(t, err)
	require.NoError(t, client.Initialize(ctx))
	defer client.Stop(ctx)

	reply, err := client.SendCommand(ctx, d.coordinator.ID(), coordinator.ActionCreateJob, mcp.Params{"topic": "tides"})
	require.NoError(t, err)
	resp, ok := reply.Response()
	require.True(t, ok)
	id, _ := resp.Data["job_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		v, err := d.engine.Status(id)
		return err == nil && v.Status == workflow.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	wf, err := d.engine.Get(id)
	require.NoError(t, err)
	st, ok := wf.Stage("distribution")
	require.True(t, ok)
	assert.Equal(t, id+"/distribution", st.Data["distribution_artifact"])
}

func TestDaemonShutdownOrder(t *testing.T) {
	d := newTestDaemon(t, demoConfig)
	require.NoError(t, d.assemble(context.Background()))
	require.NoError(t, d.sd.ShutdownWithTimeout(5*time.Second))

	phases := map[string]int{}
	for _, r := range d.sd.Result().Results {
		phases[r.Name] = r.Phase
	}
	assert.Equal(t, shutdown.PhaseAgents, phases["coordinator"])
	assert.Equal(t, shutdown.PhaseAgents, phases["agent content-agent"])
	assert.Equal(t, shutdown.PhaseBus, phases["bus"])
	assert.Equal(t, shutdown.PhaseStore, phases["store"])
	assert.Less(t, phases["store"], phases["connections"])
}

func TestDaemonStartupFailure(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	d := newTestDaemon(t, demoConfig+"\n[telemetry]\nenabled = true\n")
	require.Error(t, d.assemble(context.Background()))
	assert.Nil(t, d.bus)
	require.NoError(t, d.sd.ShutdownWithTimeout(time.Second))
}

func TestDaemonWritesAuditTrail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	d := newTestDaemon(t, demoConfig+fmt.Sprintf("\n[telemetry.audit]\nprotocol = \"file\"\nendpoint = %q\n", path))
	ctx := context.Background()
	require.NoError(t, d.assemble(ctx))

	m, err := mcp.NewEvent("client", "workflow", "note", map[string]any{"k": "v"})
	require.NoError(t, err)
	_, err = d.bus.Publish(ctx, m)
	require.NoError(t, err)
	require.NoError(t, d.sd.ShutdownWithTimeout(5*time.Second))

	for _, r := range d.sd.Result().Results {
		if r.Name == "audit" {
			assert.Equal(t, shutdown.PhaseEdges, r.Phase)
		}
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), m.ID())
}
