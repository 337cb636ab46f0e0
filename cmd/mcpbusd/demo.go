package main

import (
	"context"
	"fmt"

	"github.com/vinayprograms/mcpbus/agent"
	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/config"
	"github.com/vinayprograms/mcpbus/idempotency"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
)

// startDemoAgents starts one agent per distinct pipeline agent ID. Every
// stage action completes immediately with a placeholder artifact. The
// agents started before a failure are returned with the error.
func startDemoAgents(ctx context.Context, cfg *config.Config, b *bus.Bus, cache *idempotency.Cache, log *logging.Logger) ([]*agent.Agent, error) {
	actions := make(map[string]map[string]string)
	var order []string
	for _, s := range cfg.CoordinatorConfig().Pipeline {
		if actions[s.Agent] == nil {
			actions[s.Agent] = make(map[string]string)
			order = append(order, s.Agent)
		}
		actions[s.Agent][s.Action] = s.Name
	}

	var started []*agent.Agent
	for _, id := range order {
		a, err := agent.New(cfg.AgentConfig(id), b,
			agent.WithLogger(log),
			agent.WithIdempotency(cache),
		)
		if err != nil {
			return started, err
		}
		for action, stage := range actions[id] {
			a.Handle(action, completeStage(stage))
		}
		if err := a.Initialize(ctx); err != nil {
			return started, err
		}
		if err := a.Start(ctx); err != nil {
			a.Stop(ctx)
			return started, err
		}
		started = append(started, a)
	}
	return started, nil
}

func completeStage(stage string) agent.HandlerFunc {
	return func(_ context.Context, params mcp.Params, _ *mcp.Message) (*mcp.Response, error) {
		jobID := params.StringOr("job_id", "")
		artifact := fmt.Sprintf("%s/%s", jobID, stage)
		return &mcp.Response{
			Success:     true,
			Message:     stage + " complete",
			Data:        map[string]any{stage + "_artifact": artifact},
			ResourceIDs: []string{artifact},
		}, nil
	}
}
