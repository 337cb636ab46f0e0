// Package heartbeat provides agent liveness detection over the MCP bus.
//
// # Overview
//
// Agents periodically publish HEARTBEAT messages carrying status, load,
// uptime and version. A monitor subscribed to the HEARTBEAT type keeps an
// agent status table and announces agents that fall silent.
//
// # Architecture
//
//	┌─────────────┐   HEARTBEAT → "heartbeat"   ┌─────────────┐
//	│   Sender    │ ──────────────────────────> │   Monitor   │
//	│  (agent)    │                             │   (bus)     │
//	└─────────────┘                             └──────┬──────┘
//	                                                   │ EVENT agent_offline
//	                                                   v
//	                                               "system"
//
// # Usage
//
// Sending heartbeats from an agent:
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    AgentID:  "video-agent",
//	    Interval: 5 * time.Second,
//	})
//	sender.SetLoad(0.75)
//	sender.Start(ctx)
//
// Tracking liveness:
//
//	monitor, _ := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
//	    Bus:     b,
//	    Timeout: 15 * time.Second, // 3 missed heartbeats
//	})
//	monitor.OnOffline(func(agentID string) {
//	    log.Printf("agent %s offline", agentID)
//	})
//	monitor.Start(ctx)
//
// Heartbeats bypass circuit breakers and rate limits and are never
// persisted.
package heartbeat
