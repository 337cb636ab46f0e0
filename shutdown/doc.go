// Package shutdown stops the daemon's components in dependency order.
//
// Handlers register with a phase; lower phases run first and handlers in
// one phase run concurrently. The daemon uses:
//
//	PhaseAgents     10  stage agents and the coordinator agent
//	PhaseWorkflow   20  job drivers, workflow engine
//	PhaseBus        30  message bus
//	PhaseEdges      40  mirrors, HTTP monitor, heartbeat monitor
//	PhaseStore      50  message store, checkpoint store
//	PhaseTelemetry  60  span exporter
//
// Usage:
//
//	sd := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	sd.HandleSignals()
//	sd.RegisterWithPhase("bus", shutdown.Closer(b), shutdown.PhaseBus)
//	sd.RegisterWithPhase("coordinator", shutdown.Stop(coord), shutdown.PhaseAgents)
//	<-sd.Done()
package shutdown
