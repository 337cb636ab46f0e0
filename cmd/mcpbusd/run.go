package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vinayprograms/mcpbus/breaker"
	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/config"
	"github.com/vinayprograms/mcpbus/coordinator"
	"github.com/vinayprograms/mcpbus/heartbeat"
	"github.com/vinayprograms/mcpbus/idempotency"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/monitor"
	"github.com/vinayprograms/mcpbus/ratelimit"
	"github.com/vinayprograms/mcpbus/shutdown"
	"github.com/vinayprograms/mcpbus/telemetry"
	"github.com/vinayprograms/mcpbus/workflow"
)

// phaseConns closes shared broker connections after the stores that use
// them.
const phaseConns = shutdown.PhaseStore + 5

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bus, workflow engine, coordinator and monitor",
		Long: `Start the daemon and block until SIGINT or SIGTERM.

Persisted messages that were never processed are redelivered once every
hosted agent has subscribed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	log := logging.NewWithConfig(cfg.Log, logOut)

	sc := shutdown.DefaultConfig()
	sc.Logger = log
	sd := shutdown.NewCoordinator(sc)

	d := &daemon{cfg: cfg, log: log, sd: sd}
	if err := d.assemble(ctx); err != nil {
		log.Error("startup failed", map[string]interface{}{"error": err.Error()})
		_ = sd.ShutdownWithTimeout(0)
		return err
	}

	sd.HandleSignals()
	log.Info("mcpbusd running", map[string]interface{}{
		"store":       cfg.Store.Backend,
		"checkpoints": cfg.Workflow.Checkpoints,
		"monitor":     cfg.Monitor.Addr,
		"stages":      len(cfg.CoordinatorConfig().Pipeline),
	})
	<-sd.Done()
	return sd.Err()
}

// daemon wires the components in dependency order. Each component is
// registered for shutdown as soon as it exists, so a failed startup
// releases what was already opened.
type daemon struct {
	cfg *config.Config
	log *logging.Logger
	sd  *shutdown.Coordinator

	bus         *bus.Bus
	engine      *workflow.Engine
	heartbeats  *heartbeat.BusMonitor
	coordinator *coordinator.Coordinator
	monitor     *monitor.Server
}

func (d *daemon) assemble(ctx context.Context) error {
	cfg := d.cfg
	var tracer *telemetry.Tracer
	if cfg.Telemetry.Enabled {
		p, err := telemetry.InitProvider(ctx, cfg.Telemetry.ProviderConfig)
		if err != nil {
			return err
		}
		d.sd.RegisterFunc("telemetry", p.Shutdown, shutdown.PhaseTelemetry)
		tracer = p.Tracer()
	}
	instruments, err := telemetry.NewInstruments(otel.Meter(telemetry.MeterName))
	if err != nil {
		return fmt.Errorf("creating instruments: %w", err)
	}

	exporter, err := telemetry.NewExporter(cfg.Telemetry.Audit)
	if err != nil {
		return fmt.Errorf("opening audit trail: %w", err)
	}
	d.sd.RegisterWithPhase("audit", shutdown.Closer(exporter), shutdown.PhaseEdges)

	c := newConns()
	d.sd.RegisterWithPhase("connections", shutdown.Closer(c), phaseConns)

	st, err := openStore(ctx, cfg, c)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	d.sd.RegisterWithPhase("store", shutdown.Closer(st), shutdown.PhaseStore)

	mirrors, err := openMirrors(ctx, cfg, c)
	if err != nil {
		return fmt.Errorf("opening mirrors: %w", err)
	}
	limiter, err := ratelimit.New(cfg.RateLimitConfig())
	if err != nil {
		return err
	}

	opts := []bus.Option{
		bus.WithStore(st),
		bus.WithBreakers(breaker.New(cfg.BreakerConfig())),
		bus.WithLimiter(limiter),
		bus.WithLogger(d.log),
		bus.WithInstruments(instruments),
		bus.WithExporter(exporter),
	}
	if tracer != nil {
		opts = append(opts, bus.WithTracer(tracer))
	}
	for _, m := range mirrors {
		opts = append(opts, bus.WithMirror(m))
	}
	d.bus, err = bus.New(cfg.BusConfig(), opts...)
	if err != nil {
		return err
	}
	d.sd.RegisterWithPhase("bus", shutdown.Closer(d.bus), shutdown.PhaseBus)
	d.sd.RegisterWithPhase("ratelimit", shutdown.Closer(limiter), shutdown.PhaseBus)

	d.heartbeats, err = heartbeat.NewBusMonitor(cfg.MonitorConfig(d.bus, d.log))
	if err != nil {
		return err
	}
	if err := d.heartbeats.Start(ctx); err != nil {
		return err
	}
	d.sd.RegisterFunc("heartbeats", func(context.Context) error {
		return d.heartbeats.Stop()
	}, shutdown.PhaseEdges)

	checkpoints, err := openCheckpoints(cfg, c)
	if err != nil {
		return fmt.Errorf("opening %s checkpoints: %w", cfg.Workflow.Checkpoints, err)
	}
	wopts := []workflow.Option{
		workflow.WithCheckpointStore(checkpoints),
		workflow.WithLogger(d.log),
		workflow.WithInstruments(instruments),
	}
	if tracer != nil {
		wopts = append(wopts, workflow.WithTracer(tracer))
	}
	d.engine, err = workflow.NewEngine(cfg.WorkflowConfig(), d.bus, wopts...)
	if err != nil {
		checkpoints.Close()
		return err
	}
	d.sd.RegisterWithPhase("workflow", shutdown.Closer(d.engine), shutdown.PhaseWorkflow)

	d.coordinator, err = coordinator.New(cfg.CoordinatorConfig(), d.bus, d.engine,
		coordinator.WithLogger(d.log),
		coordinator.WithMonitor(d.heartbeats),
	)
	if err != nil {
		return err
	}
	if err := d.coordinator.Start(ctx); err != nil {
		return err
	}
	d.sd.RegisterWithPhase("coordinator", shutdown.Stop(d.coordinator), shutdown.PhaseAgents)

	if cfg.Coordinator.DemoAgents {
		cache := idempotency.New(cfg.IdempotencyConfig())
		d.sd.RegisterWithPhase("idempotency", shutdown.Closer(cache), shutdown.PhaseWorkflow)
		agents, err := startDemoAgents(ctx, cfg, d.bus, cache, d.log)
		for _, a := range agents {
			d.sd.RegisterWithPhase("agent "+a.ID(), shutdown.Stop(a), shutdown.PhaseAgents)
		}
		if err != nil {
			return err
		}
	}

	if cfg.Monitor.Addr != "" {
		mc := monitor.DefaultConfig()
		mc.Addr = cfg.Monitor.Addr
		d.monitor, err = monitor.New(mc, d.bus, d.engine,
			monitor.WithLogger(d.log),
			monitor.WithHeartbeats(d.heartbeats),
		)
		if err != nil {
			return err
		}
		if err := d.monitor.Start(ctx); err != nil {
			return err
		}
		d.sd.RegisterWithPhase("monitor", shutdown.Stop(d.monitor), shutdown.PhaseEdges)
	}

	// Every subscriber is in place, so replayed messages find their routes.
	return d.bus.Start(ctx)
}
