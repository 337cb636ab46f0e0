package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/mcpbus/agent"
	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/heartbeat"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/retry"
	"github.com/vinayprograms/mcpbus/workflow"
)

// Command actions served by the coordinator.
const (
	ActionCreateJob      = "create_job"
	ActionCancelJob      = "cancel_job"
	ActionGetJobStatus   = "get_job_status"
	ActionListJobs       = "list_jobs"
	ActionResumeJob      = "resume_job"
	ActionGetAgentStatus = "get_agent_status"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = stderrors.New("invalid configuration")

// StageSpec maps a pipeline stage to the agent action that performs it.
type StageSpec struct {
	Name    string        `toml:"name"`
	Agent   string        `toml:"agent"`
	Action  string        `toml:"action"`
	Timeout time.Duration `toml:"timeout"`
}

// DefaultPipeline returns the content pipeline stages in execution order.
func DefaultPipeline() []StageSpec {
	return []StageSpec{
		{Name: "script_creation", Agent: "content-agent", Action: "create_script", Timeout: 2 * time.Minute},
		{Name: "video_generation", Agent: "visual-agent", Action: "generate_videos", Timeout: 5 * time.Minute},
		{Name: "audio_generation", Agent: "audio-agent", Action: "generate_audio", Timeout: 3 * time.Minute},
		{Name: "post_production", Agent: "editing-agent", Action: "edit_video", Timeout: 5 * time.Minute},
		{Name: "distribution", Agent: "distribution-agent", Action: "distribute", Timeout: time.Minute},
	}
}

// Config holds coordinator configuration.
type Config struct {
	// Agent configures the coordinator's own bus agent.
	// Default ID: "central"
	Agent agent.Config

	// Pipeline lists the stages every job runs through.
	Pipeline []StageSpec

	// JobName names the workflows created for jobs.
	// Default: "content_pipeline"
	JobName string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	ac := agent.DefaultConfig()
	ac.ID = "central"
	return Config{
		Agent:    ac,
		Pipeline: DefaultPipeline(),
		JobName:  "content_pipeline",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Pipeline) == 0 {
		return fmt.Errorf("%w: empty pipeline", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Pipeline))
	for _, s := range c.Pipeline {
		if s.Name == "" || s.Agent == "" || s.Action == "" {
			return fmt.Errorf("%w: stage needs name, agent and action", ErrInvalidConfig)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = true
	}
	return c.Agent.Validate()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMonitor serves get_agent_status from a heartbeat monitor.
func WithMonitor(m *heartbeat.BusMonitor) Option {
	return func(c *Coordinator) { c.monitor = m }
}

// Coordinator is the central agent. It turns create_job commands into
// workflows and drives their stages by commanding the stage agents.
type Coordinator struct {
	config  Config
	agent   *agent.Agent
	engine  *workflow.Engine
	monitor *heartbeat.BusMonitor
	log     *logging.Logger

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator on b that records jobs in engine.
func New(cfg Config, b *bus.Bus, engine *workflow.Engine, opts ...Option) (*Coordinator, error) {
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = DefaultConfig().Agent.ID
	}
	if cfg.JobName == "" {
		cfg.JobName = DefaultConfig().JobName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil || engine == nil {
		return nil, fmt.Errorf("%w: bus and workflow engine required", ErrInvalidConfig)
	}

	c := &Coordinator{
		config: cfg,
		engine: engine,
		log:    logging.New(),
		jobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}

	a, err := agent.New(cfg.Agent, b, agent.WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	c.agent = a
	c.log = c.log.WithComponent("coordinator")
	c.ctx, c.cancel = context.WithCancel(context.Background())

	a.Handle(ActionCreateJob, c.createJob)
	a.Handle(ActionCancelJob, c.cancelJob)
	a.Handle(ActionGetJobStatus, c.jobStatus)
	a.Handle(ActionListJobs, c.listJobs)
	a.Handle(ActionResumeJob, c.resumeJob)
	a.Handle(ActionGetAgentStatus, c.agentStatus)
	return c, nil
}

// ID returns the coordinator's bus address.
func (c *Coordinator) ID() string { return c.agent.ID() }

// Start subscribes the coordinator and starts its heartbeat.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.agent.Initialize(ctx); err != nil {
		return err
	}
	return c.agent.Start(ctx)
}

// Stop abandons running jobs, waits for their drivers to return and
// unsubscribes. Workflows keep their last recorded state.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.agent.Stop(ctx)
}

// Running returns the number of jobs being driven.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *Coordinator) stageNames() []string {
	names := make([]string, len(c.config.Pipeline))
	for i, s := range c.config.Pipeline {
		names[i] = s.Name
	}
	return names
}

func (c *Coordinator) createJob(ctx context.Context, params mcp.Params, msg *mcp.Message) (*mcp.Response, error) {
	session := msg.Header.SessionID
	data := map[string]any(params.Clone())
	if data == nil {
		data = make(map[string]any)
	}
	if session != "" {
		data["session_id"] = session
	}

	wf, err := c.engine.Create(ctx, params.StringOr("name", c.config.JobName), c.stageNames(), data)
	if err != nil {
		return nil, err
	}
	c.launch(wf.ID)

	return &mcp.Response{
		Success: true,
		Message: "job started",
		Data: map[string]any{
			"job_id":     wf.ID,
			"session_id": session,
			"stages":     c.stageNames(),
		},
	}, nil
}

func (c *Coordinator) cancelJob(ctx context.Context, params mcp.Params, _ *mcp.Message) (*mcp.Response, error) {
	id, ok := params.String("job_id")
	if !ok || id == "" {
		return nil, errors.Validation("job_id", "job_id is required")
	}
	res, err := c.Cancel(ctx, id, params.StringOr("reason", "canceled by request"))
	if err != nil {
		return nil, err
	}
	return &mcp.Response{
		Success: true,
		Message: "job canceled",
		Data:    map[string]any{"job_id": id, "status": string(res.WorkflowStatus)},
	}, nil
}

// Cancel cancels a job's workflow and stops waiting on its in-flight
// command. The command itself runs to completion at its agent; its reply
// is discarded.
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) (*workflow.TransitionResult, error) {
	res, err := c.engine.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	stop := c.jobs[id]
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	return res, nil
}

func (c *Coordinator) jobStatus(_ context.Context, params mcp.Params, _ *mcp.Message) (*mcp.Response, error) {
	id, ok := params.String("job_id")
	if !ok || id == "" {
		return nil, errors.Validation("job_id", "job_id is required")
	}
	view, err := c.engine.Status(id)
	if err != nil {
		return nil, err
	}
	return &mcp.Response{
		Success: true,
		Message: "job " + string(view.Status),
		Data:    map[string]any{"workflow_status": view.Map()},
	}, nil
}

func (c *Coordinator) listJobs(context.Context, mcp.Params, *mcp.Message) (*mcp.Response, error) {
	views := c.engine.List()
	jobs := make([]any, len(views))
	for i, v := range views {
		jobs[i] = v.Map()
	}
	return &mcp.Response{
		Success: true,
		Message: fmt.Sprintf("%d jobs", len(jobs)),
		Data:    map[string]any{"jobs": jobs},
	}, nil
}

func (c *Coordinator) resumeJob(ctx context.Context, params mcp.Params, _ *mcp.Message) (*mcp.Response, error) {
	if err := params.Require("job_id"); err != nil {
		return nil, err
	}
	id, _ := params.String("job_id")
	label := params.StringOr("checkpoint", "")
	res, label, err := c.Resume(ctx, id, label)
	if err != nil {
		return nil, err
	}
	return &mcp.Response{
		Success: true,
		Message: "job resumed",
		Data: map[string]any{
			"job_id":     id,
			"checkpoint": label,
			"status":     string(res.WorkflowStatus),
		},
	}, nil
}

// Resume restores a job from the named checkpoint, or the latest one when
// label is empty, and drives its remaining stages. It returns the label
// that was restored.
func (c *Coordinator) Resume(ctx context.Context, id, label string) (*workflow.TransitionResult, string, error) {
	c.mu.Lock()
	_, running := c.jobs[id]
	c.mu.Unlock()
	if running {
		return nil, "", errors.InvalidTransition("running", "resume",
			errors.WithDetail("workflow_id", id),
			errors.WithDetail("reason", "job is still being driven"))
	}
	if label == "" {
		cps, err := c.engine.Checkpoints(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if len(cps) == 0 {
			return nil, "", errors.NotFound("job has no checkpoints",
				errors.WithDetail("workflow_id", id))
		}
		label = cps[len(cps)-1].Label
	}
	res, err := c.engine.RestoreCheckpoint(ctx, id, label)
	if err != nil {
		return nil, "", err
	}
	if !res.WorkflowStatus.IsTerminal() {
		c.launch(id)
	}
	return res, label, nil
}

func (c *Coordinator) agentStatus(context.Context, mcp.Params, *mcp.Message) (*mcp.Response, error) {
	if c.monitor == nil {
		return nil, errors.Processing("agent monitor not configured", errors.WithCategory(errors.CategoryPermanent))
	}
	agents := c.monitor.Agents()
	out := make([]any, len(agents))
	for i, a := range agents {
		out[i] = map[string]any{
			"agent_id":       a.AgentID,
			"status":         a.Status,
			"load":           a.Load,
			"online":         a.Online,
			"last_heartbeat": a.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		}
	}
	return &mcp.Response{
		Success: true,
		Message: fmt.Sprintf("%d agents, %d online", len(agents), c.monitor.Online()),
		Data:    map[string]any{"agents": out},
	}, nil
}

// launch starts the driver goroutine for a job. Each launch gets its own
// run ID so a resumed job does not replay outcomes cached by the stage
// agents for the previous run.
func (c *Coordinator) launch(id string) {
	run := uuid.NewString()
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.jobs[id] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.jobs, id)
			c.mu.Unlock()
			cancel()
		}()
		c.drive(ctx, id, run)
	}()
}

// drive runs the job's pending stages in pipeline order. Completed stages
// are skipped, which makes a restored job continue after its checkpoint.
func (c *Coordinator) drive(ctx context.Context, id, run string) {
	for _, spec := range c.config.Pipeline {
		wf, err := c.engine.Get(id)
		if err != nil || wf.Status.IsTerminal() {
			return
		}
		st, ok := wf.Stage(spec.Name)
		if !ok || st.Status == workflow.StatusCompleted {
			continue
		}
		if !c.runStage(ctx, wf, spec, run) {
			return
		}
	}
}

// stageInput merges the job parameters with the outputs of every
// completed stage, later stages winning.
func stageInput(wf *workflow.Workflow) mcp.Params {
	in := make(mcp.Params)
	for k, v := range wf.Data {
		in[k] = v
	}
	for _, st := range wf.Stages {
		if st.Status != workflow.StatusCompleted {
			continue
		}
		for k, v := range st.Data {
			in[k] = v
		}
	}
	in["job_id"] = wf.ID
	return in
}

// runStage executes one stage until it completes or the job stops. It
// reports whether the job should continue with the next stage. Attempts
// share an idempotency key, so a stage agent that is still working on a
// timed out attempt runs the action only once.
func (c *Coordinator) runStage(ctx context.Context, wf *workflow.Workflow, spec StageSpec, run string) bool {
	params := stageInput(wf)
	session, _ := wf.Data["session_id"].(string)
	key := wf.ID + "/" + spec.Name + "/" + run

	for {
		if _, err := c.engine.Transition(ctx, wf.ID, workflow.Target{Stage: spec.Name, Status: workflow.StatusProcessing}, nil); err != nil {
			c.discard(wf.ID, spec.Name, err)
			return false
		}

		msgOpts := []mcp.Option{mcp.WithPriority(mcp.PriorityHigh)}
		if session != "" {
			msgOpts = append(msgOpts, mcp.WithSession(session))
		}
		if spec.Timeout >= time.Second {
			msgOpts = append(msgOpts, mcp.WithTimeout(spec.Timeout))
		}
		sendOpts := []agent.SendOption{
			agent.WithRetry(retry.None()),
			agent.WithKey(key),
			agent.WithMessageOptions(msgOpts...),
		}
		if spec.Timeout > 0 {
			sendOpts = append(sendOpts, agent.WithRequestTimeout(spec.Timeout))
		}

		reply, err := c.agent.SendCommand(ctx, spec.Agent, spec.Action, params, sendOpts...)
		if ctx.Err() != nil {
			c.log.Info("job driver stopped", map[string]interface{}{
				"workflow_id": wf.ID,
				"stage":       spec.Name,
			})
			return false
		}

		if err == nil {
			resp, _ := reply.Response()
			var out map[string]any
			if resp != nil {
				out = resp.Data
			}
			if _, err := c.engine.Transition(ctx, wf.ID, workflow.Target{Stage: spec.Name, Status: workflow.StatusCompleted}, out); err != nil {
				c.discard(wf.ID, spec.Name, err)
				return false
			}
			if _, err := c.engine.CreateCheckpoint(ctx, wf.ID, spec.Name); err != nil {
				c.log.Warn("checkpoint failed", map[string]interface{}{
					"workflow_id": wf.ID,
					"stage":       spec.Name,
					"error":       err.Error(),
				})
			}
			return true
		}

		res, ferr := c.engine.FailStage(ctx, wf.ID, spec.Name, err)
		if ferr != nil {
			c.discard(wf.ID, spec.Name, ferr)
			return false
		}
		c.log.Warn("stage failed", map[string]interface{}{
			"workflow_id": wf.ID,
			"stage":       spec.Name,
			"attempt":     res.Attempt,
			"retry":       res.Retry,
			"error":       err.Error(),
		})
		if !res.Retry {
			return false
		}
		if !retry.Retryable(err) {
			c.failJob(ctx, wf.ID, spec.Name, err)
			return false
		}

		t := time.NewTimer(res.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// failJob fails the whole workflow after a PERMANENT stage error.
func (c *Coordinator) failJob(ctx context.Context, id, stage string, cause error) {
	_, err := c.engine.Transition(ctx, id, workflow.Target{Status: workflow.StatusFailed},
		map[string]any{"error": cause.Error(), "failed_stage": stage})
	if err != nil {
		c.discard(id, stage, err)
	}
}

// discard logs an engine refusal. Refusals after cancellation are the
// expected fate of late replies.
func (c *Coordinator) discard(id, stage string, err error) {
	fields := map[string]interface{}{
		"workflow_id": id,
		"stage":       stage,
		"error":       err.Error(),
	}
	if errors.Is(err, errors.ErrCodeInvalidTransition) {
		c.log.Debug("stage result discarded", fields)
		return
	}
	c.log.Warn("stage transition failed", fields)
}
