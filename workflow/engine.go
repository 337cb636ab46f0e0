package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/retry"
	"github.com/vinayprograms/mcpbus/telemetry"
)

// AnyStage registers a hook for every stage and for workflow-level changes.
const AnyStage = "*"

// Config holds engine configuration.
type Config struct {
	// Source is the sender of STATE_UPDATE and cancellation messages.
	// Default: "workflow-engine"
	Source string `toml:"source"`

	// Retry is the stage retry policy used when StageRetry has no entry.
	Retry retry.Policy `toml:"retry"`

	// StageRetry overrides Retry per stage name.
	StageRetry map[string]retry.Policy `toml:"stage_retry"`

	// ArchiveSize bounds how many terminal workflows stay queryable.
	// Default: 1000
	ArchiveSize int `toml:"archive_size"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Source:      "workflow-engine",
		Retry:       retry.DefaultPolicy(),
		ArchiveSize: 1000,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Source == "" || c.ArchiveSize < 0 || c.Retry.MaxRetries < 0 {
		return ErrInvalidConfig
	}
	for _, p := range c.StageRetry {
		if p.MaxRetries < 0 {
			return ErrInvalidConfig
		}
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpointStore sets where checkpoints are persisted. Default: memory.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(e *Engine) { e.checkpoints = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTracer sets the tracer used for transition spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithInstruments records transitions into OpenTelemetry instruments.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(e *Engine) { e.instruments = in }
}

// entry guards one workflow. Its mutex serializes transitions.
type entry struct {
	mu sync.Mutex
	wf *Workflow
}

// Engine owns workflow records and drives their state machines. It talks
// to agents only through the Publisher.
type Engine struct {
	config      Config
	pub         Publisher
	checkpoints CheckpointStore
	log         *logging.Logger
	tracer      *telemetry.Tracer
	instruments *telemetry.Instruments
	nowFunc     func() time.Time
	closed      atomic.Bool

	mu        sync.RWMutex
	workflows map[string]*entry
	archive   []string

	hookMu sync.RWMutex
	enter  map[string][]Hook
	exit   map[string][]Hook
}

// NewEngine creates an engine publishing through pub.
func NewEngine(cfg Config, pub Publisher, opts ...Option) (*Engine, error) {
	if cfg.Source == "" {
		cfg.Source = DefaultConfig().Source
	}
	if cfg.ArchiveSize == 0 {
		cfg.ArchiveSize = DefaultConfig().ArchiveSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: publisher required", ErrInvalidConfig)
	}

	e := &Engine{
		config:    cfg,
		pub:       pub,
		nowFunc:   time.Now,
		workflows: make(map[string]*entry),
		enter:     make(map[string][]Hook),
		exit:      make(map[string][]Hook),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.checkpoints == nil {
		e.checkpoints = NewMemoryCheckpoints()
	}
	if e.log == nil {
		e.log = logging.New()
	}
	e.log = e.log.WithComponent("workflow")
	if e.tracer == nil {
		e.tracer = telemetry.GetTracer()
	}
	return e, nil
}

func (e *Engine) now() time.Time { return e.nowFunc().UTC() }

// OnEnter registers a hook run after stage enters a new status. Use
// AnyStage for every stage, or "" for workflow-level changes only.
func (e *Engine) OnEnter(stage string, h Hook) {
	e.hookMu.Lock()
	e.enter[stage] = append(e.enter[stage], h)
	e.hookMu.Unlock()
}

// OnExit registers a hook run before stage leaves its current status.
func (e *Engine) OnExit(stage string, h Hook) {
	e.hookMu.Lock()
	e.exit[stage] = append(e.exit[stage], h)
	e.hookMu.Unlock()
}

func (e *Engine) runHooks(ctx context.Context, table map[string][]Hook, c Change) {
	e.hookMu.RLock()
	hooks := append([]Hook(nil), table[c.Stage]...)
	if c.Stage != AnyStage {
		hooks = append(hooks, table[AnyStage]...)
	}
	e.hookMu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("workflow hook panic", map[string]interface{}{
						"workflow_id": c.WorkflowID,
						"stage":       c.Stage,
						"panic":       fmt.Sprint(r),
					})
				}
			}()
			h(ctx, c)
		}()
	}
}

// Create registers a new pending workflow with the given stages and
// announces it with a STATE_UPDATE.
func (e *Engine) Create(ctx context.Context, name string, stages []string, data map[string]any) (*Workflow, error) {
	if e.closed.Load() {
		return nil, errors.System("workflow engine closed")
	}
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	seen := make(map[string]bool, len(stages))
	now := e.now()
	wf := &Workflow{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusPending,
		Stages:    make([]*Stage, 0, len(stages)),
		Data:      cloneData(data),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, s := range stages {
		if s == "" || s == AnyStage || seen[s] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, s)
		}
		seen[s] = true
		wf.Stages = append(wf.Stages, &Stage{Name: s, Status: StatusPending})
	}

	en := &entry{wf: wf}
	en.mu.Lock()
	defer en.mu.Unlock()

	e.mu.Lock()
	e.workflows[wf.ID] = en
	e.mu.Unlock()

	e.log.Info("workflow created", map[string]interface{}{
		"workflow_id": wf.ID,
		"name":        name,
		"stages":      len(stages),
	})
	e.announce(ctx, wf, nil)
	return wf.Clone(), nil
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.RLock()
	en, ok := e.workflows[id]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("workflow %s not found", id), errors.WithDetail("workflow_id", id))
	}
	return en, nil
}

// Get returns a copy of the workflow.
func (e *Engine) Get(id string) (*Workflow, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.wf.Clone(), nil
}

// Status returns the workflow's status projection.
func (e *Engine) Status(id string) (StatusView, error) {
	en, err := e.lookup(id)
	if err != nil {
		return StatusView{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.wf.View(), nil
}

// List returns the status of every known workflow, oldest first.
func (e *Engine) List() []StatusView {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.workflows))
	for _, en := range e.workflows {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	type item struct {
		view    StatusView
		created time.Time
	}
	items := make([]item, 0, len(entries))
	for _, en := range entries {
		en.mu.Lock()
		items = append(items, item{view: en.wf.View(), created: en.wf.CreatedAt})
		en.mu.Unlock()
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].created.Before(items[j].created) })

	out := make([]StatusView, len(items))
	for i, it := range items {
		out[i] = it.view
	}
	return out
}

// Active returns the number of workflows not yet in a terminal status.
func (e *Engine) Active() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.workflows) - len(e.archive)
}

// Transition moves a stage, or the workflow itself when t.Stage is empty,
// to t.Status. data is merged into the stage (or workflow) data. Illegal
// moves fail with INVALID_TRANSITION and leave the workflow untouched.
func (e *Engine) Transition(ctx context.Context, id string, t Target, data map[string]any) (*TransitionResult, error) {
	return e.transition(ctx, id, t, data, "")
}

// FailStage marks a processing stage failed. While the stage has retries
// left the workflow keeps processing and the result carries the backoff
// before the caller should restart it; otherwise the workflow fails.
func (e *Engine) FailStage(ctx context.Context, id, stage string, cause error) (*TransitionResult, error) {
	msg := "stage failed"
	if cause != nil {
		msg = cause.Error()
	}
	return e.transition(ctx, id, Target{Stage: stage, Status: StatusFailed}, nil, msg)
}

// ShouldRetry reports whether a failed stage may be restarted and how long
// to wait before doing so.
func (e *Engine) ShouldRetry(id, stage string) (bool, time.Duration) {
	en, err := e.lookup(id)
	if err != nil {
		return false, 0
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.wf.Status.IsTerminal() {
		return false, 0
	}
	st, ok := en.wf.Stage(stage)
	if !ok || st.Status != StatusFailed || !e.retriesLeft(st) {
		return false, 0
	}
	return true, e.policy(stage).Delay(st.Attempts - 1)
}

func (e *Engine) policy(stage string) retry.Policy {
	if p, ok := e.config.StageRetry[stage]; ok {
		return p
	}
	return e.config.Retry
}

// retriesLeft reports whether a stage that has run Attempts times may run
// again.
func (e *Engine) retriesLeft(st *Stage) bool {
	return st.Attempts <= e.policy(st.Name).MaxRetries
}

func (e *Engine) transition(ctx context.Context, id string, t Target, data map[string]any, failure string) (*TransitionResult, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if !t.Status.Valid() {
		return nil, errors.Validation("status", fmt.Sprintf("unknown status %q", t.Status))
	}
	if t.Stage == "" && t.Status == StatusCanceled {
		reason, _ := data["reason"].(string)
		return e.Cancel(ctx, id, reason)
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	wf := en.wf

	if t.Stage == "" {
		res, err := e.moveWorkflow(ctx, wf, t, data)
		if err != nil {
			return nil, err
		}
		e.finish(ctx, wf, res)
		return res, nil
	}

	res, err := e.moveStage(ctx, wf, t, data, failure)
	if err != nil {
		return nil, err
	}
	e.finish(ctx, wf, res)
	return res, nil
}

func (e *Engine) moveStage(ctx context.Context, wf *Workflow, t Target, data map[string]any, failure string) (*TransitionResult, error) {
	st, ok := wf.Stage(t.Stage)
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("stage %s not found", t.Stage),
			errors.WithDetail("workflow_id", wf.ID),
			errors.WithDetail("stage", t.Stage))
	}
	from := t.Stage + ":" + string(st.Status)
	switch {
	case wf.Status.IsTerminal():
		return nil, invalid(wf, from, t, "workflow is "+string(wf.Status))
	case t.Status == StatusCanceled:
		return nil, invalid(wf, from, t, "stages are canceled with the workflow")
	case !legal(stageMoves, st.Status, t.Status):
		return nil, invalid(wf, from, t, "illegal stage transition")
	case st.Status == StatusFailed && !e.retriesLeft(st):
		return nil, invalid(wf, from, t, "retry budget exhausted")
	}

	_, span := e.tracer.StartTransitionSpan(ctx, telemetry.TransitionSpanOptions{
		WorkflowID: wf.ID,
		Stage:      st.Name,
		From:       string(st.Status),
		To:         string(t.Status),
		Attempt:    st.Attempts,
	})
	defer telemetry.EndSpan(span, nil)

	prev := wf.View()
	res := &TransitionResult{
		WorkflowID:   wf.ID,
		Stage:        st.Name,
		From:         st.Status,
		To:           t.Status,
		WorkflowFrom: wf.Status,
	}

	e.runHooks(ctx, e.exit, Change{WorkflowID: wf.ID, Stage: st.Name, From: st.Status, To: t.Status, Data: st.Data})

	now := e.now()
	st.Status = t.Status
	switch t.Status {
	case StatusProcessing:
		st.Attempts++
		st.StartedAt = &now
		st.CompletedAt = nil
		st.Error = ""
		if wf.Status == StatusPending {
			wf.Status = StatusProcessing
		}
	case StatusCompleted:
		st.CompletedAt = &now
		if wf.allCompleted() {
			wf.Status = StatusCompleted
		}
	case StatusFailed:
		st.CompletedAt = &now
		if failure == "" {
			failure = "stage failed"
		}
		st.Error = failure
		if e.retriesLeft(st) {
			res.Retry = true
			res.RetryDelay = e.policy(st.Name).Delay(st.Attempts - 1)
		} else {
			wf.Status = StatusFailed
		}
	}
	st.Data = merge(st.Data, data)
	wf.CurrentStage = st.Name
	wf.UpdatedAt = now

	if st.Data == nil {
		st.Data = make(map[string]any)
	}
	e.runHooks(ctx, e.enter, Change{WorkflowID: wf.ID, Stage: st.Name, From: res.From, To: st.Status, Data: st.Data})

	res.Attempt = st.Attempts
	res.Timestamp = now
	e.announce(ctx, wf, &prev)
	e.instruments.Transition(ctx, st.Name, string(st.Status))
	e.log.Transition(wf.ID, st.Name, string(res.From), string(st.Status))
	return res, nil
}

func (e *Engine) moveWorkflow(ctx context.Context, wf *Workflow, t Target, data map[string]any) (*TransitionResult, error) {
	from := string(wf.Status)
	switch {
	case !legal(workflowMoves, wf.Status, t.Status):
		return nil, invalid(wf, from, t, "illegal workflow transition")
	case t.Status == StatusCompleted && !wf.allCompleted():
		return nil, invalid(wf, from, t, "stages not completed")
	}

	_, span := e.tracer.StartTransitionSpan(ctx, telemetry.TransitionSpanOptions{
		WorkflowID: wf.ID,
		From:       from,
		To:         string(t.Status),
	})
	defer telemetry.EndSpan(span, nil)

	prev := wf.View()
	res := &TransitionResult{
		WorkflowID:   wf.ID,
		From:         wf.Status,
		To:           t.Status,
		WorkflowFrom: wf.Status,
	}
	e.runHooks(ctx, e.exit, Change{WorkflowID: wf.ID, From: wf.Status, To: t.Status, Data: wf.Data})

	now := e.now()
	wf.Status = t.Status
	wf.Data = merge(wf.Data, data)
	wf.UpdatedAt = now
	if wf.Data == nil {
		wf.Data = make(map[string]any)
	}

	e.runHooks(ctx, e.enter, Change{WorkflowID: wf.ID, From: res.From, To: wf.Status, Data: wf.Data})

	res.Timestamp = now
	e.announce(ctx, wf, &prev)
	e.instruments.Transition(ctx, "", string(wf.Status))
	e.log.Transition(wf.ID, "", string(res.From), string(wf.Status))
	return res, nil
}

// finish fills in the settled workflow status and archives terminal
// workflows. Called with the entry locked.
func (e *Engine) finish(ctx context.Context, wf *Workflow, res *TransitionResult) {
	res.WorkflowStatus = wf.Status
	res.View = wf.View()
	if wf.Status.IsTerminal() && !res.WorkflowFrom.IsTerminal() {
		e.archiveWorkflow(ctx, wf.ID)
		e.log.Info("workflow finished", map[string]interface{}{
			"workflow_id": wf.ID,
			"status":      string(wf.Status),
		})
	}
}

// Cancel halts a workflow that has not reached a terminal status. It
// publishes a cancellation EVENT followed by a STATE_UPDATE. Commands
// already in flight are left alone; transitions caused by their late
// replies fail with INVALID_TRANSITION.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*TransitionResult, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	wf := en.wf

	target := Target{Status: StatusCanceled}
	if wf.Status.IsTerminal() {
		return nil, invalid(wf, string(wf.Status), target, "workflow is "+string(wf.Status))
	}

	_, span := e.tracer.StartTransitionSpan(ctx, telemetry.TransitionSpanOptions{
		WorkflowID: wf.ID,
		Stage:      wf.CurrentStage,
		From:       string(wf.Status),
		To:         string(StatusCanceled),
	})
	defer telemetry.EndSpan(span, nil)

	prev := wf.View()
	res := &TransitionResult{
		WorkflowID:   wf.ID,
		Stage:        wf.CurrentStage,
		From:         wf.Status,
		To:           StatusCanceled,
		WorkflowFrom: wf.Status,
	}
	now := e.now()
	for _, st := range wf.Stages {
		if st.Status == StatusCompleted {
			continue
		}
		c := Change{WorkflowID: wf.ID, Stage: st.Name, From: st.Status, To: StatusCanceled, Data: st.Data}
		e.runHooks(ctx, e.exit, c)
		if st.Status == StatusProcessing {
			st.CompletedAt = &now
		}
		st.Status = StatusCanceled
		e.runHooks(ctx, e.enter, c)
	}
	wf.Status = StatusCanceled
	wf.UpdatedAt = now
	if reason != "" {
		wf.Data = merge(wf.Data, map[string]any{"cancel_reason": reason})
	}

	ev, err := mcp.NewEvent(e.config.Source, Topic, EventCanceled, map[string]any{
		"workflow_id":   wf.ID,
		"reason":        reason,
		"current_stage": wf.CurrentStage,
	}, mcp.WithPriority(mcp.PriorityHigh), mcp.WithSession(wf.ID))
	if err == nil {
		_, err = e.pub.Publish(ctx, ev)
	}
	if err != nil {
		e.log.Warn("cancellation event not published", map[string]interface{}{
			"workflow_id": wf.ID,
			"error":       err.Error(),
		})
	}
	e.announce(ctx, wf, &prev)
	e.instruments.Transition(ctx, wf.CurrentStage, string(StatusCanceled))
	e.log.Transition(wf.ID, wf.CurrentStage, string(res.From), string(StatusCanceled))

	res.Timestamp = now
	e.finish(ctx, wf, res)
	return res, nil
}

// CreateCheckpoint snapshots the workflow's stages, status, current stage
// and data under label, replacing any checkpoint with the same label.
func (e *Engine) CreateCheckpoint(ctx context.Context, id, label string) (*Checkpoint, error) {
	if label == "" {
		return nil, errors.Validation("label", "checkpoint label is required")
	}
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()

	now := e.now()
	cp := snapshot(en.wf, label, now)
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return nil, errors.Wrap(err, "save checkpoint", errors.WithDetail("workflow_id", id))
	}
	if en.wf.Checkpoints == nil {
		en.wf.Checkpoints = make(map[string]time.Time)
	}
	en.wf.Checkpoints[label] = now
	e.log.Info("checkpoint created", map[string]interface{}{
		"workflow_id": id,
		"label":       label,
		"stage":       en.wf.CurrentStage,
	})
	return cp, nil
}

// Checkpoints lists the workflow's stored checkpoints.
func (e *Engine) Checkpoints(ctx context.Context, id string) ([]*Checkpoint, error) {
	if _, err := e.lookup(id); err != nil {
		return nil, err
	}
	return e.checkpoints.List(ctx, id)
}

// RestoreCheckpoint resets the workflow to a checkpoint and publishes a
// STATE_UPDATE. Only bookkeeping is restored; side effects of stages run
// after the checkpoint are the caller's to compensate. Completed and
// canceled workflows cannot be restored; failed ones can.
func (e *Engine) RestoreCheckpoint(ctx context.Context, id, label string) (*TransitionResult, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	cp, err := e.checkpoints.Load(ctx, id, label)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	wf := en.wf
	target := Target{Stage: cp.CurrentStage, Status: cp.Status}
	if wf.Status == StatusCompleted || wf.Status == StatusCanceled {
		return nil, invalid(wf, string(wf.Status), target, "cannot restore a "+string(wf.Status)+" workflow")
	}

	_, span := e.tracer.StartTransitionSpan(ctx, telemetry.TransitionSpanOptions{
		WorkflowID: wf.ID,
		Stage:      cp.CurrentStage,
		From:       string(wf.Status),
		To:         string(cp.Status),
	})
	defer telemetry.EndSpan(span, nil)

	prev := wf.View()
	res := &TransitionResult{
		WorkflowID:   wf.ID,
		Stage:        cp.CurrentStage,
		From:         wf.Status,
		To:           cp.Status,
		WorkflowFrom: wf.Status,
	}
	restored := cloneCheckpoint(cp)
	now := e.now()
	wf.Status = restored.Status
	wf.CurrentStage = restored.CurrentStage
	wf.Stages = restored.Stages
	wf.Data = restored.Data
	wf.UpdatedAt = now

	if res.WorkflowFrom.IsTerminal() && !wf.Status.IsTerminal() {
		e.unarchive(wf.ID)
	}
	e.announce(ctx, wf, &prev)
	e.log.Info("checkpoint restored", map[string]interface{}{
		"workflow_id": id,
		"label":       label,
		"status":      string(wf.Status),
	})

	res.Timestamp = now
	e.finish(ctx, wf, res)
	return res, nil
}

// announce publishes one STATE_UPDATE for wf on Topic. prev is nil for a
// newly created workflow.
func (e *Engine) announce(ctx context.Context, wf *Workflow, prev *StatusView) {
	cur := wf.View()
	update := &mcp.StateUpdate{
		EntityID:     wf.ID,
		EntityType:   EntityType,
		CurrentState: cur.Map(),
	}
	if prev != nil {
		update.PreviousState = prev.Map()
		update.ChangedFields = changed(*prev, cur)
	}
	m, err := mcp.NewStateUpdate(e.config.Source, Topic, update, mcp.WithSession(wf.ID))
	if err == nil {
		_, err = e.pub.Publish(ctx, m)
	}
	if err != nil {
		e.log.Warn("state update not published", map[string]interface{}{
			"workflow_id": wf.ID,
			"error":       err.Error(),
		})
	}
}

func (e *Engine) archiveWorkflow(ctx context.Context, id string) {
	e.mu.Lock()
	e.archive = append(e.archive, id)
	var evicted []string
	for len(e.archive) > e.config.ArchiveSize {
		old := e.archive[0]
		e.archive = e.archive[1:]
		delete(e.workflows, old)
		evicted = append(evicted, old)
	}
	e.mu.Unlock()

	for _, old := range evicted {
		if err := e.checkpoints.Delete(ctx, old); err != nil {
			e.log.Warn("checkpoint cleanup failed", map[string]interface{}{
				"workflow_id": old,
				"error":       err.Error(),
			})
		}
	}
}

func (e *Engine) unarchive(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, a := range e.archive {
		if a == id {
			e.archive = append(e.archive[:i], e.archive[i+1:]...)
			return
		}
	}
}

// Close stops accepting new workflows and closes the checkpoint store.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.checkpoints.Close()
}
