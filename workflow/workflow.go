package workflow

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
)

// Common errors.
var (
	ErrInvalidConfig = stderrors.New("invalid configuration")
	ErrNoStages      = stderrors.New("workflow needs at least one stage")
	ErrDuplicateName = stderrors.New("duplicate stage name")
)

// Topic is where workflow state updates and cancellation events are published.
const Topic = "workflow"

// EntityType identifies workflows in STATE_UPDATE bodies.
const EntityType = "workflow"

// EventCanceled is the event type announcing a canceled workflow.
const EventCanceled = "workflow_canceled"

// Status is the lifecycle state of a workflow or a stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// stageMoves lists legal stage transitions. failed -> processing is further
// gated on the stage retry budget. canceled is only applied by Cancel.
var stageMoves = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// workflowMoves lists legal workflow-level transitions.
var workflowMoves = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCanceled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCanceled},
}

func legal(table map[Status][]Status, from, to Status) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Stage is one named step of a workflow.
type Stage struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Attempts    int            `json:"attempts"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Clone returns a deep copy of the stage.
func (s *Stage) Clone() *Stage {
	c := *s
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.Data = cloneData(s.Data)
	return &c
}

// Workflow is a named, ordered sequence of stages.
type Workflow struct {
	ID           string               `json:"workflow_id"`
	Name         string               `json:"name"`
	Status       Status               `json:"status"`
	CurrentStage string               `json:"current_stage,omitempty"`
	Stages       []*Stage             `json:"stages"`
	Checkpoints  map[string]time.Time `json:"checkpoints,omitempty"`
	Data         map[string]any       `json:"data,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Stage returns the named stage.
func (w *Workflow) Stage(name string) (*Stage, bool) {
	for _, s := range w.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// StageNames returns the stage names in order.
func (w *Workflow) StageNames() []string {
	names := make([]string, len(w.Stages))
	for i, s := range w.Stages {
		names[i] = s.Name
	}
	return names
}

// NextPending returns the first stage that has not started.
func (w *Workflow) NextPending() (*Stage, bool) {
	for _, s := range w.Stages {
		if s.Status == StatusPending {
			return s, true
		}
	}
	return nil, false
}

func (w *Workflow) allCompleted() bool {
	for _, s := range w.Stages {
		if s.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Stages = make([]*Stage, len(w.Stages))
	for i, s := range w.Stages {
		c.Stages[i] = s.Clone()
	}
	if w.Checkpoints != nil {
		c.Checkpoints = make(map[string]time.Time, len(w.Checkpoints))
		for k, v := range w.Checkpoints {
			c.Checkpoints[k] = v
		}
	}
	c.Data = cloneData(w.Data)
	return &c
}

// StageView is the read-only projection of a stage.
type StageView struct {
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// StatusView is the read-only projection of a workflow served to monitors.
type StatusView struct {
	WorkflowID   string               `json:"workflow_id"`
	Name         string               `json:"name,omitempty"`
	Status       Status               `json:"status"`
	CurrentStage string               `json:"current_stage"`
	Stages       map[string]StageView `json:"stages"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// View projects the workflow into a StatusView.
func (w *Workflow) View() StatusView {
	v := StatusView{
		WorkflowID:   w.ID,
		Name:         w.Name,
		Status:       w.Status,
		CurrentStage: w.CurrentStage,
		Stages:       make(map[string]StageView, len(w.Stages)),
		UpdatedAt:    w.UpdatedAt,
	}
	for _, s := range w.Stages {
		v.Stages[s.Name] = StageView{
			Status:      s.Status,
			StartedAt:   cloneTime(s.StartedAt),
			CompletedAt: cloneTime(s.CompletedAt),
		}
	}
	return v
}

// Map renders the view as the generic map carried in STATE_UPDATE bodies.
func (v StatusView) Map() map[string]any {
	stages := make(map[string]any, len(v.Stages))
	for name, s := range v.Stages {
		stages[name] = map[string]any{
			"status":       string(s.Status),
			"started_at":   timeValue(s.StartedAt),
			"completed_at": timeValue(s.CompletedAt),
		}
	}
	return map[string]any{
		"workflow_id":   v.WorkflowID,
		"status":        string(v.Status),
		"current_stage": v.CurrentStage,
		"stages":        stages,
	}
}

// changed lists the fields that differ between two views.
func changed(prev, cur StatusView) []string {
	var fields []string
	if prev.Status != cur.Status {
		fields = append(fields, "status")
	}
	if prev.CurrentStage != cur.CurrentStage {
		fields = append(fields, "current_stage")
	}
	names := make([]string, 0, len(cur.Stages))
	for name := range cur.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if prev.Stages[name].Status != cur.Stages[name].Status {
			fields = append(fields, "stages."+name)
		}
	}
	return fields
}

// Target names the state a transition moves to. An empty Stage addresses the
// workflow itself.
type Target struct {
	Stage  string
	Status Status
}

func (t Target) String() string {
	if t.Stage == "" {
		return string(t.Status)
	}
	return t.Stage + ":" + string(t.Status)
}

// TransitionResult describes an applied transition.
type TransitionResult struct {
	WorkflowID string
	Stage      string
	From       Status
	To         Status

	// WorkflowFrom and WorkflowStatus are the workflow status before and
	// after the transition.
	WorkflowFrom   Status
	WorkflowStatus Status

	// Attempt is the stage attempt number for stage transitions.
	Attempt int

	// Retry is set when a failed stage still has retries left; RetryDelay
	// is the backoff before the caller should start it again.
	Retry      bool
	RetryDelay time.Duration

	Timestamp time.Time
	View      StatusView
}

// Change is passed to entry and exit hooks. Data is the live stage data for
// stage transitions and the workflow data otherwise; hooks may annotate it.
type Change struct {
	WorkflowID string
	Stage      string
	From       Status
	To         Status
	Data       map[string]any
}

// Hook observes a stage leaving or entering a status. Hooks run while the
// workflow is locked and must not call back into the engine for the same
// workflow.
type Hook func(ctx context.Context, c Change)

// Publisher publishes workflow announcements. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, m *mcp.Message) (string, error)
}

func invalid(wf *Workflow, from string, t Target, reason string) *errors.Error {
	return errors.InvalidTransition(from, t.String(),
		errors.WithDetail("workflow_id", wf.ID),
		errors.WithDetail("workflow_status", string(wf.Status)),
		errors.WithDetail("reason", reason))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

func merge(dst map[string]any, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
