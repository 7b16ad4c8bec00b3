package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/lexwire/internal/policy"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Cancellation reasons recorded on cancelled tasks.
const (
	ReasonSuperseded = "superseded"
	ReasonUrgentTool = "urgent_tool_notification"
	ReasonClient     = "client_cancel"
	ReasonAPI        = "api_cancel"
	ReasonTimeout    = "timeout"
	ReasonShutdown   = "shutdown"
	ReasonTeardown   = "session_teardown"

	ReasonPipelineCancelled = "pipeline_cancelled"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already terminal")
	ErrRejected        = errors.New("command rejected while a task is active")
	ErrShuttingDown    = errors.New("task manager shutting down")
)

// PipelineError wraps a failure reported by the agent pipeline.
type PipelineError struct {
	TaskID string
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed for task %s: %v", e.TaskID, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Command is an inbound request after classification.
type Command struct {
	Class             policy.Class    `json:"class"`
	Source            policy.Source   `json:"source"`
	TenantID          string          `json:"tenant_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	Query             string          `json:"query"`
	Data              json.RawMessage `json:"data,omitempty"`
	ForceAgent        string          `json:"force_agent,omitempty"`
	ActionSuggestions map[string]any  `json:"action_suggestions,omitempty"`
}

type Task struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	TenantID     string        `json:"tenant_id,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
	Class        policy.Class  `json:"class"`
	Source       policy.Source `json:"source"`
	QueryPreview string        `json:"query_preview"`
	Status       Status        `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	Agent        string        `json:"agent,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// canTransition enforces queued -> running -> {completed|cancelled|failed}.
// A queued task may also be cancelled before it starts.
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Stats mirrors the counters reported on /v1/stats.
type Stats struct {
	ActiveTasks       int            `json:"active_tasks"`
	InFlight          int            `json:"in_flight"`
	SessionsWithTasks int            `json:"sessions_with_tasks"`
	Dispatched        uint64         `json:"dispatched"`
	Completed         uint64         `json:"completed"`
	Cancelled         uint64         `json:"cancelled"`
	Failed            uint64         `json:"failed"`
	Rejected          uint64         `json:"rejected"`
	Coexisted         uint64         `json:"coexisted"`
	RaceDrops         uint64         `json:"race_drops"`
	ActiveBySession   map[string]int `json:"active_by_session"`
}
