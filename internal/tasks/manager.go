package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lexwire/internal/observability"
	"github.com/ent0n29/lexwire/internal/pipeline"
	"github.com/ent0n29/lexwire/internal/policy"
	"github.com/ent0n29/lexwire/internal/protocol"
)

const previewRunes = 120

// Sessions is the part of the session registry the manager drives.
type Sessions interface {
	ActiveTask(sessionID string) (string, bool)
	SetActiveTask(sessionID, taskID string) error
	ClearActiveTask(sessionID, taskID string) bool
	Touch(sessionID string) error
}

// Publisher sequences and delivers notifications for a session.
type Publisher interface {
	Publish(sessionID string, payload protocol.Payload) (protocol.Notification, int, error)
}

type Config struct {
	TaskTimeout  time.Duration
	HistoryLimit int
	Policy       policy.Policy
}

// Manager owns task execution and status. Every decision, start and terminal
// transition for a session happens under that session's dispatch lock.
type Manager struct {
	cfg       Config
	sessions  Sessions
	publisher Publisher
	pipeline  pipeline.Pipeline
	metrics   *observability.Metrics
	log       zerolog.Logger
	now       func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	persistWG  sync.WaitGroup

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	mu       sync.RWMutex
	store    Store
	closed   bool
	live     map[string]*liveTask
	inflight map[string]*inflight
	history  map[string][]Task
	owner    map[string]string

	counters struct {
		dispatched atomic.Uint64
		completed  atomic.Uint64
		cancelled  atomic.Uint64
		failed     atomic.Uint64
		rejected   atomic.Uint64
		coexisted  atomic.Uint64
		raceDrops  atomic.Uint64
	}
}

type liveTask struct {
	task   Task
	cancel context.CancelFunc
}

// inflight tracks a worker goroutine until it returns, which may be after
// its task was cancelled.
type inflight struct {
	cancelledAt time.Time
}

func NewManager(cfg Config, sessions Sessions, publisher Publisher, pipe pipeline.Pipeline, metrics *observability.Metrics, log zerolog.Logger) *Manager {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		sessions:   sessions,
		publisher:  publisher,
		pipeline:   pipe,
		metrics:    metrics,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		baseCtx:    ctx,
		baseCancel: cancel,
		locks:      make(map[string]*sessionLock),
		live:       make(map[string]*liveTask),
		inflight:   make(map[string]*inflight),
		history:    make(map[string][]Task),
		owner:      make(map[string]string),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// Dispatch applies the preemption policy to cmd for sessionID. On Preempt
// the previous active task is cancelled (its processing_cancelled is
// published first), a new running task is registered and acked, and the
// pipeline starts in its own goroutine. ctx only bounds the call itself; the
// task outlives it.
func (m *Manager) Dispatch(ctx context.Context, sessionID string, cmd Command) (Task, policy.Decision, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, "", err
	}
	unlock := m.lockSession(sessionID)
	defer unlock()

	if m.isClosed() {
		return Task{}, "", ErrShuttingDown
	}
	_ = m.sessions.Touch(sessionID)

	activeID, hasActive := m.activeLocked(sessionID)
	decision := m.cfg.Policy.Decide(hasActive, cmd.Class)
	log := m.log.With().
		Str("session_id", sessionID).
		Str("class", string(cmd.Class)).
		Str("decision", string(decision)).
		Logger()

	switch decision {
	case policy.Reject:
		m.counters.rejected.Add(1)
		m.metrics.ObserveTaskEvent("rejected")
		log.Info().Str("active_task_id", activeID).Msg("command rejected")
		return Task{}, decision, ErrRejected
	case policy.Coexist:
		m.counters.coexisted.Add(1)
		m.metrics.ObserveTaskEvent("coexisted")
		if _, _, err := m.publisher.Publish(sessionID, sidePayload(cmd)); err != nil {
			return Task{}, decision, fmt.Errorf("publish side notification: %w", err)
		}
		log.Debug().Str("active_task_id", activeID).Msg("tool notification delivered alongside active task")
		return Task{}, decision, nil
	}

	if hasActive {
		reason := ReasonSuperseded
		if cmd.Class == policy.ClassToolUrgent {
			reason = ReasonUrgentTool
		}
		if _, err := m.cancelLocked(activeID, reason); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			log.Warn().Err(err).Str("active_task_id", activeID).Msg("cancel of active task failed")
		}
	}

	task, err := m.startLocked(sessionID, cmd)
	if err != nil {
		return Task{}, decision, err
	}
	log.Info().Str("task_id", task.ID).Str("query", task.QueryPreview).Msg("task started")
	return task, decision, nil
}

// Cancel cancels a live task. Cancelling a finished task reports
// ErrAlreadyTerminal, which callers treat as success.
func (m *Manager) Cancel(taskID, reason string) (Task, error) {
	sessionID, ok := m.sessionOf(taskID)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	unlock := m.lockSession(sessionID)
	defer unlock()
	return m.cancelLocked(taskID, reason)
}

// CancelSession cancels the session's active task, if any.
func (m *Manager) CancelSession(sessionID, reason string) (Task, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	activeID, ok := m.activeLocked(sessionID)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return m.cancelLocked(activeID, reason)
}

// ForgetSession cancels anything still running for the session and drops
// its history. Called when the registry tears the session down.
func (m *Manager) ForgetSession(sessionID string) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	var ids []string
	m.mu.RLock()
	for id, lt := range m.live {
		if lt.task.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_, _ = m.cancelLocked(id, ReasonTeardown)
	}

	m.mu.Lock()
	for _, t := range m.history[sessionID] {
		delete(m.owner, t.ID)
	}
	delete(m.history, sessionID)
	m.mu.Unlock()
}

// Shutdown cancels every live task and waits for workers to return and for
// pending store writes to land.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Cancel(id, ReasonShutdown); err != nil && !errors.Is(err, ErrAlreadyTerminal) && !errors.Is(err, ErrTaskNotFound) {
			m.log.Warn().Err(err).Str("task_id", id).Msg("shutdown cancel failed")
		}
	}
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := make(map[string]int)
	for _, lt := range m.live {
		active[lt.task.SessionID]++
	}
	return Stats{
		ActiveTasks:       len(m.live),
		InFlight:          len(m.inflight),
		SessionsWithTasks: len(active),
		Dispatched:        m.counters.dispatched.Load(),
		Completed:         m.counters.completed.Load(),
		Cancelled:         m.counters.cancelled.Load(),
		Failed:            m.counters.failed.Load(),
		Rejected:          m.counters.rejected.Load(),
		Coexisted:         m.counters.coexisted.Load(),
		RaceDrops:         m.counters.raceDrops.Load(),
		ActiveBySession:   active,
	}
}

func (m *Manager) startLocked(sessionID string, cmd Command) (Task, error) {
	now := m.now()
	task := Task{
		ID:           ulid.Make().String(),
		SessionID:    sessionID,
		TenantID:     cmd.TenantID,
		UserID:       cmd.UserID,
		Class:        cmd.Class,
		Source:       cmd.Source,
		QueryPreview: policy.Preview(cmd.Query, previewRunes),
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !canTransition(task.Status, StatusRunning) {
		return Task{}, fmt.Errorf("start task: invalid transition from %s", task.Status)
	}
	task.Status = StatusRunning
	started := now
	task.StartedAt = &started

	taskCtx, cancel := context.WithTimeout(m.baseCtx, m.cfg.TaskTimeout)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return Task{}, ErrShuttingDown
	}
	m.live[task.ID] = &liveTask{task: task, cancel: cancel}
	m.inflight[task.ID] = &inflight{}
	m.owner[task.ID] = sessionID
	m.wg.Add(1)
	liveCount := len(m.live)
	m.mu.Unlock()

	if err := m.sessions.SetActiveTask(sessionID, task.ID); err != nil {
		m.mu.Lock()
		delete(m.live, task.ID)
		delete(m.inflight, task.ID)
		delete(m.owner, task.ID)
		m.mu.Unlock()
		m.wg.Done()
		cancel()
		return Task{}, fmt.Errorf("set active task: %w", err)
	}

	m.counters.dispatched.Add(1)
	m.metrics.ObserveTaskEvent("started")
	m.metrics.SetActiveTasks(liveCount)
	m.publish(sessionID, protocol.Ack{Message: protocol.AckMessage(cmd.Query), TaskID: task.ID})
	m.persist(task)

	context.AfterFunc(taskCtx, func() {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			m.expire(task.ID)
		}
	})
	go m.run(taskCtx, task, cmd)
	return task, nil
}

func (m *Manager) run(ctx context.Context, task Task, cmd Command) {
	defer m.wg.Done()

	start := m.now()
	res, err := m.invoke(ctx, task, cmd)
	elapsed := m.now().Sub(start)
	m.metrics.ObservePipelineLatency(elapsed)
	m.metrics.ObserveStage(observability.StagePipeline, elapsed)

	m.finish(task, res, err)
}

func (m *Manager) invoke(ctx context.Context, task Task, cmd Command) (res pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	query := strings.TrimSpace(cmd.Query)
	if query == "" && len(cmd.Data) > 0 {
		query = "Process the provided data."
	}
	return m.pipeline.Invoke(ctx, pipeline.Command{
		TaskID:            task.ID,
		SessionID:         task.SessionID,
		TenantID:          cmd.TenantID,
		UserID:            cmd.UserID,
		Source:            string(cmd.Source),
		Query:             query,
		Data:              cmd.Data,
		ForceAgent:        cmd.ForceAgent,
		ActionSuggestions: cmd.ActionSuggestions,
	})
}

// finish applies the pipeline outcome only if the task is still live and
// still the session's active task. Anything else is a stale outcome and is
// dropped.
func (m *Manager) finish(task Task, res pipeline.Result, err error) {
	unlock := m.lockSession(task.SessionID)
	defer unlock()

	now := m.now()
	m.mu.Lock()
	info := m.inflight[task.ID]
	delete(m.inflight, task.ID)
	lt, live := m.live[task.ID]
	m.mu.Unlock()

	if info != nil && !info.cancelledAt.IsZero() {
		m.metrics.ObserveStage(observability.StageCancelObserved, now.Sub(info.cancelledAt))
	}

	activeID, _ := m.sessions.ActiveTask(task.SessionID)
	if !live || lt.task.Terminal() || activeID != task.ID {
		m.counters.raceDrops.Add(1)
		m.metrics.ObserveCancelRaceDrop()
		m.metrics.ObserveTaskEvent("race_dropped")
		m.log.Debug().
			Str("session_id", task.SessionID).
			Str("task_id", task.ID).
			Bool("pipeline_error", err != nil).
			Msg("stale task outcome dropped")
		if live && !lt.task.Terminal() {
			_, _ = m.terminateLocked(task.ID, StatusCancelled, func(t *Task) { t.Reason = ReasonSuperseded }, nil)
		}
		return
	}
	m.metrics.ObserveStage(observability.StageDispatchToTerminal, now.Sub(task.CreatedAt))

	switch {
	case err == nil:
		_, _ = m.terminateLocked(task.ID, StatusCompleted, func(t *Task) {
			t.Agent = res.Agent
		}, resultPayload(task.ID, res))
	case isCancellation(err):
		reason := ReasonPipelineCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		_, _ = m.terminateLocked(task.ID, StatusCancelled, func(t *Task) {
			t.Reason = reason
		}, cancelledPayload(task.ID, reason))
	default:
		perr := &PipelineError{TaskID: task.ID, Err: err}
		m.log.Error().Err(perr).Str("session_id", task.SessionID).Str("task_id", task.ID).Msg("pipeline failed")
		_, _ = m.terminateLocked(task.ID, StatusFailed, func(t *Task) {
			t.Error = err.Error()
		}, protocol.Response{
			TaskID:   task.ID,
			Response: "Error processing query: " + err.Error(),
			Error:    true,
		})
	}
}

func (m *Manager) expire(taskID string) {
	task, err := m.Cancel(taskID, ReasonTimeout)
	if err != nil {
		return
	}
	m.log.Warn().
		Str("session_id", task.SessionID).
		Str("task_id", task.ID).
		Dur("timeout", m.cfg.TaskTimeout).
		Msg("task timed out")
}

// cancelLocked must be called with the task's session lock held.
func (m *Manager) cancelLocked(taskID, reason string) (Task, error) {
	task, err := m.terminateLocked(taskID, StatusCancelled, func(t *Task) {
		t.Reason = reason
	}, cancelledPayload(taskID, reason))
	if err != nil {
		return task, err
	}
	m.log.Info().
		Str("session_id", task.SessionID).
		Str("task_id", task.ID).
		Str("reason", reason).
		Msg("task cancelled")
	return task, nil
}

// terminateLocked moves a live task to a terminal status, signals its
// context, publishes payload (when non-nil), clears the session's active
// pointer and records the task in history. The session lock must be held.
func (m *Manager) terminateLocked(taskID string, to Status, mutate func(*Task), payload protocol.Payload) (Task, error) {
	now := m.now()

	m.mu.Lock()
	lt, ok := m.live[taskID]
	if !ok {
		_, known := m.owner[taskID]
		m.mu.Unlock()
		if known {
			return Task{}, ErrAlreadyTerminal
		}
		return Task{}, ErrTaskNotFound
	}
	if !canTransition(lt.task.Status, to) {
		task := lt.task
		m.mu.Unlock()
		return task, ErrAlreadyTerminal
	}
	lt.task.Status = to
	lt.task.UpdatedAt = now
	ended := now
	lt.task.EndedAt = &ended
	if mutate != nil {
		mutate(&lt.task)
	}
	if info := m.inflight[taskID]; info != nil && to == StatusCancelled {
		info.cancelledAt = now
	}
	delete(m.live, taskID)
	m.appendHistoryLocked(lt.task)
	task := lt.task
	liveCount := len(m.live)
	m.mu.Unlock()

	lt.cancel()
	if payload != nil {
		m.publish(task.SessionID, payload)
	}
	m.sessions.ClearActiveTask(task.SessionID, task.ID)
	m.persist(task)

	switch to {
	case StatusCompleted:
		m.counters.completed.Add(1)
	case StatusCancelled:
		m.counters.cancelled.Add(1)
	case StatusFailed:
		m.counters.failed.Add(1)
	}
	m.metrics.ObserveTaskEvent(string(to))
	m.metrics.SetActiveTasks(liveCount)
	return task, nil
}

// activeLocked returns the session's active task when it is actually live.
// A pointer to a task that is no longer live is cleared.
func (m *Manager) activeLocked(sessionID string) (string, bool) {
	id, ok := m.sessions.ActiveTask(sessionID)
	if !ok {
		return "", false
	}
	m.mu.RLock()
	lt, live := m.live[id]
	m.mu.RUnlock()
	if live && !lt.task.Terminal() {
		return id, true
	}
	m.sessions.ClearActiveTask(sessionID, id)
	return "", false
}

func (m *Manager) appendHistoryLocked(task Task) {
	if m.cfg.HistoryLimit == 0 {
		return
	}
	h := append(m.history[task.SessionID], task)
	if over := len(h) - m.cfg.HistoryLimit; over > 0 {
		for _, old := range h[:over] {
			delete(m.owner, old.ID)
		}
		h = append([]Task(nil), h[over:]...)
	}
	m.history[task.SessionID] = h
}

func (m *Manager) sessionOf(taskID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lt, ok := m.live[taskID]; ok {
		return lt.task.SessionID, true
	}
	sid, ok := m.owner[taskID]
	return sid, ok
}

// sessionLock is shared by every caller holding or waiting on it. The entry
// leaves the map only when its last holder releases it, so callers for one
// session never end up on different mutexes.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession acquires the session's dispatch lock and returns its release.
func (m *Manager) lockSession(sessionID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		m.locks[sessionID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, sessionID)
		}
		m.locksMu.Unlock()
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) publish(sessionID string, payload protocol.Payload) {
	if _, _, err := m.publisher.Publish(sessionID, payload); err != nil {
		m.log.Debug().Err(err).Str("session_id", sessionID).Str("type", string(payload.Kind())).Msg("publish failed")
	}
}

func (m *Manager) persist(task Task) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}

	m.persistWG.Add(1)
	go func(snapshot Task) {
		defer m.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.SaveTask(ctx, snapshot); err != nil {
			m.log.Warn().Err(err).Str("task_id", snapshot.ID).Msg("persist task failed")
		}
	}(task)
}

func isCancellation(err error) bool {
	return errors.Is(err, pipeline.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func resultPayload(taskID string, res pipeline.Result) protocol.Payload {
	if strings.TrimSpace(res.Response) == "" && len(res.ActionSuggestions) > 0 {
		return protocol.SuggestionsUpdate{TaskID: taskID, ActionSuggestions: res.ActionSuggestions}
	}
	return protocol.Response{
		TaskID:            taskID,
		Response:          res.Response,
		FormattedResponse: res.FormattedResponse,
		Agent:             res.Agent,
		ActionSuggestions: res.ActionSuggestions,
	}
}

func cancelledPayload(taskID, reason string) protocol.Payload {
	return protocol.ProcessingCancelled{
		TaskID:  taskID,
		Message: cancelMessage(reason),
		Source:  reason,
	}
}

func cancelMessage(reason string) string {
	switch reason {
	case ReasonSuperseded:
		return "Processing cancelled: superseded by a newer request"
	case ReasonUrgentTool:
		return "Processing cancelled by agent notification"
	case ReasonClient, ReasonAPI:
		return "Processing cancelled on request"
	case ReasonTimeout:
		return "Processing cancelled: timed out"
	case ReasonShutdown:
		return "Processing cancelled: server shutting down"
	case ReasonPipelineCancelled:
		return "Processing cancelled by the agent pipeline"
	default:
		return "Processing cancelled"
	}
}

// sidePayload renders a coexisting tool notification.
func sidePayload(cmd Command) protocol.Payload {
	if strings.TrimSpace(cmd.Query) == "" && len(cmd.ActionSuggestions) > 0 {
		return protocol.SuggestionsUpdate{ActionSuggestions: cmd.ActionSuggestions}
	}
	return protocol.Notice{
		Message:           cmd.Query,
		Source:            string(cmd.Source),
		ActionSuggestions: cmd.ActionSuggestions,
	}
}
