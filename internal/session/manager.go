package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry's record of one logical conversation. Its mutable
// fields are guarded by mu so unrelated sessions never contend.
type Session struct {
	ID        string
	TenantID  string
	UserID    string
	CreatedAt time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	connections    map[string]struct{}
	activeTaskID   string
	seq            uint64
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	ID             string    `json:"session_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Connections    []string  `json:"connections"`
	ActiveTaskID   string    `json:"active_task_id,omitempty"`
	LastSeq        uint64    `json:"last_seq"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		TenantID:       s.TenantID,
		UserID:         s.UserID,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
		Connections:    sortedKeys(s.connections),
		ActiveTaskID:   s.activeTaskID,
		LastSeq:        s.seq,
	}
}

// Registry owns every Session. The map lock guards membership only.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	onExpire func(Snapshot)
	now      func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetExpireHook registers a callback invoked after a session is removed,
// either by the janitor or by Remove.
func (r *Registry) SetExpireHook(hook func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// CreateOrGet returns the session for sessionID, creating it on first use.
// Concurrent callers for the same id all receive the same *Session and
// exactly one of them observes created == true.
func (r *Registry) CreateOrGet(sessionID, tenantID, userID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.touch(r.now())
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.touch(r.now())
		return s, false
	}
	now := r.now()
	s = &Session{
		ID:             sessionID,
		TenantID:       tenantID,
		UserID:         userID,
		CreatedAt:      now,
		lastActivityAt: now,
		connections:    make(map[string]struct{}),
	}
	r.sessions[sessionID] = s
	return s, true
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) Touch(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.touch(r.now())
	return nil
}

func (r *Registry) AttachConnection(sessionID, connID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.connections[connID] = struct{}{}
	s.lastActivityAt = r.now()
	s.mu.Unlock()
	return nil
}

// DetachConnection removes connID from the session. The session and its
// active task are left untouched even when no connections remain.
func (r *Registry) DetachConnection(sessionID, connID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.connections, connID)
	s.lastActivityAt = r.now()
	s.mu.Unlock()
	return nil
}

// Connections returns a snapshot of the attached connection ids.
func (r *Registry) Connections(sessionID string) []string {
	s, err := r.Get(sessionID)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.connections)
}

func (r *Registry) ActiveTask(sessionID string) (string, bool) {
	s, err := r.Get(sessionID)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTaskID, s.activeTaskID != ""
}

// SetActiveTask unconditionally replaces the active task pointer.
func (r *Registry) SetActiveTask(sessionID, taskID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.activeTaskID = taskID
	s.lastActivityAt = r.now()
	s.mu.Unlock()
	return nil
}

// ClearActiveTask clears the pointer only if it still names taskID. A stale
// task finishing late therefore never clears its successor.
func (r *Registry) ClearActiveTask(sessionID, taskID string) bool {
	s, err := r.Get(sessionID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskID == "" || s.activeTaskID != taskID {
		return false
	}
	s.activeTaskID = ""
	s.lastActivityAt = r.now()
	return true
}

// NextSeq returns the next notification sequence number for the session,
// starting at 1. Zero means the session does not exist.
func (r *Registry) NextSeq(sessionID string) uint64 {
	s, err := r.Get(sessionID)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Remove deletes the session and fires the expire hook.
func (r *Registry) Remove(sessionID string) (Snapshot, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	hook := r.onExpire
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap := s.Snapshot()
	if hook != nil {
		hook(snap)
	}
	return snap, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ExpireIdle()
			}
		}
	}()
}

// ExpireIdle removes sessions idle for longer than the TTL that have no
// attached connection and no active task. It returns the removed sessions.
func (r *Registry) ExpireIdle() []Snapshot {
	now := r.now()
	var expired []Snapshot

	r.mu.Lock()
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := len(s.connections) == 0 &&
			s.activeTaskID == "" &&
			now.Sub(s.lastActivityAt) >= r.ttl
		s.mu.Unlock()
		if !idle {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, s.Snapshot())
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, snap := range expired {
			hook(snap)
		}
	}
	return expired
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivityAt = now
	s.mu.Unlock()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
