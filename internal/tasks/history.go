package tasks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Get returns a live or recently finished task, falling back to the store.
func (m *Manager) Get(taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, ErrTaskNotFound
	}

	m.mu.RLock()
	if lt, ok := m.live[taskID]; ok {
		task := lt.task
		m.mu.RUnlock()
		return task, nil
	}
	if sid, ok := m.owner[taskID]; ok {
		for _, t := range m.history[sid] {
			if t.ID == taskID {
				m.mu.RUnlock()
				return t, nil
			}
		}
	}
	store := m.store
	m.mu.RUnlock()

	if store == nil {
		return Task{}, ErrTaskNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return persisted, nil
}

// ListBySession returns the session's tasks newest first: the live task,
// then in-memory history, merged with the store when one is configured.
func (m *Manager) ListBySession(sessionID string, limit int) []Task {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}

	m.mu.RLock()
	store := m.store
	memOut := make([]Task, 0, len(m.history[sessionID])+1)
	for _, lt := range m.live {
		if lt.task.SessionID == sessionID {
			memOut = append(memOut, lt.task)
		}
	}
	h := m.history[sessionID]
	for i := len(h) - 1; i >= 0; i-- {
		memOut = append(memOut, h[i])
	}
	m.mu.RUnlock()

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		persisted, err := store.ListTasksBySession(ctx, sessionID, limit)
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("list persisted tasks failed")
		} else {
			merged := make(map[string]Task, len(persisted)+len(memOut))
			for _, t := range persisted {
				merged[t.ID] = t
			}
			for _, t := range memOut {
				merged[t.ID] = t
			}
			memOut = memOut[:0]
			for _, t := range merged {
				memOut = append(memOut, t)
			}
		}
	}

	sort.Slice(memOut, func(i, j int) bool {
		if !memOut[i].CreatedAt.Equal(memOut[j].CreatedAt) {
			return memOut[i].CreatedAt.After(memOut[j].CreatedAt)
		}
		return memOut[i].ID > memOut[j].ID
	})
	if limit <= 0 || limit > len(memOut) {
		limit = len(memOut)
	}
	return memOut[:limit]
}
