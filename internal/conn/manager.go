package conn

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lexwire/internal/observability"
)

var (
	ErrServerFull   = errors.New("server at maximum connection capacity")
	ErrSessionFull  = errors.New("maximum connections per session reached")
	ErrConnNotFound = errors.New("connection not found")
)

type Config struct {
	MaxTotal      int
	MaxPerSession int
	QueueSize     int
	WriteTimeout  time.Duration
}

// Stats mirrors the connection counters exposed on /v1/stats.
type Stats struct {
	Total         int            `json:"total_connections"`
	Sessions      int            `json:"sessions_with_connections"`
	PerSession    map[string]int `json:"per_session"`
	MaxTotal      int            `json:"max_total_connections"`
	MaxPerSession int            `json:"max_connections_per_session"`
}

// Manager owns every live Conn.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	conns     map[string]*Conn
	bySession map[string]map[string]*Conn
	onDetach  func(sessionID, connID string, reason error)
}

func NewManager(cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Manager {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 100
	}
	if cfg.MaxPerSession <= 0 {
		cfg.MaxPerSession = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		conns:     make(map[string]*Conn),
		bySession: make(map[string]map[string]*Conn),
	}
}

// SetDetachHook registers a callback run after a connection leaves the
// manager for any reason.
func (m *Manager) SetDetachHook(hook func(sessionID, connID string, reason error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDetach = hook
}

// CanConnect reports whether a new connection for sessionID would be admitted.
func (m *Manager) CanConnect(sessionID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admitLocked(sessionID)
}

func (m *Manager) admitLocked(sessionID string) error {
	if len(m.conns) >= m.cfg.MaxTotal {
		return fmt.Errorf("%w (%d)", ErrServerFull, m.cfg.MaxTotal)
	}
	if len(m.bySession[sessionID]) >= m.cfg.MaxPerSession {
		return fmt.Errorf("%w (%d)", ErrSessionFull, m.cfg.MaxPerSession)
	}
	return nil
}

// Register admits a transport for sessionID and starts its write pump.
func (m *Manager) Register(sessionID string, t Transport) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(sessionID); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	c := newConn(id, sessionID, t, m.cfg.QueueSize, m.cfg.WriteTimeout, m.log, m.handleClosed)
	m.conns[id] = c
	set := m.bySession[sessionID]
	if set == nil {
		set = make(map[string]*Conn)
		m.bySession[sessionID] = set
	}
	set[id] = c

	if m.metrics != nil {
		m.metrics.Connections.Set(float64(len(m.conns)))
	}
	m.log.Info().
		Str("conn_id", id).
		Str("session_id", sessionID).
		Int("total", len(m.conns)).
		Msg("connection registered")
	return c, nil
}

// Unregister closes the connection normally. Unknown ids are ignored.
func (m *Manager) Unregister(connID string) {
	c, ok := m.Get(connID)
	if !ok {
		return
	}
	c.Close(nil)
}

func (m *Manager) Get(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Send enqueues data on one connection. A saturated queue closes the
// connection, which detaches it.
func (m *Manager) Send(connID string, data []byte) error {
	c, ok := m.Get(connID)
	if !ok {
		return ErrConnNotFound
	}
	return c.Enqueue(data)
}

// SessionConns returns the ids currently registered for a session.
func (m *Manager) SessionConns(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseSession closes every connection of a session.
func (m *Manager) CloseSession(sessionID string) int {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.bySession[sessionID]))
	for _, c := range m.bySession[sessionID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Close(nil)
	}
	return len(conns)
}

// CloseAll closes every connection, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Close(nil)
	}
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	per := make(map[string]int, len(m.bySession))
	for sid, set := range m.bySession {
		per[sid] = len(set)
	}
	return Stats{
		Total:         len(m.conns),
		Sessions:      len(m.bySession),
		PerSession:    per,
		MaxTotal:      m.cfg.MaxTotal,
		MaxPerSession: m.cfg.MaxPerSession,
	}
}

func (m *Manager) handleClosed(c *Conn, reason error) {
	m.mu.Lock()
	if _, ok := m.conns[c.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.ID)
	if set := m.bySession[c.SessionID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(m.bySession, c.SessionID)
		}
	}
	total := len(m.conns)
	hook := m.onDetach
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Connections.Set(float64(total))
	}
	if reason != nil {
		m.metrics.ObserveTransportError(transportReason(reason))
	}
	m.log.Info().
		Str("conn_id", c.ID).
		Str("session_id", c.SessionID).
		Int("remaining", total).
		Msg("connection detached")
	if hook != nil {
		hook(c.SessionID, c.ID, reason)
	}
}

func transportReason(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "write_failed"
	}
}
