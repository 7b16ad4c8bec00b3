package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lexwire/internal/broadcast"
	"github.com/ent0n29/lexwire/internal/config"
	"github.com/ent0n29/lexwire/internal/conn"
	"github.com/ent0n29/lexwire/internal/observability"
	"github.com/ent0n29/lexwire/internal/session"
	"github.com/ent0n29/lexwire/internal/tasks"
)

// Deps are the runtime components the HTTP surface drives.
type Deps struct {
	Sessions    *session.Registry
	Conns       *conn.Manager
	Broadcaster *broadcast.Broadcaster
	Tasks       *tasks.Manager
	Metrics     *observability.Metrics
	Log         zerolog.Logger
	StoreMode   string
}

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	conns    *conn.Manager
	bcast    *broadcast.Broadcaster
	tasks    *tasks.Manager
	metrics  *observability.Metrics
	log      zerolog.Logger
	store    string
	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(cfg config.Config, deps Deps) *Server {
	store := strings.TrimSpace(deps.StoreMode)
	if store == "" {
		store = "in-memory"
	}
	return &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		conns:    deps.Conns,
		bcast:    deps.Broadcaster,
		tasks:    deps.Tasks,
		metrics:  deps.Metrics,
		log:      deps.Log,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Drain flips readiness off ahead of shutdown.
func (s *Server) Drain() {
	s.draining.Store(true)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleSessionWS)
	r.Get("/api/admin/tenant/agent/chat/ws", s.handleSessionWS)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleEndSession)
		r.Post("/{id}/notify", s.handleNotify)
		r.Post("/{id}/cancel", s.handleCancelSessionTask)
		r.Get("/{id}/tasks", s.handleListSessionTasks)
	})
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.store,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "draining",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"task_store_mode": s.store,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
	})
}

type sessionResponse struct {
	session.Snapshot
	LiveAckSeq uint64      `json:"live_ack_seq,omitempty"`
	ActiveTask *tasks.Task `json:"active_task,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	out := sessionResponse{
		Snapshot:   sess.Snapshot(),
		LiveAckSeq: s.bcast.LiveAck(id),
	}
	if out.ActiveTaskID != "" {
		if task, err := s.tasks.Get(out.ActiveTaskID); err == nil {
			out.ActiveTask = &task
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// handleEndSession cancels the active task first so attached clients still
// see processing_cancelled, then removes the session. The registry's expire
// hook closes connections and drops per-session state.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if _, err := s.tasks.CancelSession(id, tasks.ReasonTeardown); err != nil && !errors.Is(err, tasks.ErrTaskNotFound) && !errors.Is(err, tasks.ErrAlreadyTerminal) {
		s.log.Warn().Err(err).Str("session_id", id).Msg("cancel on session end failed")
	}
	snap, err := s.sessions.Remove(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ObserveSessionEvent("ended")
	s.metrics.SetActiveSessions(s.sessions.Count())
	respondJSON(w, http.StatusOK, snap)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
