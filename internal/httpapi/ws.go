package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lexwire/internal/conn"
	"github.com/ent0n29/lexwire/internal/policy"
	"github.com/ent0n29/lexwire/internal/protocol"
	"github.com/ent0n29/lexwire/internal/session"
	"github.com/ent0n29/lexwire/internal/tasks"
)

const maxClientMessageBytes = 2 << 20

// handleSessionWS attaches one websocket to a session. Disconnecting never
// cancels the session's task; a reconnect to the same session id picks up
// its notifications.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	tenantID := strings.TrimSpace(q.Get("tenant_id"))
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		userID = "anonymous"
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := s.conns.CanConnect(sessionID); err != nil {
		s.rejectConnection(ws, sessionID, err)
		return
	}

	sess, created := s.sessions.CreateOrGet(sessionID, tenantID, userID)
	if created {
		s.metrics.ObserveSessionEvent("created")
		s.metrics.SetActiveSessions(s.sessions.Count())
	}

	c, err := s.conns.Register(sessionID, ws)
	if err != nil {
		s.rejectConnection(ws, sessionID, err)
		return
	}
	defer s.conns.Unregister(c.ID)

	log := s.log.With().Str("session_id", sessionID).Str("conn_id", c.ID).Logger()

	// connection_ack is queued before the connection becomes visible to the
	// broadcaster, so it is always the first frame the client reads.
	s.sendControl(c.ID, protocol.NewConnectionAck(sessionID, sess.TenantID, c.ID, time.Now()))
	if err := s.sessions.AttachConnection(sessionID, c.ID); err != nil {
		log.Warn().Err(err).Msg("attach to removed session")
		return
	}
	s.metrics.ObserveSessionEvent("ws_connected")
	log.Info().Bool("session_created", created).Msg("websocket attached")

	ws.SetReadLimit(maxClientMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleClientFrame(r.Context(), log, sess, c.ID, data)
	}
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) handleClientFrame(ctx context.Context, log zerolog.Logger, sess *session.Session, connID string, data []byte) {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.metrics.ObserveWSMessage("inbound", "invalid")
		s.sendControl(connID, protocol.NewErrorEvent(sess.ID, "invalid_client_message", err.Error(), false))
		return
	}
	_ = s.sessions.Touch(sess.ID)

	switch msg := parsed.(type) {
	case protocol.ClientPing:
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))
		s.sendControl(connID, protocol.NewPong(time.Now()))

	case protocol.ClientCancel:
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))
		if _, err := s.tasks.CancelSession(sess.ID, tasks.ReasonClient); err != nil {
			code := "cancel_failed"
			if errors.Is(err, tasks.ErrTaskNotFound) || errors.Is(err, tasks.ErrAlreadyTerminal) {
				code = "no_active_task"
			}
			s.sendControl(connID, protocol.NewErrorEvent(sess.ID, code, err.Error(), false))
		}

	case protocol.ClientQuery:
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))
		userID := strings.TrimSpace(msg.UserID)
		if userID == "" {
			userID = sess.UserID
		}
		_, _, err := s.tasks.Dispatch(ctx, sess.ID, tasks.Command{
			Class:      policy.ClassUserQuery,
			Source:     policy.SourceClient,
			TenantID:   sess.TenantID,
			UserID:     userID,
			Query:      msg.Query,
			Data:       msg.Data,
			ForceAgent: msg.ForceAgent,
		})
		if err != nil {
			code, retryable := dispatchErrorCode(err)
			log.Info().Err(err).Str("code", code).Msg("query not dispatched")
			s.sendControl(connID, protocol.NewErrorEvent(sess.ID, code, err.Error(), retryable))
		}
	}
}

func dispatchErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, tasks.ErrRejected):
		return "task_in_progress", true
	case errors.Is(err, tasks.ErrShuttingDown):
		return "shutting_down", true
	case errors.Is(err, context.Canceled):
		return "request_cancelled", true
	default:
		return "dispatch_failed", false
	}
}

func (s *Server) sendControl(connID string, frame any) {
	if err := s.bcast.SendDirect(connID, frame); err != nil {
		s.log.Debug().Err(err).Str("conn_id", connID).Msg("control frame not delivered")
		return
	}
	if t, ok := controlTypeOf(frame); ok {
		s.metrics.ObserveWSMessage("outbound", string(t))
	}
}

// rejectConnection closes an upgraded socket that exceeds a connection
// limit with a policy violation close frame.
func (s *Server) rejectConnection(ws *websocket.Conn, sessionID string, reason error) {
	s.log.Warn().Err(reason).Str("session_id", sessionID).Msg("websocket rejected")
	code := "connection_limit"
	if errors.Is(reason, conn.ErrSessionFull) {
		code = "session_connection_limit"
	}
	s.metrics.ObserveSessionEvent("ws_rejected")
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

func controlTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ConnectionAck:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
