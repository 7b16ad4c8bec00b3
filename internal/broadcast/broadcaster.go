package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lexwire/internal/observability"
	"github.com/ent0n29/lexwire/internal/protocol"
)

var ErrSessionNotFound = errors.New("session not found")

// Sessions is the subset of the session registry the broadcaster needs.
type Sessions interface {
	Connections(sessionID string) []string
	NextSeq(sessionID string) uint64
	DetachConnection(sessionID, connID string) error
}

// Delivery enqueues encoded frames on a connection.
type Delivery interface {
	Send(connID string, data []byte) error
}

// Broadcaster assigns per-session sequence numbers and fans notifications
// out to every connection attached to the session.
type Broadcaster struct {
	sessions Sessions
	delivery Delivery
	metrics  *observability.Metrics
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*sessionState
}

// sessionState stays in the map while any publish holds it, so a Forget
// racing an in-flight publish cannot split one session across two mutexes.
// refs and forgotten are guarded by Broadcaster.mu.
type sessionState struct {
	mu      sync.Mutex
	liveAck uint64

	refs      int
	forgotten bool
}

func New(sessions Sessions, delivery Delivery, metrics *observability.Metrics, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sessions: sessions,
		delivery: delivery,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		states:   make(map[string]*sessionState),
	}
}

// Publish sequences payload for sessionID and enqueues it on every attached
// connection. It returns the sequenced notification and how many
// connections accepted it. With no connections the notification is dropped.
//
// Calls for the same session are serialized, so enqueue order on every
// connection matches seq order.
func (b *Broadcaster) Publish(sessionID string, payload protocol.Payload) (protocol.Notification, int, error) {
	st := b.acquire(sessionID)
	defer b.release(sessionID, st)
	st.mu.Lock()
	defer st.mu.Unlock()

	seq := b.sessions.NextSeq(sessionID)
	if seq == 0 {
		b.Forget(sessionID)
		return protocol.Notification{}, 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if seq == 1 {
		// First frame of a fresh session; nothing from a previous
		// incarnation under the same id may be replaced.
		st.liveAck = 0
		b.mu.Lock()
		st.forgotten = false
		b.mu.Unlock()
	}

	if ack, ok := payload.(protocol.Ack); ok {
		ack.ReplacesSeq = st.liveAck
		payload = ack
		st.liveAck = seq
	}
	n := protocol.Notification{
		SessionID: sessionID,
		Seq:       seq,
		Timestamp: b.now(),
		Payload:   payload,
	}
	if n.Retires() {
		st.liveAck = 0
	}

	data, err := json.Marshal(n)
	if err != nil {
		return n, 0, fmt.Errorf("encode %s: %w", n.Kind(), err)
	}

	conns := b.sessions.Connections(sessionID)
	delivered := 0
	for _, connID := range conns {
		if err := b.delivery.Send(connID, data); err != nil {
			b.log.Warn().
				Err(err).
				Str("session_id", sessionID).
				Str("conn_id", connID).
				Str("type", string(n.Kind())).
				Uint64("seq", seq).
				Msg("delivery failed, detaching connection")
			_ = b.sessions.DetachConnection(sessionID, connID)
			continue
		}
		delivered++
		b.metrics.ObserveWSMessage("outbound", string(n.Kind()))
	}

	switch {
	case len(conns) == 0:
		b.metrics.ObserveNotification(string(n.Kind()), "no_connections")
		b.log.Debug().
			Str("session_id", sessionID).
			Str("type", string(n.Kind())).
			Uint64("seq", seq).
			Msg("no connections, notification dropped")
	case delivered < len(conns):
		b.metrics.ObserveNotification(string(n.Kind()), "partial")
	default:
		b.metrics.ObserveNotification(string(n.Kind()), "delivered")
	}
	return n, delivered, nil
}

// SendDirect writes an unsequenced control frame to one connection.
func (b *Broadcaster) SendDirect(connID string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode control frame: %w", err)
	}
	return b.delivery.Send(connID, data)
}

// LiveAck returns the seq of the session's outstanding ack, or zero.
func (b *Broadcaster) LiveAck(sessionID string) uint64 {
	b.mu.Lock()
	st, ok := b.states[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.liveAck
}

// Forget drops per-session bookkeeping after the session is torn down. A
// state still held by a publish is dropped when that publish returns.
func (b *Broadcaster) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[sessionID]
	if !ok {
		return
	}
	if st.refs == 0 {
		delete(b.states, sessionID)
		return
	}
	st.forgotten = true
}

func (b *Broadcaster) acquire(sessionID string) *sessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[sessionID]
	if !ok {
		st = &sessionState{}
		b.states[sessionID] = st
	}
	st.refs++
	return st
}

func (b *Broadcaster) release(sessionID string, st *sessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st.refs--
	if st.refs == 0 && st.forgotten && b.states[sessionID] == st {
		delete(b.states, sessionID)
	}
}

// tracked reports how many sessions hold broadcaster state.
func (b *Broadcaster) tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.states)
}
