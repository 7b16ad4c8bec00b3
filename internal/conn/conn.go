package conn

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("outbound queue full")
)

// Transport is the write side of a websocket. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live client transport attached to a session. All writes go
// through a single write pump fed by a bounded queue.
type Conn struct {
	ID          string
	SessionID   string
	ConnectedAt time.Time

	transport    Transport
	send         chan []byte
	writeTimeout time.Duration
	log          zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
	onClose   func(*Conn, error)
}

func newConn(id, sessionID string, t Transport, queueSize int, writeTimeout time.Duration, log zerolog.Logger, onClose func(*Conn, error)) *Conn {
	c := &Conn{
		ID:           id,
		SessionID:    sessionID,
		ConnectedAt:  time.Now().UTC(),
		transport:    t,
		send:         make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		log:          log.With().Str("conn_id", id).Str("session_id", sessionID).Logger(),
		done:         make(chan struct{}),
		onClose:      onClose,
	}
	go c.writePump()
	return c
}

// Enqueue hands data to the write pump without blocking. A saturated queue
// closes the connection and reports ErrQueueFull.
func (c *Conn) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.Close(ErrQueueFull)
		return ErrQueueFull
	}
}

// Done is closed once the connection has been shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was closed, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Close shuts the connection down once. reason is nil for a normal closure.
func (c *Conn) Close(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		close(c.done)
		_ = c.transport.Close()
		if reason != nil {
			c.log.Warn().Err(reason).Msg("connection closed")
		} else {
			c.log.Debug().Msg("connection closed")
		}
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.transport.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close(err)
				return
			}
		}
	}
}
