package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client to server.
	TypeQuery     MessageType = "query"
	TypePing      MessageType = "ping"
	TypeHeartbeat MessageType = "heartbeat"
	TypeCancel    MessageType = "cancel"

	// Sequenced server notifications.
	TypeAck                 MessageType = "ack"
	TypeResponse            MessageType = "response"
	TypeProcessingCancelled MessageType = "processing_cancelled"
	TypeSuggestionsUpdate   MessageType = "suggestions_update"
	TypeNotice              MessageType = "notice"

	// Unsequenced control frames.
	TypeConnectionAck MessageType = "connection_ack"
	TypePong          MessageType = "pong"
	TypeErrorEvent    MessageType = "error_event"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrEmptyQuery      = errors.New("query has neither text nor data")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientQuery is a user request routed to the agent pipeline.
type ClientQuery struct {
	Type       MessageType     `json:"type"`
	Query      string          `json:"query"`
	UserID     string          `json:"user_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ForceAgent string          `json:"force_agent,omitempty"`
	Timestamp  float64         `json:"timestamp,omitempty"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
}

type ClientCancel struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// ParseClientMessage decodes one inbound frame into ClientQuery, ClientPing or
// ClientCancel. Frames without a type but with a query are treated as queries.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeQuery, "":
		var msg ClientQuery
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Type = TypeQuery
		msg.Query = strings.TrimSpace(msg.Query)
		if isSystemWord(msg.Query) {
			return ClientPing{Type: TypePing}, nil
		}
		if msg.Query == "" && !hasData(msg.Data) {
			if env.Type == "" {
				return nil, ErrUnsupportedType
			}
			return nil, ErrEmptyQuery
		}
		return msg, nil
	case TypePing, TypeHeartbeat:
		return ClientPing{Type: env.Type}, nil
	case TypeCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// Clients occasionally send keepalives as a bare query string.
func isSystemWord(q string) bool {
	switch strings.ToLower(q) {
	case "ping", "heartbeat", "heartbeat_ack", "pong":
		return true
	}
	return false
}

func hasData(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "{}" && s != "[]"
}

// Payload is implemented only by the notification variants in this package.
type Payload interface {
	Kind() MessageType
	isPayload()
}

type Ack struct {
	Message     string `json:"message"`
	TaskID      string `json:"task_id,omitempty"`
	ReplacesSeq uint64 `json:"replaces_seq,omitempty"`
}

type Response struct {
	TaskID            string            `json:"task_id,omitempty"`
	Response          string            `json:"response"`
	FormattedResponse string            `json:"formatted_response,omitempty"`
	Agent             string            `json:"agent,omitempty"`
	ActionSuggestions map[string]any    `json:"action_suggestions,omitempty"`
	Error             bool              `json:"error,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type ProcessingCancelled struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

type SuggestionsUpdate struct {
	TaskID            string         `json:"task_id,omitempty"`
	ActionSuggestions map[string]any `json:"action_suggestions"`
}

type Notice struct {
	Message           string         `json:"message"`
	Source            string         `json:"source,omitempty"`
	ActionSuggestions map[string]any `json:"action_suggestions,omitempty"`
}

func (Ack) Kind() MessageType                 { return TypeAck }
func (Response) Kind() MessageType            { return TypeResponse }
func (ProcessingCancelled) Kind() MessageType { return TypeProcessingCancelled }
func (SuggestionsUpdate) Kind() MessageType   { return TypeSuggestionsUpdate }
func (Notice) Kind() MessageType              { return TypeNotice }

func (Ack) isPayload()                 {}
func (Response) isPayload()            {}
func (ProcessingCancelled) isPayload() {}
func (SuggestionsUpdate) isPayload()   {}
func (Notice) isPayload()              {}

// Notification is one sequenced server message. Seq is assigned by the
// broadcaster and strictly increases per session.
type Notification struct {
	SessionID string
	Seq       uint64
	Timestamp time.Time
	Payload   Payload
}

func (n Notification) Kind() MessageType {
	if n.Payload == nil {
		return ""
	}
	return n.Payload.Kind()
}

// Retires reports whether delivering n ends the life of the session's
// outstanding ack. A suggestions update only does so when it is a task's
// final outcome.
func (n Notification) Retires() bool {
	switch p := n.Payload.(type) {
	case Response, ProcessingCancelled:
		return true
	case SuggestionsUpdate:
		return p.TaskID != ""
	}
	return false
}

type header struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Seq       uint64      `json:"seq"`
	Timestamp float64     `json:"timestamp"`
}

// MarshalJSON renders the notification as a flat object: the header fields
// followed by the payload's fields.
func (n Notification) MarshalJSON() ([]byte, error) {
	if n.Payload == nil {
		return nil, errors.New("notification without payload")
	}
	fields := make(map[string]json.RawMessage)
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	head, err := json.Marshal(header{
		Type:      n.Payload.Kind(),
		SessionID: n.SessionID,
		Seq:       n.Seq,
		Timestamp: unixSeconds(n.Timestamp),
	})
	if err != nil {
		return nil, err
	}
	var headFields map[string]json.RawMessage
	if err := json.Unmarshal(head, &headFields); err != nil {
		return nil, err
	}
	for k, v := range headFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// DecodeNotification is the inverse of Notification.MarshalJSON.
func DecodeNotification(raw []byte) (Notification, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Notification{}, fmt.Errorf("invalid notification: %w", err)
	}
	var (
		p   Payload
		err error
	)
	switch h.Type {
	case TypeAck:
		p, err = decodePayload[Ack](raw)
	case TypeResponse:
		p, err = decodePayload[Response](raw)
	case TypeProcessingCancelled:
		p, err = decodePayload[ProcessingCancelled](raw)
	case TypeSuggestionsUpdate:
		p, err = decodePayload[SuggestionsUpdate](raw)
	case TypeNotice:
		p, err = decodePayload[Notice](raw)
	default:
		return Notification{}, ErrUnsupportedType
	}
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		SessionID: h.SessionID,
		Seq:       h.Seq,
		Timestamp: fromUnixSeconds(h.Timestamp),
		Payload:   p,
	}, nil
}

func decodePayload[T Payload](raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type ConnectionAck struct {
	Type         MessageType `json:"type"`
	Message      string      `json:"message"`
	SessionID    string      `json:"session_id"`
	TenantID     string      `json:"tenant_id,omitempty"`
	ConnectionID string      `json:"connection_id"`
	Timestamp    float64     `json:"timestamp"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewConnectionAck(sessionID, tenantID, connID string, now time.Time) ConnectionAck {
	return ConnectionAck{
		Type:         TypeConnectionAck,
		Message:      "Connected successfully",
		SessionID:    sessionID,
		TenantID:     tenantID,
		ConnectionID: connID,
		Timestamp:    unixSeconds(now),
	}
}

func NewPong(now time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: unixSeconds(now)}
}

func NewErrorEvent(sessionID, code, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{
		Type:      TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
	}
}

// AckMessage builds the human readable ack text for a query.
func AckMessage(query string) string {
	display := strings.TrimSpace(query)
	if display == "" {
		display = "[Structured Data]"
	}
	if r := []rune(display); len(r) > 50 {
		display = string(r[:50])
	}
	return "Processing request: " + display + "..."
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v float64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
