package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message classes subject to throttling and batching policy.
const (
	ClassFeedbackUpdate = "feedback_update"
	ClassStatusChange   = "activity_status_change"
	ClassAdminDecision  = "admin_decision"
)

// Outbound envelope types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeParticipantJoined     = "participant_joined"
	TypeParticipantLeft       = "participant_left"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeFeedbackReceived      = "feedback_received"
	TypeStatusUpdated         = "activity_status_updated"
	TypeAdminDecisionMade     = "admin_decision_made"
)

// Inbound envelope types.
const (
	TypePing = "ping"
)

// Envelope is the shared head of every outbound message.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionEstablished confirms a successful registration to the new
// connection. Control plane: never throttled.
type ConnectionEstablished struct {
	Envelope
	Message   string `json:"message"`
	UserID    int64  `json:"user_id"`
	SessionID int64  `json:"session_id"`
}

// ParticipantJoined announces a new session member.
type ParticipantJoined struct {
	Envelope
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// ParticipantLeft announces a departed session member.
type ParticipantLeft struct {
	Envelope
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Pong answers an inbound ping.
type Pong struct {
	Envelope
}

// Error is sent back to a client whose frame could not be decoded.
// The connection stays open.
type Error struct {
	Envelope
	Message string `json:"message"`
}

// FeedbackReceived rebroadcasts a feedback submission to the session.
type FeedbackReceived struct {
	Envelope
	UserID   int64           `json:"user_id"`
	Feedback json.RawMessage `json:"feedback_data"`
}

// StatusUpdated rebroadcasts an activity status change to the session.
type StatusUpdated struct {
	Envelope
	ActivityID int64  `json:"activity_id"`
	NewStatus  string `json:"new_status"`
	UserID     int64  `json:"user_id"`
}

// AdminDecisionMade rebroadcasts an admin decision to the session.
type AdminDecisionMade struct {
	Envelope
	DecisionType string          `json:"decision_type"`
	Decision     json.RawMessage `json:"decision_data"`
	AdminUserID  int64           `json:"admin_user_id"`
}

// Batch coalesces several same-class envelopes into one frame.
type Batch struct {
	Envelope
	BatchID   string            `json:"batch_id"`
	BatchSize int               `json:"batch_size"`
	Messages  []json.RawMessage `json:"messages"`
}

// BatchType derives the envelope type for a batch of the given class.
func BatchType(class string) string {
	return class + "_batch"
}

// NewEnvelope stamps a typed envelope head.
func NewEnvelope(envelopeType string, now time.Time) Envelope {
	return Envelope{Type: envelopeType, Timestamp: now}
}

// Inbound is a decoded client frame. Payload stays opaque beyond the
// fields needed for dispatch.
type Inbound struct {
	Type      string          `json:"type"`
	SessionID int64           `json:"session_id"`
	UserID    int64           `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`

	// Per-type fields lifted from the frame where dispatch needs them.
	ActivityID   int64           `json:"activity_id"`
	NewStatus    string          `json:"new_status"`
	DecisionType string          `json:"decision_type"`
	Feedback     json.RawMessage `json:"feedback_data"`
	Decision     json.RawMessage `json:"decision_data"`
}

// Decode parses a raw inbound frame. A frame without a type tag is
// treated as malformed.
func Decode(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound frame: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("decode inbound frame: missing type tag")
	}
	return in, nil
}

// Encode marshals an outbound envelope. Encoding failure is an
// application bug, not a transport signal, and never evicts.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}
