package broadcast

import (
	"log/slog"

	"github.com/triplink/tripcast/internal/event"
	"github.com/triplink/tripcast/internal/metrics"
	"github.com/triplink/tripcast/internal/registry"
)

// inboundHandler processes one decoded frame from a known connection.
type inboundHandler func(b *Broadcaster, c inboundContext)

type inboundContext struct {
	in   event.Inbound
	conn *registry.Connection
}

// dispatchTable maps inbound type tags to handlers. Unknown tags are a
// diagnostic no-op, not an error.
var dispatchTable = map[string]inboundHandler{
	event.TypePing:            (*Broadcaster).handlePing,
	event.ClassFeedbackUpdate: (*Broadcaster).handleFeedbackUpdate,
	event.ClassStatusChange:   (*Broadcaster).handleStatusChange,
	event.ClassAdminDecision:  (*Broadcaster).handleAdminDecision,
}

func (b *Broadcaster) handleInbound(c inboundCmd) {
	conn, ok := b.registry.Get(c.connID)
	if !ok {
		// Frame raced a disconnect; nothing to answer.
		return
	}

	in, err := event.Decode(c.raw)
	if err != nil {
		slog.Debug("Malformed inbound frame", "connection_id", c.connID.String(), "error", err)
		errEnv := event.Error{
			Envelope: event.NewEnvelope(event.TypeError, b.clock.Now()),
			Message:  "invalid message format",
		}
		if data, encErr := event.Encode(errEnv); encErr == nil {
			b.deliver(conn, "", data)
		}
		return
	}

	handler, ok := dispatchTable[in.Type]
	if !ok {
		metrics.UnknownInboundTotal.Inc()
		slog.Warn("Unknown inbound message type", "type", in.Type, "connection_id", c.connID.String())
		return
	}

	handler(b, inboundContext{in: in, conn: conn})
}

func (b *Broadcaster) handlePing(c inboundContext) {
	pong := event.Pong{Envelope: event.NewEnvelope(event.TypePong, b.clock.Now())}
	if data, err := event.Encode(pong); err == nil {
		b.deliver(c.conn, "", data)
	}
}

// Rebroadcast handlers use the registered session and user as
// authoritative over whatever the frame claims.

func (b *Broadcaster) handleFeedbackUpdate(c inboundContext) {
	env := event.FeedbackReceived{
		Envelope: event.NewEnvelope(event.TypeFeedbackReceived, b.clock.Now()),
		UserID:   c.conn.UserID(),
		Feedback: c.in.Feedback,
	}
	data, err := event.Encode(env)
	if err != nil {
		slog.Error("Failed to encode feedback_received", "error", err)
		return
	}
	b.route(c.conn.SessionID(), c.conn.UserID(), event.ClassFeedbackUpdate, data, 0)
}

func (b *Broadcaster) handleStatusChange(c inboundContext) {
	env := event.StatusUpdated{
		Envelope:   event.NewEnvelope(event.TypeStatusUpdated, b.clock.Now()),
		ActivityID: c.in.ActivityID,
		NewStatus:  c.in.NewStatus,
		UserID:     c.conn.UserID(),
	}
	data, err := event.Encode(env)
	if err != nil {
		slog.Error("Failed to encode activity_status_updated", "error", err)
		return
	}
	b.route(c.conn.SessionID(), c.conn.UserID(), event.ClassStatusChange, data, 0)
}

func (b *Broadcaster) handleAdminDecision(c inboundContext) {
	env := event.AdminDecisionMade{
		Envelope:     event.NewEnvelope(event.TypeAdminDecisionMade, b.clock.Now()),
		DecisionType: c.in.DecisionType,
		Decision:     c.in.Decision,
		AdminUserID:  c.conn.UserID(),
	}
	data, err := event.Encode(env)
	if err != nil {
		slog.Error("Failed to encode admin_decision_made", "error", err)
		return
	}
	b.route(c.conn.SessionID(), c.conn.UserID(), event.ClassAdminDecision, data, 0)
}
