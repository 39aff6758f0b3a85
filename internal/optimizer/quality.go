package optimizer

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/triplink/tripcast/internal/metrics"
)

// Quality is the running health record for one connection. Counters
// only ever grow; the derived score stays in [0, 1].
type Quality struct {
	ConnectionID    uuid.UUID `json:"connection_id"`
	UserID          int64     `json:"user_id"`
	SessionID       int64     `json:"session_id"`
	ConnectedAt     time.Time `json:"connected_at"`
	MessagesSent    int64     `json:"messages_sent"`
	MessagesFailed  int64     `json:"messages_failed"`
	AvgResponseMs   float64   `json:"avg_response_time_ms"`
	Score           float64   `json:"quality_score"`
}

// MessageMetrics is the one-shot telemetry record per delivery attempt.
type MessageMetrics struct {
	ConnectionID uuid.UUID     `json:"connection_id"`
	Class        string        `json:"message_type"`
	SizeBytes    int           `json:"size_bytes"`
	SentAt       time.Time     `json:"sent_at"`
	Elapsed      time.Duration `json:"elapsed"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
}

// Action types returned by Evaluate, ordered by severity.
const (
	ActionNone            = "none"
	ActionMonitor         = "monitor"
	ActionReduceFrequency = "reduce_frequency"
	ActionDisconnect      = "disconnect"
)

// Action is the recommended response to a connection's current score.
type Action struct {
	Type              string        `json:"action"`
	Reason            string        `json:"reason"`
	Score             float64       `json:"quality_score"`
	SuggestedInterval time.Duration `json:"suggested_interval,omitempty"`
}

// Track starts quality monitoring for a freshly registered connection.
// A new connection scores a perfect 1.0 until deliveries say otherwise.
func (o *Optimizer) Track(connID uuid.UUID, userID, sessionID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.quality[connID] = &Quality{
		ConnectionID: connID,
		UserID:       userID,
		SessionID:    sessionID,
		ConnectedAt:  o.clock.Now(),
		Score:        1.0,
	}
}

// Forget discards the quality record when a connection goes away.
func (o *Optimizer) Forget(connID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.quality, connID)
}

// RecordDelivery folds one delivery attempt into the connection's
// quality record and the telemetry ring. elapsed is the measured write
// round trip; err marks a transport failure.
func (o *Optimizer) RecordDelivery(connID uuid.UUID, class string, size int, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	record := MessageMetrics{
		ConnectionID: connID,
		Class:        class,
		SizeBytes:    size,
		SentAt:       o.clock.Now(),
		Elapsed:      elapsed,
		Success:      err == nil,
	}
	if err != nil {
		record.Error = err.Error()
	}
	o.recordHistory(record)

	if class == "" {
		class = "control"
	}
	if err == nil {
		metrics.MessagesSentTotal.WithLabelValues(class).Inc()
	} else {
		metrics.MessagesFailedTotal.WithLabelValues(class).Inc()
	}

	q, ok := o.quality[connID]
	if !ok {
		return
	}

	if err == nil {
		q.MessagesSent++
		elapsedMs := float64(elapsed) / float64(time.Millisecond)
		total := q.AvgResponseMs*float64(q.MessagesSent-1) + elapsedMs
		q.AvgResponseMs = total / float64(q.MessagesSent)
	} else {
		q.MessagesFailed++
	}

	total := q.MessagesSent + q.MessagesFailed
	successRate := float64(q.MessagesSent) / float64(total)
	responseFactor := 1.0 - q.AvgResponseMs/1000
	if responseFactor < 0.1 {
		responseFactor = 0.1
	}
	q.Score = successRate * responseFactor

	metrics.QualityScore.Observe(q.Score)
}

// QualityFor returns a copy of a connection's quality record.
func (o *Optimizer) QualityFor(connID uuid.UUID) (Quality, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.quality[connID]
	if !ok {
		return Quality{}, false
	}
	return *q, true
}

// Evaluate maps a connection's score to a recommended action. Unknown
// connections recommend nothing.
func (o *Optimizer) Evaluate(connID uuid.UUID) Action {
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.quality[connID]
	if !ok {
		return Action{Type: ActionNone, Reason: "connection_not_tracked"}
	}

	t := o.policy.Quality
	switch {
	case q.Score < t.DisconnectBelow:
		return Action{Type: ActionDisconnect, Reason: "critical_quality", Score: q.Score}
	case q.Score < t.ReduceBelow:
		suggested := time.Duration(q.AvgResponseMs*2) * time.Millisecond
		return Action{Type: ActionReduceFrequency, Reason: "poor_quality", Score: q.Score, SuggestedInterval: suggested}
	case q.Score < t.MonitorBelow:
		return Action{Type: ActionMonitor, Reason: "degrading_quality", Score: q.Score}
	default:
		return Action{Type: ActionNone, Reason: "quality_good", Score: q.Score}
	}
}

// EvaluateAll snapshots the recommended action for every tracked
// connection. Used by the periodic quality sweep.
func (o *Optimizer) EvaluateAll() map[uuid.UUID]Action {
	o.mu.Lock()
	tracked := make([]uuid.UUID, 0, len(o.quality))
	for connID := range o.quality {
		tracked = append(tracked, connID)
	}
	o.mu.Unlock()

	actions := make(map[uuid.UUID]Action, len(tracked))
	for _, connID := range tracked {
		actions[connID] = o.Evaluate(connID)
	}
	return actions
}

// CleanupStale drops quality records whose connection predates
// now minus maxAge, returning the count removed. Long-lived processes call
// this periodically so the metrics map cannot grow without bound.
func (o *Optimizer) CleanupStale(maxAge time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.clock.Now().Add(-maxAge)
	removed := 0
	for connID, q := range o.quality {
		if q.ConnectedAt.Before(cutoff) {
			delete(o.quality, connID)
			removed++
		}
	}
	if removed > 0 {
		metrics.StaleRecordsCleaned.Add(float64(removed))
		slog.Info("Cleaned up stale quality records", "removed", removed)
	}
	return removed
}
