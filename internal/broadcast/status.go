package broadcast

import (
	"time"

	"github.com/triplink/tripcast/internal/optimizer"
	"github.com/triplink/tripcast/internal/queue"
	"github.com/triplink/tripcast/internal/registry"
)

// Status is the connection-count snapshot exposed to collaborators.
type Status struct {
	TotalConnections int         `json:"total_connections"`
	ActiveSessions   int         `json:"active_sessions"`
	Queue            queue.Stats `json:"message_queues"`
	Timestamp        time.Time   `json:"timestamp"`
}

// PerformanceReport combines connection quality aggregates with queue
// diagnostics and tuning recommendations.
type PerformanceReport struct {
	Overall         optimizer.Overall      `json:"overall_performance"`
	Distribution    optimizer.Distribution `json:"quality_distribution"`
	MessageQueues   queue.Stats            `json:"message_queues"`
	Recommendations []string               `json:"recommendations"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Status reports current connection and backlog counts. Reads component
// snapshots directly; no actor round trip.
func (b *Broadcaster) Status() Status {
	return Status{
		TotalConnections: b.registry.TotalConnections(),
		ActiveSessions:   b.registry.ActiveSessions(),
		Queue:            b.backlog.Stats(),
		Timestamp:        b.clock.Now(),
	}
}

// SessionParticipants lists the members of one session room.
func (b *Broadcaster) SessionParticipants(sessionID int64) []registry.Participant {
	return b.registry.SessionParticipants(sessionID)
}

// SessionCount reports the number of connections in a session room.
func (b *Broadcaster) SessionCount(sessionID int64) int {
	return b.registry.SessionCount(sessionID)
}

// UserCount reports the number of connections a user holds.
func (b *Broadcaster) UserCount(userID int64) int {
	return b.registry.UserCount(userID)
}

// PerformanceReport builds the full delivery health report.
func (b *Broadcaster) PerformanceReport() PerformanceReport {
	report := b.policy.Report()
	return PerformanceReport{
		Overall:         report.Overall,
		Distribution:    report.Distribution,
		MessageQueues:   b.backlog.Stats(),
		Recommendations: report.Recommendations,
		Timestamp:       b.clock.Now(),
	}
}
