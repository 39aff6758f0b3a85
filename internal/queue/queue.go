package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/triplink/tripcast/internal/metrics"
)

const (
	// DefaultCapacity bounds each user's backlog.
	DefaultCapacity = 1000
	// DefaultMaxRetries caps redelivery attempts per message.
	DefaultMaxRetries = 3
)

// Deferred delivery reasons recorded on queued messages.
const (
	ReasonThrottled     = "throttled"
	ReasonBatchOverflow = "batch_overflow"
	ReasonOffline       = "offline"
)

// Message is one parked payload awaiting redelivery.
type Message struct {
	ID         string          `json:"message_id"`
	Class      string          `json:"class"`
	SessionID  int64           `json:"session_id"`
	Reason     string          `json:"delivery_reason"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"queue_timestamp"`
	RetryCount int             `json:"retry_count"`
}

// Queue is a thread-safe set of per-user bounded backlogs. Message ids
// are content+time hashes, so re-adding an identical message within the
// same clock tick is a no-op.
type Queue struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	capacity   int
	maxRetries int
	backlogs   map[int64][]Message
	ids        map[string]struct{}
	total      int
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity overrides the per-user backlog bound.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithMaxRetries overrides the redelivery attempt cap.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// New creates an empty queue.
func New(clock clockwork.Clock, opts ...Option) *Queue {
	q := &Queue{
		clock:      clock,
		capacity:   DefaultCapacity,
		maxRetries: DefaultMaxRetries,
		backlogs:   make(map[int64][]Message),
		ids:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue parks a message in the user's backlog and returns its id.
// A duplicate (same user, payload, and clock tick) returns the existing
// id without growing the backlog. Overflow evicts the oldest entry.
func (q *Queue) Enqueue(userID int64, msg Message) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	id := messageID(userID, now, msg)
	if _, dup := q.ids[id]; dup {
		return id
	}

	msg.ID = id
	msg.EnqueuedAt = now
	msg.RetryCount = 0

	backlog := q.backlogs[userID]
	if len(backlog) >= q.capacity {
		evicted := backlog[0]
		backlog = backlog[1:]
		delete(q.ids, evicted.ID)
		q.total--
		metrics.QueueDroppedTotal.WithLabelValues("overflow").Inc()
		slog.Debug("Backlog full, dropping oldest message", "user_id", userID, "dropped_id", evicted.ID)
	}

	q.backlogs[userID] = append(backlog, msg)
	q.ids[id] = struct{}{}
	q.total++
	metrics.QueueDepth.Set(float64(q.total))

	slog.Debug("Message queued", "user_id", userID, "message_id", id, "reason", msg.Reason)
	return id
}

// Drain returns the user's backlog oldest-first without removing it.
// Callers clear explicitly once delivery is confirmed.
func (q *Queue) Drain(userID int64) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog := q.backlogs[userID]
	out := make([]Message, len(backlog))
	copy(out, backlog)
	return out
}

// Clear removes all queued messages for a user.
func (q *Queue) Clear(userID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog, ok := q.backlogs[userID]
	if !ok {
		return
	}
	for _, msg := range backlog {
		delete(q.ids, msg.ID)
	}
	q.total -= len(backlog)
	delete(q.backlogs, userID)
	metrics.QueueDepth.Set(float64(q.total))

	slog.Info("Cleared user backlog", "user_id", userID, "messages", len(backlog))
}

// Remove drops a single message once it was flushed to a live
// connection. Returns false for unknown ids.
func (q *Queue) Remove(userID int64, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog := q.backlogs[userID]
	for i := range backlog {
		if backlog[i].ID != messageID {
			continue
		}
		q.backlogs[userID] = append(backlog[:i], backlog[i+1:]...)
		if len(q.backlogs[userID]) == 0 {
			delete(q.backlogs, userID)
		}
		delete(q.ids, messageID)
		q.total--
		metrics.QueueDepth.Set(float64(q.total))
		return true
	}
	return false
}

// MarkRetried bumps the retry count for a message. Past the retry cap
// the message is removed and reported as permanently failed (returns
// true); otherwise it stays queued for another attempt.
func (q *Queue) MarkRetried(userID int64, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog := q.backlogs[userID]
	for i := range backlog {
		if backlog[i].ID != messageID {
			continue
		}
		backlog[i].RetryCount++
		if backlog[i].RetryCount <= q.maxRetries {
			return false
		}

		q.backlogs[userID] = append(backlog[:i], backlog[i+1:]...)
		if len(q.backlogs[userID]) == 0 {
			delete(q.backlogs, userID)
		}
		delete(q.ids, messageID)
		q.total--
		metrics.QueueDepth.Set(float64(q.total))
		metrics.QueueDroppedTotal.WithLabelValues("retry_cap").Inc()
		slog.Warn("Message exceeded max retries, dropping", "user_id", userID, "message_id", messageID)
		return true
	}
	return false
}

// Stats is a diagnostic snapshot of the queue.
type Stats struct {
	TotalQueued      int     `json:"total_queued_messages"`
	UsersWithBacklog int     `json:"users_with_messages"`
	Utilization      float64 `json:"queue_utilization"`
}

// Stats reports total backlog size, users with pending messages, and
// utilization relative to the combined capacity of active backlogs.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	users := len(q.backlogs)
	utilization := 0.0
	if users > 0 {
		utilization = float64(q.total) / float64(users*q.capacity)
	}
	return Stats{
		TotalQueued:      q.total,
		UsersWithBacklog: users,
		Utilization:      utilization,
	}
}

// UsersWithBacklog lists users that currently have parked messages.
func (q *Queue) UsersWithBacklog() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	users := make([]int64, 0, len(q.backlogs))
	for userID := range q.backlogs {
		users = append(users, userID)
	}
	return users
}

// messageID hashes user, enqueue tick, and content so identical re-adds
// within one tick dedupe to the same id.
func messageID(userID int64, now time.Time, msg Message) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d_%d_%s_%s_", userID, now.UnixMilli(), msg.Class, msg.Reason)
	h.Write(msg.Payload)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
