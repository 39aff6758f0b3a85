package optimizer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/triplink/tripcast/internal/config"
	"github.com/triplink/tripcast/internal/metrics"
)

const defaultHistorySize = 10000

// Optimizer owns the delivery policy state: per-(user, class) rate
// limiters, per-connection quality records, and a bounded ring of
// delivery telemetry.
type Optimizer struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	policy config.Policy

	limiters  map[throttleKey]*rate.Limiter
	widenedTo map[int64]time.Duration

	quality map[uuid.UUID]*Quality

	history     []MessageMetrics
	historyNext int
	historyFull bool
}

type throttleKey struct {
	userID int64
	class  string
}

// New creates an optimizer with the given policy.
func New(clock clockwork.Clock, policy config.Policy) *Optimizer {
	return &Optimizer{
		clock:     clock,
		policy:    policy,
		limiters:  make(map[throttleKey]*rate.Limiter),
		widenedTo: make(map[int64]time.Duration),
		quality:   make(map[uuid.UUID]*Quality),
		history:   make([]MessageMetrics, defaultHistorySize),
	}
}

// ShouldThrottle reports whether a message of the given class to the
// given user falls inside the class's minimum send interval. Classes
// without a configured limit are never throttled; neither are
// control-plane messages (empty class).
func (o *Optimizer) ShouldThrottle(userID int64, class string) bool {
	if class == "" {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	limit, ok := o.policy.Throttle[class]
	if !ok {
		return false
	}

	interval := limit.Interval
	burst := limit.Burst
	if widened, ok := o.widenedTo[userID]; ok && widened > interval {
		interval = widened
		burst = 1
	}

	key := throttleKey{userID: userID, class: class}
	limiter, ok := o.limiters[key]
	if !ok || limiter.Burst() != burst || limiter.Limit() != rate.Every(interval) {
		limiter = rate.NewLimiter(rate.Every(interval), burst)
		o.limiters[key] = limiter
	}

	if !limiter.AllowN(o.clock.Now(), 1) {
		metrics.ThrottledTotal.WithLabelValues(class).Inc()
		return true
	}
	return false
}

// WidenThrottle slows all classes for a user down to at least the given
// interval. Applied when a user's connection quality recommends reduced
// frequency; cleared again by ResetThrottle.
func (o *Optimizer) WidenThrottle(userID int64, interval time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if current, ok := o.widenedTo[userID]; !ok || interval > current {
		o.widenedTo[userID] = interval
	}
}

// ResetThrottle restores the configured intervals for a user.
func (o *Optimizer) ResetThrottle(userID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.widenedTo, userID)
}

// ThrottleWidened reports the widened interval currently in force for a
// user, if any.
func (o *Optimizer) ThrottleWidened(userID int64) (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	interval, ok := o.widenedTo[userID]
	return interval, ok
}

// BatchWindow returns the coalescing window for a class and whether the
// class is batchable at all.
func (o *Optimizer) BatchWindow(class string) (time.Duration, bool) {
	limit, ok := o.policy.Batch[class]
	if !ok {
		return 0, false
	}
	return limit.Window, true
}

// recordHistory appends one delivery record to the telemetry ring.
// Caller holds o.mu.
func (o *Optimizer) recordHistory(m MessageMetrics) {
	o.history[o.historyNext] = m
	o.historyNext++
	if o.historyNext == len(o.history) {
		o.historyNext = 0
		o.historyFull = true
	}
}

// HistorySize reports how many delivery records the ring currently holds.
func (o *Optimizer) HistorySize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.historyFull {
		return len(o.history)
	}
	return o.historyNext
}
