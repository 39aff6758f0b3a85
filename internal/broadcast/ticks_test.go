package broadcast

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triplink/tripcast/internal/config"
	"github.com/triplink/tripcast/internal/event"
	"github.com/triplink/tripcast/internal/optimizer"
	"github.com/triplink/tripcast/internal/queue"
	"github.com/triplink/tripcast/internal/registry"
)

// fakeSocket records writes in memory so the actor's periodic tick
// paths can run against a fake clock, without a real transport. A
// non-nil gate blocks every write until the gate is closed.
type fakeSocket struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool

	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeSocket) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeSocket) SetPongHandler(func(string) error) {}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) hasPayload(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if strings.Contains(string(w), sub) {
			return true
		}
	}
	return false
}

// newFakeClockBroadcaster builds a broadcaster on a fake clock so tests
// can drive the batch, flush, and sweep tickers deterministically.
func newFakeClockBroadcaster(t *testing.T, mutatePolicy func(*config.Policy), cfg Config) (*Broadcaster, *clockwork.FakeClock) {
	t.Helper()

	policy := config.DefaultPolicy()
	if mutatePolicy != nil {
		mutatePolicy(&policy)
	}

	clock := clockwork.NewFakeClock()
	b := New(registry.New(), optimizer.New(clock, policy), queue.New(clock), clock, cfg)
	t.Cleanup(b.Stop)

	// The actor arms its four tickers on startup; advancing before they
	// exist would let ticks slip past.
	clock.BlockUntil(4)
	return b, clock
}

// waitForDeliveries blocks until a connection's writer has completed at
// least n successful writes.
func waitForDeliveries(t *testing.T, b *Broadcaster, connID uuid.UUID, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		q, ok := b.policy.QualityFor(connID)
		return ok && q.MessagesSent >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcaster_FlushTickRedeliversBacklog(t *testing.T) {
	b, clock := newFakeClockBroadcaster(t, nil, Config{
		FlushInterval: 500 * time.Millisecond,
		SweepInterval: time.Hour,
		Conn:          registry.ConnConfig{PingInterval: time.Hour},
	})

	socket := &fakeSocket{}
	conn, err := b.Connect(socket, 42, 7, "ada")
	require.NoError(t, err)
	waitForDeliveries(t, b, conn.ID(), 1)

	b.backlog.Enqueue(7, queue.Message{
		Class:     event.ClassFeedbackUpdate,
		SessionID: 42,
		Reason:    queue.ReasonThrottled,
		Payload:   json.RawMessage(`{"type":"feedback_updated","note":"parked"}`),
	})

	clock.BlockUntil(5)
	clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(b.backlog.Drain(7)) == 0
	}, 2*time.Second, 5*time.Millisecond, "backlog should clear after the flush tick")
	require.Eventually(t, func() bool {
		return socket.hasPayload(`"note":"parked"`)
	}, 2*time.Second, 5*time.Millisecond, "parked payload should reach the socket")
}

func TestBroadcaster_FlushTickMarksRetryWhenSendRefused(t *testing.T) {
	b, clock := newFakeClockBroadcaster(t, nil, Config{
		FlushInterval: 500 * time.Millisecond,
		SweepInterval: time.Hour,
		Conn:          registry.ConnConfig{SendBuffer: 1, PingInterval: time.Hour},
	})

	gate := make(chan struct{})
	socket := &fakeSocket{gate: gate, entered: make(chan struct{}, 8)}
	t.Cleanup(func() { close(gate) })

	conn, err := b.Connect(socket, 42, 7, "ada")
	require.NoError(t, err)

	// The writer is parked inside the confirmation write; one more frame
	// fills the single-slot buffer so the flush attempt gets refused.
	<-socket.entered
	require.NoError(t, conn.Send([]byte(`{"type":"pong"}`), ""))

	b.backlog.Enqueue(7, queue.Message{
		Class:     event.ClassFeedbackUpdate,
		SessionID: 42,
		Reason:    queue.ReasonThrottled,
		Payload:   json.RawMessage(`{"n":1}`),
	})

	clock.BlockUntil(5)
	clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		msgs := b.backlog.Drain(7)
		return len(msgs) == 1 && msgs[0].RetryCount == 1
	}, 2*time.Second, 5*time.Millisecond, "refused flush should bump the retry count")
}

func TestBroadcaster_SweepEvictsCriticalConnection(t *testing.T) {
	b, clock := newFakeClockBroadcaster(t, nil, Config{
		FlushInterval: time.Hour,
		SweepInterval: 2 * time.Second,
		Conn:          registry.ConnConfig{PingInterval: time.Hour},
	})

	socket := &fakeSocket{}
	conn, err := b.Connect(socket, 42, 7, "ada")
	require.NoError(t, err)
	waitForDeliveries(t, b, conn.ID(), 1)

	// Three transport failures against one success drops the score to
	// 0.25, below the disconnect threshold.
	for i := 0; i < 3; i++ {
		b.policy.RecordDelivery(conn.ID(), event.ClassFeedbackUpdate, 10, 0, errors.New("broken pipe"))
	}

	clock.BlockUntil(5)
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		return b.SessionCount(42) == 0 && socket.isClosed()
	}, 2*time.Second, 5*time.Millisecond, "sweep should evict the critical connection")
	assert.Zero(t, b.UserCount(7))
	_, tracked := b.policy.QualityFor(conn.ID())
	assert.False(t, tracked)
}

func TestBroadcaster_SweepWidensThrottleForDegradedConnection(t *testing.T) {
	b, clock := newFakeClockBroadcaster(t, func(p *config.Policy) {
		p.Throttle[event.ClassFeedbackUpdate] = config.ClassLimit{Interval: 100 * time.Millisecond, Burst: 5}
	}, Config{
		FlushInterval: time.Hour,
		SweepInterval: 2 * time.Second,
		Conn:          registry.ConnConfig{PingInterval: time.Hour},
	})

	socket := &fakeSocket{}
	conn, err := b.Connect(socket, 42, 7, "ada")
	require.NoError(t, err)
	waitForDeliveries(t, b, conn.ID(), 1)

	// Two slow successes drag the average response time to 500ms: score
	// 0.5 recommends reduced frequency at twice the average.
	b.policy.RecordDelivery(conn.ID(), event.ClassFeedbackUpdate, 10, 750*time.Millisecond, nil)
	b.policy.RecordDelivery(conn.ID(), event.ClassFeedbackUpdate, 10, 750*time.Millisecond, nil)

	clock.BlockUntil(5)
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		widened, ok := b.policy.ThrottleWidened(7)
		return ok && widened == time.Second
	}, 2*time.Second, 5*time.Millisecond, "sweep should widen the user's throttle")

	// Widened users are down to single-message bursts.
	assert.False(t, b.policy.ShouldThrottle(7, event.ClassFeedbackUpdate))
	assert.True(t, b.policy.ShouldThrottle(7, event.ClassFeedbackUpdate))
}

func TestBroadcaster_SweepKeepsThrottleWidenedForMultiTabUser(t *testing.T) {
	b, clock := newFakeClockBroadcaster(t, func(p *config.Policy) {
		p.Throttle[event.ClassFeedbackUpdate] = config.ClassLimit{Interval: 100 * time.Millisecond, Burst: 5}
	}, Config{
		FlushInterval: time.Hour,
		SweepInterval: 2 * time.Second,
		Conn:          registry.ConnConfig{PingInterval: time.Hour},
	})

	// Same user on two tabs: one healthy connection, one degraded. The
	// healthy one must not undo the widening the degraded one earns.
	healthy := &fakeSocket{}
	healthyConn, err := b.Connect(healthy, 42, 7, "ada")
	require.NoError(t, err)
	waitForDeliveries(t, b, healthyConn.ID(), 1)

	degraded := &fakeSocket{}
	degradedConn, err := b.Connect(degraded, 42, 7, "ada")
	require.NoError(t, err)
	waitForDeliveries(t, b, degradedConn.ID(), 1)

	b.policy.RecordDelivery(degradedConn.ID(), event.ClassFeedbackUpdate, 10, 750*time.Millisecond, nil)
	b.policy.RecordDelivery(degradedConn.ID(), event.ClassFeedbackUpdate, 10, 750*time.Millisecond, nil)

	clock.BlockUntil(6)
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		widened, ok := b.policy.ThrottleWidened(7)
		return ok && widened == time.Second
	}, 2*time.Second, 5*time.Millisecond, "widening must survive the healthy sibling connection")
}

func TestBroadcaster_EvictionRequestReturnsAfterStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(registry.New(), optimizer.New(clock, config.DefaultPolicy()), queue.New(clock), clock, Config{})
	b.Stop()

	// Nobody drains the command channel once the actor has exited; fill
	// it so an unguarded send would block forever.
	for i := 0; i < commandBuffer; i++ {
		b.cmdCh <- disconnectCmd{connID: uuid.New(), reason: reasonTransportFailure}
	}

	returned := make(chan struct{})
	go func() {
		b.requestEviction(uuid.New(), reasonTransportFailure)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("eviction request blocked after shutdown")
	}
}
