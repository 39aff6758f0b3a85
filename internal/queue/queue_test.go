package queue

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(payload string) Message {
	return Message{
		Class:   "feedback_update",
		Reason:  ReasonThrottled,
		Payload: json.RawMessage(payload),
	}
}

func TestQueue_EnqueueAndDrain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(clock)

	id := q.Enqueue(1, testMessage(`{"n":1}`))
	require.NotEmpty(t, id)

	msgs := q.Drain(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, ReasonThrottled, msgs[0].Reason)
	assert.Equal(t, clock.Now(), msgs[0].EnqueuedAt)
	assert.Zero(t, msgs[0].RetryCount)

	// Drain is non-destructive.
	assert.Len(t, q.Drain(1), 1)
}

func TestQueue_DeduplicatesWithinSameTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(clock)

	first := q.Enqueue(1, testMessage(`{"n":1}`))
	second := q.Enqueue(1, testMessage(`{"n":1}`))
	assert.Equal(t, first, second)
	assert.Len(t, q.Drain(1), 1)

	// Same content on a later tick is a new message.
	clock.Advance(time.Millisecond)
	third := q.Enqueue(1, testMessage(`{"n":1}`))
	assert.NotEqual(t, first, third)
	assert.Len(t, q.Drain(1), 2)
}

func TestQueue_DistinctIDsAcrossUsersAndContent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(clock)

	a := q.Enqueue(1, testMessage(`{"n":1}`))
	b := q.Enqueue(2, testMessage(`{"n":1}`))
	c := q.Enqueue(1, testMessage(`{"n":2}`))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, q.Drain(1), 2)
	assert.Len(t, q.Drain(2), 1)
}

func TestQueue_OverflowDropsOldest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(clock, WithCapacity(3))

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, q.Enqueue(1, testMessage(fmt.Sprintf(`{"n":%d}`, i))))
	}

	msgs := q.Drain(1)
	require.Len(t, msgs, 3)
	assert.Equal(t, ids[1], msgs[0].ID, "oldest message should have been dropped")
	assert.Equal(t, ids[3], msgs[2].ID)

	// The dropped id is free again, not deduped.
	readded := q.Enqueue(1, testMessage(`{"n":0}`))
	assert.Equal(t, ids[0], readded)
}

func TestQueue_Remove(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(clock)

	id1 := q.Enqueue(1, testMessage(`{"n":1}`))
	id2 := q.Enqueue(1, testMessage(`{"n":2}`))

	assert.True(t, q.Remove(1, id1))
	assert.False(t, q.Remove(1, id1), "second removal of the same id")
	assert.False(t, q.Remove(2, id2), "wrong user")

	msgs := q.Drain(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, id2, msgs[0].ID)

	assert.True(t, q.Remove(1, id2))
	assert.Zero(t, q.Stats().TotalQueued)
	assert.Empty(t, q.UsersWithBacklog())
}

func TestQueue_MarkRetriedDropsPastCap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(clock, WithMaxRetries(2))

	id := q.Enqueue(1, testMessage(`{"n":1}`))

	assert.False(t, q.MarkRetried(1, id))
	assert.False(t, q.MarkRetried(1, id))
	assert.Equal(t, 2, q.Drain(1)[0].RetryCount)

	// Third failed attempt exceeds the cap and drops the message.
	assert.True(t, q.MarkRetried(1, id))
	assert.Empty(t, q.Drain(1))

	assert.False(t, q.MarkRetried(1, id), "unknown id is a no-op")
}

func TestQueue_Clear(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(clock)

	q.Enqueue(1, testMessage(`{"n":1}`))
	q.Enqueue(1, testMessage(`{"n":2}`))
	q.Enqueue(2, testMessage(`{"n":3}`))

	q.Clear(1)
	assert.Empty(t, q.Drain(1))
	assert.Len(t, q.Drain(2), 1)
	assert.Equal(t, 1, q.Stats().TotalQueued)

	// Clearing an empty backlog is fine.
	q.Clear(99)
}

func TestQueue_Stats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(clock, WithCapacity(10))

	assert.Equal(t, Stats{}, q.Stats())

	q.Enqueue(1, testMessage(`{"n":1}`))
	q.Enqueue(1, testMessage(`{"n":2}`))
	q.Enqueue(2, testMessage(`{"n":3}`))

	stats := q.Stats()
	assert.Equal(t, 3, stats.TotalQueued)
	assert.Equal(t, 2, stats.UsersWithBacklog)
	assert.InDelta(t, 0.15, stats.Utilization, 1e-9)

	assert.ElementsMatch(t, []int64{1, 2}, q.UsersWithBacklog())
}
