package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueFixture struct {
	owner   *Owner
	store   *MemoryStore
	remote  *fakeRemote
	monitor *Monitor
	clock   *fakeClock
	queue   *DeliveryQueue
}

func newQueueFixture(t *testing.T, reachable bool, opts ...QueueOption) *queueFixture {
	t.Helper()
	f := &queueFixture{
		owner:  newTestOwner(t),
		store:  NewMemoryStore(),
		remote: newFakeRemote(),
		clock:  newFakeClock(),
	}
	f.monitor = newTestMonitor(t, reachable)
	f.queue = NewDeliveryQueue(f.owner, f.store, f.remote, f.monitor,
		append([]QueueOption{WithQueueClock(f.clock)}, opts...)...)
	return f
}

func (f *queueFixture) insert(t *testing.T, msgs ...*Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, f.store.InsertMessage(m))
	}
}

func (f *queueFixture) statusOf(t *testing.T, id string) Status {
	return mustGet(t, f.store, id).Status
}

func TestDeliveryQueueWaitsForRetryDeadline(t *testing.T) {
	f := newQueueFixture(t, false)
	f.insert(t, pendingMessage("m1", "c1", t0.Add(-time.Minute), StatusFailed, 3, t0.Add(8*time.Second)))
	require.NoError(t, f.queue.Start(context.Background()))

	f.monitor.SetReachable(true)
	require.Eventually(t, func() bool { return len(f.clock.armed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Time{t0.Add(8 * time.Second)}, f.clock.armed())

	f.clock.Advance(7 * time.Second)
	settle(t, f.owner)
	assert.Equal(t, 0, f.remote.writeCount())

	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return f.statusOf(t, "m1") == StatusSent }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.remote.writeCount())
	assert.Nil(t, mustGet(t, f.store, "m1").Delivery)

	f.clock.Advance(10 * time.Minute)
	settle(t, f.owner)
	assert.Equal(t, 1, f.remote.writeCount())
}

func TestDeliveryQueueDeliversEveryRetryCount(t *testing.T) {
	for n := 0; n <= DefaultMaxAttempts; n++ {
		t.Run(fmt.Sprintf("retry count %d", n), func(t *testing.T) {
			f := newQueueFixture(t, true)
			status := StatusFailed
			if n == 0 {
				status = StatusSending
			}
			next := time.Time{}
			if n > 0 {
				next = t0.Add(Backoff(n, DefaultRetryBase, DefaultRetryMax))
			}
			f.insert(t, pendingMessage("m1", "c1", t0, status, n, next))

			require.NoError(t, f.queue.Start(context.Background()))
			f.clock.Advance(DefaultRetryMax)

			require.Eventually(t, func() bool { return f.statusOf(t, "m1") == StatusSent }, time.Second, 5*time.Millisecond)
			assert.Equal(t, 1, f.remote.writeCount())
		})
	}
}

func TestDeliveryQueueExhaustsAttempts(t *testing.T) {
	f := newQueueFixture(t, true)
	f.remote.failWrites(errors.New("unavailable"))
	f.insert(t, pendingMessage("m1", "c1", t0, StatusSending, 0, time.Time{}))
	require.NoError(t, f.queue.Start(context.Background()))

	for i := 1; i < DefaultMaxAttempts; i++ {
		require.Eventually(t, func() bool { return len(f.clock.armed()) == 1 }, time.Second, 5*time.Millisecond, "attempt %d", i)
		m := mustGet(t, f.store, "m1")
		assert.Equal(t, StatusFailed, m.Status)
		assert.Equal(t, i, m.Delivery.RetryCount)
		assert.Equal(t, "unavailable", m.Delivery.LastError)
		f.clock.Advance(DefaultRetryMax)
	}

	require.Eventually(t, func() bool {
		m := mustGet(t, f.store, "m1")
		return m.Delivery.RetryCount == DefaultMaxAttempts
	}, time.Second, 5*time.Millisecond)
	settle(t, f.owner)
	assert.Empty(t, f.clock.armed())
	assert.Equal(t, StatusFailed, f.statusOf(t, "m1"))

	f.clock.Advance(time.Hour)
	settle(t, f.owner)
	assert.Equal(t, DefaultMaxAttempts, f.remote.writeCount())
}

func TestDeliveryQueueWriteOutcomes(t *testing.T) {
	t.Run("error marks failed and schedules backoff", func(t *testing.T) {
		f := newQueueFixture(t, true)
		f.remote.failWrites(errors.New("permission denied"))
		f.insert(t, pendingMessage("m1", "c1", t0, StatusSending, 0, time.Time{}))
		require.NoError(t, f.queue.Start(context.Background()))

		require.Eventually(t, func() bool { return f.statusOf(t, "m1") == StatusFailed }, time.Second, 5*time.Millisecond)
		m := mustGet(t, f.store, "m1")
		assert.Equal(t, 1, m.Delivery.RetryCount)
		assert.Equal(t, t0.Add(2*time.Second), m.Delivery.NextRetryAt)
		require.Eventually(t, func() bool { return len(f.clock.armed()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, t0.Add(2*time.Second), f.clock.armed()[0])
	})

	t.Run("timeout keeps sending", func(t *testing.T) {
		f := newQueueFixture(t, true, WithWriteTimeout(20*time.Millisecond))
		f.remote.onWrite(func(ctx context.Context, _ RemoteMessage) error {
			<-ctx.Done()
			return ctx.Err()
		})
		f.insert(t, pendingMessage("m1", "c1", t0, StatusSending, 0, time.Time{}))
		require.NoError(t, f.queue.Start(context.Background()))

		require.Eventually(t, func() bool {
			return mustGet(t, f.store, "m1").Delivery.RetryCount == 1
		}, time.Second, 5*time.Millisecond)
		m := mustGet(t, f.store, "m1")
		assert.Equal(t, StatusSending, m.Status)
		assert.Contains(t, m.Delivery.LastError, "deadline exceeded")
	})

	t.Run("failed row is shown as sending during an attempt", func(t *testing.T) {
		f := newQueueFixture(t, true)
		release := make(chan struct{})
		f.remote.onWrite(func(context.Context, RemoteMessage) error {
			<-release
			return nil
		})
		f.insert(t, pendingMessage("m1", "c1", t0, StatusFailed, 2, t0))
		require.NoError(t, f.queue.Start(context.Background()))

		require.Eventually(t, func() bool { return f.remote.writeCount() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, StatusSending, f.statusOf(t, "m1"))
		close(release)
		require.Eventually(t, func() bool { return f.statusOf(t, "m1") == StatusSent }, time.Second, 5*time.Millisecond)
	})

	t.Run("receipts applied on acknowledgment", func(t *testing.T) {
		f := newQueueFixture(t, true)
		require.NoError(t, f.store.SaveConversations(&Conversation{ID: "c1", ParticipantIDs: []string{"alice", "bob"}}))
		m := pendingMessage("m1", "c1", t0, StatusSending, 0, time.Time{})
		m.ReadBy = []string{"bob"}
		f.insert(t, m)
		require.NoError(t, f.queue.Start(context.Background()))

		require.Eventually(t, func() bool { return f.statusOf(t, "m1") == StatusRead }, time.Second, 5*time.Millisecond)
	})
}

func TestDeliveryQueueConnectivity(t *testing.T) {
	t.Run("nothing is written while unreachable", func(t *testing.T) {
		f := newQueueFixture(t, false)
		f.insert(t, pendingMessage("m1", "c1", t0, StatusSending, 0, time.Time{}))
		require.NoError(t, f.queue.Start(context.Background()))
		f.queue.TriggerFlush()
		settle(t, f.owner)
		assert.Equal(t, 0, f.remote.writeCount())
		assert.Empty(t, f.clock.armed())

		f.monitor.SetReachable(true)
		require.Eventually(t, func() bool { return f.statusOf(t, "m1") == StatusSent }, time.Second, 5*time.Millisecond)
	})

	t.Run("going offline cancels the timer", func(t *testing.T) {
		f := newQueueFixture(t, true)
		f.insert(t, pendingMessage("m1", "c1", t0, StatusFailed, 1, t0.Add(2*time.Second)))
		require.NoError(t, f.queue.Start(context.Background()))
		require.Len(t, f.clock.armed(), 1)

		f.monitor.SetReachable(false)
		require.Eventually(t, func() bool { return len(f.clock.armed()) == 0 }, time.Second, 5*time.Millisecond)
		f.clock.Advance(time.Minute)
		settle(t, f.owner)
		assert.Equal(t, 0, f.remote.writeCount())
	})
}

func TestDeliveryQueueStopsWhenLinkDropsMidFlush(t *testing.T) {
	f := newQueueFixture(t, true)
	f.insert(t,
		pendingMessage("m1", "c1", t0, StatusFailed, 1, t0.Add(-time.Minute)),
		pendingMessage("m2", "c1", t0.Add(time.Second), StatusFailed, 1, t0.Add(-time.Minute)),
	)
	f.remote.onWrite(func(context.Context, RemoteMessage) error {
		f.monitor.SetReachable(false)
		return nil
	})
	require.NoError(t, f.queue.Start(context.Background()))
	f.queue.TriggerFlush()

	require.Eventually(t, func() bool { return f.statusOf(t, "m1") == StatusSent }, time.Second, 5*time.Millisecond)
	settle(t, f.owner)

	writes := f.remote.written()
	require.Len(t, writes, 1)
	assert.Equal(t, "m1", writes[0].ID)
	m2 := mustGet(t, f.store, "m2")
	assert.Equal(t, StatusFailed, m2.Status)
	assert.Equal(t, 1, m2.Delivery.RetryCount)
}

func TestDeliveryQueueSerializesFlushes(t *testing.T) {
	f := newQueueFixture(t, true)
	var inflight, peak atomic.Int32
	f.remote.onWrite(func(context.Context, RemoteMessage) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return nil
	})
	require.NoError(t, f.queue.Start(context.Background()))

	f.insert(t,
		pendingMessage("m3", "c1", t0.Add(3*time.Second), StatusSending, 0, time.Time{}),
		pendingMessage("m1", "c1", t0.Add(1*time.Second), StatusSending, 0, time.Time{}),
		pendingMessage("m2", "c1", t0.Add(2*time.Second), StatusSending, 0, time.Time{}),
	)
	for i := 0; i < 5; i++ {
		f.queue.TriggerFlush()
	}

	require.Eventually(t, func() bool {
		return f.statusOf(t, "m1") == StatusSent && f.statusOf(t, "m2") == StatusSent && f.statusOf(t, "m3") == StatusSent
	}, time.Second, 5*time.Millisecond)
	settle(t, f.owner)

	writes := f.remote.written()
	require.Len(t, writes, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{writes[0].ID, writes[1].ID, writes[2].ID})
	assert.Equal(t, int32(1), peak.Load())
}

func TestDeliveryQueueReset(t *testing.T) {
	f := newQueueFixture(t, true)
	f.insert(t, pendingMessage("m1", "c1", t0, StatusFailed, 1, t0.Add(2*time.Second)))
	require.NoError(t, f.queue.Start(context.Background()))
	require.Len(t, f.clock.armed(), 1)

	require.NoError(t, f.queue.Reset(context.Background()))
	assert.Empty(t, f.clock.armed())

	f.insert(t, pendingMessage("m2", "c1", t0, StatusSending, 0, time.Time{}))
	f.queue.TriggerFlush()
	f.monitor.SetReachable(false)
	f.monitor.SetReachable(true)
	f.clock.Advance(time.Hour)
	settle(t, f.owner)
	assert.Equal(t, 0, f.remote.writeCount())
	assert.Equal(t, StatusFailed, f.statusOf(t, "m1"))
	assert.Equal(t, StatusSending, f.statusOf(t, "m2"))

	require.NoError(t, f.queue.Start(context.Background()))
	require.Eventually(t, func() bool { return f.statusOf(t, "m2") == StatusSent }, time.Second, 5*time.Millisecond)
}

func TestDeliveryQueueManualRetry(t *testing.T) {
	f := newQueueFixture(t, true)
	assert.ErrorIs(t, f.queue.Retry(context.Background(), "m1"), ErrStopped)
	require.NoError(t, f.queue.Start(context.Background()))

	f.insert(t, pendingMessage("m1", "c1", t0, StatusFailed, DefaultMaxAttempts, t0.Add(-time.Minute)))
	f.queue.TriggerFlush()
	settle(t, f.owner)
	assert.Equal(t, 0, f.remote.writeCount())

	assert.ErrorIs(t, f.queue.Retry(context.Background(), "missing"), ErrNotFound)
	require.NoError(t, f.queue.Retry(context.Background(), "m1"))
	require.Eventually(t, func() bool { return f.statusOf(t, "m1") == StatusSent }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.remote.writeCount())

	require.NoError(t, f.queue.Retry(context.Background(), "m1"))
	settle(t, f.owner)
	assert.Equal(t, 1, f.remote.writeCount())
}

func TestDeliveryQueueEnqueueRetry(t *testing.T) {
	f := newQueueFixture(t, false)
	f.insert(t, pendingMessage("m1", "c1", t0, StatusSending, 0, time.Time{}))
	require.NoError(t, f.queue.Start(context.Background()))

	require.NoError(t, f.queue.EnqueueRetry(context.Background(), "m1", false))
	m := mustGet(t, f.store, "m1")
	assert.Equal(t, StatusSending, m.Status)
	assert.Equal(t, 1, m.Delivery.RetryCount)

	require.NoError(t, f.queue.EnqueueRetry(context.Background(), "m1", true))
	m = mustGet(t, f.store, "m1")
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, 2, m.Delivery.RetryCount)
	assert.Equal(t, t0.Add(4*time.Second), m.Delivery.NextRetryAt)
}
