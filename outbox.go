package chatsync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Delivery defaults.
const (
	DefaultRetryBase    = 2 * time.Second
	DefaultRetryMax     = 60 * time.Second
	DefaultMaxAttempts  = 5
	DefaultWriteTimeout = 15 * time.Second
)

// QueueOption configures a DeliveryQueue.
type QueueOption func(*DeliveryQueue)

// WithBackoff overrides the retry base delay and cap.
func WithBackoff(base, maxDelay time.Duration) QueueOption {
	return func(q *DeliveryQueue) {
		q.base = base
		q.maxDelay = maxDelay
	}
}

// WithMaxAttempts overrides the number of automatic attempts.
func WithMaxAttempts(n int) QueueOption {
	return func(q *DeliveryQueue) { q.maxAttempts = n }
}

// WithWriteTimeout bounds each remote write.
func WithWriteTimeout(d time.Duration) QueueOption {
	return func(q *DeliveryQueue) { q.writeTimeout = d }
}

// WithQueueClock replaces the wall clock.
func WithQueueClock(c Clock) QueueOption {
	return func(q *DeliveryQueue) { q.clock = c }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l zerolog.Logger) QueueOption {
	return func(q *DeliveryQueue) { q.logger = l.With().Str("component", "outbox").Logger() }
}

// WithQueueMetrics records delivery metrics on m.
func WithQueueMetrics(m *Metrics) QueueOption {
	return func(q *DeliveryQueue) { q.metrics = m }
}

// DeliveryQueue drives locally stored messages to the remote store.
//
// Pending work is whatever local-only rows the store holds, so messages left
// over from a previous process are picked up the same way as new ones. A single
// timer tracks the earliest retry deadline. Flushes are serialized and only run
// while the Monitor reports the network as reachable.
type DeliveryQueue struct {
	owner   *Owner
	store   LocalStore
	writer  MessageWriter
	monitor *Monitor
	clock   Clock
	logger  zerolog.Logger
	metrics *Metrics

	base         time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	writeTimeout time.Duration

	// Owner-confined state.
	schedule        *retrySchedule
	restartEligible map[string]bool
	timer           Timer
	flushing        bool
	flushAgain      bool
	started         bool
	generation      uint64
	listener        Token
}

// NewDeliveryQueue creates a stopped queue.
func NewDeliveryQueue(owner *Owner, store LocalStore, writer MessageWriter, monitor *Monitor, opts ...QueueOption) *DeliveryQueue {
	q := &DeliveryQueue{
		owner:           owner,
		store:           store,
		writer:          writer,
		monitor:         monitor,
		clock:           SystemClock,
		logger:          zerolog.Nop(),
		base:            DefaultRetryBase,
		maxDelay:        DefaultRetryMax,
		maxAttempts:     DefaultMaxAttempts,
		writeTimeout:    DefaultWriteTimeout,
		schedule:        newRetrySchedule(),
		restartEligible: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *DeliveryQueue) backoff(retryCount int) time.Duration {
	return Backoff(retryCount, q.base, q.maxDelay)
}

// Start listens for reconnects and schedules any pending work. Messages whose
// automatic attempts were exhausted in an earlier run get one more attempt.
func (q *DeliveryQueue) Start(ctx context.Context) error {
	return q.owner.Do(ctx, func() error {
		if q.started {
			return nil
		}
		q.started = true
		q.generation++
		gen := q.generation
		q.listener = q.monitor.AddListener(func(reachable bool) {
			q.owner.Go(func() { q.onConnectivity(gen, reachable) })
		})

		pending, err := q.store.Messages(MessageQuery{LocalOnly: true})
		if err != nil {
			return err
		}
		for _, m := range pending {
			if q.exhausted(m) {
				q.restartEligible[m.ID] = true
			}
		}
		q.logger.Info().Int("pending", len(pending)).Int("exhausted", len(q.restartEligible)).Msg("delivery queue started")
		q.flush(gen)
		return nil
	})
}

// Reset cancels the timer and the connectivity listener and discards the
// results of in-flight writes. Stored messages are untouched.
func (q *DeliveryQueue) Reset(ctx context.Context) error {
	return q.owner.Do(ctx, func() error {
		if !q.started {
			return nil
		}
		q.generation++
		q.started = false
		q.stopTimer()
		q.monitor.RemoveListener(q.listener)
		q.flushing = false
		q.flushAgain = false
		q.schedule.reset()
		q.restartEligible = make(map[string]bool)
		q.logger.Info().Msg("delivery queue reset")
		return nil
	})
}

// TriggerFlush requests an immediate attempt regardless of the timer.
func (q *DeliveryQueue) TriggerFlush() {
	q.owner.Go(func() { q.flush(q.generation) })
}

// EnqueueRetry records a failed write for id.
func (q *DeliveryQueue) EnqueueRetry(ctx context.Context, id string, markFailed bool) error {
	return q.owner.Do(ctx, func() error {
		m, err := q.store.Message(id)
		if err != nil {
			return err
		}
		q.enqueueRetry(m, markFailed, "")
		return nil
	})
}

// Retry restarts automatic delivery of a local-only message, typically after
// the user taps a failed message.
func (q *DeliveryQueue) Retry(ctx context.Context, id string) error {
	return q.owner.Do(ctx, func() error {
		if !q.started {
			return ErrStopped
		}
		m, err := q.store.Message(id)
		if err != nil {
			return err
		}
		if !m.IsLocalOnly() {
			return nil
		}
		m.Delivery.RetryCount = 0
		m.Delivery.NextRetryAt = time.Time{}
		if err := q.store.SaveMessages(m); err != nil {
			return err
		}
		delete(q.restartEligible, id)
		q.logger.Info().Str("message_id", id).Msg("manual retry requested")
		q.flush(q.generation)
		return nil
	})
}

// ============================================================================
// Owner-confined internals
// ============================================================================

func (q *DeliveryQueue) exhausted(m *Message) bool {
	return m.Delivery != nil && m.Delivery.RetryCount >= q.maxAttempts
}

// rebuild reloads the schedule from the store so rows inserted by others are seen.
func (q *DeliveryQueue) rebuild() {
	pending, err := q.store.Messages(MessageQuery{LocalOnly: true})
	if err != nil {
		q.logger.Error().Err(err).Msg("load pending messages")
		return
	}
	q.schedule.reset()
	for _, m := range pending {
		if q.exhausted(m) && !q.restartEligible[m.ID] {
			continue
		}
		q.schedule.set(m.ID, m.Delivery.NextRetryAt, m.Timestamp)
	}
	q.metrics.setPending(len(pending))
}

func (q *DeliveryQueue) onConnectivity(gen uint64, reachable bool) {
	if gen != q.generation || !q.started {
		return
	}
	if reachable {
		q.flush(gen)
		return
	}
	q.stopTimer()
}

func (q *DeliveryQueue) flush(gen uint64) {
	if gen != q.generation || !q.started {
		return
	}
	if q.flushing {
		q.flushAgain = true
		return
	}
	if !q.monitor.IsReachable() {
		q.stopTimer()
		return
	}

	q.rebuild()
	ids := q.schedule.popDue(q.clock.Now())
	if len(ids) == 0 {
		q.reschedule()
		return
	}

	batch := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m, err := q.store.Message(id)
		if err != nil {
			q.logger.Warn().Err(err).Str("message_id", id).Msg("skip pending message")
			continue
		}
		if m.IsLocalOnly() {
			batch = append(batch, m)
		}
	}
	batch = SortMessages(batch, 0)
	order := make([]string, len(batch))
	for i, m := range batch {
		order[i] = m.ID
	}

	q.stopTimer()
	q.flushing = true
	q.logger.Debug().Int("due", len(order)).Msg("flush started")
	go q.deliver(gen, order)
}

// deliver runs off the owner. Each write is bracketed by owner tasks that
// begin and settle the attempt.
func (q *DeliveryQueue) deliver(gen uint64, ids []string) {
	for _, id := range ids {
		var (
			rm      RemoteMessage
			ok      bool
			offline bool
		)
		err := q.owner.Do(context.Background(), func() error {
			if gen != q.generation {
				return ErrStopped
			}
			// A row is only moved to sending when it is about to be written.
			if offline = !q.monitor.IsReachable(); offline {
				return nil
			}
			rm, ok = q.begin(id)
			return nil
		})
		if err != nil {
			return
		}
		if offline {
			break
		}
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
		werr := q.writer.UpsertMessage(ctx, rm)
		cancel()
		q.owner.Go(func() { q.settle(gen, id, werr) })
	}
	q.owner.Go(func() { q.finishFlush(gen) })
}

func (q *DeliveryQueue) begin(id string) (RemoteMessage, bool) {
	m, err := q.store.Message(id)
	if err != nil {
		return RemoteMessage{}, false
	}
	wasFailed := m.Status == StatusFailed
	if !m.beginAttempt() {
		return RemoteMessage{}, false
	}
	if wasFailed {
		if err := q.store.SaveMessages(m); err != nil {
			q.logger.Error().Err(err).Str("message_id", id).Msg("persist attempt start")
			return RemoteMessage{}, false
		}
	}
	return toRemote(m), true
}

func (q *DeliveryQueue) settle(gen uint64, id string, werr error) {
	if gen != q.generation {
		return
	}
	m, err := q.store.Message(id)
	if err != nil {
		return
	}
	if werr == nil {
		q.metrics.attempt("ok")
		if !q.acknowledge(m) {
			return
		}
		if conv, err := q.store.Conversation(m.ConversationID); err == nil {
			m.applyReceipts(conv.OtherParticipants(m.SenderID))
		}
		if err := q.store.SaveMessages(m); err != nil {
			q.logger.Error().Err(err).Str("message_id", id).Msg("persist acknowledgment")
			return
		}
		q.logger.Debug().Str("message_id", id).Msg("message delivered to remote")
		return
	}

	// A timed-out write may still have landed; keep showing it as sending.
	markFailed := !errors.Is(werr, context.DeadlineExceeded)
	q.metrics.attempt("error")
	delete(q.restartEligible, id)
	q.enqueueRetry(m, markFailed, werr.Error())
}

// acknowledge is the single place a message leaves the local-only phase. The
// caller persists m.
func (q *DeliveryQueue) acknowledge(m *Message) bool {
	if !m.markSent() {
		return false
	}
	q.schedule.remove(m.ID)
	delete(q.restartEligible, m.ID)
	return true
}

func (q *DeliveryQueue) enqueueRetry(m *Message, markFailed bool, cause string) {
	if m.Delivery != nil && m.Delivery.RetryCount+1 >= q.maxAttempts {
		markFailed = true
	}
	if !m.scheduleRetry(q.clock.Now(), q.backoff, q.maxAttempts, markFailed, cause) {
		return
	}
	if err := q.store.SaveMessages(m); err != nil {
		q.logger.Error().Err(err).Str("message_id", m.ID).Msg("persist retry state")
		return
	}

	ev := q.logger.Info()
	if q.exhausted(m) {
		q.schedule.remove(m.ID)
		ev = q.logger.Warn()
	} else {
		q.schedule.set(m.ID, m.Delivery.NextRetryAt, m.Timestamp)
	}
	ev.Str("message_id", m.ID).
		Str("status", m.Status.String()).
		Int("retry_count", m.Delivery.RetryCount).
		Time("next_retry_at", m.Delivery.NextRetryAt).
		Str("error", cause).
		Msg("delivery failed")

	if !q.flushing {
		q.reschedule()
	}
}

func (q *DeliveryQueue) finishFlush(gen uint64) {
	if gen != q.generation {
		return
	}
	q.flushing = false
	if q.flushAgain {
		q.flushAgain = false
		q.flush(gen)
		return
	}
	q.rebuild()
	q.reschedule()
}

// reschedule arms the single timer for the earliest deadline.
func (q *DeliveryQueue) reschedule() {
	q.stopTimer()
	if !q.started || !q.monitor.IsReachable() {
		return
	}
	at, ok := q.schedule.earliest()
	if !ok {
		return
	}
	delay := max(at.Sub(q.clock.Now()), 0)
	gen := q.generation
	q.timer = q.clock.AfterFunc(delay, func() {
		q.owner.Go(func() { q.flush(gen) })
	})
}

func (q *DeliveryQueue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
