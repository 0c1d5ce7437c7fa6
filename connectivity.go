package chatsync

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Probe reports whether the network is currently reachable.
type Probe func(ctx context.Context) bool

// DialProbe reports reachability by opening a TCP connection to addr.
func DialProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Token identifies a registered connectivity listener.
type Token uint64

type connectivityListener struct {
	token Token
	fn    func(reachable bool)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithProbeInterval sets how often the probe runs.
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithInitialReachability sets the state assumed before the first probe.
func WithInitialReachability(reachable bool) MonitorOption {
	return func(m *Monitor) { m.reachable.Store(reachable) }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l zerolog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l.With().Str("component", "connectivity").Logger() }
}

// WithMonitorMetrics reports reachability on m.
func WithMonitorMetrics(mt *Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// Monitor observes network reachability and notifies listeners of every
// transition. Listeners run one after another, in registration order, on a
// single control goroutine, and must not block.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   zerolog.Logger
	metrics  *Metrics

	reachable atomic.Bool

	mu        sync.Mutex
	listeners []connectivityListener
	nextToken Token

	transitionMu sync.Mutex
	events       chan bool
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	wg           sync.WaitGroup
}

// NewMonitor creates a monitor. probe may be nil when transitions are only
// reported through SetReachable.
func NewMonitor(probe Probe, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		probe:    probe,
		interval: 5 * time.Second,
		logger:   zerolog.Nop(),
		events:   make(chan bool, 16),
	}
	m.reachable.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsReachable is safe to call from any goroutine.
func (m *Monitor) IsReachable() bool {
	return m.reachable.Load()
}

// AddListener registers fn and returns the token that removes it.
func (m *Monitor) AddListener(fn func(reachable bool)) Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextToken++
	m.listeners = append(m.listeners, connectivityListener{token: m.nextToken, fn: fn})
	return m.nextToken
}

// RemoveListener deregisters the listener; unknown tokens are ignored.
func (m *Monitor) RemoveListener(token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.token == token {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Start probes once, emits the current state to every listener, and keeps
// probing until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.transitionMu.Lock()
	if m.started {
		m.transitionMu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.ctx = ctx
	m.transitionMu.Unlock()

	m.wg.Add(1)
	go m.deliverLoop(ctx)

	m.transitionMu.Lock()
	if m.probe != nil {
		m.reachable.Store(m.runProbe(ctx))
	}
	m.emit(ctx, m.reachable.Load())
	m.transitionMu.Unlock()
	m.logger.Info().Bool("reachable", m.IsReachable()).Msg("connectivity monitor started")

	if m.probe != nil {
		m.wg.Add(1)
		go m.probeLoop(ctx)
	}
}

// Stop halts probing and delivery.
func (m *Monitor) Stop() {
	m.transitionMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.started = false
	m.transitionMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// SetReachable records an externally observed state. Only changes are delivered.
func (m *Monitor) SetReachable(reachable bool) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if m.reachable.Swap(reachable) == reachable {
		return
	}
	m.logger.Info().Bool("reachable", reachable).Msg("connectivity changed")
	if m.started {
		m.emit(m.ctx, reachable)
	}
}

func (m *Monitor) emit(ctx context.Context, reachable bool) {
	select {
	case m.events <- reachable:
	case <-ctx.Done():
	}
}

func (m *Monitor) runProbe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	return m.probe(pctx)
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetReachable(m.runProbe(ctx))
		}
	}
}

func (m *Monitor) deliverLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case reachable := <-m.events:
			m.metrics.setReachable(reachable)
			m.mu.Lock()
			listeners := append([]connectivityListener(nil), m.listeners...)
			m.mu.Unlock()
			for _, l := range listeners {
				m.call(l, reachable)
			}
		}
	}
}

func (m *Monitor) call(l connectivityListener, reachable bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("panic", fmt.Sprint(r)).Uint64("token", uint64(l.token)).Msg("connectivity listener panicked")
		}
	}()
	l.fn(reachable)
}
