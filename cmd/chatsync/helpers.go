package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/firestoreremote"
	"github.com/LuminPulse-AI/chatsync/pebblestore"
)

// runtime is everything a command needs to drive the engine.
type runtime struct {
	cfg     *Config
	logger  zerolog.Logger
	engine  *chatsync.Engine
	monitor *chatsync.Monitor
	store   chatsync.LocalStore
	metrics *http.Server
	closers []func() error
}

// openRuntime builds the engine from the runtime configuration. Nothing talks
// to the network until engine.Start.
func openRuntime(ctx context.Context, opts ...chatsync.EngineOption) (*runtime, error) {
	cfg, d, err := loadRuntimeConfig()
	if err != nil {
		return nil, err
	}
	logger := chatsync.NewLogger(chatsync.LogConfig{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	rt := &runtime{cfg: cfg, logger: logger}

	switch cfg.Store.Driver {
	case "memory":
		rt.store = chatsync.NewMemoryStore()
	default:
		st, err := pebblestore.Open(cfg.Store.Path, pebblestore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		rt.store = st
	}
	rt.closers = append(rt.closers, rt.store.Close)

	var probe chatsync.Probe
	if addr := probeAddr(cfg); addr != "" {
		probe = chatsync.DialProbe(addr, d.ProbeTimeout)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chatsync.NewMetrics(registry)

	rt.monitor = chatsync.NewMonitor(probe,
		chatsync.WithProbeInterval(d.ProbeInterval),
		chatsync.WithMonitorLogger(logger),
		chatsync.WithMonitorMetrics(metrics),
	)

	var remote chatsync.Remote
	switch cfg.Remote.Backend {
	case "firestore":
		var fopts []firestoreremote.Option
		fopts = append(fopts, firestoreremote.WithLogger(logger))
		if cfg.Remote.Database != "" {
			fopts = append(fopts, firestoreremote.WithDatabase(cfg.Remote.Database))
		}
		if cfg.Remote.CredentialsFile != "" {
			fopts = append(fopts, firestoreremote.WithCredentialsFile(cfg.Remote.CredentialsFile))
		}
		fr, err := firestoreremote.New(ctx, cfg.Remote.Project, fopts...)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, fr.Close)
		remote = fr
	default:
		client := chatsync.NewClient(cfg.Remote.BaseURL, cfg.User.Token,
			chatsync.WithLinkMonitor(rt.monitor),
			chatsync.WithClientLogger(logger),
		)
		rt.closers = append(rt.closers, client.Close)
		remote = client
	}

	var notifier chatsync.Notifier = chatsync.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		wh := chatsync.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, chatsync.WithWebhookLogger(logger))
		rt.closers = append(rt.closers, wh.Close)
		notifier = chatsync.MultiNotifier{notifier, wh}
	}

	engineOpts := []chatsync.EngineOption{
		chatsync.WithLogger(logger),
		chatsync.WithMetrics(metrics),
		chatsync.WithEngineNotifier(notifier),
		chatsync.WithQueueOptions(
			chatsync.WithBackoff(d.RetryBase, d.RetryMax),
			chatsync.WithMaxAttempts(cfg.Delivery.MaxAttempts),
			chatsync.WithWriteTimeout(d.WriteTimeout),
		),
		chatsync.WithReconcilerOptions(
			chatsync.WithRefreshLimit(cfg.Sync.RefreshLimit),
			chatsync.WithRefreshInterval(d.RefreshMinInterval),
		),
	}
	rt.engine = chatsync.NewEngine(rt.store, remote, rt.monitor, append(engineOpts, opts...)...)

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		rt.metrics = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.Metrics.Listen).Msg("metrics server")
			}
		}()
	}
	return rt, nil
}

// start signs the configured user in.
func (rt *runtime) start(ctx context.Context) error {
	if rt.cfg.User.ID == "" {
		return fmt.Errorf("no user configured. Run 'chatsync init <user-id> <base-url>' first")
	}
	return rt.engine.Start(ctx, rt.cfg.User.ID)
}

// Close stops the engine and releases everything openRuntime acquired.
func (rt *runtime) Close() {
	if rt.engine != nil {
		rt.engine.Stop()
	}
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rt.metrics.Shutdown(ctx)
		cancel()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn().Err(err).Msg("close")
		}
	}
}

// mustRuntime is openRuntime for commands that cannot proceed without it.
func mustRuntime(ctx context.Context, opts ...chatsync.EngineOption) *runtime {
	rt, err := openRuntime(ctx, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	return rt
}

// probeAddr is connectivity.probe_addr, or the host of the HTTP backend.
func probeAddr(cfg *Config) string {
	if cfg.Connectivity.ProbeAddr != "" {
		return cfg.Connectivity.ProbeAddr
	}
	if cfg.Remote.Backend != "http" || cfg.Remote.BaseURL == "" {
		return ""
	}
	u, err := url.Parse(cfg.Remote.BaseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// waitDelivered polls until the message leaves the local-only phase or
// timeout elapses.
func waitDelivered(ctx context.Context, engine *chatsync.Engine, id string, timeout time.Duration) (*chatsync.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		m, err := engine.Message(context.Background(), id)
		if err != nil {
			return nil, err
		}
		if !m.IsLocalOnly() {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return m, nil
		case <-ticker.C:
		}
	}
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
