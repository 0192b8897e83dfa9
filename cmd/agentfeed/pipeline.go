package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"agentfeed/internal/config"
	"agentfeed/internal/logging"
	"agentfeed/internal/metrics"
	"agentfeed/internal/session"
	"agentfeed/internal/store"
	"agentfeed/internal/transport"
)

// pipeline is one configured coordinator plus the collaborators it owns.
type pipeline struct {
	coord   *session.Coordinator
	metrics *metrics.Pipeline
	logger  logging.Logger
	prefs   *store.Preferences
	kv      store.KV
}

type pipelineFactory func(cfg config.CoreConfig, logOut io.Writer) (*pipeline, error)

func openPipeline(cfg config.CoreConfig, logOut io.Writer) (*pipeline, error) {
	logger := logging.New(logOut, logging.ParseLevel(cfg.LogLevel()))
	var kv store.KV
	path, err := config.StateDBPath()
	if err == nil {
		kv, err = store.NewBoltKV(path)
	}
	if err != nil {
		// Another running instance holds the lock; preferences just stop
		// persisting for this run.
		logger.Warn("state db unavailable, using memory", logging.Err(err))
		kv = store.NewMemoryKV()
	}
	return newPipeline(cfg, kv, logger), nil
}

func newPipeline(cfg config.CoreConfig, kv store.KV, logger logging.Logger) *pipeline {
	m := metrics.NewPipeline()
	prefs := store.NewPreferences(kv)
	coord := session.New(session.Options{
		Headers:           transport.BasicAuth{Username: cfg.ServerUsername(), Token: cfg.ServerToken()},
		Timeout:           cfg.ServerTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		BackoffBase:       cfg.BackoffBase(),
		BackoffMax:        cfg.BackoffMax(),
		MaxRetries:        cfg.MaxRetries(),
		MaxBuffers:        cfg.MaxBuffers(),
		MaxBufferAge:      cfg.MaxBufferAge(),
		HistoryPageLimit:  cfg.HistoryPageLimit(),
		RingSize:          cfg.DiagnosticsRingSize(),
		StreamDebug:       cfg.StreamDebugEnabled(),
		Preferences:       prefs,
		Logger:            logger,
		Metrics:           m,
	})
	return &pipeline{coord: coord, metrics: m, logger: logger, prefs: prefs, kv: kv}
}

func (p *pipeline) Close() {
	p.coord.Close()
	if err := p.kv.Close(); err != nil {
		p.logger.Warn("close state db failed", logging.Err(err))
	}
}

// resolveURL picks the server url: the flag wins, then an explicitly
// configured url, then the last url that worked.
func resolveURL(flagURL string, cfg config.CoreConfig, last string) string {
	if flagURL = strings.TrimSpace(flagURL); flagURL != "" {
		return flagURL
	}
	configured := cfg.ServerURL()
	if last = strings.TrimSpace(last); last != "" && configured == config.DefaultCoreConfig().ServerURL() {
		return last
	}
	return configured
}

// connectFlags are shared by every command that talks to a server.
type connectFlags struct {
	url         string
	metricsAddr string
}

func (f *connectFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.url, "url", "", "agent server base url")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func (f connectFlags) metricsAddress(cfg config.CoreConfig) string {
	if addr := strings.TrimSpace(f.metricsAddr); addr != "" {
		return addr
	}
	return cfg.MetricsAddress()
}

// serveMetrics exposes the registry until ctx ends. An empty address
// disables it.
func serveMetrics(ctx context.Context, addr string, m *metrics.Pipeline, logger logging.Logger) error {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics listening", logging.F("addr", addr))
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
