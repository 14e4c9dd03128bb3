// Package server assembles the gatekeeper service: policy store, hash-chained
// ledger, approval tracking, the action state machine, and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tymefrontier/gatekeeper/internal/action"
	"github.com/tymefrontier/gatekeeper/internal/api"
	"github.com/tymefrontier/gatekeeper/internal/approvals"
	"github.com/tymefrontier/gatekeeper/internal/auth"
	"github.com/tymefrontier/gatekeeper/internal/config"
	"github.com/tymefrontier/gatekeeper/internal/events"
	"github.com/tymefrontier/gatekeeper/internal/executor"
	"github.com/tymefrontier/gatekeeper/internal/ledger"
	"github.com/tymefrontier/gatekeeper/internal/metrics"
	"github.com/tymefrontier/gatekeeper/internal/policy"
)

type Server struct {
	httpServer *http.Server
	httpLn     net.Listener

	cfg      *config.Config
	log      *slog.Logger
	ledger   *ledger.Ledger
	mirror   *ledger.Mirror
	policies *policy.Store
	manager  *action.Manager
	watch    bool
}

func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	policyPath, err := policy.ResolveDocumentPath(cfg.Policies.Dir, cfg.Policies.Default)
	if err != nil {
		return nil, err
	}
	policies, err := policy.OpenStore(policyPath, cfg.Policies.ManifestPath, log)
	if err != nil {
		return nil, err
	}

	collector := metrics.New()
	broker := events.NewBroker()

	var mirror *ledger.Mirror
	if cfg.Ledger.Mirror.Enabled {
		mirror, err = ledger.NewMirror(cfg.Ledger.Mirror.Path, cfg.Ledger.Mirror.MaxSizeMB, cfg.Ledger.Mirror.MaxBackups)
		if err != nil {
			return nil, err
		}
	}

	var key []byte
	if cfg.Ledger.Hash.Algorithm == "hmac-sha256" {
		key, err = ledger.LoadKey(cfg.Ledger.Hash.KeyFile, cfg.Ledger.Hash.KeyEnv)
		if err != nil {
			return nil, err
		}
	}
	led, err := ledger.Open(cfg.Ledger.SQLitePath, ledger.Options{
		Algorithm: cfg.Ledger.Hash.Algorithm,
		Key:       key,
		Mirror:    mirror,
		Publish:   metrics.InstrumentPublish(broker.Publish, collector),
		OnError:   func(error) { collector.IncAppendFail() },
	})
	if err != nil {
		if mirror != nil {
			_ = mirror.Close()
		}
		return nil, err
	}

	// A chain that fails verification at startup must halt appends before
	// any new work is accepted.
	if ok, badSeq, verr := led.VerifyChain(context.Background()); verr != nil {
		_ = led.Close()
		return nil, verr
	} else if !ok {
		log.Error("ledger chain verification failed", "bad_seq", badSeq)
	}

	var exec action.Executor
	execTimeout, err := time.ParseDuration(cfg.Executor.Timeout)
	if err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("parse executor.timeout: %w", err)
	}
	if cfg.Executor.URL != "" {
		wh, err := executor.NewWebhook(cfg.Executor.URL, execTimeout, cfg.Executor.Headers)
		if err != nil {
			_ = led.Close()
			return nil, err
		}
		exec = wh
	}

	gateTimeout, err := time.ParseDuration(cfg.Approvals.DefaultTimeout)
	if err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("parse approvals.default_timeout: %w", err)
	}
	sweepInterval, err := time.ParseDuration(cfg.Approvals.SweepInterval)
	if err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("parse approvals.sweep_interval: %w", err)
	}
	manager := action.NewManager(policies, approvals.New(), led, exec, action.Config{
		DefaultGateTimeout: gateTimeout,
		SweepInterval:      sweepInterval,
		ExecTimeout:        execTimeout,
		MaxPendingPerAgent: cfg.Approvals.MaxPendingPerAgent,
		Logger:             log,
	})

	var apiKeyAuth *auth.APIKeyAuth
	if cfg.Auth.Type == "api_key" {
		apiKeyAuth, err = auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			_ = led.Close()
			return nil, err
		}
	}

	app := api.NewApp(cfg, manager, policies, led, broker, collector, apiKeyAuth, log)

	readTimeout, err := time.ParseDuration(cfg.Server.HTTP.ReadTimeout)
	if err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("parse server.http.read_timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.Server.HTTP.WriteTimeout)
	if err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("parse server.http.write_timeout: %w", err)
	}

	srv := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTP.Addr,
			Handler:           app.Router(),
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
		},
		cfg:      cfg,
		log:      log,
		ledger:   led,
		mirror:   mirror,
		policies: policies,
		manager:  manager,
		watch:    cfg.Policies.Watch,
	}

	ln, err := net.Listen("tcp", cfg.Server.HTTP.Addr)
	if err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.HTTP.Addr, err)
	}
	srv.httpLn = ln
	return srv, nil
}

// Addr returns the bound HTTP address.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := s.manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("gate sweeper stopped", "error", err)
		}
	}()
	if s.watch {
		go func() {
			if err := s.policies.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	s.log.Info("gatekeeper listening", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
}

func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.ledger != nil {
		_ = s.ledger.Close()
	}
	if s.mirror != nil {
		_ = s.mirror.Close()
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid logging.level %q", cfg.Level)
	}

	out := os.Stderr
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), nil
}
