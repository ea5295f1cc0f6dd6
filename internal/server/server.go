package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/reqsnipe/internal/capture"
	"github.com/funnyzak/reqsnipe/internal/clock"
	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/httpclient"
	"github.com/funnyzak/reqsnipe/internal/intercept"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/internal/replay"
	"github.com/funnyzak/reqsnipe/internal/report"
	"github.com/funnyzak/reqsnipe/internal/schedule"
	"github.com/funnyzak/reqsnipe/internal/storage"
)

const (
	shutdownTimeout = 30 * time.Second
	historyLimit    = 500
)

// Server HTTP server: the intercepting proxy plus the admin API driving one replay session
type Server struct {
	config *config.Config
	logger logger.Logger
	clock  clock.Clock

	store     storage.Store
	corpus    *capture.Store
	tap       *intercept.Tap
	proxy     *intercept.Proxy
	adapter   intercept.Interceptor
	client    *httpclient.Client
	executor  *replay.Executor
	scheduler *schedule.Scheduler

	printer  report.Reporter
	history  *report.History
	hub      *report.Hub
	reporter report.Reporter

	router  *mux.Router
	httpSrv *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// Option customizes a Server.
type Option func(*Server)

// WithClock replaces the wall clock driving the scheduler.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithStore uses st instead of opening the configured storage driver.
// The server still closes it on shutdown.
func WithStore(st storage.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithPrinter replaces the console-facing reporter.
func WithPrinter(r report.Reporter) Option {
	return func(s *Server) { s.printer = r }
}

// New creates a new server instance and restores the persisted corpus.
func New(cfg *config.Config, log logger.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.NewRealClock()
	}
	if s.printer == nil {
		s.printer = report.NewPrinter(&cfg.Output, log)
	}
	if s.store == nil {
		st, err := storage.New(&cfg.Storage, log)
		if err != nil {
			log.Error("Failed to open storage", "driver", cfg.Storage.Driver, "error", err)
			return nil, fmt.Errorf("open storage: %w", err)
		}
		s.store = st
	}

	s.history = report.NewHistory(historyLimit)
	s.hub = report.NewHub(log, 0)
	s.reporter = report.Multi{s.printer, s.history, s.hub}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.corpus = capture.NewStore(s.store, capture.Options{
		Key:          cfg.Storage.Key,
		TokenHeader:  cfg.Target.TokenHeader,
		CookieHeader: cfg.Target.CookieHeader,
	})
	s.client = httpclient.New(log, httpclient.OptionsFromConfig(&cfg.Client))

	s.tap = intercept.NewTap(intercept.TapOptions{
		TargetURL:    cfg.Target.URL,
		Method:       cfg.Target.Method,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Capturing:    cfg.Capture.EnableOnStart,
	}, s.corpus, s.reporter, log)

	upstream := s.client.Transport()
	var transport *intercept.Transport
	if cfg.Capture.Adapter == "transport" {
		transport = intercept.NewTransport(s.tap, upstream)
		upstream = transport
	}
	proxy, err := intercept.NewProxy(s.tap, upstream)
	if err != nil {
		s.release()
		log.Error("Failed to build proxy", "target", cfg.Target.URL, "error", err)
		return nil, fmt.Errorf("build proxy: %w", err)
	}
	s.proxy = proxy
	s.adapter = proxy
	if transport != nil {
		s.adapter = transport
	}

	s.executor = replay.NewExecutor(s.corpus, s.client, s.store, s.reporter, log, replay.OptionsFromConfig(&cfg.Target))
	s.scheduler = schedule.New(s.ctx, s.clock, s.corpus, s.executor, s.reporter, log)
	s.router = s.newRouter()

	restored, err := s.corpus.Restore(s.ctx)
	if err != nil {
		s.release()
		log.Error("Failed to restore corpus", "error", err)
		return nil, fmt.Errorf("restore corpus: %w", err)
	}

	log.Info("Server initialized",
		"target", cfg.Target.URL,
		"adapter", s.adapter.Name(),
		"storage", cfg.Storage.Driver,
		"restored", restored,
	)
	s.reporter.Report(report.Info(report.KindInit,
		fmt.Sprintf("ready, %d captured requests restored", restored),
		"restored", restored,
		"capturing", s.tap.Capturing(),
		"target", cfg.Target.URL,
	))
	return s, nil
}

func (s *Server) newRouter() *mux.Router {
	router := mux.NewRouter()
	s.registerAPI(router.PathPrefix(s.config.Server.AdminPath).Subrouter())
	router.PathPrefix("/").Handler(s.proxy)
	return router
}

// Router returns the HTTP handler serving the admin API and the proxy.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.config.Server.Port)
}

// Run listens on the configured port and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		s.logger.Error("Server failed to start", "addr", s.Addr(), "error", err)
		s.Shutdown()
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting HTTP server",
		"addr", ln.Addr().String(),
		"admin_path", s.config.Server.AdminPath,
		"target", s.config.Target.URL,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server...")
		s.Shutdown()
		return nil
	case err := <-errCh:
		s.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("Server stopped unexpectedly", "error", err)
		return fmt.Errorf("serve: %w", err)
	}
}

// Shutdown stops accepting requests, ends the replay session, waits for
// in-flight sends and releases storage. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.logger.Error("Server forced to shutdown", "error", err)
			}
			cancel()
		}

		s.scheduler.Stop()
		s.executor.Wait()
		s.release()

		sum := s.executor.Summary()
		s.logger.Info("Server exited", "sent", sum.Sent, "success", sum.Success, "failure", sum.Failure)
	})
}

// release closes everything New opened.
func (s *Server) release() {
	if s.client != nil {
		s.client.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close storage", "error", err)
	}
}

// Scheduler exposes the replay session, mainly for callers driving a virtual clock.
func (s *Server) Scheduler() *schedule.Scheduler {
	return s.scheduler
}

// Executor exposes the replay executor.
func (s *Server) Executor() *replay.Executor {
	return s.executor
}
