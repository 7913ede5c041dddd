package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mercator-hq/janus/pkg/accesslog"
	"mercator-hq/janus/pkg/config"
	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/network"
	janusruntime "mercator-hq/janus/pkg/runtime"
	"mercator-hq/janus/pkg/stats"
	"mercator-hq/janus/pkg/telemetry/health"
	"mercator-hq/janus/pkg/telemetry/logging"
	"mercator-hq/janus/pkg/telemetry/tracing"
)

// Options are the command-line settings layered over the configuration file.
// Zero values defer to the file or to built-in defaults.
type Options struct {
	Concurrency    int
	ServiceCluster string
	ServiceNode    string
	ServiceZone    string

	// LogLevel overrides the file's logging level when non-empty.
	LogLevel string

	// FileFlushInterval overrides the access log flush interval.
	FileFlushInterval time.Duration

	DrainTime          time.Duration
	ParentShutdownTime time.Duration

	// RestartEpoch is carried for hot-restart bookkeeping and logged at
	// startup.
	RestartEpoch int
}

// Server assembles the proxy from a validated configuration: the main event
// loop, the cluster manager, the workers, and the admin endpoint.
type Server struct {
	cfg  *config.Config
	opts Options

	logger *logging.Logger
	log    *slog.Logger
	store  *stats.Store
	rt     *janusruntime.Loader
	tracer *tracing.Driver

	mainLoop *event.Loop
	clusters *ClusterManager
	workers  []*worker

	sinks      []*accesslog.FileSink
	auditSinks []*accesslog.AuditSink
	audit      *accesslog.AuditStore
	pruner     *accesslog.Pruner

	admin *http.Server

	draining  atomic.Bool
	drainTime time.Duration
}

// worker is one event loop with its listeners and connection managers.
type worker struct {
	loop      *event.Loop
	listeners []*network.Listener
	managers  []*ConnectionManager
	done      chan struct{}
}

// New builds the server. The configuration must already be validated.
func New(cfg *config.Config, opts Options) (*Server, error) {
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Config{Level: level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		log:    logger.Component("server"),
		store:  stats.NewStore(prometheus.NewRegistry()),
	}
	s.drainTime = cfg.Server.DrainTime
	if opts.DrainTime > 0 {
		s.drainTime = opts.DrainTime
	}

	s.rt = janusruntime.NewLoader(cfg.Runtime.Base, logger.Component("runtime"))
	if cfg.Runtime.OverridePath != "" {
		if err := s.rt.WatchOverrides(cfg.Runtime.OverridePath); err != nil {
			s.log.Warn("runtime override watch failed", "path", cfg.Runtime.OverridePath, "error", err)
		}
	}

	s.tracer = tracing.New(&cfg.Tracing, logger.Component("tracing"))

	if cfg.Audit.Enabled {
		audit, err := accesslog.NewAuditStore(cfg.Audit.Path, logger.Component("audit"))
		if err != nil {
			s.closePartial()
			return nil, fmt.Errorf("audit store: %w", err)
		}
		s.audit = audit
		s.pruner = accesslog.NewPruner(audit, cfg.Audit.RetentionDays,
			cfg.Audit.RetentionSchedule, logger.Component("audit"))
	}

	s.mainLoop, err = event.NewLoop()
	if err != nil {
		s.closePartial()
		return nil, err
	}

	s.clusters, err = NewClusterManager(cfg.Clusters, s.store, s.rt, s.mainLoop,
		opts.ServiceZone, logger.Component("upstream"))
	if err != nil {
		s.closePartial()
		return nil, err
	}

	if err := s.buildWorkers(); err != nil {
		s.closePartial()
		return nil, err
	}

	if cfg.Admin.Address != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Admin.MetricsPath, promhttp.HandlerFor(s.store.Registry(),
			promhttp.HandlerOpts{}))
		checker := s.newChecker()
		mux.HandleFunc("/healthz", checker.LivenessHandler())
		mux.HandleFunc("/ready", checker.ReadinessHandler())
		s.admin = &http.Server{Addr: cfg.Admin.Address, Handler: mux}
	}
	return s, nil
}

func (s *Server) concurrency() int {
	n := s.cfg.Server.Concurrency
	if s.opts.Concurrency > 0 {
		n = s.opts.Concurrency
	}
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return n
}

func (s *Server) buildWorkers() error {
	routes := BuildRouteConfig(s.cfg.Routes)
	drainClose := func() bool { return s.draining.Load() }

	for i := 0; i < s.concurrency(); i++ {
		loop, err := event.NewLoop()
		if err != nil {
			return err
		}
		w := &worker{loop: loop, done: make(chan struct{})}
		view := s.clusters.NewWorkerView(loop)

		for _, lc := range s.cfg.Listeners {
			sink, err := s.buildSink(lc)
			if err != nil {
				loop.Stop()
				return err
			}
			cmCfg := ConnectionManagerConfig{
				Routes:           routes,
				UseRemoteAddress: lc.UseRemoteAddress,
				ServiceCluster:   s.opts.ServiceCluster,
				LocalZone:        s.opts.ServiceZone,
				DrainClose:       drainClose,
				Sink:             sink,
				Tracer:           s.tracer,
			}
			scope := s.store.Scope("listener." + lc.Address)
			cm := NewConnectionManager(cmCfg, loop, view, s.rt, scope,
				s.logger.Component("http"))
			w.managers = append(w.managers, cm)

			l, err := network.Listen(loop, lc.Address, 0, cm.OnAccept)
			if err != nil {
				loop.Stop()
				return fmt.Errorf("listener %s: %w", lc.Address, err)
			}
			w.listeners = append(w.listeners, l)
		}
		s.workers = append(s.workers, w)
	}
	return nil
}

// buildSink returns the listener's access log sink. Sinks are per worker so
// each runs on its own queue; they share the audit store.
func (s *Server) buildSink(lc config.ListenerConfig) (accesslog.Sink, error) {
	if lc.AccessLog.Path == "" {
		if s.audit != nil {
			sink := accesslog.NewAuditSink(s.audit, s.logger.Component("accesslog"))
			s.auditSinks = append(s.auditSinks, sink)
			return sink, nil
		}
		return accesslog.NopSink{}, nil
	}
	flush := lc.AccessLog.FlushInterval
	if s.opts.FileFlushInterval > 0 {
		flush = s.opts.FileFlushInterval
	}
	sink, err := accesslog.NewFileSink(lc.AccessLog.Path, flush,
		s.store.Scope("access_log"), s.audit, s.logger.Component("accesslog"))
	if err != nil {
		return nil, fmt.Errorf("access log %s: %w", lc.AccessLog.Path, err)
	}
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

// Run starts everything and blocks until ctx is cancelled, then drains and
// shuts down. SIGUSR1 reopens access logs for rotation.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting",
		"concurrency", s.concurrency(),
		"listeners", len(s.cfg.Listeners),
		"clusters", len(s.cfg.Clusters),
		"service_cluster", s.opts.ServiceCluster,
		"service_node", s.opts.ServiceNode,
		"restart_epoch", s.opts.RestartEpoch)

	if s.pruner != nil {
		if err := s.pruner.Start(ctx); err != nil {
			return fmt.Errorf("audit pruner: %w", err)
		}
	}

	mainDone := make(chan struct{})
	go func() {
		defer close(mainDone)
		s.mainLoop.Run()
	}()
	for _, w := range s.workers {
		go func(w *worker) {
			defer close(w.done)
			w.loop.Run()
		}(w)
	}

	if s.admin != nil {
		go func() {
			s.log.Info("admin listening", "address", s.admin.Addr)
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("admin server failed", "error", err)
			}
		}()
	}

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	for {
		select {
		case <-usr1:
			for _, sink := range s.sinks {
				sink.Reopen()
			}
			s.log.Info("access logs reopened")
		case <-ctx.Done():
			s.shutdown(mainDone)
			return nil
		}
	}
}

// shutdown drains, then tears the data path and supporting services down.
func (s *Server) shutdown(mainDone chan struct{}) {
	s.draining.Store(true)
	s.log.Info("draining", "drain_time", s.drainTime)

	// Stop accepting immediately; existing connections get connection: close
	// on their next response until the drain window ends.
	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		w.loop.Post(func() {
			defer wg.Done()
			for _, l := range w.listeners {
				l.Close()
			}
		})
	}
	wg.Wait()

	if s.drainTime > 0 {
		time.Sleep(s.drainTime)
	}

	for _, w := range s.workers {
		wg.Add(1)
		w.loop.Post(func() {
			defer wg.Done()
			for _, cm := range w.managers {
				cm.CloseConnections()
			}
		})
	}
	wg.Wait()

	for _, w := range s.workers {
		w.loop.Stop()
		<-w.done
	}
	s.mainLoop.Stop()
	<-mainDone

	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.admin.Shutdown(ctx)
		cancel()
	}
	if s.pruner != nil {
		s.pruner.Stop()
	}
	s.closePartial()
	s.log.Info("shutdown complete")
	s.logger.Close()
}

// closePartial releases whatever has been constructed so far, in reverse
// dependency order. Safe on a half-built server.
func (s *Server) closePartial() {
	for _, sink := range s.sinks {
		sink.Close()
	}
	s.sinks = nil
	for _, sink := range s.auditSinks {
		sink.Close()
	}
	s.auditSinks = nil
	if s.audit != nil {
		s.audit.Close()
		s.audit = nil
	}
	if s.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.tracer.Shutdown(ctx)
		cancel()
		s.tracer = nil
	}
	if s.rt != nil {
		s.rt.Close()
		s.rt = nil
	}
}

// newChecker wires the readiness probes the admin endpoint serves. A
// draining server reports degraded so load balancers stop sending
// traffic before the listeners close.
func (s *Server) newChecker() *health.Checker {
	checker := health.New(0)
	checker.Register("drain", func(ctx context.Context) error {
		if s.draining.Load() {
			return errors.New("draining")
		}
		return nil
	})
	checker.Register("runtime", func(ctx context.Context) error {
		if s.rt.Snapshot() == nil {
			return errors.New("no runtime snapshot")
		}
		return nil
	})
	if s.audit != nil {
		checker.Register("audit", func(ctx context.Context) error {
			_, err := s.audit.Count(ctx)
			return err
		})
	}
	return checker
}
