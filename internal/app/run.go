package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/nuetzliches/dtqueue/internal/config"
	"github.com/nuetzliches/dtqueue/internal/httpapi"
	"github.com/nuetzliches/dtqueue/internal/queue"
	"github.com/nuetzliches/dtqueue/internal/secrets"
	"github.com/nuetzliches/dtqueue/internal/workerapi"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	configPath string
	pidFile    string
	dotenvPath string
	logLevel   string
	watch      bool
}

func newRunCmd(stderr io.Writer) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the configured queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, stderr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "./config.toml", "path to config file")
	f.StringVar(&opts.pidFile, "pid-file", "", "write process PID to file")
	f.StringVar(&opts.dotenvPath, "dotenv", "", "load environment variables from file (dev only)")
	f.StringVar(&opts.logLevel, "log-level", "", "override log_level (debug|info|warn|error)")
	f.BoolVar(&opts.watch, "watch", false, "watch config file for reload")
	return cmd
}

func run(ctx context.Context, opts runOptions, stderr io.Writer) error {
	boot := newBootstrapLogger(stderr)

	if err := config.LoadDotenv(opts.dotenvPath); err != nil {
		boot.Error("dotenv_failed", zap.Error(err))
		return &exitError{code: 1}
	}
	cfg, warnings, err := config.Load(opts.configPath)
	if err != nil {
		boot.Error("load_config_failed", zap.String("path", opts.configPath), zap.Error(err))
		return &exitError{code: 1}
	}
	if strings.TrimSpace(opts.logLevel) != "" {
		cfg.LogLevel = opts.logLevel
	}
	lvl, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		boot.Error("invalid_log_level", zap.String("log_level", cfg.LogLevel), zap.Error(err))
		return &exitError{code: 1}
	}
	level := zap.NewAtomicLevelAt(lvl)
	logger, logCloser, err := newLogger(cfg, level, stderr)
	if err != nil {
		boot.Error("open_log_failed", zap.Error(err))
		return &exitError{code: 1}
	}
	defer func() {
		_ = logger.Sync()
		_ = logCloser.Close()
	}()
	for _, w := range warnings {
		logger.Warn("config_warning", zap.String("warning", w))
	}
	logger.Info("config_ok", zap.String("path", opts.configPath))

	pf, stalePID, err := lockPIDFile(opts.pidFile)
	if err != nil {
		logger.Error("pid_file_failed", zap.Error(err))
		return &exitError{code: 1}
	}
	defer pf.unlock()
	if stalePID > 0 {
		logger.Warn("pid_file_stale_replaced", zap.String("path", opts.pidFile), zap.Int("stale_pid", stalePID))
	}

	if cfg.Tracing.Enabled {
		shutdownTracing, err := initTracing(ctx, cfg.Tracing, func(err error) {
			logger.Error("tracing_export_failed", zap.Error(err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", zap.Error(err))
			return &exitError{code: 1}
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
		logger.Info("tracing_enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	svc, err := newService(cfg, logger, level, newRegistry())
	if err != nil {
		logger.Error("startup_failed", zap.Error(err))
		return &exitError{code: 1}
	}
	defer func() {
		if err := svc.close(); err != nil {
			logger.Error("queue_close_failed", zap.Error(err))
		}
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				svc.reload(opts.configPath, "signal_sighup")
			}
		}
	}()
	if opts.watch {
		go watchConfig(ctx, opts.configPath, logger, func() {
			svc.reload(opts.configPath, "watch")
		})
	}

	if err := svc.serve(ctx, net.Listen); err != nil {
		logger.Error("server_failed", zap.Error(err))
		return &exitError{code: 1}
	}
	logger.Info("shutdown_complete")
	return nil
}

// service owns the store and the transports built on it for one process
// lifetime.
type service struct {
	cfg      config.Config
	logger   *zap.Logger
	level    zap.AtomicLevel
	tokens   *httpapi.Tokens
	registry *prometheus.Registry
	metrics  *metrics
	store    queue.Store
	backend  string
	api      *httpapi.Server
	worker   *workerapi.Server

	reloadMu sync.Mutex
}

func newService(cfg config.Config, logger *zap.Logger, level zap.AtomicLevel, reg *prometheus.Registry) (*service, error) {
	rawTokens, err := secrets.LoadAll(cfg.AuthTokens)
	if err != nil {
		return nil, fmt.Errorf("load auth tokens: %w", err)
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	store, backend, err := newQueueStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	logger.Info("queue_backend_selected",
		zap.String("backend", backend),
		zap.Strings("queues", cfg.Queues),
	)
	if dr, ok := store.(queue.DepthReporter); ok {
		if err := reg.Register(newDepthCollector(dr, backend, cfg.Queues, logger)); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("register depth collector: %w", err)
		}
	}

	tokens := httpapi.NewTokens(rawTokens)
	api := httpapi.NewServer(&instrumentedStore{Store: store, backend: backend, metrics: m})
	api.Authorize = httpapi.BearerTokenAuthorizer(tokens)
	api.Workers = newWorkerPool(cfg.MaxWorkers, m.inFlight)
	api.Logger = logger.Named("api")

	worker := workerapi.NewServer(api)
	worker.Authorize = workerapi.BearerTokenAuthorizer(tokens)

	return &service{
		cfg:      cfg,
		logger:   logger,
		level:    level,
		tokens:   tokens,
		registry: reg,
		metrics:  m,
		store:    store,
		backend:  backend,
		api:      api,
		worker:   worker,
	}, nil
}

func (s *service) httpHandler() http.Handler {
	h := withAccessLog(s.logger.Named("access"), s.api)
	return wrapTracingHandler(s.cfg.Tracing.Enabled, "dtqueue.http", h)
}

func (s *service) grpcServer() *grpc.Server {
	gs := grpc.NewServer()
	workerapi.RegisterQueueServiceServer(gs, s.worker)
	return gs
}

type listenFunc func(network, address string) (net.Listener, error)

// serve runs every configured listener until ctx is done or one of them
// fails, then shuts all of them down.
func (s *service) serve(ctx context.Context, listen listenFunc) error {
	g, gctx := errgroup.WithContext(ctx)

	httpLn, err := listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	httpSrv := &http.Server{Handler: s.httpHandler(), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error { return serveHTTP(httpSrv, httpLn) })
	s.logger.Info("http_listening", zap.String("addr", httpLn.Addr().String()))

	var metricsSrv *http.Server
	if s.cfg.MetricsAddress != "" {
		ln, err := listen("tcp", s.cfg.MetricsAddress)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listen metrics: %w", err)
		}
		metricsSrv = &http.Server{Handler: newMetricsHandler(s.registry), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serveHTTP(metricsSrv, ln) })
		s.logger.Info("metrics_listening", zap.String("addr", ln.Addr().String()))
	}

	var gs *grpc.Server
	if s.cfg.GRPCAddress != "" {
		ln, err := listen("tcp", s.cfg.GRPCAddress)
		if err != nil {
			_ = httpLn.Close()
			if metricsSrv != nil {
				_ = metricsSrv.Close()
			}
			return fmt.Errorf("listen grpc: %w", err)
		}
		gs = s.grpcServer()
		g.Go(func() error { return gs.Serve(ln) })
		s.logger.Info("grpc_listening", zap.String("addr", ln.Addr().String()))
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		if gs != nil {
			stopGRPC(shutdownCtx, gs)
		}
		return err
	})
	return g.Wait()
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func stopGRPC(ctx context.Context, gs *grpc.Server) {
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		gs.Stop()
	}
}

func (s *service) close() error {
	return s.store.Close()
}
