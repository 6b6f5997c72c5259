package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/ricelabs/rice/internal/bus"
	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/engine"
	"github.com/ricelabs/rice/internal/grpcapi"
	"github.com/ricelabs/rice/internal/httpapi"
	"github.com/ricelabs/rice/internal/index"
	ricemcp "github.com/ricelabs/rice/internal/mcp"
	"github.com/ricelabs/rice/internal/ml"
	"github.com/ricelabs/rice/internal/registry"
	"github.com/ricelabs/rice/internal/search"
	"github.com/ricelabs/rice/internal/telemetry"
)

// App holds every wired component of a Rice process. Transports share one
// set of backends so HTTP, gRPC, and MCP observe the same state.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	State     *State
	Metrics   *prometheus.Registry
	Bus       bus.Bus
	Registry  *registry.Registry
	Engine    engine.Engine
	Gateway   *ml.Gateway
	Tracker   *index.Tracker
	Indexer   *index.Indexer
	Collector *telemetry.Collector
	QueryLog  *telemetry.QueryLog
	Pipeline  *search.Pipeline

	HTTP *httpapi.Server
	GRPC *grpc.Server

	sink telemetry.Sink
}

// New assembles the full component graph from configuration. The caller
// owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		State:   NewState(cfg.Server.PanicCooldown),
		Metrics: prometheus.NewRegistry(),
	}

	memBus := bus.NewMemoryBus()
	a.Bus = bus.NewInstrumentedBus(memBus, a.Metrics)
	if cfg.Telemetry.EventLogEnabled {
		logged, err := bus.NewLoggingBus(a.Bus, cfg.EventLogPath(),
			cfg.Telemetry.EventLogMaxSizeMB, cfg.Telemetry.EventLogMaxFiles)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		a.Bus = logged
	}

	reg, err := registry.New(cfg.StoreMetadataDir(), cfg.Engine.CollectionPrefix, a.Bus)
	if err != nil {
		return nil, err
	}
	if _, err := reg.EnsureDefault(registry.DefaultVersionConfig()); err != nil {
		return nil, err
	}
	a.Registry = reg

	a.Engine, err = engine.New(cfg.Engine, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a.Gateway, err = ml.NewGateway(cfg.ML, a.Metrics)
	if err != nil {
		return nil, err
	}

	a.Tracker, err = index.NewTracker(cfg.FileTrackerDir())
	if err != nil {
		return nil, err
	}
	a.Indexer = index.NewIndexer(reg, a.Engine, a.Gateway, a.Tracker, a.Bus, cfg.Index, log)

	a.QueryLog, err = telemetry.NewQueryLog(cfg.QueryLogDir(),
		cfg.Telemetry.QueryLogMaxSizeMB, cfg.Telemetry.FlushInterval)
	if err != nil {
		return nil, err
	}

	opts := []telemetry.Option{telemetry.WithBus(a.Bus)}
	if cfg.Telemetry.RedisAddr != "" {
		sink, err := telemetry.NewRedisSink(ctx, cfg.Telemetry.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connect redis sink: %w", err)
		}
		a.sink = sink
		opts = append(opts, telemetry.WithSink(sink))
	}
	a.Collector = telemetry.NewCollector(cfg.Telemetry.RingSize, a.Metrics, opts...)

	a.Pipeline = search.NewPipeline(reg, a.Engine, a.Gateway, a.Collector, a.QueryLog,
		cfg.Search, cfg.PostRank, log)

	a.HTTP = httpapi.NewServer(httpapi.Deps{
		Registry:  reg,
		Engine:    a.Engine,
		Indexer:   a.Indexer,
		Pipeline:  a.Pipeline,
		Gateway:   a.Gateway,
		Collector: a.Collector,
		State:     a.State,
		Metrics:   a.Metrics,
		Log:       log,
	})
	a.GRPC = grpcapi.NewServer(grpcapi.NewService(reg, a.Indexer, a.Pipeline, log))

	return a, nil
}

// MCPServer builds the MCP stdio surface over the shared backends.
func (a *App) MCPServer() *ricemcp.Server {
	return ricemcp.NewServer(a.Registry, a.Indexer, a.Pipeline, a.Log)
}

// Run serves HTTP and gRPC until ctx is cancelled, then drains and shuts
// both down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", a.Config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLn, err := net.Listen("tcp", a.Config.Server.GRPCAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	httpSrv := &http.Server{
		Handler:           a.HTTP.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		a.Log.Info("http server listening", slog.String("addr", httpLn.Addr().String()))
		if err := httpSrv.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		a.Log.Info("grpc server listening", slog.String("addr", grpcLn.Addr().String()))
		if err := a.GRPC.Serve(grpcLn); err != nil {
			errc <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.Log.Info("shutting down", slog.Duration("timeout", a.Config.Server.ShutdownTimeout))
	a.State.StartDrain()

	deadline := time.Now().Add(a.Config.Server.ShutdownTimeout)
	if left := a.State.DrainWait(deadline); left > 0 {
		a.Log.Warn("drain deadline passed with requests in flight", slog.Int64("in_flight", left))
	}

	shutdownCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("http shutdown", slog.String("error", err.Error()))
	}
	a.GRPC.GracefulStop()
	return nil
}

// Close releases backends in reverse dependency order.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.QueryLog != nil {
		keep(a.QueryLog.Close(ctx))
	}
	if a.sink != nil {
		keep(a.sink.Close())
	}
	if a.Bus != nil {
		keep(a.Bus.Close(ctx))
	}
	if a.Engine != nil {
		keep(a.Engine.Close())
	}
	return firstErr
}
