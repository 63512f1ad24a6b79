package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/petal-labs/flowrun/bus"
	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/config"
	"github.com/petal-labs/flowrun/gateway"
	"github.com/petal-labs/flowrun/llmprovider"
	"github.com/petal-labs/flowrun/loader"
	"github.com/petal-labs/flowrun/memory"
	"github.com/petal-labs/flowrun/observe"
	flowotel "github.com/petal-labs/flowrun/otel"
	"github.com/petal-labs/flowrun/runtime"
	"github.com/petal-labs/flowrun/server"
	"github.com/petal-labs/flowrun/store"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, command gateway and observation loop",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to flowrun.yaml (default: ./flowrun.yaml, then ~/.flowrun/config.yaml)")
	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides config)")
	cmd.Flags().String("host", "", "Listen host (overrides config)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides config)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (overrides config)")
	cmd.Flags().String("flows-dir", "", "Load flow documents from this directory at startup")
	cmd.Flags().String("redis-addr", "", "Keep the command inbox in Redis at this address")
	cmd.Flags().Int("workers", 0, "Gateway worker count (overrides config)")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, used, err := config.Resolve(explicit)
	if err != nil {
		return exitError(exitValidation, "loading config: %v", err)
	}
	if err := applyServeFlags(cmd, &cfg); err != nil {
		return err
	}
	logger := commandLogger(cmd)
	if used != "" {
		logger.Info("loaded config", "path", used)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := buildServeStack(ctx, cfg, logger)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer stack.Close()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      stack.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "FlowRun listening on %s\n", addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// applyServeFlags overrides config fields with explicitly set flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("sqlite-path") {
		cfg.SQLitePath, _ = flags.GetString("sqlite-path")
	}
	if flags.Changed("flows-dir") {
		cfg.FlowsDir, _ = flags.GetString("flows-dir")
	}
	if flags.Changed("redis-addr") {
		cfg.Gateway.RedisAddr, _ = flags.GetString("redis-addr")
	}
	if flags.Changed("workers") {
		cfg.Gateway.Workers, _ = flags.GetInt("workers")
	}
	keys, err := parseProviderKeys(cmd)
	if err != nil {
		return err
	}
	for name, key := range keys {
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]config.ProviderConfig)
		}
		cfg.Providers[name] = config.ProviderConfig{APIKey: key}
	}
	return nil
}

// serveStack is every long-lived component behind the HTTP handler.
type serveStack struct {
	Handler http.Handler
	Server  *server.Server
	Runner  *gateway.Runner
	Flows   server.FlowStore

	closers []func() error
}

func (s *serveStack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close stops components in reverse start order.
func (s *serveStack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}

// buildServeStack opens the stores and starts the gateway. On error every
// component already opened is closed.
func buildServeStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *serveStack, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	stack := &serveStack{}
	defer func() {
		if err != nil {
			stack.Close()
		}
	}()

	db, err := store.OpenSQLite(store.SQLiteConfig{DSN: cfg.SQLitePath})
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	stack.onClose(db.Close)

	var inbox store.CommandInbox = db.Commands()
	if cfg.Gateway.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Gateway.RedisAddr})
		stack.onClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Gateway.RedisAddr, err)
		}
		inbox = store.NewRedisInbox(client, store.WithPrefix(cfg.Gateway.RedisPrefix))
		logger.Info("command inbox on redis", "addr", cfg.Gateway.RedisAddr)
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := flowotel.NewTracerProvider(ctx, flowotel.ExporterConfig{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return nil, err
		}
		otelapi.SetTracerProvider(tp)
		stack.onClose(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(shutdownCtx)
		})
	}
	tracer := otelapi.GetTracerProvider().Tracer(flowotel.InstrumentationName)
	meter := otelapi.GetMeterProvider().Meter(flowotel.InstrumentationName)

	llm, err := flowotel.NewModelObserver(
		llmprovider.NewRouter(llmprovider.RouterConfig{APIKeys: cfg.APIKeys()}),
		meter, tracer,
	)
	if err != nil {
		return nil, fmt.Errorf("initializing model observability: %w", err)
	}

	cache := memory.NewCache()
	stack.onClose(cache.Reset)

	specs := compiler.NewRegistry()
	eng, err := runtime.NewEngine(runtime.EngineConfig{
		Runs:           db,
		Specs:          specs,
		Memory:         cache,
		MemoryLocation: cfg.Memory.Location,
		LLM:            llm,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	eb := bus.NewMemBus(bus.MemBusConfig{})
	stack.onClose(eb.Close)
	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            cfg.SQLitePath,
		RetentionAge:   cfg.Events.RetentionAge,
		RetentionCount: cfg.Events.RetentionCount,
	})
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	stack.onClose(es.Close)

	tracing := flowotel.NewTracingHandler(tracer)
	eventMetrics, err := flowotel.NewMetricsHandler(meter)
	if err != nil {
		return nil, fmt.Errorf("initializing event metrics: %w", err)
	}
	persist := bus.NewStoreSubscriber(es, logger)

	loop, err := observe.New(observe.Config{
		Runtime:      eng,
		Runs:         db,
		Specs:        specs,
		Publisher:    eb,
		Handler:      runtime.MultiEventHandler(persist.Handle, tracing.Handle, eventMetrics.Handle),
		Decorate:     flowotel.Decorator(tracing),
		LastSeq:      es.LatestSeq,
		PollInterval: cfg.Observe.PollInterval,
		Concurrency:  cfg.Observe.Concurrency,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	runner, err := gateway.New(gateway.Config{
		Inbox:        inbox,
		Runs:         db,
		Runtime:      eng,
		Workers:      cfg.Gateway.Workers,
		ClaimTTL:     cfg.Gateway.ClaimTTL,
		LeaseTTL:     cfg.Gateway.LeaseTTL,
		PollInterval: cfg.Gateway.PollInterval,
		StepsPerTick: cfg.Gateway.StepsPerTick,
		TickRate:     rate.Limit(cfg.Gateway.TickRate),
		Metrics:      gateway.NewMetrics(reg),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	flows, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: cfg.SQLitePath})
	if err != nil {
		return nil, fmt.Errorf("opening flow store: %w", err)
	}
	stack.onClose(flows.Close)
	if cfg.FlowsDir != "" {
		n, err := seedFlows(ctx, flows, cfg.FlowsDir)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded flows", "dir", cfg.FlowsDir, "count", n)
	}

	srv, err := server.NewServer(server.ServerConfig{
		Flows:      flows,
		Compiler:   compiler.New(compiler.Config{Source: server.Source(flows), Specs: specs, Logger: logger}),
		Runtime:    eng,
		Runs:       db,
		Commands:   runner,
		Observer:   loop,
		Bus:        eb,
		EventStore: es,
		Gatherer:   reg,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	stack.onClose(srv.Close)

	if err := runner.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting gateway: %w", err)
	}
	stack.onClose(func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return runner.Stop(stopCtx)
	})

	stack.Handler = srv.Handler()
	stack.Server = srv
	stack.Runner = runner
	stack.Flows = flows
	return stack, nil
}

// seedFlows creates or replaces a store record for every flow document in dir.
func seedFlows(ctx context.Context, flows server.FlowStore, dir string) (int, error) {
	src := loader.NewDir(dir)
	ids, err := src.IDs()
	if err != nil {
		return 0, fmt.Errorf("loading flows from %s: %w", dir, err)
	}
	for _, id := range ids {
		fd, err := src.Flow(ctx, id)
		if err != nil {
			return 0, err
		}
		rec := server.FlowRecord{ID: fd.ID, Name: fd.Metadata["name"], Flow: fd}
		_, exists, err := flows.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if exists {
			err = flows.Update(ctx, rec)
		} else {
			err = flows.Create(ctx, rec)
		}
		if err != nil {
			return 0, fmt.Errorf("storing flow %s: %w", id, err)
		}
	}
	return len(ids), nil
}
