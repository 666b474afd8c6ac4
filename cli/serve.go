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
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/m-demetrio/ZapOrganic-CRM/bridge"
	"github.com/m-demetrio/ZapOrganic-CRM/bus"
	"github.com/m-demetrio/ZapOrganic-CRM/engine"
	"github.com/m-demetrio/ZapOrganic-CRM/mediastore"
	zotel "github.com/m-demetrio/ZapOrganic-CRM/otel"
	"github.com/m-demetrio/ZapOrganic-CRM/server"
	"github.com/m-demetrio/ZapOrganic-CRM/storage"
	"github.com/m-demetrio/ZapOrganic-CRM/webhook"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the funnel HTTP API server",
		Long: "Start the HTTP API server: run control, funnel and settings storage,\n" +
			"SSE run events, and the cron funnel scheduler. Runs dispatch through the\n" +
			"in-process loopback bridge.",
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("api-key", "", "Root API key for mutating routes (default: auth disabled)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: in-memory storage)")
	cmd.Flags().String("mongo-uri", "", "MongoDB connection URI for the lead store (default: SQLite/in-memory)")
	cmd.Flags().String("mongo-db", "zaporganic", "MongoDB database name for the lead store")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint, e.g. localhost:4318 (default: tracing disabled)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Funnel schedule poll interval")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	apiKey, _ := cmd.Flags().GetString("api-key")
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	mongoURI, _ := cmd.Flags().GetString("mongo-uri")
	mongoDB, _ := cmd.Flags().GetString("mongo-db")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	schedulePoll, _ := cmd.Flags().GetDuration("schedule-poll")

	logger := slog.Default()

	// --- Tracing ---
	if otlpEndpoint != "" {
		shutdown, err := setupTracing(cmd.Context(), otlpEndpoint)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	// --- Storage ---
	var kv storage.KV
	var media bridge.LocalStore
	if sqlitePath != "" {
		sqliteKV, err := storage.NewSQLiteKV(sqlitePath)
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
		defer func() {
			_ = sqliteKV.Close()
		}()
		mediaStore, err := mediastore.OpenSQLite(sqlitePath)
		if err != nil {
			return fmt.Errorf("opening sqlite media store: %w", err)
		}
		defer func() {
			_ = mediaStore.Close()
		}()
		kv = sqliteKV
		media = mediaStore
	} else {
		kv = storage.NewMemKV()
		media = mediastore.NewMemStore()
	}
	store := storage.NewStore(kv, logger)

	// --- Leads ---
	var engineLeads engine.LeadStore
	var serverLeads server.LeadSource
	if mongoURI != "" {
		mongoLeads, err := storage.NewMongoLeadStore(mongoURI, mongoDB)
		if err != nil {
			return fmt.Errorf("connecting mongo lead store: %w", err)
		}
		defer func() {
			_ = mongoLeads.Close(context.Background())
		}()
		engineLeads = mongoLeads
		serverLeads = mongoLeads
	} else {
		leads := storage.NewLeadStore(store)
		engineLeads = leads
		serverLeads = leads
	}

	// --- Engine over the loopback bridge ---
	loop := bridge.NewLoopback()
	client, err := bridge.NewClient(loop, bridge.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("bridge client: %w", err)
	}
	loop.Bind(func(resp bridge.Response) { client.Deliver(resp) })

	eng, err := engine.New(engine.Options{
		Bridge:   client,
		Leads:    engineLeads,
		Media:    bridge.NewMediaResolver(bridge.MediaResolverConfig{Local: media, Logger: logger}),
		Webhooks: webhook.NewDispatcher(webhook.WithLogger(logger)),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// --- Observability handlers ---
	tracing := zotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("zaporganic/engine"))
	detachTracing := tracing.Attach(eng)
	defer detachTracing()

	metrics, err := zotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("zaporganic/engine"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	detachMetrics := metrics.Attach(eng)
	defer detachMetrics()

	// --- Event bus + API server ---
	// Events pass through a recording bus so SSE clients that connect
	// after a run started can replay its history.
	events := bus.NewMemEventStore()
	eb := bus.Record(bus.NewMemBus(bus.MemBusConfig{}), events)
	unsub := bus.Connect(eng, eb)
	defer unsub()

	schedules := server.NewScheduleStore(store)
	apiServer := server.NewServer(server.Config{
		Engine:     eng,
		Store:      store,
		Schedules:  schedules,
		Leads:      serverLeads,
		Bus:        eb,
		Events:     events,
		APIKey:     apiKey,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})

	scheduler, err := server.NewScheduler(server.SchedulerConfig{
		Store: schedules,
		StartRun: func(ctx context.Context, schedule server.FunnelSchedule) (string, error) {
			return apiServer.StartRun(ctx, schedule.FunnelID, schedule.ChatID, "")
		},
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating funnel scheduler: %w", err)
	}
	scheduler.Start()
	defer func() {
		_ = scheduler.Stop(context.Background())
	}()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "ZapOrganic daemon listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eb.Close()
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// setupTracing installs an OTLP/HTTP span exporter as the global tracer
// provider and returns its shutdown function.
func setupTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("zaporganic"),
		)),
	)
	otelapi.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
