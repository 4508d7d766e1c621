// Package main provides the patient portal API entry point.
// Serves one aggregation store over the FHIR record services.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/api/handlers"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/api/middleware"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/changefeed"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/config"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/events"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/gateway"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/infrastructure/postgres"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/infrastructure/redpanda"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/tracing"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/portal"
	"github.com/vincent-tsugranes/redhat-healthcare/pkg/workerpool"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger is not configured yet
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	traceCfg := tracing.DefaultConfig(cfg.ServiceName)
	traceCfg.ServiceVersion = version
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Record services
	clients, err := gateway.NewSet(cfg.Gateway, m, logger)
	if err != nil {
		logger.Fatal("gateway setup failed", zap.Error(err))
	}

	// Activity sinks
	var (
		sinks     events.Multi
		accessLog *postgres.AccessLog
		producer  *redpanda.Producer
		admin     *redpanda.Admin
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		accessLog = postgres.NewAccessLog(pool, logger)
		if err := accessLog.EnsureSchema(ctx); err != nil {
			logger.Fatal("access log schema setup failed", zap.Error(err))
		}
		sinks = append(sinks, accessLog)
		if cfg.AccessLogRetention > 0 {
			go accessLog.RunRetention(ctx, time.Hour, cfg.AccessLogRetention)
		}
		logger.Info("access log enabled")
	}
	if cfg.KafkaEnabled() {
		if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
			logger.Warn("redpanda not reachable yet", zap.Error(err))
		}
		admin, err = redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.Fatal("redpanda admin setup failed", zap.Error(err))
		}
		defer admin.Close()
		if err := admin.EnsureTopics(ctx); err != nil {
			logger.Warn("topic setup failed", zap.Error(err))
		}

		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.KafkaBrokers
		producer, err = redpanda.NewProducer(producerCfg, logger)
		if err != nil {
			logger.Fatal("producer setup failed", zap.Error(err))
		}
		sinks = append(sinks, redpanda.NewEventSink(producer, redpanda.TopicActivity, m, logger))
	}

	// Store
	opts := []portal.Option{
		portal.WithLogger(logger),
		portal.WithMetrics(m),
		portal.WithPageSizes(cfg.IndexPages),
	}
	if len(sinks) > 0 {
		opts = append(opts, portal.WithEventSink(sinks))
	}
	store, err := portal.New(portal.Clients{
		Patients:      clients.Patients,
		Coverage:      clients.Coverage,
		Claims:        clients.Claims,
		Practitioners: clients.Practitioners,
		Appointments:  clients.Appointments,
		Medications:   clients.Medications,
	}, opts...)
	if err != nil {
		logger.Fatal("store setup failed", zap.Error(err))
	}

	// Change feed
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.RefreshWorkers
	refreshes, err := workerpool.New(poolCfg, changefeed.Worker(store), logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	refreshes.Start()

	var consumer *redpanda.Consumer
	if cfg.KafkaEnabled() {
		consumerCfg := redpanda.DefaultConsumerConfig()
		consumerCfg.Brokers = cfg.KafkaBrokers
		consumerCfg.GroupID = cfg.ConsumerGroup
		feed := changefeed.NewHandler(store, refreshes, m, logger)
		consumer, err = redpanda.NewConsumer(consumerCfg, feed.Handle, logger)
		if err != nil {
			logger.Fatal("consumer creation failed", zap.Error(err))
		}
		consumer.Start()
	}

	// Warm the population-wide indices; failures only leave them empty
	if _, err := refreshes.Submit(workerpool.Task{Key: changefeed.TaskIndices}); err != nil {
		logger.Warn("initial index load not queued", zap.Error(err))
	}

	var audit handlers.AuditLog
	if accessLog != nil {
		audit = accessLog
	}
	portalHandler := handlers.NewPortalHandler(store, audit, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", middleware.HeaderRequestID},
		ExposedHeaders:   []string{middleware.HeaderRequestID},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	// Health check (no auth)
	r.Get("/health", handlers.Health(cfg.ServiceName, version))
	r.Get("/ready", handlers.Ready(clients.Breakers()...))
	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/status", handlers.Status(statusSources(refreshes, producer, consumer, admin, cfg.ConsumerGroup)))

	// API routes (with auth)
	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Second))
		}
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/api/v1", portalHandler.Routes())
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Actions wait on the record services
		WriteTimeout: cfg.Gateway.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting portal API",
			zap.String("port", cfg.Port),
			zap.Bool("kafka", cfg.KafkaEnabled()),
			zap.Bool("access_log", accessLog != nil),
			zap.Bool("tracing", tp.Enabled()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("consumer stop error", zap.Error(err))
		}
	}
	if err := refreshes.Stop(); err != nil {
		logger.Error("worker pool stop error", zap.Error(err))
	}
	if producer != nil {
		if err := producer.Flush(shutdownCtx); err != nil {
			logger.Warn("producer flush error", zap.Error(err))
		}
		if err := producer.Close(); err != nil {
			logger.Warn("producer close error", zap.Error(err))
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func statusSources(pool *workerpool.Pool, producer *redpanda.Producer, consumer *redpanda.Consumer, admin *redpanda.Admin, group string) map[string]handlers.StatusSource {
	sources := map[string]handlers.StatusSource{
		"refresh_pool": func(context.Context) (interface{}, error) {
			return struct {
				workerpool.Stats
				Healthy bool `json:"healthy"`
			}{pool.Stats(), pool.IsHealthy()}, nil
		},
	}
	if producer != nil {
		sources["producer"] = func(context.Context) (interface{}, error) { return producer.Stats(), nil }
	}
	if consumer != nil {
		sources["consumer"] = func(context.Context) (interface{}, error) { return consumer.Stats(), nil }
	}
	if admin != nil {
		sources["consumer_lag"] = func(ctx context.Context) (interface{}, error) {
			return admin.GetConsumerGroupLag(ctx, group)
		}
	}
	return sources
}
