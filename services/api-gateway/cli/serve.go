package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/auth"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/kafka"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/materialize"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/review"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/telemetry"
	"github.com/PBaumfalk/AI-Lawyer-sub005/services/api-gateway/config"
	"github.com/PBaumfalk/AI-Lawyer-sub005/services/api-gateway/handler"
	"github.com/PBaumfalk/AI-Lawyer-sub005/services/api-gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("jwt-secret", "changeme", "JWT signing secret")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("jwt_secret", serveCmd.Flags(), "jwt-secret")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api-gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api-gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewStateStore(redisClient)
	bus := redisstore.NewEventBus(redisClient, logger)
	lockStore := redisstore.NewReviewLockStore(redisClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	taskRepo := postgres.NewTaskRepository(pool)
	draftRepo := postgres.NewDraftRepository(pool)
	caseRepo := postgres.NewCaseRepository(pool)

	authz := auth.NewCaseAuthorizer(caseRepo)

	// Draft types without a registered handler materialize nothing on
	// accept; they simply become terminal.
	handlers := review.NewHandlerTable()
	if cfg.NotifyWebhookURL != "" {
		handlers.Register(materialize.NewAlertWebhook(cfg.NotifyWebhookURL, logger))
	}
	if cfg.SMTPHost != "" {
		handlers.Register(materialize.NewLetterMailer(materialize.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, logger))
	}
	reviewSvc := review.NewService(draftRepo, taskRepo, producer, bus, authz, handlers, logger)
	locks := review.NewLockManager(lockStore, draftRepo, authz, bus, logger)

	tasksHandler := handler.NewTasks(producer, store, taskRepo, authz, bus, logger)
	draftsHandler := handler.NewDrafts(reviewSvc, locks, draftRepo, authz, logger)
	eventsHandler := handler.NewEvents(bus, authz, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", tasksHandler.Healthz)
	r.Get("/readyz", tasksHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret, logger))

		r.Post("/tasks", tasksHandler.SubmitTask)
		r.Get("/tasks/{id}", tasksHandler.GetTask)
		r.Post("/tasks/{id}/cancel", tasksHandler.CancelTask)

		r.Get("/drafts/{id}", draftsHandler.GetDraft)
		r.Post("/drafts/{id}/accept", draftsHandler.AcceptDraft)
		r.Post("/drafts/{id}/reject", draftsHandler.RejectDraft)
		r.Post("/drafts/{id}/edit", draftsHandler.EditDraft)
		r.Post("/drafts/{id}/lock", draftsHandler.LockDraft)
		r.Delete("/drafts/{id}/lock", draftsHandler.UnlockDraft)

		r.Get("/cases/{caseID}/tasks", tasksHandler.ListCaseTasks)
		r.Get("/cases/{caseID}/drafts", draftsHandler.ListCaseDrafts)

		r.Get("/events", eventsHandler.Stream)
	})

	httpSrv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No write timeout: /api/v1/events holds its connection open.
		IdleTimeout: 60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("api-gateway starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
