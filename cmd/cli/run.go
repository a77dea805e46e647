package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botforge/internal/config"
	"botforge/internal/handlers"
	"botforge/internal/middleware"
	"botforge/internal/models"
	"botforge/internal/observability"
	"botforge/internal/services"
	"botforge/pkg/extract"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the botforge API server",
	Long:  `Run the botforge API server`,
	Run:   runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServer(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		appLogger.Warnf("init tracing: %v", err)
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	quotaService := services.NewQuotaService(db, appLogger)
	statusService := services.NewStatusService(db, appLogger, quotaService)

	var breaker *services.CircuitBreaker
	if cfg.Pipeline.CircuitBreaker.Enabled {
		breaker = services.NewCircuitBreakerWithConfig(&services.CircuitBreakerConfig{
			MaxFailures:     cfg.Pipeline.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.Pipeline.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.Pipeline.CircuitBreaker.HalfOpenMaxReqs,
		})
	}

	var extractClient *extract.Client
	var pipelines []services.Pipeline
	if cfg.Pipeline.Mode == "remote" {
		extractClient = extract.NewClient(&extract.Config{
			BaseURL:     cfg.Extract.BaseURL,
			APIKey:      cfg.Extract.APIKey,
			CallbackURL: cfg.Extract.CallbackURL,
			Timeout:     cfg.Extract.Timeout,
			MaxRetries:  cfg.Extract.MaxRetries,
		}, appLogger)
		pipelines = services.NewExtractPipelines(extractClient)
	} else {
		pipelines = services.NewLocalPipelines(statusService, appLogger)
	}
	dispatcher := services.NewPipelineDispatcher(appLogger, breaker, pipelines...)
	lifecycleService := services.NewLifecycleService(db, appLogger, quotaService, dispatcher)

	statusHub := services.NewStatusHub(cfg.Sync.CoalesceWindow, appLogger)
	statusHub.SetSnapshotProvider(statusService.Snapshot)
	go statusHub.Run()
	statusService.SetNotifier(statusHub.NotifyChange)
	lifecycleService.SetNotifier(statusHub.NotifyChange)
	statusService.SetBatchDoneFunc(lifecycleService.FinishRetraining)

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	var extractorCheck handlers.HealthChecker
	if extractClient != nil && cfg.Monitoring.HealthChecks.Extractor {
		extractorCheck = extractClient
	}
	healthHandler := handlers.NewHealthHandler(db, extractorCheck, appLogger)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET("/metrics", handlers.NewMetricsHandler(statusHub).GetMetrics)
	}
	r.GET("/ws/status", statusHub.HandleWebSocket)

	api := r.Group("/api")
	api.Use(middleware.RateLimitMiddleware(cfg))
	handlers.RegisterBotRoutes(api, handlers.NewBotHandler(lifecycleService, statusService, appLogger))
	handlers.RegisterPipelineRoutes(api, handlers.NewPipelineHandler(statusService, appLogger))

	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), Handler: r}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}
