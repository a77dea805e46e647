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
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
		shutdownOTel = func(context.Context) error { return nil }
	}

	// 构建 Postgres DSN 并连接数据库
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

	// 初始化业务服务
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

	// 流水线：remote 走抽取服务 HTTP 回调，local 为进程内模拟
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

	// 状态推送通道
	statusHub := services.NewStatusHub(cfg.Sync.CoalesceWindow, appLogger)
	statusHub.SetSnapshotProvider(statusService.Snapshot)
	go statusHub.Run()

	// 服务间回调：阶段上报推动推送与批次收尾
	statusService.SetNotifier(statusHub.NotifyChange)
	lifecycleService.SetNotifier(statusHub.NotifyChange)
	statusService.SetBatchDoneFunc(lifecycleService.FinishRetraining)

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Security.CORS.Enabled {
		r.Use(corsMiddleware())
	}
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查与指标
	var extractorCheck handlers.HealthChecker
	if extractClient != nil && cfg.Monitoring.HealthChecks.Extractor {
		extractorCheck = extractClient
	}
	healthHandler := handlers.NewHealthHandler(db, extractorCheck, appLogger)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		metricsPath := cfg.Monitoring.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.GET(metricsPath, handlers.NewMetricsHandler(statusHub).GetMetrics)
	}

	// 状态推送 WebSocket
	r.GET("/ws/status", statusHub.HandleWebSocket)

	// API 路由组
	api := r.Group("/api")
	api.Use(middleware.RateLimitMiddleware(cfg))
	protected := api.Group("")
	if cfg.JWT.Secret != "" {
		protected.Use(middleware.AuthMiddleware(cfg))
	}
	handlers.RegisterBotRoutes(protected, handlers.NewBotHandler(lifecycleService, statusService, appLogger))
	handlers.RegisterPipelineRoutes(api, handlers.NewPipelineHandler(statusService, appLogger))

	// 启动服务器
	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), Handler: r}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	if err := shutdownOTel(ctx); err != nil {
		appLogger.Warnf("Tracing shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
