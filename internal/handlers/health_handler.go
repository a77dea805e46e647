package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"botforge/internal/metrics"
	"botforge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthChecker 外部依赖健康探测
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db        *gorm.DB
	extractor HealthChecker
	logger    *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db *gorm.DB, extractor HealthChecker, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		extractor: extractor,
		logger:    logger,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	Uptime    string                 `json:"uptime"`
	GoVersion string                 `json:"go_version"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   "1.0.0",
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		GoVersion: runtime.Version(),
	}

	allHealthy := true

	if h.db != nil {
		start := time.Now()
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			info.Status = "unhealthy"
			info.Error = err.Error()
			allHealthy = false
		}
		response.Services["database"] = info
	}

	if h.extractor != nil {
		start := time.Now()
		info := ServiceInfo{Status: "healthy"}
		if err := h.extractor.HealthCheck(ctx); err != nil {
			info.Status = "unhealthy"
			info.Error = err.Error()
			allHealthy = false
		}
		info.Latency = time.Since(start).String()
		response.Services["extractor"] = info
	}

	statusCode := http.StatusOK
	if !allHealthy {
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪探针，仅检查数据库连接
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// MetricsHandler 指标处理器
type MetricsHandler struct {
	hub       *services.StatusHub
	startedAt time.Time
}

// NewMetricsHandler 创建指标处理器
func NewMetricsHandler(hub *services.StatusHub) *MetricsHandler {
	return &MetricsHandler{hub: hub, startedAt: time.Now()}
}

func writeLabelled(b *strings.Builder, name, help, label string, total uint64, by map[string]uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(by))
	for k := range by {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, by[k])
	}
	fmt.Fprintf(b, "%s %d\n\n", name, total)
}

// GetMetrics 获取系统指标（Prometheus 格式）
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain")

	uptime := time.Since(h.startedAt).Seconds()
	observers := 0
	if h.hub != nil {
		observers = h.hub.ObserverCount()
	}

	b := &strings.Builder{}
	fmt.Fprintf(b, "# HELP botforge_info Information about the Botforge instance\n")
	fmt.Fprintf(b, "# TYPE botforge_info gauge\n")
	fmt.Fprintf(b, "botforge_info{version=\"1.0.0\"} 1\n\n")

	fmt.Fprintf(b, "# HELP botforge_uptime_seconds Total uptime of the Botforge instance in seconds\n")
	fmt.Fprintf(b, "# TYPE botforge_uptime_seconds counter\n")
	fmt.Fprintf(b, "botforge_uptime_seconds %.0f\n\n", uptime)

	fmt.Fprintf(b, "# HELP botforge_status_observers Active status push subscribers\n")
	fmt.Fprintf(b, "# TYPE botforge_status_observers gauge\n")
	fmt.Fprintf(b, "botforge_status_observers %d\n\n", observers)

	total, by := metrics.AdmissionDenialSnapshot()
	writeLabelled(b, "botforge_admission_denials_total", "Quota admission denials by error code", "code", total, by)

	total, by = metrics.PhaseReportSnapshot()
	writeLabelled(b, "botforge_phase_reports_total", "Pipeline phase reports applied by phase", "phase", total, by)

	total, by = metrics.RateLimitSnapshot()
	writeLabelled(b, "botforge_rate_limit_drops_total", "Requests dropped by the rate limiter by route prefix", "prefix", total, by)

	fmt.Fprintf(b, "# HELP botforge_snapshots_pushed_total Status snapshots pushed to observers\n")
	fmt.Fprintf(b, "# TYPE botforge_snapshots_pushed_total counter\n")
	fmt.Fprintf(b, "botforge_snapshots_pushed_total %d\n\n", metrics.SnapshotsPushed())

	fmt.Fprintf(b, "# HELP botforge_snapshots_coalesced_total Change notifications folded into a pending push\n")
	fmt.Fprintf(b, "# TYPE botforge_snapshots_coalesced_total counter\n")
	fmt.Fprintf(b, "botforge_snapshots_coalesced_total %d\n\n", metrics.SnapshotsCoalesced())

	fmt.Fprintf(b, "# HELP botforge_refetches_triggered_total Detail refetches triggered by the reconciler\n")
	fmt.Fprintf(b, "# TYPE botforge_refetches_triggered_total counter\n")
	fmt.Fprintf(b, "botforge_refetches_triggered_total %d\n", metrics.RefetchesTriggered())

	c.String(http.StatusOK, b.String())
}
