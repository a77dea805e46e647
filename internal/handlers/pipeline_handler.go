package handlers

import (
	"net/http"

	"botforge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PipelineHandler 流水线回调处理器
//
// Extraction and embedding workers report phase transitions here. Reports
// are idempotent: duplicates and late arrivals for terminal items are
// acknowledged without effect.
type PipelineHandler struct {
	status *services.StatusService
	logger *logrus.Logger
}

// NewPipelineHandler 创建流水线回调处理器
func NewPipelineHandler(status *services.StatusService, logger *logrus.Logger) *PipelineHandler {
	return &PipelineHandler{
		status: status,
		logger: logger,
	}
}

// ReportPhase 上报阶段变化
// @Summary 上报内容处理阶段变化
// @Tags 流水线
// @Accept json
// @Produce json
// @Param report body services.PhaseChangeRequest true "阶段变化"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/pipeline/phase [post]
func (h *PipelineHandler) ReportPhase(c *gin.Context) {
	var req services.PhaseChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.status.ReportPhaseChange(c.Request.Context(), &req); err != nil {
		h.logger.Errorf("Phase report failed for item %d: %v", req.ItemID, err)
		writeServiceError(c, "Failed to record phase change", err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Phase recorded"})
}

// RegisterPipelineRoutes 注册流水线回调路由
func RegisterPipelineRoutes(r *gin.RouterGroup, handler *PipelineHandler) {
	pipeline := r.Group("/pipeline")
	{
		pipeline.POST("/phase", handler.ReportPhase)
	}
}
