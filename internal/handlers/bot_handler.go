package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"botforge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// BotHandler 机器人训练管理处理器
type BotHandler struct {
	lifecycle *services.LifecycleService
	status    *services.StatusService
	logger    *logrus.Logger
}

// NewBotHandler 创建机器人处理器
func NewBotHandler(lifecycle *services.LifecycleService, status *services.StatusService, logger *logrus.Logger) *BotHandler {
	return &BotHandler{
		lifecycle: lifecycle,
		status:    status,
		logger:    logger,
	}
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: name + " must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}

// accountScope returns the authenticated account injected by the auth
// middleware. Absent when auth is disabled (local development).
func accountScope(c *gin.Context) (uint, bool) {
	v, ok := c.Get("account_id")
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}

// authorizeBot rejects access to a bot owned by another account. Mismatches
// read as not-found so bot ids cannot be enumerated across accounts.
func (h *BotHandler) authorizeBot(c *gin.Context, botID uint) bool {
	acct, ok := accountScope(c)
	if !ok {
		return true
	}
	bot, err := h.lifecycle.GetBot(c.Request.Context(), botID)
	if err != nil {
		writeServiceError(c, "Bot not found", err)
		return false
	}
	if bot.AccountID != acct {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Bot not found",
			Message: fmt.Sprintf("bot %d not found", botID),
			Code:    services.CodeNotFound,
		})
		return false
	}
	return true
}

// CreateBot 创建机器人
// @Summary 创建机器人
// @Description 创建新的机器人，初始状态为 pending
// @Tags 机器人管理
// @Accept json
// @Produce json
// @Param bot body services.BotCreateRequest true "机器人信息"
// @Success 201 {object} models.Bot
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/bots [post]
func (h *BotHandler) CreateBot(c *gin.Context) {
	var req services.BotCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	// The token decides the owner; the body cannot create for someone else.
	if acct, ok := accountScope(c); ok {
		req.AccountID = acct
	}

	bot, err := h.lifecycle.CreateBot(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to create bot: %v", err)
		writeServiceError(c, "Failed to create bot", err)
		return
	}

	c.JSON(http.StatusCreated, bot)
}

// GetBot 获取机器人详情
// @Summary 获取机器人详情
// @Tags 机器人管理
// @Produce json
// @Param id path int true "机器人ID"
// @Success 200 {object} models.Bot
// @Failure 404 {object} ErrorResponse
// @Router /api/bots/{id} [get]
func (h *BotHandler) GetBot(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if !h.authorizeBot(c, id) {
		return
	}

	bot, err := h.lifecycle.GetBot(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, "Bot not found", err)
		return
	}

	c.JSON(http.StatusOK, bot)
}

// ListBots 获取机器人列表
// @Summary 获取账户下的机器人列表
// @Tags 机器人管理
// @Produce json
// @Param account_id query int true "账户ID"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/bots [get]
func (h *BotHandler) ListBots(c *gin.Context) {
	// Authenticated callers list their own account; the query parameter only
	// applies when auth is disabled.
	accountID, scoped := accountScope(c)
	if !scoped {
		raw, err := strconv.ParseUint(c.Query("account_id"), 10, 32)
		if err != nil || raw == 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid account_id",
				Message: "account_id query parameter is required",
			})
			return
		}
		accountID = uint(raw)
	}

	bots, err := h.lifecycle.ListBots(c.Request.Context(), accountID)
	if err != nil {
		h.logger.Errorf("Failed to list bots: %v", err)
		writeServiceError(c, "Failed to list bots", err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "ok",
		Data:    bots,
	})
}

// DeleteBot 删除机器人
// @Summary 删除机器人
// @Description 重新配置或训练中的机器人不可删除
// @Tags 机器人管理
// @Produce json
// @Param id path int true "机器人ID"
// @Success 200 {object} SuccessResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/bots/{id} [delete]
func (h *BotHandler) DeleteBot(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if !h.authorizeBot(c, id) {
		return
	}

	if err := h.lifecycle.DeleteBot(c.Request.Context(), id); err != nil {
		h.logger.Errorf("Failed to delete bot %d: %v", id, err)
		writeServiceError(c, "Failed to delete bot", err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Bot deleted"})
}

// OpenReconfigure 进入重新配置状态
// @Summary 进入重新配置状态
// @Description 打开一个暂存会话，后续的内容变更都记在该会话上
// @Tags 训练生命周期
// @Produce json
// @Param id path int true "机器人ID"
// @Success 200 {object} models.TrainingSession
// @Failure 409 {object} ErrorResponse
// @Router /api/bots/{id}/reconfigure [post]
func (h *BotHandler) OpenReconfigure(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if !h.authorizeBot(c, id) {
		return
	}

	sess, err := h.lifecycle.OpenReconfigure(c.Request.Context(), id)
	if err != nil {
		h.logger.Warnf("Reconfigure rejected for bot %d: %v", id, err)
		writeServiceError(c, "Failed to open reconfiguration", err)
		return
	}

	c.JSON(http.StatusOK, sess)
}

// StageContent 暂存内容
// @Summary 暂存一条内容
// @Description 按申报的大小做配额准入检查，通过后立即进入抽取流水线
// @Tags 训练生命周期
// @Accept json
// @Produce json
// @Param id path int true "机器人ID"
// @Param content body services.ContentDescriptor true "内容描述"
// @Success 201 {object} models.ContentItem
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/bots/{id}/content [post]
func (h *BotHandler) StageContent(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if !h.authorizeBot(c, id) {
		return
	}

	var desc services.ContentDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	item, err := h.lifecycle.StageContent(c.Request.Context(), id, &desc)
	if err != nil {
		h.logger.Warnf("Stage rejected for bot %d (%s %q): %v", id, desc.Kind, desc.ExternalID, err)
		writeServiceError(c, "Failed to stage content", err)
		return
	}

	c.JSON(http.StatusCreated, item)
}

// RemoveContent 移除内容
// @Summary 移除一条内容
// @Tags 训练生命周期
// @Produce json
// @Param id path int true "机器人ID"
// @Param item_id path int true "内容ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/bots/{id}/content/{item_id} [delete]
func (h *BotHandler) RemoveContent(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	itemID, ok := parseID(c, "item_id")
	if !ok {
		return
	}
	if !h.authorizeBot(c, id) {
		return
	}

	if err := h.lifecycle.RemoveContent(c.Request.Context(), id, itemID); err != nil {
		writeServiceError(c, "Failed to remove content", err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Content removed"})
}

// ListContent 获取内容明细
// @Summary 获取内容明细列表
// @Tags 训练生命周期
// @Produce json
// @Param id path int true "机器人ID"
// @Param kind query string false "来源类型 (file/webpage/video)"
// @Param page query int false "页码"
// @Param page_size query int false "每页大小"
// @Success 200 {object} PaginatedResponse
// @Router /api/bots/{id}/content [get]
func (h *BotHandler) ListContent(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if !h.authorizeBot(c, id) {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	items, total, err := h.lifecycle.ListContent(c.Request.Context(), id, c.Query("kind"), page, pageSize)
	if err != nil {
		writeServiceError(c, "Failed to list content", err)
		return
	}

	pages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		pages++
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages,
	})
}

// Commit 提交会话
// @Summary 提交暂存会话并开始重训
// @Description 暂存用量并入账户配额，已抽取的内容进入向量化批次
// @Tags 训练生命周期
// @Produce json
// @Param id path int true "机器人ID"
// @Success 200 {object} models.TrainingSession
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/bots/{id}/commit [post]
func (h *BotHandler) Commit(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if !h.authorizeBot(c, id) {
		return
	}

	sess, err := h.lifecycle.Commit(c.Request.Context(), id)
	if err != nil {
		h.logger.Warnf("Commit failed for bot %d: %v", id, err)
		writeServiceError(c, "Failed to commit session", err)
		return
	}

	c.JSON(http.StatusOK, sess)
}

// Cancel 取消会话
// @Summary 取消暂存会话
// @Description 存在未保存变更时拒绝，需先逐条移除暂存内容
// @Tags 训练生命周期
// @Produce json
// @Param id path int true "机器人ID"
// @Success 200 {object} SuccessResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/bots/{id}/cancel [post]
func (h *BotHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if !h.authorizeBot(c, id) {
		return
	}

	if err := h.lifecycle.Cancel(c.Request.Context(), id); err != nil {
		writeServiceError(c, "Failed to cancel session", err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Session cancelled"})
}

// GetStatus 获取状态快照
// @Summary 获取机器人训练状态快照
// @Description 每种来源类型的阶段计数直方图与总体状态
// @Tags 训练状态
// @Produce json
// @Param id path int true "机器人ID"
// @Success 200 {object} services.StatusSnapshot
// @Failure 404 {object} ErrorResponse
// @Router /api/bots/{id}/status [get]
func (h *BotHandler) GetStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if !h.authorizeBot(c, id) {
		return
	}

	snap, err := h.status.Snapshot(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, "Failed to build status snapshot", err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// RegisterBotRoutes 注册机器人训练相关路由
func RegisterBotRoutes(r *gin.RouterGroup, handler *BotHandler) {
	bots := r.Group("/bots")
	{
		bots.POST("", handler.CreateBot)
		bots.GET("", handler.ListBots)
		bots.GET("/:id", handler.GetBot)
		bots.DELETE("/:id", handler.DeleteBot)
		bots.POST("/:id/reconfigure", handler.OpenReconfigure)
		bots.POST("/:id/commit", handler.Commit)
		bots.POST("/:id/cancel", handler.Cancel)
		bots.POST("/:id/content", handler.StageContent)
		bots.GET("/:id/content", handler.ListContent)
		bots.DELETE("/:id/content/:item_id", handler.RemoveContent)
		bots.GET("/:id/status", handler.GetStatus)
	}
}
