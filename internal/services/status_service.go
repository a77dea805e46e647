package services

import (
	"context"
	"fmt"
	"time"

	"botforge/internal/metrics"
	"botforge/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// KindHistogram counts a bot's content items of one kind per phase.
type KindHistogram struct {
	Queued     int `json:"queued"`
	Extracting int `json:"extracting"`
	Extracted  int `json:"extracted"`
	Embedding  int `json:"embedding"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// InFlight is the number of items between staging and a terminal phase.
func (h KindHistogram) InFlight() int {
	return h.Queued + h.Extracting + h.Extracted + h.Embedding
}

// Processing excludes queued: items some pipeline is actively working on.
func (h KindHistogram) Processing() int {
	return h.Extracting + h.Extracted + h.Embedding
}

// StatusSnapshot is the coarse per-bot state pushed to observers. Clients
// must treat each snapshot as the authoritative current state, not a delta.
type StatusSnapshot struct {
	BotID         uint                     `json:"bot_id"`
	Kinds         map[string]KindHistogram `json:"kinds"`
	OverallStatus string                   `json:"overall_status"`
	GeneratedAt   time.Time                `json:"generated_at"`
}

// PhaseChangeRequest 管道阶段变更回调
type PhaseChangeRequest struct {
	ItemID       uint   `json:"item_id" binding:"required"`
	Phase        string `json:"phase" binding:"required"`
	WordCount    *int64 `json:"word_count"`
	StorageBytes *int64 `json:"storage_bytes"`
	ErrorCode    string `json:"error_code"`
}

// phaseRank orders the linear pipeline; failed handled separately.
var phaseRank = map[string]int{
	models.PhaseQueued:     0,
	models.PhaseExtracting: 1,
	models.PhaseExtracted:  2,
	models.PhaseEmbedding:  3,
	models.PhaseSucceeded:  4,
}

// StatusService maintains the per-source status table: it applies pipeline
// phase reports to content items and derives the per-kind histograms and the
// bot's display status.
type StatusService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	quota  *QuotaService

	notify      func(botID uint)                           // optional, set to the sync hub
	onBatchDone func(ctx context.Context, botID uint, batchID string) // optional, set to the lifecycle service
}

// NewStatusService creates the status table service.
func NewStatusService(db *gorm.DB, logger *logrus.Logger, quota *QuotaService) *StatusService {
	if logger == nil {
		logger = logrus.New()
	}
	return &StatusService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("botforge.status"),
		quota:  quota,
	}
}

// SetNotifier wires the push channel; phase changes call it after commit.
func (s *StatusService) SetNotifier(fn func(botID uint)) { s.notify = fn }

// SetBatchDoneFunc wires the lifecycle completion hook, invoked when the last
// item of a training batch reaches a terminal phase.
func (s *StatusService) SetBatchDoneFunc(fn func(ctx context.Context, botID uint, batchID string)) {
	s.onBatchDone = fn
}

// Snapshot builds the poll-form status for one bot.
func (s *StatusService) Snapshot(ctx context.Context, botID uint) (*StatusSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "status.snapshot")
	defer span.End()
	span.SetAttributes(attribute.Int64("status.bot_id", int64(botID)))

	var bot models.Bot
	if err := s.db.WithContext(ctx).First(&bot, botID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, NewTrainingError(CodeNotFound, fmt.Sprintf("bot %d not found", botID))
		}
		return nil, fmt.Errorf("load bot: %w", err)
	}

	var rows []struct {
		Kind  string
		Phase string
		N     int
	}
	if err := s.db.WithContext(ctx).Model(&models.ContentItem{}).
		Select("kind, phase, COUNT(*) AS n").
		Where("bot_id = ?", botID).
		Group("kind").Group("phase").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("histogram query: %w", err)
	}

	kinds := map[string]KindHistogram{
		models.KindFile:    {},
		models.KindWebPage: {},
		models.KindVideo:   {},
	}
	for _, r := range rows {
		h := kinds[r.Kind]
		switch r.Phase {
		case models.PhaseQueued:
			h.Queued = r.N
		case models.PhaseExtracting:
			h.Extracting = r.N
		case models.PhaseExtracted:
			h.Extracted = r.N
		case models.PhaseEmbedding:
			h.Embedding = r.N
		case models.PhaseSucceeded:
			h.Succeeded = r.N
		case models.PhaseFailed:
			h.Failed = r.N
		}
		kinds[r.Kind] = h
	}

	return &StatusSnapshot{
		BotID:         botID,
		Kinds:         kinds,
		OverallStatus: deriveOverallStatus(bot.Status, kinds),
		GeneratedAt:   time.Now(),
	}, nil
}

// deriveOverallStatus: controller states win; otherwise any item still being
// processed shows "In Progress", else "Active".
func deriveOverallStatus(botStatus string, kinds map[string]KindHistogram) string {
	switch botStatus {
	case models.BotStatusReconfiguring, models.BotStatusRetraining, models.BotStatusPending:
		return botStatus
	}
	for _, h := range kinds {
		if h.Processing() > 0 {
			return "in_progress"
		}
	}
	return models.BotStatusActive
}

// ReportPhaseChange applies one pipeline callback. Redelivered reports (same
// or earlier phase) and reports against terminal items are no-ops, so the
// histogram counters are stable under duplicate delivery.
func (s *StatusService) ReportPhaseChange(ctx context.Context, req *PhaseChangeRequest) error {
	ctx, span := s.tracer.Start(ctx, "status.report_phase_change")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("status.item_id", int64(req.ItemID)),
		attribute.String("status.phase", req.Phase),
	)

	if req.Phase != models.PhaseFailed {
		if _, ok := phaseRank[req.Phase]; !ok {
			return NewTrainingError(CodeInvalidState, fmt.Sprintf("unknown phase %q", req.Phase))
		}
	}

	var item models.ContentItem
	if err := s.db.WithContext(ctx).First(&item, req.ItemID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return NewTrainingError(CodeNotFound, fmt.Sprintf("content item %d not found", req.ItemID))
		}
		return fmt.Errorf("load content item: %w", err)
	}

	if item.Terminal() {
		s.logger.Debugf("Phase report for terminal item %d ignored (phase=%s)", item.ID, item.Phase)
		return nil
	}
	if req.Phase != models.PhaseFailed && phaseRank[req.Phase] <= phaseRank[item.Phase] {
		// Duplicate or out-of-order redelivery.
		s.logger.Debugf("Stale phase report for item %d ignored (%s -> %s)", item.ID, item.Phase, req.Phase)
		return nil
	}

	prevWords, prevBytes := item.WordCount, item.StorageBytes
	updates := map[string]interface{}{
		"phase":      req.Phase,
		"updated_at": time.Now(),
	}
	if req.WordCount != nil {
		updates["word_count"] = *req.WordCount
	}
	if req.StorageBytes != nil {
		updates["storage_bytes"] = *req.StorageBytes
	}
	if req.Phase == models.PhaseFailed {
		code := req.ErrorCode
		if code == "" {
			code = "extraction_failed"
		}
		updates["error_code"] = code
	}

	// Guard on the previous phase so concurrent reports cannot double-apply.
	res := s.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("id = ? AND phase = ?", item.ID, item.Phase).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("apply phase change: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debugf("Phase report for item %d lost race, ignored", item.ID)
		return nil
	}
	metrics.IncPhaseReport(req.Phase)

	// Extraction actuals replace the declared estimates on an open session.
	if item.Staged() && (req.WordCount != nil || req.StorageBytes != nil) {
		var sess models.TrainingSession
		if err := s.db.WithContext(ctx).First(&sess, *item.SessionID).Error; err == nil &&
			sess.Status == models.SessionStatusOpen {
			dWords, dBytes := int64(0), int64(0)
			if req.WordCount != nil {
				dWords = *req.WordCount - prevWords
			}
			if req.StorageBytes != nil {
				dBytes = *req.StorageBytes - prevBytes
			}
			if dWords != 0 || dBytes != 0 {
				if err := s.quota.AdjustStaged(ctx, &sess, dWords, dBytes); err != nil {
					s.logger.Warnf("Failed to adjust staged delta for item %d: %v", item.ID, err)
				}
			}
		}
	}

	if s.notify != nil {
		s.notify(item.BotID)
	}

	// A terminal phase may complete the training batch.
	if (req.Phase == models.PhaseSucceeded || req.Phase == models.PhaseFailed) &&
		item.BatchID != "" && s.onBatchDone != nil {
		var remaining int64
		if err := s.db.WithContext(ctx).Model(&models.ContentItem{}).
			Where("batch_id = ? AND phase NOT IN ?", item.BatchID,
				[]string{models.PhaseSucceeded, models.PhaseFailed}).
			Count(&remaining).Error; err != nil {
			return fmt.Errorf("count batch remainder: %w", err)
		}
		if remaining == 0 {
			s.onBatchDone(ctx, item.BotID, item.BatchID)
		}
	}
	return nil
}
