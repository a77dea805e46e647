package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"botforge/internal/metrics"
	"botforge/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Dispatcher hands content to the ingestion pipelines. Implementations never
// block on the pipeline work itself, only on the handoff.
type Dispatcher interface {
	// DispatchExtraction starts extraction for a freshly staged item.
	DispatchExtraction(ctx context.Context, item *models.ContentItem) error
	// EnqueueBatch submits a committed training batch for processing.
	EnqueueBatch(ctx context.Context, batchID string, items []models.ContentItem) error
}

// LifecycleService is the bot state machine. It owns every transition of
// Bot.Status and gates all content mutations on the reconfiguring state.
// Transitions for one bot are serialized behind that bot's lock; the quota
// ledger adds per-account serialization underneath.
type LifecycleService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	quota      *QuotaService
	dispatcher Dispatcher

	notify func(botID uint) // optional, set to the sync hub

	mu    sync.Mutex
	locks map[uint]*sync.Mutex // per-bot
}

// NewLifecycleService creates the controller.
func NewLifecycleService(db *gorm.DB, logger *logrus.Logger, quota *QuotaService, dispatcher Dispatcher) *LifecycleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &LifecycleService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("botforge.lifecycle"),
		quota:      quota,
		dispatcher: dispatcher,
		locks:      make(map[uint]*sync.Mutex),
	}
}

// SetNotifier wires the push channel; state transitions call it after commit.
func (s *LifecycleService) SetNotifier(fn func(botID uint)) { s.notify = fn }

func (s *LifecycleService) botLock(botID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[botID] = l
	}
	return l
}

func (s *LifecycleService) notifyBot(botID uint) {
	if s.notify != nil {
		s.notify(botID)
	}
}

// BotCreateRequest 创建机器人请求
type BotCreateRequest struct {
	AccountID uint   `json:"account_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
}

// CreateBot registers a new bot in the pending (never trained) state.
func (s *LifecycleService) CreateBot(ctx context.Context, req *BotCreateRequest) (*models.Bot, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, NewTrainingError(CodeInvalidState, "bot name required")
	}
	now := time.Now()
	bot := &models.Bot{
		AccountID: req.AccountID,
		Name:      name,
		Status:    models.BotStatusPending,
		IsActive:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(bot).Error; err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	s.logger.Infof("Created bot: id=%d account=%d name=%s", bot.ID, bot.AccountID, bot.Name)
	return bot, nil
}

// GetBot loads one bot.
func (s *LifecycleService) GetBot(ctx context.Context, botID uint) (*models.Bot, error) {
	var bot models.Bot
	if err := s.db.WithContext(ctx).First(&bot, botID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, NewTrainingError(CodeNotFound, fmt.Sprintf("bot %d not found", botID))
		}
		return nil, fmt.Errorf("load bot: %w", err)
	}
	return &bot, nil
}

// ListBots returns an account's bots, newest first.
func (s *LifecycleService) ListBots(ctx context.Context, accountID uint) ([]models.Bot, error) {
	var bots []models.Bot
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND status <> ?", accountID, models.BotStatusDeleted).
		Order("created_at DESC").
		Find(&bots).Error; err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return bots, nil
}

// DeleteBot soft-marks a bot deleted. Bots are never hard-deleted.
func (s *LifecycleService) DeleteBot(ctx context.Context, botID uint) error {
	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.Status == models.BotStatusReconfiguring || bot.Status == models.BotStatusRetraining {
		return NewTrainingError(CodeInvalidState, "cannot delete a bot mid-reconfiguration")
	}
	return s.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", botID).
		Updates(map[string]interface{}{
			"status":     models.BotStatusDeleted,
			"is_active":  false,
			"updated_at": time.Now(),
		}).Error
}

// openSession loads the bot's open reconfigure session, or nil.
func (s *LifecycleService) openSession(ctx context.Context, botID uint) (*models.TrainingSession, error) {
	var sess models.TrainingSession
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND status = ?", botID, models.SessionStatusOpen).
		First(&sess).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load open session: %w", err)
	}
	return &sess, nil
}

// OpenReconfigure moves a pending or active bot into reconfiguring and opens
// the session that will hold its staged delta.
func (s *LifecycleService) OpenReconfigure(ctx context.Context, botID uint) (*models.TrainingSession, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.open_reconfigure")
	defer span.End()
	span.SetAttributes(attribute.Int64("bot.id", int64(botID)))

	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	switch bot.Status {
	case models.BotStatusReconfiguring:
		return nil, NewTrainingError(CodeAlreadyReconfiguring, "a reconfigure session is already open")
	case models.BotStatusPending, models.BotStatusActive:
		// legal
	default:
		return nil, NewTrainingError(CodeInvalidState,
			fmt.Sprintf("cannot reconfigure a bot in state %q", bot.Status))
	}

	now := time.Now()
	sess := &models.TrainingSession{
		BotID:      bot.ID,
		AccountID:  bot.AccountID,
		Status:     models.SessionStatusOpen,
		PrevStatus: bot.Status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return tx.Model(&models.Bot{}).Where("id = ?", bot.ID).
			Updates(map[string]interface{}{
				"status":     models.BotStatusReconfiguring,
				"is_active":  false,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Bot %d entered reconfiguring (session=%d, prev=%s)", bot.ID, sess.ID, sess.PrevStatus)
	s.notifyBot(bot.ID)
	return sess, nil
}

// ContentDescriptor identifies and sizes one candidate item. Word/byte
// figures are declared estimates; extraction replaces them with actuals.
type ContentDescriptor struct {
	Kind         string `json:"kind" binding:"required"` // file, webpage, video
	ExternalID   string `json:"external_id" binding:"required"`
	Title        string `json:"title"`
	WordCount    int64  `json:"word_count"`
	StorageBytes int64  `json:"storage_bytes"`
}

func validKind(kind string) bool {
	switch kind {
	case models.KindFile, models.KindWebPage, models.KindVideo:
		return true
	}
	return false
}

// StageContent admits one item into the open session: per-item size check,
// duplicate check, then the atomic admission-and-stage against the ledger,
// then item creation and extraction dispatch. Legal only while reconfiguring.
func (s *LifecycleService) StageContent(ctx context.Context, botID uint, desc *ContentDescriptor) (*models.ContentItem, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.stage_content")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("bot.id", int64(botID)),
		attribute.String("content.kind", desc.Kind),
	)

	if !validKind(desc.Kind) {
		return nil, NewTrainingError(CodeInvalidState, fmt.Sprintf("unknown content kind %q", desc.Kind))
	}
	if strings.TrimSpace(desc.ExternalID) == "" {
		return nil, NewTrainingError(CodeInvalidState, "external_id required")
	}
	if desc.WordCount < 0 || desc.StorageBytes < 0 {
		return nil, NewTrainingError(CodeInvalidState,
			fmt.Sprintf("word_count and storage_bytes must be non-negative, got %d/%d",
				desc.WordCount, desc.StorageBytes))
	}

	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.Status != models.BotStatusReconfiguring {
		return nil, NewTrainingError(CodeNotReconfiguring,
			fmt.Sprintf("content mutations require reconfiguring, bot is %q", bot.Status))
	}
	sess, err := s.openSession(ctx, botID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, NewTrainingError(CodeNotReconfiguring, "no open session")
	}

	// Per-item limit first: a too-large item must not consume ledger capacity.
	if err := s.quota.CheckItemSize(ctx, bot.AccountID, desc.StorageBytes); err != nil {
		metrics.IncAdmissionDenial(ErrorCode(err))
		return nil, err
	}

	// Duplicate external_id within a bot, independent of quota checks.
	var dup int64
	if err := s.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("bot_id = ? AND kind = ? AND external_id = ?", botID, desc.Kind, desc.ExternalID).
		Count(&dup).Error; err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if dup > 0 {
		metrics.IncAdmissionDenial(CodeDuplicateContent)
		return nil, NewTrainingError(CodeDuplicateContent,
			fmt.Sprintf("%s %q already staged or trained for this bot", desc.Kind, desc.ExternalID))
	}

	if err := s.quota.AdmitAndStage(ctx, sess, desc.WordCount, desc.StorageBytes); err != nil {
		if code := ErrorCode(err); code == CodeWordLimitExceeded || code == CodeStorageLimitExceeded {
			metrics.IncAdmissionDenial(code)
			return nil, NewTrainingError(CodeQuotaExceeded, err.Error())
		}
		return nil, err
	}

	now := time.Now()
	item := &models.ContentItem{
		BotID:        bot.ID,
		Kind:         desc.Kind,
		ExternalID:   strings.TrimSpace(desc.ExternalID),
		Title:        strings.TrimSpace(desc.Title),
		WordCount:    desc.WordCount,
		StorageBytes: desc.StorageBytes,
		Phase:        models.PhaseQueued,
		SessionID:    &sess.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		// Roll the staged delta back; the item never existed.
		if uerr := s.quota.Unstage(ctx, sess, desc.WordCount, desc.StorageBytes); uerr != nil {
			s.logger.Errorf("Failed to unstage after create error: %v", uerr)
		}
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, NewTrainingError(CodeDuplicateContent,
				fmt.Sprintf("%s %q already staged or trained for this bot", desc.Kind, desc.ExternalID))
		}
		return nil, fmt.Errorf("create content item: %w", err)
	}

	// Extraction starts immediately so word/byte actuals arrive before commit.
	if err := s.dispatcher.DispatchExtraction(ctx, item); err != nil {
		s.logger.Errorf("Extraction dispatch failed for item %d: %v", item.ID, err)
		s.db.WithContext(ctx).Model(&models.ContentItem{}).Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"phase":      models.PhaseFailed,
				"error_code": "enqueue_failed",
				"updated_at": time.Now(),
			})
		item.Phase = models.PhaseFailed
		item.ErrorCode = "enqueue_failed"
	}

	s.logger.Infof("Staged %s %q for bot %d (item=%d, words=%d, bytes=%d)",
		item.Kind, item.ExternalID, bot.ID, item.ID, item.WordCount, item.StorageBytes)
	s.notifyBot(bot.ID)
	return item, nil
}

// RemoveContent deletes one item while reconfiguring. A staged item only
// adjusts the session delta; a committed item releases committed quota.
func (s *LifecycleService) RemoveContent(ctx context.Context, botID, itemID uint) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.remove_content")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("bot.id", int64(botID)),
		attribute.Int64("content.item_id", int64(itemID)),
	)

	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.Status != models.BotStatusReconfiguring {
		return NewTrainingError(CodeNotReconfiguring,
			fmt.Sprintf("content mutations require reconfiguring, bot is %q", bot.Status))
	}

	var item models.ContentItem
	if err := s.db.WithContext(ctx).
		Where("id = ? AND bot_id = ?", itemID, botID).
		First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return NewTrainingError(CodeNotFound, fmt.Sprintf("content item %d not found", itemID))
		}
		return fmt.Errorf("load content item: %w", err)
	}

	if item.Staged() {
		var sess models.TrainingSession
		if err := s.db.WithContext(ctx).First(&sess, *item.SessionID).Error; err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if err := s.quota.Unstage(ctx, &sess, item.WordCount, item.StorageBytes); err != nil {
			return err
		}
	} else {
		if err := s.quota.Release(ctx, bot.AccountID, item.WordCount, item.StorageBytes); err != nil {
			return err
		}
	}

	if err := s.db.WithContext(ctx).Delete(&models.ContentItem{}, item.ID).Error; err != nil {
		return fmt.Errorf("delete content item: %w", err)
	}
	s.logger.Infof("Removed %s item %d from bot %d (staged=%v)", item.Kind, item.ID, botID, item.Staged())
	s.notifyBot(botID)
	return nil
}

// ListContent returns the detailed per-item rows for one bot, optionally
// filtered by source kind, newest first. The push channel only carries
// counts; this is what observers refetch for the full table.
func (s *LifecycleService) ListContent(ctx context.Context, botID uint, kind string, page, pageSize int) ([]models.ContentItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).Model(&models.ContentItem{}).Where("bot_id = ?", botID)
	if kind != "" {
		if !validKind(kind) {
			return nil, 0, NewTrainingError(CodeInvalidState, fmt.Sprintf("unknown source kind %q", kind))
		}
		query = query.Where("kind = ?", kind)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count content items: %w", err)
	}

	var items []models.ContentItem
	if err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("list content items: %w", err)
	}
	return items, total, nil
}

// HasUnsavedChanges is true while the session delta is nonzero, any staged
// item exists, or a staged item is still mid-pipeline. Cancel consults it.
func (s *LifecycleService) HasUnsavedChanges(ctx context.Context, sess *models.TrainingSession) (bool, error) {
	if sess.StagedWords != 0 || sess.StagedBytes != 0 {
		return true, nil
	}
	var staged int64
	if err := s.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("session_id = ?", sess.ID).
		Count(&staged).Error; err != nil {
		return false, fmt.Errorf("count staged items: %w", err)
	}
	return staged > 0, nil
}

// Cancel discards an empty session and restores the bot's prior status. It
// refuses while unsaved staged work exists; the caller must discard staged
// items first so no work is lost silently.
func (s *LifecycleService) Cancel(ctx context.Context, botID uint) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.cancel")
	defer span.End()
	span.SetAttributes(attribute.Int64("bot.id", int64(botID)))

	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.Status != models.BotStatusReconfiguring {
		return NewTrainingError(CodeInvalidState,
			fmt.Sprintf("cancel requires reconfiguring, bot is %q", bot.Status))
	}
	sess, err := s.openSession(ctx, botID)
	if err != nil {
		return err
	}
	if sess == nil {
		return NewTrainingError(CodeInvalidState, "no open session")
	}

	unsaved, err := s.HasUnsavedChanges(ctx, sess)
	if err != nil {
		return err
	}
	if unsaved {
		return NewTrainingError(CodeUnsavedChanges, "discard staged items before cancelling")
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.TrainingSession{}).Where("id = ?", sess.ID).
			Updates(map[string]interface{}{
				"status":     models.SessionStatusCancelled,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return tx.Model(&models.Bot{}).Where("id = ?", bot.ID).
			Updates(map[string]interface{}{
				"status":     sess.PrevStatus,
				"is_active":  sess.PrevStatus == models.BotStatusActive,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return err
	}

	s.logger.Infof("Bot %d reconfigure cancelled, restored to %s", bot.ID, sess.PrevStatus)
	s.notifyBot(bot.ID)
	return nil
}

// Commit merges the staged delta into committed quota, marks the staged
// items as the new training batch, moves the bot to retraining and enqueues
// the batch. Quota re-validation failure aborts with nothing changed; an
// enqueue failure after the merge triggers the compensating rollback and
// leaves the session open with its staged items intact.
func (s *LifecycleService) Commit(ctx context.Context, botID uint) (*models.TrainingSession, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.commit")
	defer span.End()
	span.SetAttributes(attribute.Int64("bot.id", int64(botID)))

	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.Status != models.BotStatusReconfiguring {
		return nil, NewTrainingError(CodeInvalidState,
			fmt.Sprintf("commit requires reconfiguring, bot is %q", bot.Status))
	}
	sess, err := s.openSession(ctx, botID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, NewTrainingError(CodeInvalidState, "no open session")
	}

	var items []models.ContentItem
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sess.ID).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load staged items: %w", err)
	}
	if len(items) == 0 {
		return nil, NewTrainingError(CodeInvalidState, "no staged content to commit")
	}

	// Phase one: re-validate and merge the quota delta. Full abort on failure.
	// The merged amounts come back from inside the commit transaction: an
	// extraction report may adjust the delta between our session load and the
	// merge, so sess.StagedWords here can be stale. Any compensating rollback
	// must use the amounts that were actually merged.
	mergedWords, mergedBytes, err := s.quota.CommitStaged(ctx, sess)
	if err != nil {
		if IsCode(err, CodeQuotaExceeded) {
			metrics.IncAdmissionDenial(CodeQuotaExceeded)
		}
		return nil, err
	}

	batchID := uuid.NewString()
	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ContentItem{}).Where("session_id = ?", sess.ID).
			Updates(map[string]interface{}{
				"session_id":   nil,
				"batch_id":     batchID,
				"committed_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("commit items: %w", err)
		}
		if err := tx.Model(&models.TrainingSession{}).Where("id = ?", sess.ID).
			Updates(map[string]interface{}{
				"status":       models.SessionStatusCommitted,
				"batch_id":     batchID,
				"committed_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return tx.Model(&models.Bot{}).Where("id = ?", bot.ID).
			Updates(map[string]interface{}{
				"status":     models.BotStatusRetraining,
				"is_active":  false,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		if rerr := s.quota.RollbackCommit(ctx, sess, mergedWords, mergedBytes); rerr != nil {
			s.logger.Errorf("Quota rollback after commit tx failure: %v", rerr)
		}
		return nil, err
	}

	// Phase two: the enqueue is an external, non-transactional call. Failure
	// here rolls the merge back and returns the bot to reconfiguring.
	if err := s.dispatcher.EnqueueBatch(ctx, batchID, items); err != nil {
		s.logger.Errorf("Batch enqueue failed for bot %d: %v", bot.ID, err)
		if cerr := s.compensateCommit(ctx, bot, sess, batchID, mergedWords, mergedBytes); cerr != nil {
			s.logger.Errorf("Commit compensation failed for bot %d: %v", bot.ID, cerr)
		}
		return nil, NewTrainingError(CodePipelineEnqueueFailed, err.Error())
	}

	sess.Status = models.SessionStatusCommitted
	sess.BatchID = batchID
	s.logger.Infof("Bot %d committed batch %s (%d items, %d words, %d bytes)",
		bot.ID, batchID, len(items), mergedWords, mergedBytes)
	s.notifyBot(bot.ID)
	return sess, nil
}

// compensateCommit undoes the quota merge and item/batch marking after a
// failed enqueue, leaving the session open for a retry.
func (s *LifecycleService) compensateCommit(ctx context.Context, bot *models.Bot, sess *models.TrainingSession, batchID string, words, bytes int64) error {
	if err := s.quota.RollbackCommit(ctx, sess, words, bytes); err != nil {
		return err
	}
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ContentItem{}).Where("batch_id = ?", batchID).
			Updates(map[string]interface{}{
				"session_id":   sess.ID,
				"batch_id":     "",
				"committed_at": nil,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("restore staged items: %w", err)
		}
		if err := tx.Model(&models.TrainingSession{}).Where("id = ?", sess.ID).
			Updates(map[string]interface{}{
				"status":       models.SessionStatusOpen,
				"batch_id":     "",
				"committed_at": nil,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("reopen session: %w", err)
		}
		return tx.Model(&models.Bot{}).Where("id = ?", bot.ID).
			Updates(map[string]interface{}{
				"status":     models.BotStatusReconfiguring,
				"updated_at": now,
			}).Error
	})
}

// FinishRetraining runs when the last item of a batch reaches a terminal
// phase. The bot goes active only if the batch produced at least one usable
// item; an all-failed batch leaves it retraining for the user to resolve.
func (s *LifecycleService) FinishRetraining(ctx context.Context, botID uint, batchID string) {
	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		s.logger.Errorf("Finish retraining: %v", err)
		return
	}
	if bot.Status != models.BotStatusRetraining {
		s.logger.Debugf("Batch %s completed but bot %d is %s, skipping", batchID, botID, bot.Status)
		return
	}

	var succeeded int64
	if err := s.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("batch_id = ? AND phase = ?", batchID, models.PhaseSucceeded).
		Count(&succeeded).Error; err != nil {
		s.logger.Errorf("Finish retraining count: %v", err)
		return
	}
	if succeeded == 0 {
		s.logger.Warnf("Batch %s for bot %d finished with zero successes, staying in retraining", batchID, botID)
		return
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", botID).
		Updates(map[string]interface{}{
			"status":          models.BotStatusActive,
			"is_active":       true,
			"last_trained_at": now,
			"updated_at":      now,
		}).Error; err != nil {
		s.logger.Errorf("Finish retraining update: %v", err)
		return
	}
	s.logger.Infof("Bot %d retrained and active (batch=%s, succeeded=%d)", botID, batchID, succeeded)
	s.notifyBot(botID)
}
