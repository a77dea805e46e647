package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botforge/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// QuotaService is the per-account usage ledger. Committed totals live on the
// QuotaAccount row; staged (uncommitted) totals live on open TrainingSession
// rows. Every mutation for one account is serialized behind that account's
// lock so a check-then-stage pair is atomic as a unit.
type QuotaService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	locks map[uint]*sync.Mutex // per-account
}

// NewQuotaService creates the ledger service.
func NewQuotaService(db *gorm.DB, logger *logrus.Logger) *QuotaService {
	if logger == nil {
		logger = logrus.New()
	}
	return &QuotaService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("botforge.quota"),
		locks:  make(map[uint]*sync.Mutex),
	}
}

// accountLock returns the serialization lock for one account. Two accounts'
// ledgers are independent and proceed in parallel.
func (s *QuotaService) accountLock(accountID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// GetAccount loads the quota account row for an owner.
func (s *QuotaService) GetAccount(ctx context.Context, accountID uint) (*models.QuotaAccount, error) {
	var qa models.QuotaAccount
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&qa).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, NewTrainingError(CodeNotFound, fmt.Sprintf("no quota account for account %d", accountID))
		}
		return nil, fmt.Errorf("load quota account: %w", err)
	}
	return &qa, nil
}

// stagedTotals sums the staged deltas of all open sessions for an account.
func (s *QuotaService) stagedTotals(ctx context.Context, accountID uint) (words, bytes int64, err error) {
	var row struct {
		Words int64
		Bytes int64
	}
	err = s.db.WithContext(ctx).Model(&models.TrainingSession{}).
		Select("COALESCE(SUM(staged_words),0) AS words, COALESCE(SUM(staged_bytes),0) AS bytes").
		Where("account_id = ? AND status = ?", accountID, models.SessionStatusOpen).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("sum staged deltas: %w", err)
	}
	return row.Words, row.Bytes, nil
}

// checkAdmission computes committed + staged + candidate against the plan
// limits. Caller must hold the account lock.
func (s *QuotaService) checkAdmission(ctx context.Context, qa *models.QuotaAccount, candidateWords, candidateBytes int64) error {
	stagedWords, stagedBytes, err := s.stagedTotals(ctx, qa.AccountID)
	if err != nil {
		return err
	}
	if qa.WordsUsed+stagedWords+candidateWords > qa.WordLimit {
		return NewTrainingError(CodeWordLimitExceeded,
			fmt.Sprintf("words %d + staged %d + candidate %d exceed limit %d",
				qa.WordsUsed, stagedWords, candidateWords, qa.WordLimit))
	}
	if qa.StorageUsed+stagedBytes+candidateBytes > qa.StorageLimit {
		return NewTrainingError(CodeStorageLimitExceeded,
			fmt.Sprintf("storage %d + staged %d + candidate %d exceed limit %d",
				qa.StorageUsed, stagedBytes, candidateBytes, qa.StorageLimit))
	}
	return nil
}

// CheckAdmission is the read-only admission probe. It does not reserve
// capacity; use AdmitAndStage for the atomic check-then-stage pair.
func (s *QuotaService) CheckAdmission(ctx context.Context, accountID uint, candidateWords, candidateBytes int64) error {
	ctx, span := s.tracer.Start(ctx, "quota.check_admission")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("quota.account_id", int64(accountID)),
		attribute.Int64("quota.candidate_words", candidateWords),
		attribute.Int64("quota.candidate_bytes", candidateBytes),
	)

	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	qa, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return s.checkAdmission(ctx, qa, candidateWords, candidateBytes)
}

// CheckItemSize enforces the per-item size limit. This is separate from the
// aggregate admission check and consumes no ledger capacity.
func (s *QuotaService) CheckItemSize(ctx context.Context, accountID uint, candidateBytes int64) error {
	if candidateBytes < 0 {
		return NewTrainingError(CodeInvalidState,
			fmt.Sprintf("item size must be non-negative, got %d", candidateBytes))
	}
	qa, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if qa.PerItemSizeLimit > 0 && candidateBytes > qa.PerItemSizeLimit {
		return NewTrainingError(CodeItemTooLarge,
			fmt.Sprintf("item size %d exceeds per-item limit %d", candidateBytes, qa.PerItemSizeLimit))
	}
	return nil
}

// AdmitAndStage runs the admission check and, if it passes, adds the
// candidate to the session's staged delta. Check and stage happen under the
// account lock, so two concurrent uploads cannot both pass a check they
// jointly violate. Committed totals are untouched.
func (s *QuotaService) AdmitAndStage(ctx context.Context, session *models.TrainingSession, words, bytes int64) error {
	// Candidates carry absolute counts; a negative one would drag the delta
	// below the sum of its items and corrupt the ledger at commit.
	if words < 0 || bytes < 0 {
		return NewTrainingError(CodeInvalidState,
			fmt.Sprintf("candidate counts must be non-negative, got words=%d bytes=%d", words, bytes))
	}
	ctx, span := s.tracer.Start(ctx, "quota.admit_and_stage")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("quota.session_id", int64(session.ID)),
		attribute.Int64("quota.words", words),
		attribute.Int64("quota.bytes", bytes),
	)

	lock := s.accountLock(session.AccountID)
	lock.Lock()
	defer lock.Unlock()

	qa, err := s.GetAccount(ctx, session.AccountID)
	if err != nil {
		return err
	}
	if err := s.checkAdmission(ctx, qa, words, bytes); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&models.TrainingSession{}).
		Where("id = ? AND status = ?", session.ID, models.SessionStatusOpen).
		Updates(map[string]interface{}{
			"staged_words": gorm.Expr("staged_words + ?", words),
			"staged_bytes": gorm.Expr("staged_bytes + ?", bytes),
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("stage delta: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return NewTrainingError(CodeNotFound, "session closed or missing")
	}
	session.StagedWords += words
	session.StagedBytes += bytes
	return nil
}

// Unstage removes a previously staged candidate from the session delta, e.g.
// when the user discards a staged item. Never touches committed totals.
func (s *QuotaService) Unstage(ctx context.Context, session *models.TrainingSession, words, bytes int64) error {
	return s.AdjustStaged(ctx, session, -words, -bytes)
}

// AdjustStaged applies a signed correction to the session delta. Used when
// extraction reports actual word/byte counts that differ from the declared
// estimates admitted at staging time.
func (s *QuotaService) AdjustStaged(ctx context.Context, session *models.TrainingSession, dWords, dBytes int64) error {
	lock := s.accountLock(session.AccountID)
	lock.Lock()
	defer lock.Unlock()

	res := s.db.WithContext(ctx).Model(&models.TrainingSession{}).
		Where("id = ? AND status = ?", session.ID, models.SessionStatusOpen).
		Updates(map[string]interface{}{
			"staged_words": gorm.Expr("staged_words + ?", dWords),
			"staged_bytes": gorm.Expr("staged_bytes + ?", dBytes),
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("adjust staged delta: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return NewTrainingError(CodeNotFound, "session closed or missing")
	}
	session.StagedWords += dWords
	session.StagedBytes += dBytes
	return nil
}

// CommitStaged re-validates the staged delta against current limits and, if
// it fits, merges it into the committed totals and zeroes the delta, all in
// one transaction under the account lock. On QuotaExceeded nothing changes.
// Returns the exact merged word/byte amounts: the delta is re-read from the
// session row inside the transaction, so late corrections from extraction
// reports are included and the caller's in-memory copy may be stale. Use the
// returned amounts for any compensating RollbackCommit.
func (s *QuotaService) CommitStaged(ctx context.Context, session *models.TrainingSession) (mergedWords, mergedBytes int64, err error) {
	ctx, span := s.tracer.Start(ctx, "quota.commit_staged")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("quota.session_id", int64(session.ID)),
		attribute.Int64("quota.staged_words", session.StagedWords),
		attribute.Int64("quota.staged_bytes", session.StagedBytes),
	)

	lock := s.accountLock(session.AccountID)
	lock.Lock()
	defer lock.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var qa models.QuotaAccount
		if err := tx.Where("account_id = ?", session.AccountID).First(&qa).Error; err != nil {
			return fmt.Errorf("load quota account: %w", err)
		}
		var sess models.TrainingSession
		if err := tx.First(&sess, session.ID).Error; err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		// Re-check against committed alone: this session's delta is moving
		// from staged to committed, other sessions stay staged.
		if qa.WordsUsed+sess.StagedWords > qa.WordLimit {
			return NewTrainingError(CodeQuotaExceeded,
				fmt.Sprintf("committing %d words would exceed limit %d", sess.StagedWords, qa.WordLimit))
		}
		if qa.StorageUsed+sess.StagedBytes > qa.StorageLimit {
			return NewTrainingError(CodeQuotaExceeded,
				fmt.Sprintf("committing %d bytes would exceed limit %d", sess.StagedBytes, qa.StorageLimit))
		}

		now := time.Now()
		if err := tx.Model(&models.QuotaAccount{}).Where("id = ?", qa.ID).
			Updates(map[string]interface{}{
				"words_used":   gorm.Expr("words_used + ?", sess.StagedWords),
				"storage_used": gorm.Expr("storage_used + ?", sess.StagedBytes),
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("merge staged delta: %w", err)
		}
		if err := tx.Model(&models.TrainingSession{}).Where("id = ?", sess.ID).
			Updates(map[string]interface{}{
				"staged_words": 0,
				"staged_bytes": 0,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("zero staged delta: %w", err)
		}

		s.logger.Infof("Quota commit: account=%d words+=%d bytes+=%d",
			session.AccountID, sess.StagedWords, sess.StagedBytes)
		mergedWords = sess.StagedWords
		mergedBytes = sess.StagedBytes
		session.StagedWords = 0
		session.StagedBytes = 0
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return mergedWords, mergedBytes, nil
}

// RollbackCommit is the compensating decrement for a commit whose pipeline
// enqueue failed afterwards: committed totals go back down and the delta is
// restored on the session so the staged items remain retryable.
func (s *QuotaService) RollbackCommit(ctx context.Context, session *models.TrainingSession, words, bytes int64) error {
	lock := s.accountLock(session.AccountID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Model(&models.QuotaAccount{}).Where("account_id = ?", session.AccountID).
			Updates(map[string]interface{}{
				"words_used":   gorm.Expr("words_used - ?", words),
				"storage_used": gorm.Expr("storage_used - ?", bytes),
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("rollback committed totals: %w", err)
		}
		if err := tx.Model(&models.TrainingSession{}).Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"staged_words": gorm.Expr("staged_words + ?", words),
				"staged_bytes": gorm.Expr("staged_bytes + ?", bytes),
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("restore staged delta: %w", err)
		}
		s.logger.Warnf("Quota commit rolled back: account=%d words-=%d bytes-=%d",
			session.AccountID, words, bytes)
		session.StagedWords += words
		session.StagedBytes += bytes
		return nil
	})
}

// Release decrements committed totals by a committed item's recorded counts,
// on explicit deletion of that item. Staged items never reach here; their
// removal only adjusts the session delta.
func (s *QuotaService) Release(ctx context.Context, accountID uint, words, bytes int64) error {
	ctx, span := s.tracer.Start(ctx, "quota.release")
	defer span.End()
	span.SetAttributes(attribute.Int64("quota.account_id", int64(accountID)))

	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	res := s.db.WithContext(ctx).Model(&models.QuotaAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"words_used":   gorm.Expr("words_used - ?", words),
			"storage_used": gorm.Expr("storage_used - ?", bytes),
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("release committed usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return NewTrainingError(CodeNotFound, fmt.Sprintf("no quota account for account %d", accountID))
	}
	return nil
}
