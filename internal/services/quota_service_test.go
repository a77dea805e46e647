package services

import (
	"context"
	"sync"
	"testing"

	"botforge/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newQuotaTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:quota_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func createQuotaFixture(t *testing.T, db *gorm.DB, wordLimit, storageLimit, perItem int64) (*models.Account, *models.TrainingSession) {
	t.Helper()
	account := &models.Account{Email: "owner@test.com", Name: "Owner"}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	qa := &models.QuotaAccount{
		AccountID:        account.ID,
		WordLimit:        wordLimit,
		StorageLimit:     storageLimit,
		PerItemSizeLimit: perItem,
	}
	if err := db.Create(qa).Error; err != nil {
		t.Fatalf("create quota account: %v", err)
	}
	bot := &models.Bot{AccountID: account.ID, Name: "bot", Status: models.BotStatusReconfiguring}
	if err := db.Create(bot).Error; err != nil {
		t.Fatalf("create bot: %v", err)
	}
	sess := &models.TrainingSession{
		BotID:      bot.ID,
		AccountID:  account.ID,
		Status:     models.SessionStatusOpen,
		PrevStatus: models.BotStatusPending,
	}
	if err := db.Create(sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	return account, sess
}

func TestQuotaService_AdmitAndStage(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	_, sess := createQuotaFixture(t, db, 2000, 1<<20, 0)

	tests := []struct {
		name     string
		words    int64
		bytes    int64
		wantCode string
	}{
		{name: "fits", words: 1500, bytes: 1024},
		{name: "words over limit", words: 600, bytes: 0, wantCode: CodeWordLimitExceeded},
		{name: "fills remaining words", words: 500, bytes: 0},
		{name: "storage over limit", words: 0, bytes: 2 << 20, wantCode: CodeStorageLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.AdmitAndStage(ctx, sess, tt.words, tt.bytes)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("AdmitAndStage() error = %v", err)
				}
				return
			}
			if !IsCode(err, tt.wantCode) {
				t.Fatalf("AdmitAndStage() error = %v, want code %s", err, tt.wantCode)
			}
		})
	}

	if sess.StagedWords != 2000 {
		t.Errorf("staged words = %d, want 2000", sess.StagedWords)
	}
}

// A declared estimate of 49,000 words against a 50,000 limit admits; adding a
// 2,000-word item afterwards must be denied even though each fits alone.
func TestQuotaService_AdmissionCountsStaged(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	_, sess := createQuotaFixture(t, db, 50000, 1<<30, 0)

	if err := svc.AdmitAndStage(ctx, sess, 49000, 100); err != nil {
		t.Fatalf("first stage: %v", err)
	}
	err := svc.AdmitAndStage(ctx, sess, 2000, 100)
	if !IsCode(err, CodeWordLimitExceeded) {
		t.Fatalf("second stage error = %v, want %s", err, CodeWordLimitExceeded)
	}

	// The read-only probe agrees without consuming anything.
	if err := svc.CheckAdmission(ctx, sess.AccountID, 1000, 0); err != nil {
		t.Errorf("CheckAdmission(1000) = %v, want nil", err)
	}
	if err := svc.CheckAdmission(ctx, sess.AccountID, 1001, 0); !IsCode(err, CodeWordLimitExceeded) {
		t.Errorf("CheckAdmission(1001) = %v, want %s", err, CodeWordLimitExceeded)
	}
}

func TestQuotaService_CheckItemSize(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	acc, _ := createQuotaFixture(t, db, 1000, 1<<30, 4096)

	if err := svc.CheckItemSize(ctx, acc.ID, 4096); err != nil {
		t.Errorf("at limit: %v", err)
	}
	if err := svc.CheckItemSize(ctx, acc.ID, 4097); !IsCode(err, CodeItemTooLarge) {
		t.Errorf("over limit error = %v, want %s", err, CodeItemTooLarge)
	}
}

// Two goroutines racing for the last slice of quota: exactly one may win.
func TestQuotaService_ConcurrentAdmission(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	_, sess := createQuotaFixture(t, db, 1000, 1<<30, 0)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.AdmitAndStage(ctx, sess, 300, 0)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else if !IsCode(err, CodeWordLimitExceeded) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 3 {
		t.Errorf("admitted = %d, want 3 (3*300 <= 1000 < 4*300)", admitted)
	}

	var fresh models.TrainingSession
	if err := db.First(&fresh, sess.ID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if fresh.StagedWords != 900 {
		t.Errorf("staged words = %d, want 900", fresh.StagedWords)
	}
}

func TestQuotaService_CommitStaged(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	acc, sess := createQuotaFixture(t, db, 1000, 1<<20, 0)

	if err := svc.AdmitAndStage(ctx, sess, 800, 2048); err != nil {
		t.Fatalf("stage: %v", err)
	}
	words, bytes, err := svc.CommitStaged(ctx, sess)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if words != 800 || bytes != 2048 {
		t.Errorf("merged amounts = (%d, %d), want (800, 2048)", words, bytes)
	}

	qa, err := svc.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if qa.WordsUsed != 800 || qa.StorageUsed != 2048 {
		t.Errorf("committed totals = (%d, %d), want (800, 2048)", qa.WordsUsed, qa.StorageUsed)
	}
	if sess.StagedWords != 0 || sess.StagedBytes != 0 {
		t.Errorf("staged delta not zeroed: (%d, %d)", sess.StagedWords, sess.StagedBytes)
	}
}

func TestQuotaService_CommitStagedOverLimit(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	acc, sess := createQuotaFixture(t, db, 1000, 1<<20, 0)

	if err := svc.AdmitAndStage(ctx, sess, 900, 0); err != nil {
		t.Fatalf("stage: %v", err)
	}
	// Extraction actuals grew past the limit after admission.
	if err := svc.AdjustStaged(ctx, sess, 300, 0); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	_, _, err := svc.CommitStaged(ctx, sess)
	if !IsCode(err, CodeQuotaExceeded) {
		t.Fatalf("commit error = %v, want %s", err, CodeQuotaExceeded)
	}

	// Nothing moved: committed stays zero, delta stays staged.
	qa, _ := svc.GetAccount(ctx, acc.ID)
	if qa.WordsUsed != 0 {
		t.Errorf("words used = %d after failed commit, want 0", qa.WordsUsed)
	}
	var fresh models.TrainingSession
	db.First(&fresh, sess.ID)
	if fresh.StagedWords != 1200 {
		t.Errorf("staged words = %d after failed commit, want 1200", fresh.StagedWords)
	}
}

// An extraction report may adjust the session delta after the committer has
// loaded its session copy. The commit must merge the fresh row value, return
// that value, and a rollback with the returned amounts must land the ledger
// back at exactly zero.
func TestQuotaService_CommitMergesLateAdjustment(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	acc, sess := createQuotaFixture(t, db, 5000, 1<<20, 0)

	if err := svc.AdmitAndStage(ctx, sess, 1000, 0); err != nil {
		t.Fatalf("stage: %v", err)
	}

	// Actuals report lands through a second session handle, so the
	// committer's in-memory copy still says 1000.
	var other models.TrainingSession
	if err := db.First(&other, sess.ID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if err := svc.AdjustStaged(ctx, &other, 400, 0); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	words, bytes, err := svc.CommitStaged(ctx, sess)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if words != 1400 || bytes != 0 {
		t.Fatalf("merged amounts = (%d, %d), want (1400, 0)", words, bytes)
	}

	if err := svc.RollbackCommit(ctx, sess, words, bytes); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	qa, _ := svc.GetAccount(ctx, acc.ID)
	if qa.WordsUsed != 0 {
		t.Errorf("committed words leaked after full rollback: %d (want 0)", qa.WordsUsed)
	}
	var fresh models.TrainingSession
	db.First(&fresh, sess.ID)
	if fresh.StagedWords != 1400 {
		t.Errorf("staged words = %d after rollback, want 1400", fresh.StagedWords)
	}
}

func TestQuotaService_RejectsNegativeCounts(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	acc, sess := createQuotaFixture(t, db, 1000, 1<<20, 4096)

	if err := svc.AdmitAndStage(ctx, sess, -40000, -1); !IsCode(err, CodeInvalidState) {
		t.Fatalf("negative stage error = %v, want %s", err, CodeInvalidState)
	}
	var fresh models.TrainingSession
	db.First(&fresh, sess.ID)
	if fresh.StagedWords != 0 || fresh.StagedBytes != 0 {
		t.Errorf("staged delta corrupted: (%d, %d), want (0, 0)", fresh.StagedWords, fresh.StagedBytes)
	}

	if err := svc.CheckItemSize(ctx, acc.ID, -1); !IsCode(err, CodeInvalidState) {
		t.Errorf("negative item size error = %v, want %s", err, CodeInvalidState)
	}
}

func TestQuotaService_RollbackCommit(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	acc, sess := createQuotaFixture(t, db, 1000, 1<<20, 0)

	if err := svc.AdmitAndStage(ctx, sess, 500, 1024); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, _, err := svc.CommitStaged(ctx, sess); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := svc.RollbackCommit(ctx, sess, 500, 1024); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	qa, _ := svc.GetAccount(ctx, acc.ID)
	if qa.WordsUsed != 0 || qa.StorageUsed != 0 {
		t.Errorf("committed totals = (%d, %d) after rollback, want (0, 0)", qa.WordsUsed, qa.StorageUsed)
	}
	var fresh models.TrainingSession
	db.First(&fresh, sess.ID)
	if fresh.StagedWords != 500 || fresh.StagedBytes != 1024 {
		t.Errorf("staged delta = (%d, %d) after rollback, want (500, 1024)", fresh.StagedWords, fresh.StagedBytes)
	}
}

func TestQuotaService_Release(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	acc, sess := createQuotaFixture(t, db, 1000, 1<<20, 0)
	if err := svc.AdmitAndStage(ctx, sess, 400, 100); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, _, err := svc.CommitStaged(ctx, sess); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := svc.Release(ctx, acc.ID, 400, 100); err != nil {
		t.Fatalf("release: %v", err)
	}
	qa, _ := svc.GetAccount(ctx, acc.ID)
	if qa.WordsUsed != 0 || qa.StorageUsed != 0 {
		t.Errorf("totals = (%d, %d) after release, want (0, 0)", qa.WordsUsed, qa.StorageUsed)
	}

	if err := svc.Release(ctx, acc.ID+99, 1, 1); !IsCode(err, CodeNotFound) {
		t.Errorf("release unknown account = %v, want %s", err, CodeNotFound)
	}
}

func TestQuotaService_StageOnClosedSession(t *testing.T) {
	db := newQuotaTestDB(t)
	svc := NewQuotaService(db, nil)
	ctx := context.Background()

	_, sess := createQuotaFixture(t, db, 1000, 1<<20, 0)
	db.Model(&models.TrainingSession{}).Where("id = ?", sess.ID).
		Update("status", models.SessionStatusCancelled)

	err := svc.AdmitAndStage(ctx, sess, 10, 10)
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("stage on closed session = %v, want %s", err, CodeNotFound)
	}
}
