package services

import (
	"context"
	"testing"

	"botforge/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newStatusTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:status_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func i64(v int64) *int64 { return &v }

func seedStatusBot(t *testing.T, db *gorm.DB, status string) *models.Bot {
	t.Helper()
	account := &models.Account{Email: "owner@test.com"}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := db.Create(&models.QuotaAccount{
		AccountID: account.ID, WordLimit: 1 << 20, StorageLimit: 1 << 30,
	}).Error; err != nil {
		t.Fatalf("create quota: %v", err)
	}
	bot := &models.Bot{AccountID: account.ID, Name: "bot", Status: status}
	if err := db.Create(bot).Error; err != nil {
		t.Fatalf("create bot: %v", err)
	}
	return bot
}

func seedItem(t *testing.T, db *gorm.DB, botID uint, kind, phase string) *models.ContentItem {
	t.Helper()
	item := &models.ContentItem{
		BotID: botID, Kind: kind, ExternalID: kind + "-" + phase, Phase: phase,
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func TestStatusService_Snapshot(t *testing.T) {
	db := newStatusTestDB(t)
	svc := NewStatusService(db, nil, NewQuotaService(db, nil))
	ctx := context.Background()

	bot := seedStatusBot(t, db, models.BotStatusActive)
	seedItem(t, db, bot.ID, models.KindFile, models.PhaseSucceeded)
	seedItem(t, db, bot.ID, models.KindFile, models.PhaseFailed)
	seedItem(t, db, bot.ID, models.KindWebPage, models.PhaseExtracting)
	seedItem(t, db, bot.ID, models.KindWebPage, models.PhaseEmbedding)
	seedItem(t, db, bot.ID, models.KindVideo, models.PhaseQueued)

	snap, err := svc.Snapshot(ctx, bot.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if h := snap.Kinds[models.KindFile]; h.Succeeded != 1 || h.Failed != 1 {
		t.Errorf("file histogram = %+v", h)
	}
	if h := snap.Kinds[models.KindWebPage]; h.Extracting != 1 || h.Embedding != 1 || h.Processing() != 2 {
		t.Errorf("webpage histogram = %+v", h)
	}
	if h := snap.Kinds[models.KindVideo]; h.Queued != 1 || h.InFlight() != 1 || h.Processing() != 0 {
		t.Errorf("video histogram = %+v", h)
	}

	// Items mid-pipeline on an otherwise active bot show in_progress.
	if snap.OverallStatus != "in_progress" {
		t.Errorf("overall = %s, want in_progress", snap.OverallStatus)
	}

	if _, err := svc.Snapshot(ctx, bot.ID+99); !IsCode(err, CodeNotFound) {
		t.Errorf("snapshot of unknown bot = %v, want %s", err, CodeNotFound)
	}
}

func TestStatusService_SnapshotEmptyKinds(t *testing.T) {
	db := newStatusTestDB(t)
	svc := NewStatusService(db, nil, NewQuotaService(db, nil))

	bot := seedStatusBot(t, db, models.BotStatusActive)
	snap, err := svc.Snapshot(context.Background(), bot.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// Every kind present even with no items, so clients can diff uniformly.
	for _, kind := range []string{models.KindFile, models.KindWebPage, models.KindVideo} {
		if _, ok := snap.Kinds[kind]; !ok {
			t.Errorf("kind %s missing from empty snapshot", kind)
		}
	}
	if snap.OverallStatus != models.BotStatusActive {
		t.Errorf("overall = %s, want active", snap.OverallStatus)
	}
}

func TestStatusService_OverallControllerStatesWin(t *testing.T) {
	db := newStatusTestDB(t)
	svc := NewStatusService(db, nil, NewQuotaService(db, nil))
	ctx := context.Background()

	bot := seedStatusBot(t, db, models.BotStatusReconfiguring)
	seedItem(t, db, bot.ID, models.KindFile, models.PhaseExtracting)

	snap, err := svc.Snapshot(ctx, bot.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.OverallStatus != models.BotStatusReconfiguring {
		t.Errorf("overall = %s, want reconfiguring", snap.OverallStatus)
	}
}

func TestStatusService_ReportPhaseChange(t *testing.T) {
	db := newStatusTestDB(t)
	svc := NewStatusService(db, nil, NewQuotaService(db, nil))
	ctx := context.Background()

	bot := seedStatusBot(t, db, models.BotStatusReconfiguring)
	item := seedItem(t, db, bot.ID, models.KindFile, models.PhaseQueued)

	notified := 0
	svc.SetNotifier(func(botID uint) { notified++ })

	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{
		ItemID: item.ID, Phase: models.PhaseExtracting,
	}); err != nil {
		t.Fatalf("report extracting: %v", err)
	}

	// Duplicate delivery of the same phase is a silent no-op.
	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{
		ItemID: item.ID, Phase: models.PhaseExtracting,
	}); err != nil {
		t.Fatalf("duplicate report: %v", err)
	}
	// A late redelivery of an earlier phase is too.
	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{
		ItemID: item.ID, Phase: models.PhaseQueued,
	}); err != nil {
		t.Fatalf("stale report: %v", err)
	}

	var fresh models.ContentItem
	db.First(&fresh, item.ID)
	if fresh.Phase != models.PhaseExtracting {
		t.Errorf("phase = %s, want extracting", fresh.Phase)
	}
	if notified != 1 {
		t.Errorf("notifications = %d, want 1 (duplicates must not push)", notified)
	}

	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{
		ItemID: item.ID, Phase: "transmogrifying",
	}); !IsCode(err, CodeInvalidState) {
		t.Errorf("unknown phase = %v, want %s", err, CodeInvalidState)
	}
	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{
		ItemID: item.ID + 99, Phase: models.PhaseExtracted,
	}); !IsCode(err, CodeNotFound) {
		t.Errorf("unknown item = %v, want %s", err, CodeNotFound)
	}
}

func TestStatusService_ReportTerminalIsSticky(t *testing.T) {
	db := newStatusTestDB(t)
	svc := NewStatusService(db, nil, NewQuotaService(db, nil))
	ctx := context.Background()

	bot := seedStatusBot(t, db, models.BotStatusRetraining)
	item := seedItem(t, db, bot.ID, models.KindFile, models.PhaseFailed)

	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{
		ItemID: item.ID, Phase: models.PhaseSucceeded,
	}); err != nil {
		t.Fatalf("report against terminal item: %v", err)
	}
	var fresh models.ContentItem
	db.First(&fresh, item.ID)
	if fresh.Phase != models.PhaseFailed {
		t.Errorf("terminal phase changed to %s", fresh.Phase)
	}
}

// Extraction actuals replace the declared estimates on the open session.
func TestStatusService_ActualsAdjustStagedDelta(t *testing.T) {
	db := newStatusTestDB(t)
	quota := NewQuotaService(db, nil)
	svc := NewStatusService(db, nil, quota)
	ctx := context.Background()

	bot := seedStatusBot(t, db, models.BotStatusReconfiguring)
	sess := &models.TrainingSession{
		BotID: bot.ID, AccountID: bot.AccountID,
		Status: models.SessionStatusOpen, PrevStatus: models.BotStatusPending,
		StagedWords: 1000, StagedBytes: 4096,
	}
	if err := db.Create(sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	item := &models.ContentItem{
		BotID: bot.ID, Kind: models.KindFile, ExternalID: "f1",
		Phase: models.PhaseExtracting, SessionID: &sess.ID,
		WordCount: 1000, StorageBytes: 4096,
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("create item: %v", err)
	}

	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{
		ItemID: item.ID, Phase: models.PhaseExtracted,
		WordCount: i64(1400), StorageBytes: i64(5000),
	}); err != nil {
		t.Fatalf("report: %v", err)
	}

	var freshSess models.TrainingSession
	db.First(&freshSess, sess.ID)
	if freshSess.StagedWords != 1400 || freshSess.StagedBytes != 5000 {
		t.Errorf("staged delta = (%d, %d), want (1400, 5000)", freshSess.StagedWords, freshSess.StagedBytes)
	}
	var freshItem models.ContentItem
	db.First(&freshItem, item.ID)
	if freshItem.WordCount != 1400 || freshItem.StorageBytes != 5000 {
		t.Errorf("item counts = (%d, %d), want (1400, 5000)", freshItem.WordCount, freshItem.StorageBytes)
	}
}

func TestStatusService_BatchCompletionHook(t *testing.T) {
	db := newStatusTestDB(t)
	svc := NewStatusService(db, nil, NewQuotaService(db, nil))
	ctx := context.Background()

	bot := seedStatusBot(t, db, models.BotStatusRetraining)
	a := &models.ContentItem{BotID: bot.ID, Kind: models.KindFile, ExternalID: "a", Phase: models.PhaseEmbedding, BatchID: "batch-1"}
	b := &models.ContentItem{BotID: bot.ID, Kind: models.KindFile, ExternalID: "b", Phase: models.PhaseEmbedding, BatchID: "batch-1"}
	db.Create(a)
	db.Create(b)

	var doneBatch string
	svc.SetBatchDoneFunc(func(ctx context.Context, botID uint, batchID string) {
		doneBatch = batchID
	})

	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{ItemID: a.ID, Phase: models.PhaseSucceeded}); err != nil {
		t.Fatalf("report a: %v", err)
	}
	if doneBatch != "" {
		t.Fatal("batch done fired with one item still embedding")
	}
	if err := svc.ReportPhaseChange(ctx, &PhaseChangeRequest{ItemID: b.ID, Phase: models.PhaseFailed, ErrorCode: "embed_error"}); err != nil {
		t.Fatalf("report b: %v", err)
	}
	if doneBatch != "batch-1" {
		t.Errorf("batch done = %q, want batch-1", doneBatch)
	}
}
