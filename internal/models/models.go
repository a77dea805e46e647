package models

import (
	"time"

	"gorm.io/gorm"
)

// Bot lifecycle states. Status is mutated only by the lifecycle service.
const (
	BotStatusPending       = "pending" // created, never trained
	BotStatusActive        = "active"
	BotStatusReconfiguring = "reconfiguring"
	BotStatusRetraining    = "retraining"
	BotStatusDeleted       = "deleted"
)

// Content kinds, one per ingestion source.
const (
	KindFile    = "file"
	KindWebPage = "webpage"
	KindVideo   = "video"
)

// ContentItem phases. Linear with a single failure branch; succeeded and
// failed are terminal.
const (
	PhaseQueued     = "queued"
	PhaseExtracting = "extracting"
	PhaseExtracted  = "extracted"
	PhaseEmbedding  = "embedding"
	PhaseSucceeded  = "succeeded"
	PhaseFailed     = "failed"
)

// 账户模型
type Account struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Plan      string         `gorm:"default:'starter'" json:"plan"` // starter, growth, scale
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Bots  []Bot         `gorm:"foreignKey:AccountID" json:"bots,omitempty"`
	Quota *QuotaAccount `gorm:"foreignKey:AccountID" json:"quota,omitempty"`
}

// Bot 一个已配置的聊天机器人
type Bot struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	AccountID     uint           `gorm:"index" json:"account_id"`
	Name          string         `gorm:"not null" json:"name"`
	Status        string         `gorm:"default:'pending'" json:"status"` // pending, active, reconfiguring, retraining, deleted
	IsActive      bool           `gorm:"default:false" json:"is_active"`
	LastTrainedAt *time.Time     `json:"last_trained_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	Account Account       `gorm:"foreignKey:AccountID" json:"account,omitempty"`
	Items   []ContentItem `gorm:"foreignKey:BotID" json:"items,omitempty"`
}

// ContentItem one unit of stageable knowledge-base content.
/// (bot_id, kind, external_id) is unique: staging the same file/URL/video
// twice for one bot is rejected.
type ContentItem struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	BotID      uint   `gorm:"index;uniqueIndex:idx_bot_kind_external" json:"bot_id"`
	Kind       string `gorm:"uniqueIndex:idx_bot_kind_external" json:"kind"` // file, webpage, video
	ExternalID string `gorm:"uniqueIndex:idx_bot_kind_external" json:"external_id"`
	Title      string `json:"title"`
	// Declared at staging time, overwritten with actuals once extraction completes.
	WordCount    int64      `gorm:"default:0" json:"word_count"`
	StorageBytes int64      `gorm:"default:0" json:"storage_bytes"`
	Phase        string     `gorm:"default:'queued'" json:"phase"`
	ErrorCode    string     `json:"error_code,omitempty"`
	SessionID    *uint      `gorm:"index" json:"session_id,omitempty"` // non-nil while staged (uncommitted)
	BatchID      string     `gorm:"index" json:"batch_id,omitempty"`   // training batch joined at commit
	CommittedAt  *time.Time `json:"committed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	Bot Bot `gorm:"foreignKey:BotID" json:"bot,omitempty"`
}

// Staged reports whether the item belongs to an open reconfigure session.
func (i *ContentItem) Staged() bool { return i.SessionID != nil }

// Terminal reports whether the item's phase is final.
func (i *ContentItem) Terminal() bool {
	return i.Phase == PhaseSucceeded || i.Phase == PhaseFailed
}

// QuotaAccount per-account committed usage against plan limits.
// Committed totals move only on confirmed item commit/release, never while
// content is merely staged.
type QuotaAccount struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	AccountID        uint      `gorm:"uniqueIndex" json:"account_id"`
	WordLimit        int64     `gorm:"not null" json:"word_limit"`
	StorageLimit     int64     `gorm:"not null" json:"storage_limit"`       // bytes
	PerItemSizeLimit int64     `gorm:"not null" json:"per_item_size_limit"` // bytes
	WordsUsed        int64     `gorm:"default:0" json:"words_used"`
	StorageUsed      int64     `gorm:"default:0" json:"storage_used"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TrainingSession states.
const (
	SessionStatusOpen      = "open"
	SessionStatusCommitted = "committed"
	SessionStatusCancelled = "cancelled"
)

// TrainingSession one open reconfiguration per bot. Holds the staged delta;
// closed on cancel or commit. BatchID groups the committed items so
// retraining completion can be tracked.
type TrainingSession struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	BotID       uint       `gorm:"index" json:"bot_id"`
	AccountID   uint       `gorm:"index" json:"account_id"`
	Status      string     `gorm:"default:'open'" json:"status"` // open, committed, cancelled
	PrevStatus  string     `json:"prev_status"`                  // bot status to restore on cancel
	StagedWords int64      `gorm:"default:0" json:"staged_words"`
	StagedBytes int64      `gorm:"default:0" json:"staged_bytes"`
	BatchID     string     `gorm:"index" json:"batch_id,omitempty"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Bot Bot `gorm:"foreignKey:BotID" json:"bot,omitempty"`
}

// AllModels is the migration set shared by cmd/server and cmd/migrate.
func AllModels() []interface{} {
	return []interface{}{
		&Account{}, &QuotaAccount{}, &Bot{}, &ContentItem{}, &TrainingSession{},
	}
}
