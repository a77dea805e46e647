package extract

import "time"

// Config 内容抽取服务客户端配置
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	CallbackURL string        `yaml:"callback_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:9100",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// SubmitRequest asks the extraction service to start processing one item.
// Progress is delivered to CallbackURL as phase-change callbacks.
type SubmitRequest struct {
	ItemID      uint   `json:"item_id"`
	Source      string `json:"source"` // file, webpage, video
	ExternalID  string `json:"external_id"`
	Title       string `json:"title,omitempty"`
	CallbackURL string `json:"callback_url"`
}

// JobInfo 抽取任务受理信息
type JobInfo struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// BatchItem one member of an embedding batch.
type BatchItem struct {
	ItemID     uint   `json:"item_id"`
	ExternalID string `json:"external_id"`
}

// BatchRequest submits a committed training batch slice for embedding.
type BatchRequest struct {
	BatchID     string      `json:"batch_id"`
	Source      string      `json:"source"`
	Items       []BatchItem `json:"items"`
	CallbackURL string      `json:"callback_url"`
}

// BatchInfo 批次受理信息
type BatchInfo struct {
	BatchID    string    `json:"batch_id"`
	Accepted   int       `json:"accepted"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// ErrorResponse 抽取服务错误响应
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}
