package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Extract    ExtractConfig    `yaml:"extract"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Sync       SyncConfig       `yaml:"sync"`
	Quota      QuotaConfig      `yaml:"quota"`
	JWT        JWTConfig        `yaml:"jwt"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ExtractConfig 抽取服务配置
type ExtractConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	CallbackURL string        `yaml:"callback_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	// Mode selects "remote" (HTTP extract service) or "local" (in-process
	// simulated workers, for development and tests).
	Mode           string               `yaml:"mode"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxFailures     int           `yaml:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_requests"`
}

// SyncConfig 状态推送配置
type SyncConfig struct {
	// CoalesceWindow bounds pushes to one per bot per window.
	CoalesceWindow time.Duration `yaml:"coalesce_window"`
	// DebounceQuiet is the client-side quiet period before a detail refetch.
	DebounceQuiet time.Duration `yaml:"debounce_quiet"`
}

// QuotaConfig 新账户的默认配额
type QuotaConfig struct {
	DefaultWordLimit int64 `yaml:"default_word_limit"`
	DefaultStorageMB int64 `yaml:"default_storage_mb"`
	DefaultPerItemMB int64 `yaml:"default_per_item_mb"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`   // json, text
	Output     string `yaml:"output"`   // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled      bool               `yaml:"enabled"`
	MetricsPath  string             `yaml:"metrics_path"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type HealthChecksConfig struct {
	Database  bool `yaml:"database"`
	Extractor bool `yaml:"extractor"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name"` // 自定义服务名，缺省使用 "botforge"
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `yaml:"enabled"`
	RequestsPerMinute int                   `yaml:"requests_per_minute"`
	Burst             int                   `yaml:"burst"`
	KeyHeader         string                `yaml:"key_header"`
	WhitelistIPs      []string              `yaml:"whitelist_ips"`
	WhitelistKeys     []string              `yaml:"whitelist_keys"`
	Paths             []PathRateLimitConfig `yaml:"paths"`
}

// PathRateLimitConfig 按路径前缀的限流覆盖
type PathRateLimitConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Prefix            string `yaml:"prefix"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "botforge",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Extract: ExtractConfig{
			BaseURL:     "http://localhost:9100",
			APIKey:      "default-api-key",
			CallbackURL: "http://localhost:8080/api/pipeline/phase",
			Timeout:     30 * time.Second,
			MaxRetries:  3,
		},
		Pipeline: PipelineConfig{
			Mode: "local",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
		Sync: SyncConfig{
			CoalesceWindow: 1 * time.Second,
			DebounceQuiet:  2 * time.Second,
		},
		Quota: QuotaConfig{
			DefaultWordLimit: 50000,
			DefaultStorageMB: 512,
			DefaultPerItemMB: 32,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/botforge.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			HealthChecks: HealthChecksConfig{
				Database:  true,
				Extractor: false,
			},
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "botforge",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
	}
}
