// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// MinIOConfig provides settings for MinIO S3-compatible storage.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetMinIOMaxFileSize() int64
	GetMinioBucketBidSourceFiles() string
	IsMinIOEnabled() bool
}

// SchedulerConfig provides settings for the Redis-backed task queue.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetStaleRunSweepInterval() time.Duration
}

// AIConfig provides settings for the language model behind document generation.
type AIConfig interface {
	GetAIProvider() string
	GetGeminiAPIKey() string
	GetGeminiModel() string
	GetAnthropicAPIKey() string
	GetAnthropicModel() string
	GetAIMaxOutputTokens() int
}

// PipelineConfig provides the tuning knobs of the bid processing pipeline.
type PipelineConfig interface {
	GetExtractionTimeout() time.Duration
	GetGenerationTimeout() time.Duration
	GetExtractionConcurrency() int
	GetStaleRunAfter() time.Duration
	GetDispatchMode() string
	GetStrictCompletion() bool
}

// EmailConfig provides settings for outbound SMTP notifications.
type EmailConfig interface {
	GetEmailEnabled() bool
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	GetBidNotifyAddress() string
}

// NotificationConfig provides settings for the notification module.
type NotificationConfig interface {
	GetAppBaseURL() string
}

// Dispatch modes for background runs.
const (
	DispatchInline = "inline"
	DispatchQueue  = "queue"
)

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env              string
	HTTPAddr         string
	DatabaseURL      string
	JWTAccessSecret  string
	CORSAllowAll     bool
	CORSOrigins      []string
	CORSAllowCreds   bool
	AppBaseURL       string
	MinIOEndpoint    string
	MinIOAccessKey   string
	MinIOSecretKey   string
	MinIOUseSSL      bool
	MinIOMaxFileSize int64
	MinioBucketBids  string

	RedisURL              string
	RedisTLSInsecure      bool
	AsynqQueueName        string
	AsynqConcurrency      int
	StaleRunSweepInterval time.Duration

	AIProvider        string
	GeminiAPIKey      string
	GeminiModel       string
	AnthropicAPIKey   string
	AnthropicModel    string
	AIMaxOutputTokens int

	ExtractionTimeout     time.Duration
	GenerationTimeout     time.Duration
	ExtractionConcurrency int
	StaleRunAfter         time.Duration
	DispatchMode          string
	StrictCompletion      bool

	EmailEnabled     bool
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	EmailFromName    string
	EmailFromAddress string
	BidNotifyAddress string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// NotificationConfig implementation
func (c *Config) GetAppBaseURL() string { return c.AppBaseURL }

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string             { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string            { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string            { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool                 { return c.MinIOUseSSL }
func (c *Config) GetMinIOMaxFileSize() int64           { return c.MinIOMaxFileSize }
func (c *Config) GetMinioBucketBidSourceFiles() string { return c.MinioBucketBids }
func (c *Config) IsMinIOEnabled() bool                 { return c.MinIOEndpoint != "" }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string                     { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool               { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string               { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int                { return c.AsynqConcurrency }
func (c *Config) GetStaleRunSweepInterval() time.Duration { return c.StaleRunSweepInterval }

// AIConfig implementation
func (c *Config) GetAIProvider() string      { return c.AIProvider }
func (c *Config) GetGeminiAPIKey() string    { return c.GeminiAPIKey }
func (c *Config) GetGeminiModel() string     { return c.GeminiModel }
func (c *Config) GetAnthropicAPIKey() string { return c.AnthropicAPIKey }
func (c *Config) GetAnthropicModel() string  { return c.AnthropicModel }
func (c *Config) GetAIMaxOutputTokens() int  { return c.AIMaxOutputTokens }

// PipelineConfig implementation
func (c *Config) GetExtractionTimeout() time.Duration { return c.ExtractionTimeout }
func (c *Config) GetGenerationTimeout() time.Duration { return c.GenerationTimeout }
func (c *Config) GetExtractionConcurrency() int       { return c.ExtractionConcurrency }
func (c *Config) GetStaleRunAfter() time.Duration     { return c.StaleRunAfter }
func (c *Config) GetDispatchMode() string             { return c.DispatchMode }
func (c *Config) GetStrictCompletion() bool           { return c.StrictCompletion }

// EmailConfig implementation
func (c *Config) GetEmailEnabled() bool       { return c.EmailEnabled }
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) GetBidNotifyAddress() string { return c.BidNotifyAddress }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current process environment
// without touching .env files.
func FromEnv() (*Config, error) {
	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	smtpHost := getEnv("SMTP_HOST", "")
	emailEnabled := strings.EqualFold(getEnv("EMAIL_ENABLED", "true"), "true")

	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		JWTAccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:     corsAllowAll,
		CORSOrigins:      corsOrigins,
		CORSAllowCreds:   strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		AppBaseURL:       getEnv("APP_BASE_URL", "http://localhost:4200"),
		MinIOEndpoint:    getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:   getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:   getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:      strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		MinIOMaxFileSize: mustInt64(getEnv("MINIO_MAX_FILE_SIZE", "52428800")),
		MinioBucketBids:  getEnv("MINIO_BUCKET_BID_SOURCE_FILES", "bid-source-files"),

		RedisURL:              getEnv("REDIS_URL", ""),
		RedisTLSInsecure:      strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:        getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:      mustInt(getEnv("ASYNQ_CONCURRENCY", "4")),
		StaleRunSweepInterval: mustDuration(getEnv("BID_STALE_SWEEP_INTERVAL", "1m")),

		AIProvider:        strings.ToLower(getEnv("AI_PROVIDER", "gemini")),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:    getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		AIMaxOutputTokens: mustInt(getEnv("AI_MAX_OUTPUT_TOKENS", "8192")),

		ExtractionTimeout:     mustDuration(getEnv("BID_EXTRACTION_TIMEOUT", "60s")),
		GenerationTimeout:     mustDuration(getEnv("BID_GENERATION_TIMEOUT", "3m")),
		ExtractionConcurrency: mustInt(getEnv("BID_EXTRACTION_CONCURRENCY", "4")),
		StaleRunAfter:         mustDuration(getEnv("BID_STALE_RUN_AFTER", "30m")),
		DispatchMode:          strings.ToLower(getEnv("BID_DISPATCH_MODE", DispatchInline)),
		StrictCompletion:      strings.EqualFold(getEnv("BID_STRICT_COMPLETION", "false"), "true"),

		EmailEnabled:     emailEnabled && smtpHost != "",
		SMTPHost:         smtpHost,
		SMTPPort:         mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:     getEnv("SMTP_USERNAME", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
		EmailFromName:    getEnv("EMAIL_FROM_NAME", "Agency Portal"),
		EmailFromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		BidNotifyAddress: getEnv("BID_NOTIFY_ADDRESS", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTAccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if c.CORSAllowAll && c.CORSAllowCreds {
		return fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	switch c.DispatchMode {
	case DispatchInline:
	case DispatchQueue:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when BID_DISPATCH_MODE is %q", DispatchQueue)
		}
	default:
		return fmt.Errorf("BID_DISPATCH_MODE must be %q or %q", DispatchInline, DispatchQueue)
	}
	switch c.AIProvider {
	case "gemini", "anthropic":
	default:
		return fmt.Errorf("AI_PROVIDER must be gemini or anthropic")
	}
	if c.ExtractionTimeout <= 0 || c.GenerationTimeout <= 0 {
		return fmt.Errorf("BID_EXTRACTION_TIMEOUT and BID_GENERATION_TIMEOUT must be positive durations")
	}
	if c.StaleRunAfter < 2*max(c.GenerationTimeout, c.ExtractionTimeout) {
		return fmt.Errorf("BID_STALE_RUN_AFTER must be at least twice BID_GENERATION_TIMEOUT and BID_EXTRACTION_TIMEOUT")
	}
	if c.ExtractionConcurrency < 1 {
		return fmt.Errorf("BID_EXTRACTION_CONCURRENCY must be at least 1")
	}
	if c.EmailEnabled && c.EmailFromAddress == "" {
		return fmt.Errorf("EMAIL_FROM_ADDRESS is required when email is enabled")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt64(value string) int64 {
	result, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return result
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
