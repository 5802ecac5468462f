// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
)

// Summarizer backends.
const (
	SummarizerDigest = "digest"
	SummarizerOpenAI = "openai"
)

// Config is populated by Load. Defaults are provided via struct tags.
type Config struct {
	// Addr is the HTTP listen address. ENV: ADDR
	Addr string `env:"ADDR,default=:8080"`
	// PublicURL prefixes download links. ENV: PUBLIC_URL
	PublicURL string `env:"PUBLIC_URL,default=http://localhost:8080"`
	// WSOrigins is a comma separated list of hosts allowed to open
	// cross-origin WebSockets. ENV: WS_ORIGINS
	WSOrigins string `env:"WS_ORIGINS"`

	// Store selects memory, redis or dynamodb. ENV: STORE
	Store          string `env:"STORE,default=memory"`
	MemoryRecords  int    `env:"MEMORY_RECORDS,default=1024"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=meetingscribe:"`
	DynamoDBTable  string `env:"DYNAMODB_TABLE"`

	// Summarizer selects digest or openai. ENV: SUMMARIZER
	Summarizer    string `env:"SUMMARIZER,default=digest"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL,default=https://api.openai.com/v1"`
	OpenAIModel   string `env:"OPENAI_MODEL,default=gpt-4o-mini"`
	// OpenAIAPIKey is used as is. Otherwise the key is read from the SSM
	// parameter named by OpenAIKeyParam.
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	OpenAIKeyParam string `env:"OPENAI_KEY_PARAM"`

	FinalizeTimeout time.Duration `env:"FINALIZE_TIMEOUT,default=2m"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	SendQueue       int           `env:"SEND_QUEUE,default=64"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`

	// RetentionDays of zero disables the janitor.
	RetentionDays   int           `env:"RETENTION_DAYS,default=30"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL,default=1h"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
	LogEnv   string `env:"LOG_ENV,default=dev"`
	LogFile  string `env:"LOG_FILE"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: PUBLIC_URL %q must be an absolute URL", c.PublicURL)
	}

	switch c.Store {
	case StoreMemory, StoreRedis:
	case StoreDynamoDB:
		if c.DynamoDBTable == "" {
			return errors.New("config: DYNAMODB_TABLE is required for the dynamodb store")
		}
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}

	switch c.Summarizer {
	case SummarizerDigest:
	case SummarizerOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIKeyParam == "" {
			return errors.New("config: OPENAI_API_KEY or OPENAI_KEY_PARAM is required for the openai summarizer")
		}
	default:
		return fmt.Errorf("config: unknown SUMMARIZER %q", c.Summarizer)
	}

	if c.FinalizeTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if c.SendQueue <= 0 {
		return errors.New("config: SEND_QUEUE must be positive")
	}
	if c.RetentionDays < 0 {
		return errors.New("config: RETENTION_DAYS must not be negative")
	}
	if c.RetentionDays > 0 && c.JanitorInterval <= 0 {
		return errors.New("config: JANITOR_INTERVAL must be positive when retention is enabled")
	}
	return nil
}

// Retention is RetentionDays as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Origins splits WSOrigins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.WSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
