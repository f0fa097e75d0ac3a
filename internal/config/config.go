// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int   `validate:"min=1,max=65535"`
	MaxBodyBytes    int64 `validate:"min=1024"`
	RateLimit       int
	RateLimitWindow time.Duration
	ShutdownTimeout time.Duration

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// WebhookConfig holds the provider's webhook signing settings.
type WebhookConfig struct {
	// Secret is the provider's signing secret (whsec_...). Empty is allowed
	// at load time; the verifier then rejects every request.
	Secret    string
	Tolerance time.Duration
}

// ReplyConfig holds the reply-address integrity settings.
type ReplyConfig struct {
	Secret string `validate:"required"`
	Domain string `validate:"omitempty,hostname"`
}

// StorageConfig describes the S3-compatible bucket for attachments.
type StorageConfig struct {
	Endpoint        string `validate:"omitempty,url"`
	Region          string `validate:"required"`
	Bucket          string `validate:"required"`
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// ProviderConfig describes the email provider's REST API.
type ProviderConfig struct {
	BaseURL string `validate:"required,url"`
	APIKey  string
	Timeout time.Duration
}

// AttachmentConfig bounds attachment handling.
type AttachmentConfig struct {
	MaxBytes     int64 `validate:"min=1"`
	AllowedTypes []string
}

// NotifyConfig controls notification fan-out.
type NotifyConfig struct {
	ManagerRole string `validate:"required"`
	Queue       string `validate:"required"`
}

// RetentionConfig controls webhook log purging.
type RetentionConfig struct {
	WebhookLogs time.Duration
	Interval    time.Duration
}

// DispatcherConfig sizes the async worker pool.
type DispatcherConfig struct {
	Workers      int `validate:"min=1"`
	QueueSize    int
	DrainTimeout time.Duration
}

// Config holds all configuration for the inbound email service.
type Config struct {
	Environment string `validate:"oneof=development production test"`
	LogLevel    string `validate:"oneof=debug info warn error"`
	LogFormat   string `validate:"oneof=json console"`

	Server     ServerConfig
	Webhook    WebhookConfig
	Reply      ReplyConfig
	Storage    StorageConfig
	Provider   ProviderConfig
	Attachment AttachmentConfig
	Notify     NotifyConfig
	Retention  RetentionConfig
	Dispatcher DispatcherConfig

	DatabaseURL string `validate:"required"`
	RedisURL    string `validate:"required"`
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port         int   `yaml:"port"`
		MaxBodyBytes int64 `yaml:"max_body_bytes"`
		RateLimit    int   `yaml:"rate_limit"`
		TrustProxy   bool  `yaml:"trust_proxy_headers"`
	} `yaml:"server"`
	Webhook struct {
		Secret    string `yaml:"secret"`
		Tolerance string `yaml:"tolerance"`
	} `yaml:"webhook"`
	Reply struct {
		Secret string `yaml:"secret"`
		Domain string `yaml:"domain"`
	} `yaml:"reply"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Notifications string `yaml:"notifications"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Storage struct {
		Endpoint        string `yaml:"endpoint"`
		Region          string `yaml:"region"`
		Bucket          string `yaml:"bucket"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		UsePathStyle    bool   `yaml:"use_path_style"`
	} `yaml:"storage"`
	Provider struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"provider"`
	Attachments struct {
		MaxBytes     int64    `yaml:"max_bytes"`
		AllowedTypes []string `yaml:"allowed_types"`
	} `yaml:"attachments"`
	Notify struct {
		ManagerRole string `yaml:"manager_role"`
	} `yaml:"notify"`
}

// DefaultAllowedTypes is the attachment MIME allow-list used when the
// config file does not override it.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/heic",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
	"text/csv",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. In development a .env file
// is loaded first when present.
func Load() (*Config, error) {
	env := envOrDefault("INBOUND_ENV", "development")
	if env == "development" {
		// Missing .env is normal outside a developer checkout.
		_ = godotenv.Load()
	}

	configPath, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
		data = nil
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes (may be empty) plus environment
// variables, then validates it.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Environment: envOrDefault("INBOUND_ENV", "development"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("LOG_FORMAT", "json"),
		Server: ServerConfig{
			Port:              firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
			MaxBodyBytes:      firstPositive64(raw.Server.MaxBodyBytes, int64(envOrDefaultInt("MAX_BODY_BYTES", 5<<20))),
			RateLimit:         firstPositive(raw.Server.RateLimit, envOrDefaultInt("RATE_LIMIT", 300)),
			RateLimitWindow:   envOrDefaultDuration("RATE_LIMIT_WINDOW", time.Minute),
			ShutdownTimeout:   envOrDefaultDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			TrustProxyHeaders: raw.Server.TrustProxy || envOrDefault("TRUST_PROXY_HEADERS", "") == "true",
		},
		Webhook: WebhookConfig{
			Secret:    firstNonEmpty(raw.Webhook.Secret, os.Getenv("WEBHOOK_SECRET")),
			Tolerance: parseDurationOr(raw.Webhook.Tolerance, envOrDefaultDuration("WEBHOOK_TOLERANCE", 5*time.Minute)),
		},
		Reply: ReplyConfig{
			Secret: firstNonEmpty(raw.Reply.Secret, os.Getenv("REPLY_SECRET")),
			Domain: firstNonEmpty(raw.Reply.Domain, os.Getenv("REPLY_DOMAIN")),
		},
		Storage: StorageConfig{
			Endpoint:        firstNonEmpty(raw.Storage.Endpoint, os.Getenv("STORAGE_ENDPOINT")),
			Region:          firstNonEmpty(raw.Storage.Region, envOrDefault("STORAGE_REGION", "us-east-1")),
			Bucket:          firstNonEmpty(raw.Storage.Bucket, envOrDefault("STORAGE_BUCKET", "email-attachments")),
			AccessKeyID:     firstNonEmpty(raw.Storage.AccessKeyID, os.Getenv("STORAGE_ACCESS_KEY_ID")),
			SecretAccessKey: firstNonEmpty(raw.Storage.SecretAccessKey, os.Getenv("STORAGE_SECRET_ACCESS_KEY")),
			UsePathStyle:    raw.Storage.UsePathStyle || envOrDefault("STORAGE_USE_PATH_STYLE", "") == "true",
		},
		Provider: ProviderConfig{
			BaseURL: firstNonEmpty(raw.Provider.BaseURL, envOrDefault("PROVIDER_BASE_URL", "https://api.resend.com")),
			APIKey:  firstNonEmpty(raw.Provider.APIKey, os.Getenv("PROVIDER_API_KEY")),
			Timeout: envOrDefaultDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		Attachment: AttachmentConfig{
			MaxBytes:     firstPositive64(raw.Attachments.MaxBytes, int64(envOrDefaultInt("ATTACHMENT_MAX_BYTES", 10<<20))),
			AllowedTypes: raw.Attachments.AllowedTypes,
		},
		Notify: NotifyConfig{
			ManagerRole: firstNonEmpty(raw.Notify.ManagerRole, envOrDefault("NOTIFY_MANAGER_ROLE", "gestionnaire")),
			Queue:       firstNonEmpty(raw.Redis.Queues.Notifications, envOrDefault("NOTIFICATIONS_QUEUE", "notifications")),
		},
		Retention: RetentionConfig{
			WebhookLogs: envOrDefaultDuration("WEBHOOK_LOG_RETENTION", 90*24*time.Hour),
			Interval:    envOrDefaultDuration("RETENTION_INTERVAL", 6*time.Hour),
		},
		Dispatcher: DispatcherConfig{
			Workers:      envOrDefaultInt("DISPATCH_WORKERS", 4),
			QueueSize:    envOrDefaultInt("DISPATCH_QUEUE_SIZE", 256),
			DrainTimeout: envOrDefaultDuration("DISPATCH_DRAIN_TIMEOUT", 30*time.Second),
		},
		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
	}

	if len(cfg.Attachment.AllowedTypes) == 0 {
		cfg.Attachment.AllowedTypes = append([]string(nil), DefaultAllowedTypes...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The signing secret and the reply hash secret must be distinct keys.
	if c.Webhook.Secret != "" && c.Webhook.Secret == c.Reply.Secret {
		return errors.New("invalid configuration: webhook secret and reply secret must differ")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
		return d
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositive64(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
