package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	Mode     string `envconfig:"GIN_MODE" default:"debug"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Database configuration
	DatabaseURL string `envconfig:"DATABASE_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"entitlement-api.db"`

	// Redis configuration
	RedisURL string `envconfig:"REDIS_URL"`

	AppStore     AppStoreConfig
	Pipeline     PipelineConfig
	Crm          CrmConfig
	Push         PushConfig
	Stream       StreamConfig
	Alerts       AlertConfig
	ClientAPIKey string `envconfig:"CLIENT_API_KEY"`

	// CONTENT_CATALOG format: product=content1|content2;product2=content3
	ContentCatalog string `envconfig:"CONTENT_CATALOG"`
}

// AppStoreConfig controls how signed App Store payloads are trusted.
type AppStoreConfig struct {
	RootCertPath      string   `envconfig:"APPLE_ROOT_CERT_PATH"`
	RootCertPEM       string   `envconfig:"APPLE_ROOT_CERT_PEM"`
	AllowedAlgs       []string `envconfig:"ALLOWED_SIGNING_ALGS" default:"ES256"`
	RequireAppleOIDs  bool     `envconfig:"REQUIRE_APPLE_OIDS" default:"true"`
	SupportedVersions []string `envconfig:"SUPPORTED_PAYLOAD_VERSIONS" default:"2.0"`
	AllowedBundleIDs  []string `envconfig:"ALLOWED_BUNDLE_IDS"`
}

type PipelineConfig struct {
	Timeout              time.Duration `envconfig:"PIPELINE_TIMEOUT" default:"15s"`
	IdempotencyLease     time.Duration `envconfig:"IDEMPOTENCY_LEASE" default:"2m"`
	IdempotencyRetention time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"0"`
}

type CrmConfig struct {
	Endpoint     string        `envconfig:"CRM_ENDPOINT"`
	Secret       string        `envconfig:"CRM_SECRET"`
	Timeout      time.Duration `envconfig:"CRM_TIMEOUT" default:"10s"`
	MaxAttempts  int           `envconfig:"CRM_MAX_ATTEMPTS" default:"8"`
	BaseBackoff  time.Duration `envconfig:"CRM_BASE_BACKOFF" default:"5s"`
	MaxBackoff   time.Duration `envconfig:"CRM_MAX_BACKOFF" default:"30m"`
	PollInterval time.Duration `envconfig:"CRM_POLL_INTERVAL" default:"2s"`
}

type PushConfig struct {
	GatewayURL string        `envconfig:"PUSH_GATEWAY_URL"`
	Secret     string        `envconfig:"PUSH_GATEWAY_SECRET"`
	Timeout    time.Duration `envconfig:"PUSH_TIMEOUT" default:"5s"`
}

type StreamConfig struct {
	SendTimeout       time.Duration `envconfig:"SOCKET_SEND_TIMEOUT" default:"5s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatWindow   time.Duration `envconfig:"HEARTBEAT_WINDOW" default:"10s"`
	AllowedOrigins    []string      `envconfig:"WS_ALLOWED_ORIGINS"`
}

// AlertConfig configures Brevo emails for parked CRM jobs.
type AlertConfig struct {
	BrevoAPIKey    string `envconfig:"BREVO_API_KEY"`
	BrevoFromEmail string `envconfig:"BREVO_FROM_EMAIL"`
	AlertEmail     string `envconfig:"ALERT_EMAIL"`
}

// Load reads the optional .env file and then the process environment.
func Load() (*Config, error) {
	// Ignore error if .env file doesn't exist
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// RootCertificatePEM returns the pinned root, preferring the inline PEM.
func (c AppStoreConfig) RootCertificatePEM() ([]byte, error) {
	if strings.TrimSpace(c.RootCertPEM) != "" {
		return []byte(c.RootCertPEM), nil
	}
	if c.RootCertPath == "" {
		return nil, fmt.Errorf("APPLE_ROOT_CERT_PATH or APPLE_ROOT_CERT_PEM must be set")
	}
	data, err := os.ReadFile(c.RootCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificate: %w", err)
	}
	return data, nil
}

// ParseContentCatalog turns the CONTENT_CATALOG value into product -> content ids.
func ParseContentCatalog(raw string) map[string][]string {
	catalog := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		product, contents, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		product = strings.TrimSpace(product)
		for _, id := range strings.Split(contents, "|") {
			if id = strings.TrimSpace(id); id != "" {
				catalog[product] = append(catalog[product], id)
			}
		}
	}
	return catalog
}
