// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth state store backends.
const (
	AuthBackendFile   = "file"
	AuthBackendSQLite = "sqlite"
)

// Webhook payload formats.
const (
	WebhookFormatMultipart = "multipart"
	WebhookFormatJSON      = "json"
)

// Config holds all application configuration.
type Config struct {
	ProjectName      string
	Port             string
	DBPath           string
	AuthBackend      string
	AuthDir          string
	GatewayURL       string
	PreferredSession string
	AllowedOrigins   []string
	GRPCHealthAddr   string
	MetricsEnabled   bool
	Session          SessionConfig
	Queue            QueueConfig
	Webhook          WebhookConfig
	Pause            PauseConfig
}

// SessionConfig controls the per-session state machine.
type SessionConfig struct {
	PairingMaxAttempts   int
	ReconnectDelay       time.Duration
	ReconnectMaxAttempts int // 0 = unlimited
	PingInterval         time.Duration
	DialTimeout          time.Duration
}

// QueueConfig controls the outbound delivery worker.
type QueueConfig struct {
	Tick                   time.Duration
	MaxRetries             int
	AttachmentFetchTimeout time.Duration
	SendTimeout            time.Duration
	RespectPause           bool
}

// WebhookConfig controls inbound forwarding.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Format  string
}

// PauseConfig controls the human-handover pause.
type PauseConfig struct {
	Duration time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ProjectName:      getEnv("PROJECT_NAME", "session-relay"),
		Port:             getEnv("PORT", "3000"),
		DBPath:           getEnv("DB_PATH", "./data/relay.db"),
		AuthBackend:      strings.ToLower(getEnv("AUTH_BACKEND", AuthBackendFile)),
		AuthDir:          getEnv("AUTH_DIR", "./data/auth_info"),
		GatewayURL:       getEnv("GATEWAY_URL", "ws://127.0.0.1:8081"),
		PreferredSession: getEnv("PREFERRED_SESSION", ""),
		AllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		GRPCHealthAddr:   getEnv("GRPC_HEALTH_ADDR", ""),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
		Session: SessionConfig{
			PairingMaxAttempts:   getEnvInt("PAIRING_MAX_ATTEMPTS", 5),
			ReconnectDelay:       getEnvDuration("RECONNECT_DELAY", 3*time.Second),
			ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 0),
			PingInterval:         getEnvDuration("PING_INTERVAL", 60*time.Second),
			DialTimeout:          getEnvDuration("DIAL_TIMEOUT", 15*time.Second),
		},
		Queue: QueueConfig{
			Tick:                   getEnvDuration("QUEUE_TICK", 2*time.Second),
			MaxRetries:             getEnvInt("QUEUE_MAX_RETRIES", 3),
			AttachmentFetchTimeout: getEnvDuration("ATTACHMENT_FETCH_TIMEOUT", 60*time.Second),
			SendTimeout:            getEnvDuration("SEND_TIMEOUT", 30*time.Second),
			RespectPause:           getEnvBool("QUEUE_RESPECT_PAUSE", true),
		},
		Webhook: WebhookConfig{
			URL:     getEnv("WEBHOOK_URL", ""),
			Timeout: getEnvDuration("WEBHOOK_TIMEOUT", 20*time.Second),
			Format:  strings.ToLower(getEnv("WEBHOOK_FORMAT", WebhookFormatMultipart)),
		},
		Pause: PauseConfig{
			Duration: time.Duration(getEnvInt("PAUSE_MINUTES", 60)) * time.Minute,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.AuthBackend {
	case AuthBackendFile:
		if c.AuthDir == "" {
			return fmt.Errorf("AUTH_DIR cannot be empty with the file auth backend")
		}
	case AuthBackendSQLite:
	default:
		return fmt.Errorf("AUTH_BACKEND must be %q or %q, got %q", AuthBackendFile, AuthBackendSQLite, c.AuthBackend)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL cannot be empty")
	}
	if c.Session.PairingMaxAttempts <= 0 {
		return fmt.Errorf("PAIRING_MAX_ATTEMPTS must be > 0")
	}
	if c.Session.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.Session.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	if c.Session.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be > 0")
	}
	if c.Queue.Tick <= 0 {
		return fmt.Errorf("QUEUE_TICK must be > 0")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must be >= 0")
	}
	if c.Webhook.Format != WebhookFormatMultipart && c.Webhook.Format != WebhookFormatJSON {
		return fmt.Errorf("WEBHOOK_FORMAT must be %q or %q", WebhookFormatMultipart, WebhookFormatJSON)
	}
	if c.Pause.Duration <= 0 {
		return fmt.Errorf("PAUSE_MINUTES must be > 0")
	}
	return nil
}

// WebhookEnabled reports whether inbound events have somewhere to go.
func (c *Config) WebhookEnabled() bool {
	return c.Webhook.URL != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("3s") or bare milliseconds ("3000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
