package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath          = "config.toml"
	DefaultHTTPAddr            = ":8080"
	DefaultJWTExpiresIn        = "24h"
	DefaultPGHost              = "127.0.0.1"
	DefaultPGPort              = 5432
	DefaultPGUser              = "postgres"
	DefaultPGDatabase          = "zapdesk"
	DefaultPGSSLMode           = "disable"
	DefaultStorageDriver       = "postgres"
	DefaultMediaProvider       = "local"
	DefaultMediaDataRoot       = "data/media"
	DefaultMediaFetchTimeout   = 20
	DefaultMediaReachTimeout   = 5
	DefaultMediaMaxBytes       = 64 * 1024 * 1024
	DefaultZAPIBaseURL         = "https://api.z-api.io"
	DefaultZAPITimeout         = 15
	DefaultAIBaseURL           = "https://api.openai.com/v1"
	DefaultAIModel             = "gpt-4o-mini"
	DefaultAITemperature       = 0.7
	DefaultAIMaxTokens         = 500
	DefaultAITimeout           = 30
	DefaultAIHistoryLimit      = 10
	DefaultAIFallbackMessage   = "Desculpe, estou com dificuldades no momento. Um atendente vai falar com você em breve."
	DefaultBusinessHookTimeout = 5
	DefaultClaimTTL            = 600
	DefaultStuckSendingAfter   = 600
	DefaultReconcileSchedule   = "@every 1m"
)

type Config struct {
	Log              LogConfig              `toml:"log"`
	Server           ServerConfig           `toml:"server"`
	Auth             AuthConfig             `toml:"auth"`
	Postgres         PostgresConfig         `toml:"postgres"`
	Storage          StorageConfig          `toml:"storage"`
	Redis            RedisConfig            `toml:"redis"`
	Media            MediaConfig            `toml:"media"`
	ZAPI             ZAPIConfig             `toml:"zapi"`
	AI               AIConfig               `toml:"ai"`
	BusinessWebhooks BusinessWebhooksConfig `toml:"business_webhooks"`
	Reconcile        ReconcileConfig        `toml:"reconcile"`
	Instance         InstanceConfig         `toml:"instance"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN returns a libpq style connection URL.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// StorageConfig selects the conversation store backend ("postgres" or "memory").
type StorageConfig struct {
	Driver string `toml:"driver"`
}

// RedisConfig enables the shared idempotency claimer when Addr is set.
type RedisConfig struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	ClaimTTLSeconds int    `toml:"claim_ttl_seconds"`
}

func (c RedisConfig) ClaimTTL() time.Duration {
	return seconds(c.ClaimTTLSeconds, DefaultClaimTTL)
}

type MediaConfig struct {
	Provider            string `toml:"provider"`
	DataRoot            string `toml:"data_root"`
	PublicBaseURL       string `toml:"public_base_url"`
	GCSBucket           string `toml:"gcs_bucket"`
	GCSCDNDomain        string `toml:"gcs_cdn_domain"`
	GCSCredentialsFile  string `toml:"gcs_credentials_file"`
	GCSEmulatorHost     string `toml:"gcs_emulator_host"`
	FetchTimeoutSeconds int    `toml:"fetch_timeout_seconds"`
	ReachTimeoutSeconds int    `toml:"reach_timeout_seconds"`
	MaxBytes            int64  `toml:"max_bytes"`
}

func (c MediaConfig) FetchTimeout() time.Duration {
	return seconds(c.FetchTimeoutSeconds, DefaultMediaFetchTimeout)
}

func (c MediaConfig) ReachTimeout() time.Duration {
	return seconds(c.ReachTimeoutSeconds, DefaultMediaReachTimeout)
}

// ZAPIConfig configures the WhatsApp provider account.
type ZAPIConfig struct {
	BaseURL        string `toml:"base_url"`
	InstanceID     string `toml:"instance_id"`
	Token          string `toml:"token"`
	ClientToken    string `toml:"client_token"`
	WebhookToken   string `toml:"webhook_token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

func (c ZAPIConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, DefaultZAPITimeout)
}

// AIConfig holds the completion endpoint and the default AI settings.
type AIConfig struct {
	Enabled         bool    `toml:"enabled"`
	BaseURL         string  `toml:"base_url"`
	APIKey          string  `toml:"api_key"`
	Model           string  `toml:"model"`
	Temperature     float64 `toml:"temperature"`
	MaxTokens       int     `toml:"max_tokens"`
	SystemPrompt    string  `toml:"system_prompt"`
	FallbackMessage string  `toml:"fallback_message"`
	HistoryLimit    int     `toml:"history_limit"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
}

func (c AIConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, DefaultAITimeout)
}

type BusinessWebhooksConfig struct {
	LeadCapture        string `toml:"lead_capture"`
	AppointmentBooking string `toml:"appointment_booking"`
	Payment            string `toml:"payment"`
	SupportTicket      string `toml:"support_ticket"`
	HumanHandoff       string `toml:"human_handoff"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
}

func (c BusinessWebhooksConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, DefaultBusinessHookTimeout)
}

type ReconcileConfig struct {
	Schedule                 string `toml:"schedule"`
	StuckSendingAfterSeconds int    `toml:"stuck_sending_after_seconds"`
}

func (c ReconcileConfig) StuckSendingAfter() time.Duration {
	return seconds(c.StuckSendingAfterSeconds, DefaultStuckSendingAfter)
}

type InstanceConfig struct {
	PrintQR bool `toml:"print_qr"`
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
		},
		Redis: RedisConfig{
			ClaimTTLSeconds: DefaultClaimTTL,
		},
		Media: MediaConfig{
			Provider:            DefaultMediaProvider,
			DataRoot:            DefaultMediaDataRoot,
			FetchTimeoutSeconds: DefaultMediaFetchTimeout,
			ReachTimeoutSeconds: DefaultMediaReachTimeout,
			MaxBytes:            DefaultMediaMaxBytes,
		},
		ZAPI: ZAPIConfig{
			BaseURL:        DefaultZAPIBaseURL,
			TimeoutSeconds: DefaultZAPITimeout,
		},
		AI: AIConfig{
			Enabled:         true,
			BaseURL:         DefaultAIBaseURL,
			Model:           DefaultAIModel,
			Temperature:     DefaultAITemperature,
			MaxTokens:       DefaultAIMaxTokens,
			FallbackMessage: DefaultAIFallbackMessage,
			HistoryLimit:    DefaultAIHistoryLimit,
			TimeoutSeconds:  DefaultAITimeout,
		},
		BusinessWebhooks: BusinessWebhooksConfig{
			TimeoutSeconds: DefaultBusinessHookTimeout,
		},
		Reconcile: ReconcileConfig{
			Schedule:                 DefaultReconcileSchedule,
			StuckSendingAfterSeconds: DefaultStuckSendingAfter,
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error. Secrets may be overridden from the environment (and a local .env).
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Auth.JWTSecret, "ZAPDESK_JWT_SECRET")
	override(&cfg.Postgres.Password, "ZAPDESK_POSTGRES_PASSWORD")
	override(&cfg.ZAPI.Token, "ZAPDESK_ZAPI_TOKEN")
	override(&cfg.ZAPI.ClientToken, "ZAPDESK_ZAPI_CLIENT_TOKEN")
	override(&cfg.AI.APIKey, "ZAPDESK_AI_API_KEY")
	override(&cfg.Redis.Addr, "ZAPDESK_REDIS_ADDR")
}
