package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the chat client core. Values come from the
// environment with defaults; a YAML file (CHATLINK_CONFIG) can pre-seed them
// and a .env file is loaded first when present.
type Config struct {
	AppName string `yaml:"appName"`
	Env     string `yaml:"env"`

	ServerURL    string `yaml:"serverUrl"`    // REST base, e.g. http://localhost:8000
	WebsocketURL string `yaml:"websocketUrl"` // ws endpoint, e.g. ws://localhost:8000/ws
	AuthToken    string `yaml:"authToken"`    // opaque bearer token from the auth collaborator

	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	BackoffBase          time.Duration `yaml:"backoffBase"`
	BackoffMax           time.Duration `yaml:"backoffMax"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`

	QueueMaxRetries int           `yaml:"queueMaxRetries"`
	QueueRetryDelay time.Duration `yaml:"queueRetryDelay"`

	TypingExpiry   time.Duration `yaml:"typingExpiry"`
	TypingDebounce time.Duration `yaml:"typingDebounce"`

	DataDir    string `yaml:"dataDir"`
	KVBackend  string `yaml:"kvBackend"` // pebble | sqlite | memory
	EncryptKey string `yaml:"encryptKey"`

	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
	LogFormat   string `yaml:"logFormat"` // text | json

	MaxMessageRunes int `yaml:"maxMessageRunes"`
}

// Load builds the configuration from .env, optional YAML file and environment,
// in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppName: "chatlink",
		Env:     "development",

		ServerURL:    "http://localhost:8000",
		WebsocketURL: "ws://localhost:8000/ws",

		HeartbeatInterval:    30 * time.Second,
		BackoffBase:          time.Second,
		BackoffMax:           16 * time.Second,
		MaxReconnectAttempts: 5,

		QueueMaxRetries: 5,
		QueueRetryDelay: 2 * time.Second,

		TypingExpiry:   3 * time.Second,
		TypingDebounce: 2 * time.Second,

		DataDir:   "data",
		KVBackend: "pebble",

		LogLevel:  "info",
		LogFormat: "text",

		MaxMessageRunes: 5000,
	}

	if path := os.Getenv("CHATLINK_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.AppName = getEnv("APP_NAME", cfg.AppName)
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.ServerURL = getEnv("CHAT_SERVER_URL", cfg.ServerURL)
	cfg.WebsocketURL = getEnv("CHAT_WS_URL", cfg.WebsocketURL)
	cfg.AuthToken = getEnv("CHAT_AUTH_TOKEN", cfg.AuthToken)

	cfg.HeartbeatInterval = getEnvAsDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.BackoffBase = getEnvAsDuration("BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffMax = getEnvAsDuration("BACKOFF_MAX", cfg.BackoffMax)
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)

	cfg.QueueMaxRetries = getEnvAsInt("QUEUE_MAX_RETRIES", cfg.QueueMaxRetries)
	cfg.QueueRetryDelay = getEnvAsDuration("QUEUE_RETRY_DELAY", cfg.QueueRetryDelay)

	cfg.TypingExpiry = getEnvAsDuration("TYPING_EXPIRY", cfg.TypingExpiry)
	cfg.TypingDebounce = getEnvAsDuration("TYPING_DEBOUNCE", cfg.TypingDebounce)

	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.KVBackend = strings.ToLower(getEnv("KV_BACKEND", cfg.KVBackend))
	cfg.EncryptKey = getEnv("ENCRYPTION_KEY", cfg.EncryptKey)

	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.MaxMessageRunes = getEnvAsInt("MAX_MESSAGE_RUNES", cfg.MaxMessageRunes)

	switch cfg.KVBackend {
	case "pebble", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unknown KV_BACKEND %q", cfg.KVBackend)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
