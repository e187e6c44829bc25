package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// REST base URL, used for the fallback send channel and history calls.
	APIURL string `env:"CHAT_API_URL"`

	// Websocket base URL. Derived from APIURL when empty.
	WSURL string `env:"CHAT_WS_URL"`

	// Identity token (end user token or agent account) and role.
	Token string `env:"CHAT_TOKEN"`
	Role  string `env:"CHAT_ROLE" envDefault:"customer_service"`

	// Path of the bbolt state database. Defaults to ~/.chatsync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Session to open on startup. Lines read from stdin are sent to it.
	SessionID string `env:"CHAT_SESSION_ID"`

	PageSize int `env:"CHAT_PAGE_SIZE" envDefault:"20"`

	// Connection lifecycle.
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	PongTimeout              time.Duration `env:"PONG_TIMEOUT" envDefault:"5s"`
	ReconnectBaseDelay       time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay        time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectClientErrorStep time.Duration `env:"RECONNECT_CLIENT_ERROR_STEP" envDefault:"5s"`
	ReconnectClientErrorMax  time.Duration `env:"RECONNECT_CLIENT_ERROR_MAX" envDefault:"60s"`
	ReconnectMaxAttempts     int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	ReconnectCooldown        time.Duration `env:"RECONNECT_COOLDOWN" envDefault:"60s"`
	NetworkProbeInterval     time.Duration `env:"NETWORK_PROBE_INTERVAL" envDefault:"10s"`

	// Request/response correlation.
	RequestTimeout         time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	SessionsRequestTimeout time.Duration `env:"SESSIONS_REQUEST_TIMEOUT" envDefault:"15s"`

	// Delivery queue.
	QueueMaxRetries int           `env:"QUEUE_MAX_RETRIES" envDefault:"3"`
	QueueRetryDelay time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"1s"`
	QueueRetention  time.Duration `env:"QUEUE_RETENTION" envDefault:"60s"`

	// Store initialization bounds.
	InitOpenTimeout time.Duration `env:"INIT_OPEN_TIMEOUT" envDefault:"5s"`
	InitLoadTimeout time.Duration `env:"INIT_LOAD_TIMEOUT" envDefault:"3s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file usually carries CHAT_TOKEN.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.WSURL == "" && cfg.APIURL != "" {
		wsURL, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("deriving websocket url: %w", err)
		}

		cfg.WSURL = wsURL
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if !models.Role(c.Role).Valid() {
		return fmt.Errorf("CHAT_ROLE must be %q or %q, got %q", models.RoleEndUser, models.RoleSupportAgent, c.Role)
	}

	if c.WSURL == "" {
		return fmt.Errorf("one of CHAT_WS_URL or CHAT_API_URL is required")
	}

	u, err := url.Parse(c.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("CHAT_WS_URL must be a ws:// or wss:// URL")
	}

	if c.PageSize < 1 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be positive")
	}

	if c.QueueMaxRetries < 1 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must be positive")
	}

	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive")
	}

	if c.HeartbeatInterval <= c.PongTimeout {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be longer than PONG_TIMEOUT")
	}

	return nil
}

// DeriveWSURL maps an http(s) API base URL onto the websocket scheme,
// keeping only the host: https becomes wss, http becomes ws.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		return "wss://" + u.Host, nil
	case "http":
		return "ws://" + u.Host, nil
	default:
		return "", fmt.Errorf("unsupported API URL scheme %q", u.Scheme)
	}
}

// DefaultStatePath returns ~/.chatsync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", "state.db"), nil
}

// RoleValue returns the configured role as a models.Role.
func (c *Config) RoleValue() models.Role {
	return models.Role(c.Role)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
