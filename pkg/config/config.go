// Package config provides configuration management for roombot.
// It defines the structure for YAML configuration files and handles
// loading, environment fallbacks, validation, and default value application.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the matching config field is empty.
const (
	EnvHomeserver     = "MATRIX_HOMESERVER"
	EnvAccessToken    = "MATRIX_ACCESS_TOKEN"
	EnvUserID         = "MATRIX_USER_ID"
	EnvPassword       = "MATRIX_PASSWORD"
	EnvRoom           = "MATRIX_ROOM"
	EnvExpectedSender = "MATRIX_EXPECTED_SENDER"
)

// Config is the top-level configuration structure for roombot.
type Config struct {
	// Version is the configuration file format version
	Version string `yaml:"version"`
	// Matrix holds the homeserver connection and sync engine settings
	Matrix MatrixConfig `yaml:"matrix"`
	// Reply defines how the bot answers the expected sender
	Reply ReplyConfig `yaml:"reply"`
	// Logging defines transcript logging behavior
	Logging LoggingConfig `yaml:"logging"`
	// Metrics defines the Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// MatrixConfig defines the bot identity, the target room, and sync tuning.
type MatrixConfig struct {
	// Homeserver is the base URL for the Matrix homeserver (e.g., https://matrix.example.com)
	Homeserver string `yaml:"homeserver"`
	// AccessToken authenticates the bot. Leave empty to log in with UserID/Password.
	AccessToken string `yaml:"access_token,omitempty"`
	// UserID is the bot's Matrix ID, used for password login
	UserID string `yaml:"user_id,omitempty"`
	// Password is used for password login when no access token is set
	Password string `yaml:"password,omitempty"`
	// Room is the room ID or alias to sync (e.g., !roomid:example.com or #alias:example.com)
	Room string `yaml:"room"`
	// ExpectedSender is the only human whose messages are acted upon
	ExpectedSender string `yaml:"expected_sender"`
	// SyncTimeoutMs is the long-poll timeout for sync in milliseconds (default: 30000)
	SyncTimeoutMs int `yaml:"sync_timeout_ms"`
	// RetryDelayMs is the pause after a failed iteration in milliseconds (default: 2000)
	RetryDelayMs int `yaml:"retry_delay_ms"`
	// RequestTimeoutMs bounds each HTTP request on top of the long-poll wait (default: 15000)
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	// DedupCapacity is how many event IDs are remembered (default: 1000)
	DedupCapacity int `yaml:"dedup_capacity"`
	// TimelineLimit is the per-poll timeline event limit (default: 20)
	TimelineLimit int `yaml:"timeline_limit"`
	// RateLimit is requests per second against the homeserver (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the burst size for RateLimit (default: 1)
	RateBurst int `yaml:"rate_burst"`
}

// ReplyConfig defines the bot's answers. It is the only section that is
// hot-reloaded by ConfigWatcher.
type ReplyConfig struct {
	// Echo makes the bot repeat every message back to the sender
	Echo bool `yaml:"echo"`
	// Prefix is prepended to echoed messages
	Prefix string `yaml:"prefix"`
	// Greeting is sent once the sync loop is running (empty = none)
	Greeting string `yaml:"greeting"`
	// Goodbye is sent when the session stops (empty = none)
	Goodbye string `yaml:"goodbye"`
}

// LoggingConfig defines transcript logging behavior.
type LoggingConfig struct {
	// Enabled determines if transcript logging is active
	Enabled bool `yaml:"enabled"`
	// ChatLogDir is the directory where transcripts are stored
	ChatLogDir string `yaml:"chat_log_dir"`
	// LogFormat is either "text" or "json"
	LogFormat string `yaml:"log_format"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled starts the /metrics and /health server
	Enabled bool `yaml:"enabled"`
	// Addr is the listen address (default: ":9090")
	Addr string `yaml:"addr"`
}

// NewDefaultConfig creates a configuration with sensible defaults.
// The default transcript directory is ~/.roombot/chats.
func NewDefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Matrix: MatrixConfig{
			SyncTimeoutMs:    30000,
			RetryDelayMs:     2000,
			RequestTimeoutMs: 15000,
			DedupCapacity:    1000,
			TimelineLimit:    20,
			RateBurst:        1,
		},
		Reply: ReplyConfig{
			Echo:    true,
			Prefix:  "echo: ",
			Goodbye: "Goodbye!",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			ChatLogDir: defaultChatLogDir(),
			LogFormat:  "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// LoadConfig loads and validates a configuration from a YAML file.
// Empty Matrix credentials fall back to the MATRIX_* environment variables,
// and default values are applied for any missing optional fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// FromEnv builds a configuration from defaults and the MATRIX_* environment
// variables alone, for running without a config file.
func FromEnv() (*Config, error) {
	config := NewDefaultConfig()
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveConfig writes the configuration to a YAML file.
// The file is created with 0600 permissions since it may hold credentials.
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
// It ensures the homeserver, room, and expected sender are present and
// well-formed, and that the bot has a way to authenticate.
func (c *Config) Validate() error {
	m := c.Matrix

	if m.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required (or set %s)", EnvHomeserver)
	}
	u, err := url.Parse(m.Homeserver)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("matrix.homeserver must be an http(s) URL: %s", m.Homeserver)
	}

	if m.AccessToken == "" && (m.UserID == "" || m.Password == "") {
		return fmt.Errorf("matrix.access_token or matrix.user_id/password is required (or set %s)", EnvAccessToken)
	}
	if m.UserID != "" && !isMatrixID(m.UserID, '@') {
		return fmt.Errorf("invalid matrix.user_id: %s", m.UserID)
	}

	if m.Room == "" {
		return fmt.Errorf("matrix.room is required (or set %s)", EnvRoom)
	}
	if !isMatrixID(m.Room, '!') && !isMatrixID(m.Room, '#') {
		return fmt.Errorf("matrix.room must be a room ID (!id:server) or alias (#alias:server): %s", m.Room)
	}

	if m.ExpectedSender == "" {
		return fmt.Errorf("matrix.expected_sender is required (or set %s)", EnvExpectedSender)
	}
	if !isMatrixID(m.ExpectedSender, '@') {
		return fmt.Errorf("invalid matrix.expected_sender: %s", m.ExpectedSender)
	}
	if m.UserID != "" && m.UserID == m.ExpectedSender {
		return fmt.Errorf("matrix.expected_sender must differ from the bot's own user_id")
	}

	if m.SyncTimeoutMs < 0 || m.RetryDelayMs < 0 || m.RequestTimeoutMs < 0 {
		return fmt.Errorf("matrix timeouts cannot be negative")
	}
	if m.DedupCapacity < 0 {
		return fmt.Errorf("matrix.dedup_capacity cannot be negative")
	}
	if m.RateLimit < 0 {
		return fmt.Errorf("matrix.rate_limit cannot be negative")
	}

	validFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if c.Logging.LogFormat != "" && !validFormats[c.Logging.LogFormat] {
		return fmt.Errorf("invalid log format: %s", c.Logging.LogFormat)
	}

	return nil
}

// SyncTimeout returns the long-poll wait.
func (m MatrixConfig) SyncTimeout() time.Duration {
	return time.Duration(m.SyncTimeoutMs) * time.Millisecond
}

// RetryDelay returns the pause after a failed iteration.
func (m MatrixConfig) RetryDelay() time.Duration {
	return time.Duration(m.RetryDelayMs) * time.Millisecond
}

// RequestTimeout returns the per-request deadline.
func (m MatrixConfig) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) applyEnv() {
	envDefault(&c.Matrix.Homeserver, EnvHomeserver)
	envDefault(&c.Matrix.AccessToken, EnvAccessToken)
	envDefault(&c.Matrix.UserID, EnvUserID)
	envDefault(&c.Matrix.Password, EnvPassword)
	envDefault(&c.Matrix.Room, EnvRoom)
	envDefault(&c.Matrix.ExpectedSender, EnvExpectedSender)
}

func envDefault(field *string, key string) {
	if *field != "" {
		return
	}
	if env := strings.TrimSpace(os.Getenv(key)); env != "" {
		*field = env
	}
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}

	// Matrix defaults
	if c.Matrix.SyncTimeoutMs == 0 {
		c.Matrix.SyncTimeoutMs = 30000
	}
	if c.Matrix.RetryDelayMs == 0 {
		c.Matrix.RetryDelayMs = 2000
	}
	if c.Matrix.RequestTimeoutMs == 0 {
		c.Matrix.RequestTimeoutMs = 15000
	}
	if c.Matrix.DedupCapacity == 0 {
		c.Matrix.DedupCapacity = 1000
	}
	if c.Matrix.TimelineLimit <= 0 {
		c.Matrix.TimelineLimit = 20
	}
	if c.Matrix.RateBurst <= 0 {
		c.Matrix.RateBurst = 1
	}

	// Logging defaults
	if c.Logging.ChatLogDir == "" {
		c.Logging.ChatLogDir = defaultChatLogDir()
	}
	if c.Logging.LogFormat == "" {
		c.Logging.LogFormat = "text"
	}

	// Metrics defaults
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

func defaultChatLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".roombot", "chats")
}

// isMatrixID checks the sigil:server shape shared by user IDs, room IDs and aliases.
func isMatrixID(s string, sigil byte) bool {
	if len(s) < 4 || s[0] != sigil {
		return false
	}
	idx := strings.IndexByte(s, ':')
	return idx > 1 && idx < len(s)-1
}
