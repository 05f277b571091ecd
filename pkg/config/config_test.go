package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearMatrixEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvHomeserver, EnvAccessToken, EnvUserID, EnvPassword, EnvRoom, EnvExpectedSender} {
		t.Setenv(key, "")
	}
}

func validMatrix() MatrixConfig {
	return MatrixConfig{
		Homeserver:     "https://matrix.example.com",
		AccessToken:    "syt_token",
		Room:           "!room:example.com",
		ExpectedSender: "@alice:example.com",
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Version != "1.0" {
		t.Errorf("Expected Version to be '1.0', got %s", cfg.Version)
	}

	if cfg.Matrix.SyncTimeout() != 30*time.Second {
		t.Errorf("Expected default sync timeout to be 30s, got %v", cfg.Matrix.SyncTimeout())
	}

	if cfg.Matrix.RetryDelay() != 2*time.Second {
		t.Errorf("Expected default retry delay to be 2s, got %v", cfg.Matrix.RetryDelay())
	}

	if cfg.Matrix.DedupCapacity != 1000 {
		t.Errorf("Expected default dedup capacity to be 1000, got %d", cfg.Matrix.DedupCapacity)
	}

	if !cfg.Logging.Enabled {
		t.Error("Expected logging to be enabled by default")
	}

	if !strings.Contains(cfg.Logging.ChatLogDir, filepath.Join(".roombot", "chats")) {
		t.Errorf("Expected ChatLogDir to contain '.roombot/chats', got %s", cfg.Logging.ChatLogDir)
	}

	if cfg.Metrics.Enabled {
		t.Error("Expected metrics to be disabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing homeserver",
			mutate:  func(c *Config) { c.Matrix.Homeserver = "" },
			wantErr: true,
			errMsg:  "matrix.homeserver is required",
		},
		{
			name:    "homeserver without scheme",
			mutate:  func(c *Config) { c.Matrix.Homeserver = "matrix.example.com" },
			wantErr: true,
			errMsg:  "must be an http(s) URL",
		},
		{
			name:    "no credentials",
			mutate:  func(c *Config) { c.Matrix.AccessToken = "" },
			wantErr: true,
			errMsg:  "access_token or matrix.user_id/password",
		},
		{
			name: "password login",
			mutate: func(c *Config) {
				c.Matrix.AccessToken = ""
				c.Matrix.UserID = "@bot:example.com"
				c.Matrix.Password = "hunter2"
			},
			wantErr: false,
		},
		{
			name: "user id without password",
			mutate: func(c *Config) {
				c.Matrix.AccessToken = ""
				c.Matrix.UserID = "@bot:example.com"
			},
			wantErr: true,
			errMsg:  "access_token or matrix.user_id/password",
		},
		{
			name:    "missing room",
			mutate:  func(c *Config) { c.Matrix.Room = "" },
			wantErr: true,
			errMsg:  "matrix.room is required",
		},
		{
			name:    "room alias",
			mutate:  func(c *Config) { c.Matrix.Room = "#lobby:example.com" },
			wantErr: false,
		},
		{
			name:    "malformed room",
			mutate:  func(c *Config) { c.Matrix.Room = "lobby" },
			wantErr: true,
			errMsg:  "must be a room ID",
		},
		{
			name:    "missing expected sender",
			mutate:  func(c *Config) { c.Matrix.ExpectedSender = "" },
			wantErr: true,
			errMsg:  "matrix.expected_sender is required",
		},
		{
			name:    "malformed expected sender",
			mutate:  func(c *Config) { c.Matrix.ExpectedSender = "alice" },
			wantErr: true,
			errMsg:  "invalid matrix.expected_sender",
		},
		{
			name: "expected sender is the bot",
			mutate: func(c *Config) {
				c.Matrix.UserID = "@alice:example.com"
			},
			wantErr: true,
			errMsg:  "must differ",
		},
		{
			name:    "negative dedup capacity",
			mutate:  func(c *Config) { c.Matrix.DedupCapacity = -1 },
			wantErr: true,
			errMsg:  "dedup_capacity",
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.LogFormat = "xml" },
			wantErr: true,
			errMsg:  "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Matrix = validMatrix()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.errMsg, err.Error())
			}
		})
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	clearMatrixEnv(t)

	configPath := filepath.Join(t.TempDir(), "roombot.yaml")
	content := `
matrix:
  homeserver: https://matrix.example.com
  access_token: syt_token
  room: "!room:example.com"
  expected_sender: "@alice:example.com"
reply:
  echo: true
  prefix: "> "
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Version != "1.0" {
		t.Errorf("Expected default version, got %s", cfg.Version)
	}
	if cfg.Matrix.SyncTimeoutMs != 30000 {
		t.Errorf("Expected default sync timeout, got %d", cfg.Matrix.SyncTimeoutMs)
	}
	if cfg.Matrix.RequestTimeout() != 15*time.Second {
		t.Errorf("Expected default request timeout, got %v", cfg.Matrix.RequestTimeout())
	}
	if cfg.Matrix.TimelineLimit != 20 {
		t.Errorf("Expected default timeline limit, got %d", cfg.Matrix.TimelineLimit)
	}
	if cfg.Reply.Prefix != "> " {
		t.Errorf("Expected reply prefix '> ', got %q", cfg.Reply.Prefix)
	}
	if cfg.Logging.LogFormat != "text" {
		t.Errorf("Expected default log format 'text', got %s", cfg.Logging.LogFormat)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Expected default metrics addr ':9090', got %s", cfg.Metrics.Addr)
	}
}

func TestLoadConfigEnvFallback(t *testing.T) {
	clearMatrixEnv(t)
	t.Setenv(EnvAccessToken, "from-env")
	t.Setenv(EnvExpectedSender, "@bob:example.com")

	configPath := filepath.Join(t.TempDir(), "roombot.yaml")
	content := `
matrix:
  homeserver: https://matrix.example.com
  room: "!room:example.com"
  expected_sender: "@alice:example.com"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Matrix.AccessToken != "from-env" {
		t.Errorf("Expected access token from env, got %q", cfg.Matrix.AccessToken)
	}
	if cfg.Matrix.ExpectedSender != "@alice:example.com" {
		t.Errorf("File value should win over env, got %q", cfg.Matrix.ExpectedSender)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	clearMatrixEnv(t)
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for a missing file")
	}

	badYAML := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(badYAML, []byte("matrix: [unclosed"), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadConfig(badYAML); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("Expected parse error, got %v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("matrix:\n  homeserver: https://matrix.example.com\n"), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadConfig(invalid); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	clearMatrixEnv(t)
	if _, err := FromEnv(); err == nil {
		t.Error("Expected FromEnv to fail without environment")
	}

	t.Setenv(EnvHomeserver, "https://matrix.example.com")
	t.Setenv(EnvAccessToken, "syt_token")
	t.Setenv(EnvRoom, "#lobby:example.com")
	t.Setenv(EnvExpectedSender, "@alice:example.com")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Matrix.Room != "#lobby:example.com" {
		t.Errorf("Expected room from env, got %q", cfg.Matrix.Room)
	}
	if cfg.Matrix.DedupCapacity != 1000 {
		t.Errorf("Expected default dedup capacity, got %d", cfg.Matrix.DedupCapacity)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	clearMatrixEnv(t)

	cfg := NewDefaultConfig()
	cfg.Matrix = validMatrix()
	cfg.Reply.Greeting = "hello"

	configPath := filepath.Join(t.TempDir(), "nested", "roombot.yaml")
	if err := cfg.SaveConfig(configPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected file mode 0600, got %o", perm)
	}

	loaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Matrix != cfg.Matrix {
		t.Errorf("Matrix section changed on round trip: %+v vs %+v", loaded.Matrix, cfg.Matrix)
	}
	if loaded.Reply != cfg.Reply {
		t.Errorf("Reply section changed on round trip: %+v vs %+v", loaded.Reply, cfg.Reply)
	}
}
