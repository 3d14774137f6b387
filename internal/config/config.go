// Package config loads the user configuration from ~/.tabtrail/config.toml.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	dark "github.com/thiagokokada/dark-mode-go"
)

// FileName is the TOML config file inside the base directory.
const FileName = "config.toml"

// HomeEnv overrides the base directory.
const HomeEnv = "TABTRAIL_HOME"

// Defaults.
const (
	DefaultListen         = "127.0.0.1:8421"
	DefaultProbeTimeoutMS = 750
	DefaultRefreshMS      = 1000
	DefaultPprofAddr      = "localhost:6060"
)

// Config is the user-facing configuration.
type Config struct {
	Server  ServerSettings  `toml:"server"`
	Storage StorageSettings `toml:"storage"`
	Tracker TrackerSettings `toml:"tracker"`
	Inbox   InboxSettings   `toml:"inbox"`
	Logs    LogSettings     `toml:"logs"`
	UI      UISettings      `toml:"ui"`
}

// ServerSettings configures the HTTP/WebSocket server.
type ServerSettings struct {
	// Listen is the host:port to bind. Default: 127.0.0.1:8421
	Listen string `toml:"listen"`

	// Token, when set, is required as a bearer token on every request except
	// /healthz. The streaming routes also accept it as ?token=.
	Token string `toml:"token"`

	// ReadOnly rejects clearHistory and clearClosedTabs.
	ReadOnly bool `toml:"read_only"`
}

// StorageSettings configures the snapshot store.
type StorageSettings struct {
	// DBPath is the SQLite file. Default: <base>/state.db
	DBPath string `toml:"db_path"`

	// Compress stores snapshots zstd-compressed. Default: true
	Compress *bool `toml:"compress"`
}

// GetCompress returns whether snapshots are compressed, defaulting to true.
func (s StorageSettings) GetCompress() bool {
	if s.Compress == nil {
		return true
	}
	return *s.Compress
}

// TrackerSettings configures the session tracker.
type TrackerSettings struct {
	// ProbeTimeoutMS bounds one navigation info probe. Default: 750
	ProbeTimeoutMS int `toml:"probe_timeout_ms"`
}

// ProbeTimeout returns the probe timeout as a duration.
func (t TrackerSettings) ProbeTimeout() time.Duration {
	return time.Duration(t.ProbeTimeoutMS) * time.Millisecond
}

// InboxSettings configures the file inbox event source.
type InboxSettings struct {
	Enabled bool `toml:"enabled"`

	// Dir is watched for event files. Default: <base>/inbox
	Dir string `toml:"dir"`
}

// LogSettings configures debug logging.
type LogSettings struct {
	// DebugLevel: "debug", "info", "warn", "error". Default: "info"
	DebugLevel string `toml:"debug_level"`

	// DebugFormat: "json" (default) or "text"
	DebugFormat string `toml:"debug_format"`

	// DebugMaxMB is the size of debug.log before rotation. Default: 10
	DebugMaxMB int `toml:"debug_max_mb"`

	// DebugBackups is how many rotated files to keep. Default: 5
	DebugBackups int `toml:"debug_backups"`

	// DebugRetentionDays. Default: 10
	DebugRetentionDays int `toml:"debug_retention_days"`

	// DebugCompress gzips rotated files. Default: true
	DebugCompress *bool `toml:"debug_compress"`

	// RingLines is how many recent lines the SIGUSR1 dump holds. Default: 5000
	RingLines int `toml:"ring_lines"`

	// PprofEnabled serves pprof on localhost:6060 while serving.
	PprofEnabled bool `toml:"pprof_enabled"`

	// AggregateIntervalSecs. Default: 30
	AggregateIntervalSecs int `toml:"aggregate_interval_secs"`
}

// UISettings configures the terminal UI and renderer.
type UISettings struct {
	// Theme: "dark" (default), "light" or "system"
	Theme string `toml:"theme"`

	// RefreshMS is the TUI poll interval. Default: 1000
	RefreshMS int `toml:"refresh_ms"`
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// BaseDir returns the tabtrail directory: $TABTRAIL_HOME or ~/.tabtrail.
func BaseDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tabtrail"), nil
}

// Path returns the path to config.toml.
func Path() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// LoadDotEnv loads .env from the working directory into the process
// environment. Variables already set win. A missing file is not an error.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf(".env: %w", err)
	}
	return nil
}

// Load returns the configuration, reading config.toml on first use.
// A parse error is returned alongside the defaults so callers can report it.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = &Config{}
		return cache, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cache = &Config{}
		return cache, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		cache = &Config{}
		return cache, fmt.Errorf("config.toml parse error: %w", err)
	}
	cache = &cfg
	return cache, nil
}

// Reload drops the cache and reads config.toml again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the loaded config; the next Load reads from disk.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// Save writes cfg to config.toml atomically (temp file, fsync, rename) and
// clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# tabtrail configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	// rename still gives atomicity if fsync fails
	_ = syncFile(tmpPath)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearCache()
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func loaded() *Config {
	cfg, err := Load()
	if err != nil || cfg == nil {
		return &Config{}
	}
	return cfg
}

// GetServerSettings returns server settings with defaults applied.
func GetServerSettings() ServerSettings {
	s := loaded().Server
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	return s
}

// GetStorageSettings returns storage settings with the db path resolved.
func GetStorageSettings() StorageSettings {
	s := loaded().Storage
	if s.DBPath == "" {
		if dir, err := BaseDir(); err == nil {
			s.DBPath = filepath.Join(dir, "state.db")
		}
	}
	return s
}

// GetTrackerSettings returns tracker settings with defaults applied.
func GetTrackerSettings() TrackerSettings {
	s := loaded().Tracker
	if s.ProbeTimeoutMS <= 0 {
		s.ProbeTimeoutMS = DefaultProbeTimeoutMS
	}
	return s
}

// GetInboxSettings returns inbox settings with the directory resolved.
func GetInboxSettings() InboxSettings {
	s := loaded().Inbox
	if s.Dir == "" {
		if dir, err := BaseDir(); err == nil {
			s.Dir = filepath.Join(dir, "inbox")
		}
	}
	return s
}

// GetLogSettings returns log settings with defaults applied.
func GetLogSettings() LogSettings {
	s := loaded().Logs
	if s.DebugLevel == "" {
		s.DebugLevel = "info"
	}
	if s.DebugFormat == "" {
		s.DebugFormat = "json"
	}
	if s.DebugMaxMB <= 0 {
		s.DebugMaxMB = 10
	}
	if s.DebugBackups <= 0 {
		s.DebugBackups = 5
	}
	if s.DebugRetentionDays <= 0 {
		s.DebugRetentionDays = 10
	}
	if s.DebugCompress == nil {
		on := true
		s.DebugCompress = &on
	}
	if s.RingLines <= 0 {
		s.RingLines = 5000
	}
	if s.AggregateIntervalSecs <= 0 {
		s.AggregateIntervalSecs = 30
	}
	return s
}

// PprofAddr returns the pprof listen address, or "" when disabled.
func (l LogSettings) PprofAddr() string {
	if !l.PprofEnabled {
		return ""
	}
	return DefaultPprofAddr
}

// GetUISettings returns UI settings with defaults applied.
func GetUISettings() UISettings {
	s := loaded().UI
	switch s.Theme {
	case "dark", "light", "system":
	default:
		s.Theme = "dark"
	}
	if s.RefreshMS <= 0 {
		s.RefreshMS = DefaultRefreshMS
	}
	return s
}

// ResolveTheme resolves the configured theme to "dark" or "light". "system"
// asks the OS and falls back to dark when detection fails.
func ResolveTheme() string {
	theme := GetUISettings().Theme
	if theme != "system" {
		return theme
	}
	isDark, err := dark.IsDarkMode()
	if err != nil || isDark {
		return "dark"
	}
	return "light"
}

// CreateExample writes a commented config.toml unless one exists.
func CreateExample() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(exampleConfig), 0o600)
}

const exampleConfig = `# tabtrail configuration

[server]
# listen = "127.0.0.1:8421"
# token = ""          # require "Authorization: Bearer <token>"
# read_only = false   # reject clearHistory / clearClosedTabs

[storage]
# db_path = ""        # default ~/.tabtrail/state.db
# compress = true     # zstd snapshots

[tracker]
# probe_timeout_ms = 750

[inbox]
# enabled = false
# dir = ""            # default ~/.tabtrail/inbox

[logs]
# debug_level = "info"
# debug_format = "json"
# debug_max_mb = 10
# debug_backups = 5
# debug_retention_days = 10
# debug_compress = true
# ring_lines = 5000
# pprof_enabled = false
# aggregate_interval_secs = 30

[ui]
# theme = "dark"      # dark, light, system
# refresh_ms = 1000
`
