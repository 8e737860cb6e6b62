package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	DefaultListen          = "127.0.0.1:8080"
	DefaultTimezone        = "Local"
	DefaultWindowDays      = 14
	DefaultPrimaryCalendar = "primary"
	DefaultRefreshSpec     = "@every 1m"
	DefaultFreshSeconds    = 300
	DefaultMaxRetries      = 3
	DefaultBaseDelayMs     = 1000
	DefaultMaxDelayMs      = 30000
	DefaultTokenURL        = "https://oauth2.googleapis.com/token"
	DefaultKeyringService  = "dayboard"
)

// ICSConfig describes a single ICS subscription source that is merged into
// the calendar collections.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is the collection identifier used for classification and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// CalendarConfig selects which remote calendars are read.
type CalendarConfig struct {
	// Primary is always fetched.
	Primary string `yaml:"primary" json:"primary"`
	// ClassCalendarIDs are fetched too, and their events are classified as
	// "class".
	ClassCalendarIDs []string `yaml:"class_calendar_ids" json:"class_calendar_ids"`
}

// TokenConfig points at the credential-issuance endpoint.
type TokenConfig struct {
	// Endpoint is the base URL serving POST /auth and POST /refresh.
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	RedirectURI string `yaml:"redirect_uri" json:"redirect_uri"`
}

// GoogleConfig overrides provider base URLs; empty means the public APIs.
type GoogleConfig struct {
	CalendarBaseURL string `yaml:"calendar_base_url,omitempty" json:"calendar_base_url,omitempty"`
	TasksBaseURL    string `yaml:"tasks_base_url,omitempty" json:"tasks_base_url,omitempty"`
}

// CredentialsConfig selects the credential store backend.
type CredentialsConfig struct {
	// Backend is one of "file", "keyring" or "memory".
	Backend string `yaml:"backend" json:"backend"`
	// Path is the session file (file backend) or keyring directory (keyring
	// file backend).
	Path           string `yaml:"path" json:"path"`
	KeyringService string `yaml:"keyring_service" json:"keyring_service"`
}

// SyncConfig tunes the cache layer.
type SyncConfig struct {
	// FreshSeconds is how long a successful fetch is served without
	// refetching.
	FreshSeconds int `yaml:"fresh_seconds" json:"fresh_seconds"`
	// Refresh is a cron spec for the foreground polling interval.
	Refresh     string `yaml:"refresh" json:"refresh"`
	MaxRetries  int    `yaml:"max_retries" json:"max_retries"`
	BaseDelayMs int    `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int    `yaml:"max_delay_ms" json:"max_delay_ms"`
}

// TokenServerConfig configures the bundled credential-issuance endpoint.
// Client credentials may also come from GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET.
type TokenServerConfig struct {
	Listen         string   `yaml:"listen" json:"listen"`
	ClientID       string   `yaml:"client_id,omitempty" json:"-"`
	ClientSecret   string   `yaml:"client_secret,omitempty" json:"-"`
	TokenURL       string   `yaml:"token_url" json:"token_url"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the consumer API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the consumer API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used to derive days and times of day
	// for timed events. "Local" uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WindowDays is the number of consecutive days synchronized, starting
	// today.
	WindowDays int `yaml:"window_days" json:"window_days"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Calendar    CalendarConfig    `yaml:"calendar" json:"calendar"`
	ICS         []ICSConfig       `yaml:"ics" json:"ics"`
	Token       TokenConfig       `yaml:"token" json:"token"`
	Google      GoogleConfig      `yaml:"google" json:"google"`
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`
	Sync        SyncConfig        `yaml:"sync" json:"sync"`
	TokenServer TokenServerConfig `yaml:"token_server" json:"token_server"`

	// ICSCacheDir holds ETag/Last-Modified metadata for ICS subscriptions.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.WindowDays <= 0 {
		c.WindowDays = DefaultWindowDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Calendar.Primary == "" {
		c.Calendar.Primary = DefaultPrimaryCalendar
	}
	if c.Calendar.ClassCalendarIDs == nil {
		c.Calendar.ClassCalendarIDs = []string{}
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}

	switch c.Credentials.Backend {
	case "file", "keyring", "memory":
		// ok
	default:
		c.Credentials.Backend = "file"
	}
	if c.Credentials.Path == "" {
		c.Credentials.Path = defaultStatePath("session.yaml")
	}
	if c.Credentials.KeyringService == "" {
		c.Credentials.KeyringService = DefaultKeyringService
	}

	if c.Sync.FreshSeconds <= 0 {
		c.Sync.FreshSeconds = DefaultFreshSeconds
	}
	if c.Sync.Refresh == "" {
		c.Sync.Refresh = DefaultRefreshSpec
	}
	// A negative max_retries disables retries; zero means unset.
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = DefaultMaxRetries
	}
	if c.Sync.BaseDelayMs <= 0 {
		c.Sync.BaseDelayMs = DefaultBaseDelayMs
	}
	if c.Sync.MaxDelayMs <= 0 {
		c.Sync.MaxDelayMs = DefaultMaxDelayMs
	}

	if c.TokenServer.Listen == "" {
		c.TokenServer.Listen = "127.0.0.1:8081"
	}
	if c.TokenServer.TokenURL == "" {
		c.TokenServer.TokenURL = DefaultTokenURL
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = defaultStatePath("ics-cache")
	}
}

// FreshFor is the staleness window as a duration.
func (s SyncConfig) FreshFor() time.Duration {
	return time.Duration(s.FreshSeconds) * time.Second
}

// Retries is the number of retries after a failed first attempt.
func (s SyncConfig) Retries() int {
	if s.MaxRetries < 0 {
		return 0
	}
	return s.MaxRetries
}

func (s SyncConfig) BaseDelay() time.Duration {
	return time.Duration(s.BaseDelayMs) * time.Millisecond
}

func (s SyncConfig) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelayMs) * time.Millisecond
}

// Location resolves Timezone, falling back to the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ClientCredentials returns the token server's OAuth client, preferring
// the environment over the file.
func (t TokenServerConfig) ClientCredentials() (id, secret string) {
	id, secret = t.ClientID, t.ClientSecret
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		id = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		secret = v
	}
	return id, secret
}

func defaultStatePath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "var", name)
	}
	return filepath.Join(dir, "dayboard", name)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically with
// 0600 permissions.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data next to path and renames it into place.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes to a temp file in the same directory, fsyncs it.
//   - Ensures final file permissions are 0600 before the rename.
func WriteFileAtomic(path string, data []byte) error {
	if path == "" {
		return errors.New("path is empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".dayboard-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
