package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"tourcal/internal/calendar"
	"tourcal/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment variables (optionally from a .env file) override
// the file for deployment-specific values.

// Environment variables read by ApplyEnv.
const (
	EnvAPIBaseURL    = "TOURCAL_API_BASE_URL"
	EnvListen        = "TOURCAL_LISTEN"
	EnvEnvironment   = "TOURCAL_ENV"
	EnvLogLevel      = "TOURCAL_LOG_LEVEL"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
)

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "Europe/Moscow"
	defaultAPIBaseURL   = "http://127.0.0.1:8000"
	defaultPollInterval = "@every 30s"
	defaultEnvironment  = "development"
	defaultLogLevel     = "info"
)

// APIConfig points at the remote tour data service.
type APIConfig struct {
	// BaseURL is scheme + host of the data service; "/api" is appended.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// RequestTimeout bounds one HTTP call. Zero keeps the transport default.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// TelegramConfig enables guide notifications.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Token   string `yaml:"token,omitempty" json:"-"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// ViewConfig is the calendar view a fresh dashboard opens with.
type ViewConfig struct {
	// Mode is one of "month", "week", "day".
	Mode string `yaml:"mode" json:"mode"`
	// StatusFilters maps status names to visibility. Statuses not listed
	// here are always shown.
	StatusFilters map[string]bool `yaml:"status_filters" json:"status_filters"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone whose midnight splits calendar days.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Environment selects log output: "production" logs JSON, anything else
	// logs colored console lines.
	Environment string `yaml:"environment" json:"environment"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	API APIConfig `yaml:"api" json:"api"`

	// PollInterval is a cron spec for re-fetching tours ("@every 30s" or a
	// five-field expression).
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`

	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	DefaultView ViewConfig `yaml:"default_view" json:"default_view"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		Timezone:     defaultTimezone,
		Environment:  defaultEnvironment,
		LogLevel:     defaultLogLevel,
		API:          APIConfig{BaseURL: defaultAPIBaseURL},
		PollInterval: defaultPollInterval,
		DefaultView:  defaultViewConfig(),
	}
}

func defaultViewConfig() ViewConfig {
	filters := make(map[string]bool)
	for s, on := range calendar.DefaultStatusFilters() {
		filters[string(s)] = on
	}
	return ViewConfig{Mode: string(calendar.ViewMonth), StatusFilters: filters}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Environment == "" {
		c.Environment = defaultEnvironment
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultAPIBaseURL
	}
	if c.API.RequestTimeout < 0 {
		c.API.RequestTimeout = 0
	}
	if c.PollInterval == "" {
		c.PollInterval = defaultPollInterval
	}
	if c.DefaultView.Mode == "" {
		c.DefaultView.Mode = string(calendar.ViewMonth)
	}
	// A nil map means "not configured"; an empty map is a deliberate
	// "show everything".
	if c.DefaultView.StatusFilters == nil {
		c.DefaultView.StatusFilters = defaultViewConfig().StatusFilters
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is empty"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q must be an absolute http(s) URL", c.API.BaseURL))
	}
	if _, err := cron.ParseStandard(c.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("poll_interval %q: %w", c.PollInterval, err))
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.enabled requires a token (or %s)", EnvTelegramToken))
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "") != (c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth needs both username and password"))
	}
	if _, err := c.ViewState(time.Now()); err != nil {
		errs = append(errs, fmt.Errorf("default_view: %w", err))
	}

	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ViewState builds the initial calendar view anchored at now.
func (c *Config) ViewState(now time.Time) (calendar.ViewState, error) {
	filters := make(calendar.StatusFilters, len(c.DefaultView.StatusFilters))
	for name, on := range c.DefaultView.StatusFilters {
		filters[model.TourStatus(name)] = on
	}
	v := calendar.ViewState{
		SelectedDate:  now,
		ViewMode:      calendar.ViewMode(c.DefaultView.Mode),
		StatusFilters: filters,
	}
	if err := v.Validate(); err != nil {
		return calendar.ViewState{}, err
	}
	return v, nil
}

// LoadEnvFiles loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) []string {
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			continue
		}
		loaded = append(loaded, p)
	}
	return loaded
}

// ApplyEnv overrides deployment-specific fields from getenv (os.Getenv in
// production). A Telegram token from the environment also enables Telegram.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIBaseURL); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := getenv(EnvEnvironment); v != "" {
		c.Environment = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvTelegramToken); v != "" {
		c.Telegram.Token = v
		c.Telegram.Enabled = true
	}
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
			// First run: create default config file.
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
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".tourcal-config-*.tmp")
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
