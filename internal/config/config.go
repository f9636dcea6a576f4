// Package config loads and validates the pimsync YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/pimsync/internal/auth"
	"github.com/njoerd114/pimsync/internal/devstore"
	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
)

const (
	defaultSyncInterval  = 15 * time.Minute
	minSyncInterval      = time.Minute
	defaultDebounce      = 2 * time.Second
	maxDebounce          = time.Minute
	defaultMaxAttempts   = 3
	defaultRetryInterval = 2 * time.Second
	defaultListen        = "127.0.0.1:8765"
	defaultLogMaxSizeMB  = 10
	defaultLogMaxBackups = 3
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Accounts lists the remote servers to sync. At least one is required.
	Accounts []AccountConfig `yaml:"accounts"`

	// Debounce is the quiet period after the last device change before a
	// push-only sync runs. Defaults to 2s.
	Debounce time.Duration `yaml:"debounce,omitempty"`

	Retry RetryConfig `yaml:"retry,omitempty"`

	DeviceStore DeviceStoreConfig `yaml:"device_store,omitempty"`

	// StatePath overrides the cache database location.
	StatePath string `yaml:"state_path,omitempty"`

	Control ControlConfig `yaml:"control,omitempty"`

	Log LogConfig `yaml:"log,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// AccountConfig describes one remote server identity.
type AccountConfig struct {
	// ID names the account in logs, metrics and the control API. It must be
	// unique and never change, since cached collections are keyed by it.
	ID string `yaml:"id"`

	// BaseURL is the DAV root or principal URL.
	BaseURL string `yaml:"base_url"`

	Username string `yaml:"username,omitempty"`

	// AuthScheme is "bearer" (default) or "basic".
	AuthScheme string `yaml:"auth_scheme,omitempty"`

	// TokenEnv and TokenFile locate the secret. TokenEnv is tried first.
	TokenEnv  string `yaml:"token_env,omitempty"`
	TokenFile string `yaml:"token_file,omitempty"`

	Calendars bool `yaml:"calendars,omitempty"`
	Contacts  bool `yaml:"contacts,omitempty"`
	Tasks     bool `yaml:"tasks,omitempty"`

	// ConflictPolicy is one of last-modified-wins (default), server-wins,
	// client-wins or ask-user.
	ConflictPolicy string `yaml:"conflict_policy,omitempty"`

	// SyncInterval is the periodic full sync interval. Minimum 1m, default 15m.
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`

	// RequestsPerSecond limits outbound requests to this server. Zero means
	// unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`

	policy model.ConflictPolicy
	scheme auth.Scheme
}

// RetryConfig bounds retries of transient failures within one sync run.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
}

// DeviceStoreConfig locates the device-native store.
type DeviceStoreConfig struct {
	Path string `yaml:"path,omitempty"`
	// Watch enables change detection for writes by other processes.
	Watch *bool `yaml:"watch,omitempty"`
}

// ControlConfig configures the local HTTP control server.
type ControlConfig struct {
	// Listen is the host:port to bind. "off" disables the server.
	Listen string `yaml:"listen,omitempty"`
}

// LogConfig configures optional log file output with rotation.
type LogConfig struct {
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure,omitempty"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "pimsync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path, e.g.
// ~/.config/pimsync/config.yaml.
func DefaultPath() (string, error) {
	path, err := xdg.ConfigFile(filepath.Join("pimsync", "config.yaml"))
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return path, nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves c as YAML at path with owner-only permissions, creating the
// directory. Zero fields are omitted so Load fills in their defaults.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed and
// fills in defaults.
func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if err := a.validate(); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}

	if c.Debounce == 0 {
		c.Debounce = defaultDebounce
	}
	if c.Debounce < 0 || c.Debounce > maxDebounce {
		return fmt.Errorf("debounce %v must be between 0 and %v", c.Debounce, maxDebounce)
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = defaultRetryInterval
	}
	if c.Retry.InitialInterval < 0 {
		return fmt.Errorf("retry.initial_interval must be positive")
	}

	if c.DeviceStore.Watch == nil {
		watch := true
		c.DeviceStore.Watch = &watch
	}

	if c.Control.Listen == "" {
		c.Control.Listen = defaultListen
	}

	if c.Log.File != "" {
		if c.Log.MaxSizeMB == 0 {
			c.Log.MaxSizeMB = defaultLogMaxSizeMB
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = defaultLogMaxBackups
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (a *AccountConfig) validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.ParseRequestURI(a.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("base_url %q must be a valid http or https URL", a.BaseURL)
	}
	if !a.Calendars && !a.Contacts && !a.Tasks {
		return fmt.Errorf("account %q syncs nothing; enable calendars, contacts or tasks", a.ID)
	}

	if a.policy, err = model.ParseConflictPolicy(a.ConflictPolicy); err != nil {
		return err
	}
	if a.scheme, err = auth.ParseScheme(a.AuthScheme); err != nil {
		return err
	}
	if a.scheme == auth.SchemeBasic && a.Username == "" {
		return fmt.Errorf("username is required for basic auth")
	}

	if a.SyncInterval == 0 {
		a.SyncInterval = defaultSyncInterval
	}
	if a.SyncInterval < minSyncInterval {
		return fmt.Errorf("sync_interval %v is too short (minimum %v)", a.SyncInterval, minSyncInterval)
	}
	if a.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	return nil
}

// Model returns the account as the sync engine sees it.
func (a AccountConfig) Model() model.Account {
	return model.Account{
		ID:             a.ID,
		BaseURL:        a.BaseURL,
		Username:       a.Username,
		Calendars:      a.Calendars,
		Contacts:       a.Contacts,
		Tasks:          a.Tasks,
		ConflictPolicy: a.policy,
		SyncInterval:   a.SyncInterval,
	}
}

// Credential returns where the account's secret is found.
func (a AccountConfig) Credential() auth.Credential {
	return auth.Credential{
		AccountID: a.ID,
		Username:  a.Username,
		Scheme:    a.scheme,
		TokenEnv:  a.TokenEnv,
		TokenFile: a.TokenFile,
	}
}

// Credentials returns the credentials of every account.
func (c *Config) Credentials() []auth.Credential {
	out := make([]auth.Credential, len(c.Accounts))
	for i, a := range c.Accounts {
		out[i] = a.Credential()
	}
	return out
}

// StateDBPath returns the configured cache database path or the default.
func (c *Config) StateDBPath() (string, error) {
	if c.StatePath != "" {
		return c.StatePath, nil
	}
	return state.DefaultDBPath()
}

// DeviceDBPath returns the configured device store path or the default.
func (c *Config) DeviceDBPath() (string, error) {
	if c.DeviceStore.Path != "" {
		return c.DeviceStore.Path, nil
	}
	return devstore.DefaultDBPath()
}
