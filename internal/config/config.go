// Package config loads and validates the ecotrack YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. ECOTRACK_API_TOKEN.
const EnvPrefix = "ecotrack"

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the reporting backend (e.g. "https://api.ecotrack.example").
	APIURL string `yaml:"api_url"`

	// APIToken is the bearer token sent with every request. Optional.
	APIToken string `yaml:"api_token,omitempty"`

	// RequestTimeout bounds a single HTTP attempt. Uploads get twice this.
	// Minimum 1s, maximum 2m. Defaults to 10s if unset.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// RetryAttempts is the total number of attempts for a retryable request,
	// 1 to 10. Defaults to 3.
	RetryAttempts int `yaml:"retry_attempts,omitempty"`

	// RetryDelay is the fixed pause between attempts. Defaults to 1s.
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`

	// SyncInterval controls how often the daemon pushes pending reports.
	// Minimum 10s, maximum 1h. Defaults to 1m.
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`

	// DBPath is the SQLite file holding queued reports, photos and the
	// geocoding cache. Defaults to ~/.local/share/ecotrack/ecotrack.db.
	DBPath string `yaml:"db_path,omitempty"`

	// StorageQuota is the byte budget for the local database. 0 means unknown
	// and disables the quota check.
	StorageQuota int64 `yaml:"storage_quota,omitempty"`

	// SuggestRate caps address-suggestion lookups per second. Defaults to 5.
	SuggestRate float64 `yaml:"suggest_rate,omitempty"`

	// Media controls photo preparation before a report is queued.
	Media MediaConfig `yaml:"media,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// MediaConfig holds photo preparation settings.
type MediaConfig struct {
	// MaxDimension is the longest edge, in pixels, a stored photo may have.
	// Defaults to 1920.
	MaxDimension int `yaml:"max_dimension,omitempty"`

	// JPEGQuality is the re-encode quality, 1 to 100. Defaults to 80.
	JPEGQuality int `yaml:"jpeg_quality,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "ecotrack".
	ServiceName string `yaml:"service_name"`

	// Headers are sent as gRPC metadata with every export, e.g.
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`

	// MetricInterval is how often metrics are pushed. Defaults to 1m.
	MetricInterval time.Duration `yaml:"metric_interval,omitempty"`
}

// envOverrides lists the settings that may come from the environment.
// Unset variables leave the YAML value in place.
type envOverrides struct {
	APIURL       string        `envconfig:"API_URL"`
	APIToken     string        `envconfig:"API_TOKEN"`
	DBPath       string        `envconfig:"DB_PATH"`
	SyncInterval time.Duration `envconfig:"SYNC_INTERVAL"`
}

// DefaultPath returns the default config file path: ~/.config/ecotrack/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ecotrack", "config.yaml"), nil
}

// DefaultDBPath returns the default database path: ~/.local/share/ecotrack/ecotrack.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ecotrack", "ecotrack.db"), nil
}

// Load reads the configuration file at path, applies environment overrides
// (after loading a .env file from the working directory, if present) and
// validates the result. A missing file is tolerated when the environment
// supplies the required settings.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true) // reject unknown keys to catch typos early
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Fall through to the environment.
	default:
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}

	if err := cfg.applyEnv(".env"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv loads dotenv (ignored when absent) and overlays ECOTRACK_*
// variables onto c.
func (c *Config) applyEnv(dotenv string) error {
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", dotenv, err)
	}

	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}
	if env.APIURL != "" {
		c.APIURL = env.APIURL
	}
	if env.APIToken != "" {
		c.APIToken = env.APIToken
	}
	if env.DBPath != "" {
		c.DBPath = env.DBPath
	}
	if env.SyncInterval != 0 {
		c.SyncInterval = env.SyncInterval
	}
	return nil
}

// Write persists c as YAML at path, creating the parent directory. The file
// is readable only by the owner since it may hold the API token.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed,
// filling in defaults for unset optional ones.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required (run `ecotrack setup` or set ECOTRACK_API_URL)")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RequestTimeout < time.Second || c.RequestTimeout > 2*time.Minute {
		return fmt.Errorf("request_timeout %v must be between 1s and 2m", c.RequestTimeout)
	}

	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts %d must be between 1 and 10", c.RetryAttempts)
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay %v must not be negative", c.RetryDelay)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = time.Minute
	}
	if c.SyncInterval < 10*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 10s)", c.SyncInterval)
	}
	if c.SyncInterval > time.Hour {
		return fmt.Errorf("sync_interval %v is too long (maximum 1h)", c.SyncInterval)
	}

	if c.DBPath == "" {
		p, err := DefaultDBPath()
		if err != nil {
			return err
		}
		c.DBPath = p
	}
	if c.StorageQuota < 0 {
		return fmt.Errorf("storage_quota must not be negative")
	}

	if c.SuggestRate == 0 {
		c.SuggestRate = 5
	}

	if c.Media.MaxDimension == 0 {
		c.Media.MaxDimension = 1920
	}
	if c.Media.MaxDimension < 64 {
		return fmt.Errorf("media.max_dimension %d is too small (minimum 64)", c.Media.MaxDimension)
	}
	if c.Media.JPEGQuality == 0 {
		c.Media.JPEGQuality = 80
	}
	if c.Media.JPEGQuality < 1 || c.Media.JPEGQuality > 100 {
		return fmt.Errorf("media.jpeg_quality %d must be between 1 and 100", c.Media.JPEGQuality)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
		if c.Telemetry.MetricInterval < 0 {
			return fmt.Errorf("telemetry.metric_interval must not be negative")
		}
	}

	return nil
}
