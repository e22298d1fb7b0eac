// Package config loads and validates the offlinesync YAML configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/appunture/offlinesync/internal/store"
)

// Environment variables that override the file. They are read from the
// process environment and from an optional .env file next to the config;
// the process environment wins.
const (
	EnvAPIURL = "OFFLINESYNC_API_URL"
	EnvToken  = "OFFLINESYNC_TOKEN"
	EnvDBPath = "OFFLINESYNC_DB_PATH"
)

// Probe kinds for [ConnectivityConfig].
const (
	ProbeDial = "dial"
	ProbeFile = "file"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the backend base URL including the /api prefix
	// (e.g. "https://appunture.example.com/api").
	APIURL string `yaml:"api_url"`

	// Token is the session JWT. TokenFile is read instead when Token is empty.
	Token     string `yaml:"token,omitempty"`
	TokenFile string `yaml:"token_file,omitempty"`

	// DBPath is the local SQLite database. Defaults to
	// ~/.local/share/offlinesync/local.db.
	DBPath string `yaml:"db_path,omitempty"`

	// PollInterval controls how often the daemon drains the queues.
	// Minimum 10s, maximum 5m. Defaults to 30s if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CallTimeout bounds every backend call. 1s to 2m, default 10s.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// AutoSync drains the queues after local changes and reconnects.
	// Defaults to true when omitted.
	AutoSync *bool `yaml:"auto_sync,omitempty"`

	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Media        MediaConfig        `yaml:"media"`
	Backoff      BackoffConfig      `yaml:"backoff"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ConnectivityConfig selects how device reachability is detected.
type ConnectivityConfig struct {
	// Probe is "dial" (TCP connect to Address) or "file" (read StatusFile).
	Probe string `yaml:"probe,omitempty"`

	// Address is the host:port dialed by the dial probe. Defaults to the
	// API host.
	Address string `yaml:"address,omitempty"`

	// StatusFile contains "online" or "offline" for the file probe.
	StatusFile string `yaml:"status_file,omitempty"`

	Interval time.Duration `yaml:"interval,omitempty"`
}

// MediaConfig controls image preparation before upload.
type MediaConfig struct {
	MaxDimension int `yaml:"max_dimension,omitempty"`
	JPEGQuality  int `yaml:"jpeg_quality,omitempty"`
}

// BackoffConfig is the retry policy shared by both queues.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base,omitempty"`
	Max        time.Duration `yaml:"max,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "offlinesync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/offlinesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "offlinesync", "config.yaml"), nil
}

// Load reads the configuration file at the given path, applies environment
// overrides, and validates the result.
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

	env, err := envOverrides(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(env)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// envOverrides merges the optional .env file in dir with the process
// environment.
func envOverrides(dir string) (map[string]string, error) {
	vals := make(map[string]string)

	dotenv := filepath.Join(dir, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		m, err := godotenv.Read(dotenv)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dotenv, err)
		}
		for k, v := range m {
			vals[k] = v
		}
	}

	for _, k := range []string{EnvAPIURL, EnvToken, EnvDBPath} {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			vals[k] = v
		}
	}
	return vals, nil
}

func (c *Config) applyEnv(env map[string]string) {
	if v := env[EnvAPIURL]; v != "" {
		c.APIURL = v
	}
	if v := env[EnvToken]; v != "" {
		c.Token = v
	}
	if v := env[EnvDBPath]; v != "" {
		c.DBPath = v
	}
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")

	if c.DBPath == "" {
		p, err := store.DefaultDBPath()
		if err != nil {
			return err
		}
		c.DBPath = p
	}
	c.DBPath = expandHome(c.DBPath)
	c.TokenFile = expandHome(c.TokenFile)

	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > 5*time.Minute {
		return fmt.Errorf("poll_interval %v is too long (maximum 5m)", c.PollInterval)
	}

	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.CallTimeout < time.Second || c.CallTimeout > 2*time.Minute {
		return fmt.Errorf("call_timeout %v must be between 1s and 2m", c.CallTimeout)
	}

	if err := c.Connectivity.validate(u); err != nil {
		return err
	}
	if err := c.Media.validate(); err != nil {
		return err
	}
	if err := c.Backoff.validate(); err != nil {
		return err
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (cc *ConnectivityConfig) validate(api *url.URL) error {
	if cc.Probe == "" {
		cc.Probe = ProbeDial
	}
	if cc.Interval == 0 {
		cc.Interval = 15 * time.Second
	}
	if cc.Interval < time.Second {
		return fmt.Errorf("connectivity.interval %v is too short (minimum 1s)", cc.Interval)
	}

	switch cc.Probe {
	case ProbeDial:
		if cc.Address == "" {
			cc.Address = defaultAddress(api)
		}
		if _, _, err := net.SplitHostPort(cc.Address); err != nil {
			return fmt.Errorf("connectivity.address %q must be host:port", cc.Address)
		}
	case ProbeFile:
		if cc.StatusFile == "" {
			return fmt.Errorf("connectivity.status_file is required for the file probe")
		}
		cc.StatusFile = expandHome(cc.StatusFile)
	default:
		return fmt.Errorf("connectivity.probe %q must be %q or %q", cc.Probe, ProbeDial, ProbeFile)
	}
	return nil
}

func defaultAddress(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func (m *MediaConfig) validate() error {
	if m.MaxDimension == 0 {
		m.MaxDimension = 1600
	}
	if m.JPEGQuality == 0 {
		m.JPEGQuality = 80
	}
	if m.MaxDimension < 64 {
		return fmt.Errorf("media.max_dimension %d is too small (minimum 64)", m.MaxDimension)
	}
	if m.JPEGQuality < 1 || m.JPEGQuality > 100 {
		return fmt.Errorf("media.jpeg_quality %d must be between 1 and 100", m.JPEGQuality)
	}
	return nil
}

func (b *BackoffConfig) validate() error {
	if b.Base == 0 {
		b.Base = time.Second
	}
	if b.Max == 0 {
		b.Max = time.Minute
	}
	if b.MaxRetries == 0 {
		b.MaxRetries = 5
	}
	if b.Base < 0 || b.Max < b.Base {
		return fmt.Errorf("backoff.max %v must not be below backoff.base %v", b.Max, b.Base)
	}
	if b.MaxRetries < 1 {
		return fmt.Errorf("backoff.max_retries %d must be at least 1", b.MaxRetries)
	}
	return nil
}

// AutoSyncEnabled reports the effective auto_sync setting.
func (c *Config) AutoSyncEnabled() bool {
	return c.AutoSync == nil || *c.AutoSync
}

// Write saves the configuration as YAML, readable only by the owner since it
// may hold a token.
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

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
