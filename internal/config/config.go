// Package config provides YAML configuration loading with validation and
// environment variable substitution for the mqlink client.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/mqlink/internal/options"
	"github.com/dskow/mqlink/internal/policy"
	"github.com/dskow/mqlink/internal/target"
)

// Config is the top-level client configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection" json:"connection"`
	Reconnect  ReconnectConfig  `yaml:"reconnect" json:"reconnect"`
	TLS        TLSConfig        `yaml:"tls" json:"tls"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Admin      AdminConfig      `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ConnectionConfig holds the connection target and identity settings.
type ConnectionConfig struct {
	Address            string   `yaml:"address" json:"address"`
	FailoverAddresses  []string `yaml:"failover_addresses" json:"failover_addresses,omitempty"`
	ReconnectAddress   string   `yaml:"reconnect_address" json:"reconnect_address,omitempty"`
	ContainerID        string   `yaml:"container_id" json:"container_id,omitempty"`
	VirtualHost        string   `yaml:"virtual_host" json:"virtual_host,omitempty"`
	User               string   `yaml:"user" json:"user,omitempty"`
	Secret             string   `yaml:"secret" json:"secret,omitempty"`
	SASLAllowedMechs   []string `yaml:"sasl_allowed_mechs" json:"sasl_allowed_mechs,omitempty"`
	HandshakeTimeoutMs int      `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`

	// DialRatePerSec caps dial attempts per second across retries. Zero
	// disables the throttle; retry pacing then comes from the reconnect
	// policy alone.
	DialRatePerSec float64 `yaml:"dial_rate_per_sec" json:"dial_rate_per_sec"`
	DialBurst      int     `yaml:"dial_burst" json:"dial_burst"`
}

// HandshakeTimeout returns the per-attempt handshake deadline.
// Returns 0 (transport default) when not set.
func (c ConnectionConfig) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// ReconnectConfig holds the retry policy settings.
// Enabled defaults to true; set to false to make every failure terminal.
type ReconnectConfig struct {
	Enabled     *bool   `yaml:"enabled" json:"enabled"`
	DelayMs     int     `yaml:"delay_ms" json:"delay_ms"`
	Multiplier  float64 `yaml:"multiplier" json:"multiplier"`
	MaxDelayMs  int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
}

// IsEnabled returns whether reconnection is enabled (defaults to true).
func (r ReconnectConfig) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// specified reports whether any reconnect field was set at all. An entirely
// absent section leaves the policy decision to the engine (a failover list
// implies the default policy).
func (r ReconnectConfig) specified() bool {
	return r.Enabled != nil || r.DelayMs != 0 || r.Multiplier != 0 ||
		r.MaxDelayMs != 0 || r.MaxAttempts != 0
}

// Policy builds the retry policy from the section. Nil means reconnection is
// disabled.
func (r ReconnectConfig) Policy() *policy.Policy {
	if !r.IsEnabled() {
		return nil
	}
	p := policy.Default()
	if r.DelayMs > 0 {
		p.Delay = time.Duration(r.DelayMs) * time.Millisecond
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	if r.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	p.MaxAttempts = r.MaxAttempts
	return p
}

// TLSConfig holds client-side TLS settings.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	CACert             string `yaml:"ca_cert" json:"ca_cert,omitempty"`
	CertFile           string `yaml:"cert_file" json:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file" json:"key_file,omitempty"`
	ServerName         string `yaml:"server_name" json:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// HTTPConfig holds the local HTTP endpoint serving health, metrics, and the
// admin API.
type HTTPConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8181
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Connection.DialRatePerSec > 0 && cfg.Connection.DialBurst == 0 {
		cfg.Connection.DialBurst = 1
	}
}

func validate(cfg *Config) error {
	if cfg.Connection.Address == "" {
		return fmt.Errorf("connection.address is required")
	}
	if _, err := target.Parse(cfg.Connection.Address); err != nil {
		return fmt.Errorf("connection.address: %w", err)
	}
	if _, err := target.ParseList(cfg.Connection.FailoverAddresses); err != nil {
		return fmt.Errorf("connection.failover_addresses: %w", err)
	}
	if cfg.Connection.ReconnectAddress != "" {
		if _, err := target.Parse(cfg.Connection.ReconnectAddress); err != nil {
			return fmt.Errorf("connection.reconnect_address: %w", err)
		}
	}
	if cfg.Connection.HandshakeTimeoutMs < 0 {
		return fmt.Errorf("connection.handshake_timeout_ms must be non-negative")
	}
	if cfg.Connection.DialRatePerSec < 0 {
		return fmt.Errorf("connection.dial_rate_per_sec must be non-negative")
	}
	if cfg.Connection.DialBurst < 0 {
		return fmt.Errorf("connection.dial_burst must be non-negative")
	}

	r := cfg.Reconnect
	if r.DelayMs < 0 {
		return fmt.Errorf("reconnect.delay_ms must be non-negative")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %v", r.Multiplier)
	}
	if r.MaxDelayMs < 0 {
		return fmt.Errorf("reconnect.max_delay_ms must be non-negative")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be non-negative")
	}
	if p := r.Policy(); p != nil {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
	}

	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", cfg.HTTP.Port)
	}

	// TLS validation
	if cfg.TLS.Enabled {
		if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
			return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
		}
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Connection.Secret, "${") {
		warnings = append(warnings, "connection.secret contains unresolved environment variable")
	}
	if cfg.TLS.InsecureSkipVerify {
		warnings = append(warnings, "tls.insecure_skip_verify is enabled; peer certificates are not verified")
	}
	return warnings
}

// Options builds the connection options overlay from the configuration. Only
// fields the operator actually set are marked present, so merging a reloaded
// config does not clobber runtime overrides with empty values — except for
// the reconnect fields, which are always present so a reload can clear them.
func (cfg *Config) Options() options.Options {
	var o options.Options
	c := cfg.Connection
	if c.ContainerID != "" {
		o.ContainerID = options.Some(c.ContainerID)
	}
	if c.VirtualHost != "" {
		o.VirtualHost = options.Some(c.VirtualHost)
	}
	if c.User != "" {
		o.User = options.Some(c.User)
	}
	if c.Secret != "" {
		o.Secret = options.Some(c.Secret)
	}
	if len(c.SASLAllowedMechs) > 0 {
		o.SASLAllowedMechs = options.Some(c.SASLAllowedMechs)
	}
	if t := c.HandshakeTimeout(); t > 0 {
		o.HandshakeTimeout = options.Some(t)
	}

	o.ReconnectURL = options.Some(c.ReconnectAddress)
	o.FailoverURLs = options.Some(c.FailoverAddresses)
	if cfg.Reconnect.specified() {
		o.Reconnect = options.Some(cfg.Reconnect.Policy())
	}
	return o
}
