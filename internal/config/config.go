// Package config provides environment-variable-first configuration
// loading with optional YAML file fallback for the SMTP gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Duration wraps time.Duration so YAML values like "90s" or "5m" parse
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig    `yaml:"smtp"`
	TLS      TLSConfig     `yaml:"tls"`
	Queue    QueueConfig   `yaml:"queue"`
	Control  ControlConfig `yaml:"control"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	Logging  LoggingConfig `yaml:"logging"`
	Flow     FlowConfig    `yaml:"flow"`
}

// SMTPConfig holds the SMTP listener configuration.
type SMTPConfig struct {
	Listen         string             `yaml:"listen"`
	Hostname       string             `yaml:"hostname"`
	RequireAuth    bool               `yaml:"require_auth"`
	Credentials    []CredentialConfig `yaml:"credentials"`
	MaxMessageSize int64              `yaml:"max_message_size"`
	MaxConnections int                `yaml:"max_connections"`
}

// CredentialConfig is one username/password pair accepted by AUTH.
type CredentialConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// QueueConfig holds the delivery queue configuration.
type QueueConfig struct {
	Path          string   `yaml:"path"`
	MaxAttempts   int      `yaml:"max_attempts"`
	RetryDelay    Duration `yaml:"retry_delay"`
	SendDelay     Duration `yaml:"send_delay"`
	Retention     Duration `yaml:"retention"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// ControlConfig holds the local control channel configuration.
type ControlConfig struct {
	Listen string `yaml:"listen"`
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty
// listen address disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// SESConfig holds AWS SES delivery configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// FlowConfig holds the flow-control startup state.
type FlowConfig struct {
	EnabledAtStartup bool `yaml:"enabled_at_startup"`
}

// Load loads configuration from environment variables with sensible
// defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values.
	cfg.applyEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// validate rejects configurations the server cannot honor.
func (c *Config) validate() error {
	if c.SMTP.RequireAuth && len(c.SMTP.Credentials) == 0 {
		return fmt.Errorf("smtp.require_auth is set but no credentials are configured")
	}
	for i, cred := range c.SMTP.Credentials {
		if cred.Username == "" {
			return fmt.Errorf("smtp.credentials[%d]: username must not be empty", i)
		}
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration
// fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize

	c.Queue.Path = "relaypost-queue.db"
	c.Queue.MaxAttempts = 3
	c.Queue.RetryDelay = Duration(1 * time.Minute)
	c.Queue.Retention = Duration(72 * time.Hour)
	c.Queue.SweepInterval = Duration(1 * time.Hour)

	c.Control.Listen = "127.0.0.1:8925"
	c.Logging.Level = "info"
	c.Flow.EnabledAtStartup = true
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_REQUIRE_AUTH"); v != "" {
		c.SMTP.RequireAuth = isTrue(v)
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		c.SMTP.Credentials = append(c.SMTP.Credentials, CredentialConfig{
			Username: user,
			Password: os.Getenv("SMTP_PASSWORD"),
		})
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxConnections = n
		}
	}

	if v := os.Getenv("QUEUE_PATH"); v != "" {
		c.Queue.Path = v
	}
	if v := os.Getenv("QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxAttempts = n
		}
	}
	applyEnvDuration("QUEUE_RETRY_DELAY", &c.Queue.RetryDelay)
	applyEnvDuration("QUEUE_SEND_DELAY", &c.Queue.SendDelay)
	applyEnvDuration("QUEUE_RETENTION", &c.Queue.Retention)
	applyEnvDuration("QUEUE_SWEEP_INTERVAL", &c.Queue.SweepInterval)

	if v := os.Getenv("CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("FLOW_ENABLED"); v != "" {
		c.Flow.EnabledAtStartup = isTrue(v)
	}
}

func applyEnvDuration(key string, target *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		*target = Duration(parsed)
	}
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
