// Package config holds the serializable settings of sessions and change
// connections.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config represents the configuration file structure.
type Config struct {
	// URLs of the server nodes. The first is used.
	URLs     []string `yaml:"urls"`
	Database string   `yaml:"database"`
	// CertificatePath is a PEM file holding the client certificate and key.
	CertificatePath string `yaml:"certificatePath,omitempty"`

	Session *SessionConfig `yaml:"session,omitempty"`
	Changes *ChangesConfig `yaml:"changes,omitempty"`
}

// SessionConfig configures sessions.
type SessionConfig struct {
	// MaxRequests bounds the server calls a single session may make.
	// Zero means the default and negative means unbounded.
	MaxRequests int `yaml:"maxRequests"`
	// IdentitySeparator separates the collection prefix of generated ids.
	IdentitySeparator string `yaml:"identitySeparator"`
	// UseOptimisticConcurrency sends change vectors with every save.
	UseOptimisticConcurrency bool `yaml:"useOptimisticConcurrency"`
}

// ChangesConfig configures change notification connections.
type ChangesConfig struct {
	// PoolSize is the number of workers running subscribe and unsubscribe
	// commands.
	PoolSize int `yaml:"poolSize"`
	// QueueSize bounds the pending subscribe and unsubscribe commands.
	QueueSize int `yaml:"queueSize"`
	// ConfirmationTimeout bounds the wait for a command confirmation.
	ConfirmationTimeout time.Duration `yaml:"confirmationTimeout"`
	// ReconnectDelay is the fixed pause between connection attempts.
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
}

// LoadConfig loads a configuration file in YAML format.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Session: DefaultSessionConfig(),
		Changes: DefaultChangesConfig(),
	}
}

// DefaultSessionConfig returns the default session settings.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		MaxRequests:              30,
		IdentitySeparator:        "/",
		UseOptimisticConcurrency: true,
	}
}

// DefaultChangesConfig returns the default change connection settings.
func DefaultChangesConfig() *ChangesConfig {
	return &ChangesConfig{
		PoolSize:            10,
		QueueSize:           256,
		ConfirmationTimeout: 15 * time.Second,
		ReconnectDelay:      time.Second,
	}
}

// fillDefaults restores sections and settings a file left empty.
func (c *Config) fillDefaults() {
	if c.Session == nil {
		c.Session = DefaultSessionConfig()
	}
	c.Session.FillDefaults()
	if c.Changes == nil {
		c.Changes = DefaultChangesConfig()
	}
	c.Changes.FillDefaults()
}

// FillDefaults sets the settings left at their zero value to the defaults.
func (c *SessionConfig) FillDefaults() {
	def := DefaultSessionConfig()
	if c.MaxRequests == 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.IdentitySeparator == "" {
		c.IdentitySeparator = def.IdentitySeparator
	}
}

// FillDefaults sets the settings left at their zero value to the defaults.
// Negative sizes are kept for Validate to reject.
func (c *ChangesConfig) FillDefaults() {
	def := DefaultChangesConfig()
	if c.PoolSize == 0 {
		c.PoolSize = def.PoolSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.URLs) == 0 {
		return fmt.Errorf("no server urls configured")
	}
	for _, u := range c.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("url %q must use http or https", u)
		}
	}
	if c.Database == "" {
		return fmt.Errorf("no database configured")
	}
	if c.Changes != nil {
		if c.Changes.PoolSize <= 0 {
			return fmt.Errorf("changes.poolSize must be positive")
		}
		if c.Changes.ConfirmationTimeout <= 0 {
			return fmt.Errorf("changes.confirmationTimeout must be positive")
		}
	}
	return nil
}

// URL returns the first configured server url.
func (c *Config) URL() string {
	if len(c.URLs) == 0 {
		return ""
	}
	return strings.TrimRight(c.URLs[0], "/")
}

// Environment variables read by ApplyEnv.
const (
	EnvURLs                = "DOCSESSION_URLS"
	EnvDatabase            = "DOCSESSION_DATABASE"
	EnvCertificatePath     = "DOCSESSION_CERTIFICATE_PATH"
	EnvMaxRequests         = "DOCSESSION_MAX_REQUESTS"
	EnvPoolSize            = "DOCSESSION_POOL_SIZE"
	EnvConfirmationTimeout = "DOCSESSION_CONFIRMATION_TIMEOUT"
	EnvReconnectDelay      = "DOCSESSION_RECONNECT_DELAY"
)

// ApplyEnv loads envFiles (or .env when none are given, ignoring a missing
// file) and overlays DOCSESSION_* variables on c.
func (c *Config) ApplyEnv(envFiles ...string) error {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	c.fillDefaults()

	if v := os.Getenv(EnvURLs); v != "" {
		c.URLs = strings.Split(v, ",")
	}
	c.Database = getEnv(EnvDatabase, c.Database)
	c.CertificatePath = getEnv(EnvCertificatePath, c.CertificatePath)

	var err error
	if c.Session.MaxRequests, err = getEnvInt(EnvMaxRequests, c.Session.MaxRequests); err != nil {
		return err
	}
	if c.Changes.PoolSize, err = getEnvInt(EnvPoolSize, c.Changes.PoolSize); err != nil {
		return err
	}
	if c.Changes.ConfirmationTimeout, err = getEnvDuration(EnvConfirmationTimeout, c.Changes.ConfirmationTimeout); err != nil {
		return err
	}
	if c.Changes.ReconnectDelay, err = getEnvDuration(EnvReconnectDelay, c.Changes.ReconnectDelay); err != nil {
		return err
	}
	return nil
}

// LoadCertificate reads the client certificate, returning nil when none is
// configured.
func (c *Config) LoadCertificate() (*tls.Certificate, error) {
	if c.CertificatePath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertificatePath, c.CertificatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %s: %w", c.CertificatePath, err)
	}
	return &cert, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
