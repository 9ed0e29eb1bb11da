// ABOUTME: Configuration loading for the webhook-bridge
// ABOUTME: Loads TOML config with environment variable expansion and validation

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the complete webhook-bridge configuration.
type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Store   StoreConfig   `toml:"store"`
	Webhook WebhookConfig `toml:"webhook"`
	Logging LoggingConfig `toml:"logging"`
}

// MatrixConfig holds the homeserver connection settings.
type MatrixConfig struct {
	Homeserver string `toml:"homeserver"`
	UserID     string `toml:"user_id"`
	Password   string `toml:"password"`
	DeviceName string `toml:"device_name"`
	SSLVerify  bool   `toml:"ssl_verify"`
	AdminRoom  string `toml:"admin_room"`
}

// StoreConfig holds the durable state directory (credentials and the
// encryption store).
type StoreConfig struct {
	Path string `toml:"path"`
}

// WebhookConfig holds the HTTP surface and delivery settings.
type WebhookConfig struct {
	Port           int    `toml:"port"`
	Tokens         string `toml:"tokens"`
	MessageFormat  string `toml:"message_format"`
	AllowUnicode   bool   `toml:"allow_unicode"`
	DisplayAppName bool   `toml:"display_app_name"`
	UseMarkdown    bool   `toml:"use_markdown"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	cfg := defaults()
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Matrix: MatrixConfig{
			DeviceName: "webhook-bridge",
			SSLVerify:  true,
		},
		Webhook: WebhookConfig{
			Port:          8000,
			MessageFormat: "raw",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}
	if c.Matrix.AdminRoom == "" {
		return fmt.Errorf("matrix.admin_room is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Webhook.Port < 1 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port must be between 1 and 65535, got %d", c.Webhook.Port)
	}
	switch c.Webhook.MessageFormat {
	case "raw", "json", "yaml":
	default:
		// An unknown format is not fatal here: the delivery pipeline
		// rejects requests with a 415 until the config is fixed, the
		// same way an empty token registry rejects with 404.
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
