// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/whatsapp-relay/pkg/relay"
	"github.com/aiku/whatsapp-relay/pkg/webhook"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	defaultReconnectDelay     = 5 * time.Second
	defaultMaxPairingAttempts = 5
	defaultAPIPort            = 3000
	defaultDatabaseType       = "sqlite3"
	defaultDatabaseURI        = "file:auth_info/whatsapp.db?_foreign_keys=on"
)

// Config holds the relay configuration. Values come from the YAML file and
// are then overridden by environment variables.
type Config struct {
	Webhook  WebhookConfig     `yaml:"webhook"`
	WhatsApp WhatsAppConfig    `yaml:"whatsapp"`
	Relay    RelayConfig       `yaml:"relay"`
	API      APIConfig         `yaml:"api"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

// WebhookConfig configures the outbound webhook call.
type WebhookConfig struct {
	URL     string            `yaml:"url" env:"WEBHOOK_URL"`
	Shape   string            `yaml:"shape" env:"WEBHOOK_SHAPE"`
	Timeout time.Duration     `yaml:"timeout" env:"WEBHOOK_TIMEOUT"`
	Headers map[string]string `yaml:"headers" env:"WEBHOOK_HEADERS"`
	// ExtraFields are merged into every request body.
	ExtraFields map[string]any `yaml:"extra_fields"`

	shape webhook.Shape
}

// WhatsAppConfig configures the WhatsApp session.
type WhatsAppConfig struct {
	BotAddress         string         `yaml:"bot_address" env:"BOT_WHATSAPP_NUMBER"`
	DeviceName         string         `yaml:"device_name" env:"DEVICE_NAME"`
	MaxPairingAttempts int            `yaml:"max_pairing_attempts"`
	ReconnectDelay     time.Duration  `yaml:"reconnect_delay"`
	LogoutOnShutdown   bool           `yaml:"logout_on_shutdown" env:"LOGOUT_ON_SHUTDOWN"`
	Database           DatabaseConfig `yaml:"database"`
}

// DatabaseConfig points at the credential store.
type DatabaseConfig struct {
	Type string `yaml:"type" env:"DATABASE_TYPE"`
	URI  string `yaml:"uri" env:"DATABASE_URI"`
}

// RelayConfig configures the message pipeline.
type RelayConfig struct {
	FallbackMessage string `yaml:"fallback_message"`
	IgnoreGroups    bool   `yaml:"ignore_groups"`
	LedgerHighWater int    `yaml:"ledger_high_water"`
	LedgerLowWater  int    `yaml:"ledger_low_water"`
}

// APIConfig configures the health check server.
type APIConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

// Address returns the listen address of the health check server.
func (a APIConfig) Address() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills in defaults for values left
// empty. Every validation problem is reported, not just the first.
func (c *Config) PostProcess() error {
	var result *multierror.Error
	if strings.TrimSpace(c.Webhook.URL) == "" {
		result = multierror.Append(result, errors.New("webhook.url is required"))
	}
	shape, err := webhook.ParseShape(c.Webhook.Shape)
	if err != nil {
		result = multierror.Append(result, err)
	}
	c.Webhook.shape = shape
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = webhook.DefaultTimeout
	}

	if c.WhatsApp.MaxPairingAttempts <= 0 {
		c.WhatsApp.MaxPairingAttempts = defaultMaxPairingAttempts
	}
	if c.WhatsApp.ReconnectDelay <= 0 {
		c.WhatsApp.ReconnectDelay = defaultReconnectDelay
	}
	if c.WhatsApp.DeviceName == "" {
		c.WhatsApp.DeviceName = "Relay Bot"
	}
	if c.WhatsApp.Database.Type == "" {
		c.WhatsApp.Database.Type = defaultDatabaseType
	}
	if c.WhatsApp.Database.URI == "" {
		c.WhatsApp.Database.URI = defaultDatabaseURI
	}
	switch c.WhatsApp.Database.Type {
	case "sqlite3", "postgres":
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported whatsapp.database.type %q (expected sqlite3 or postgres)", c.WhatsApp.Database.Type))
	}

	if c.Relay.FallbackMessage == "" {
		c.Relay.FallbackMessage = relay.DefaultFallbackMessage
	}
	if c.Relay.LedgerHighWater <= 0 || c.Relay.LedgerLowWater <= 0 || c.Relay.LedgerLowWater > c.Relay.LedgerHighWater {
		c.Relay.LedgerHighWater = relay.DefaultLedgerHighWater
		c.Relay.LedgerLowWater = relay.DefaultLedgerLowWater
	}

	if c.API.Port == 0 {
		c.API.Port = defaultAPIPort
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid api.port %d", c.API.Port))
	}
	return result.ErrorOrNil()
}

// WebhookOptions converts the webhook section to client options.
// PostProcess must have been called.
func (c *Config) WebhookOptions() webhook.Options {
	return webhook.Options{
		URL:         c.Webhook.URL,
		Shape:       c.Webhook.shape,
		Timeout:     c.Webhook.Timeout,
		Headers:     c.Webhook.Headers,
		ExtraFields: c.Webhook.ExtraFields,
	}
}

// PipelineOptions converts the relay section to pipeline options.
func (c *Config) PipelineOptions() relay.PipelineOptions {
	return relay.PipelineOptions{
		BotAddress:      c.WhatsApp.BotAddress,
		FallbackMessage: c.Relay.FallbackMessage,
		IgnoreGroups:    c.Relay.IgnoreGroups,
	}
}

// SessionOptions converts the whatsapp section to session manager options.
func (c *Config) SessionOptions() SessionOptions {
	return SessionOptions{
		MaxPairingAttempts: c.WhatsApp.MaxPairingAttempts,
		ReconnectDelay:     c.WhatsApp.ReconnectDelay,
		LogoutOnShutdown:   c.WhatsApp.LogoutOnShutdown,
		BotAddress:         c.WhatsApp.BotAddress,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "webhook", "url")
	helper.Copy(up.Str, "webhook", "shape")
	helper.Copy(up.Str, "webhook", "timeout")
	helper.Copy(up.Map, "webhook", "headers")
	helper.Copy(up.Map, "webhook", "extra_fields")

	helper.Copy(up.Str, "whatsapp", "bot_address")
	helper.Copy(up.Str, "whatsapp", "device_name")
	helper.Copy(up.Int, "whatsapp", "max_pairing_attempts")
	helper.Copy(up.Str, "whatsapp", "reconnect_delay")
	helper.Copy(up.Bool, "whatsapp", "logout_on_shutdown")
	helper.Copy(up.Str, "whatsapp", "database", "type")
	helper.Copy(up.Str, "whatsapp", "database", "uri")

	helper.Copy(up.Str, "relay", "fallback_message")
	helper.Copy(up.Bool, "relay", "ignore_groups")
	helper.Copy(up.Int, "relay", "ledger_high_water")
	helper.Copy(up.Int, "relay", "ledger_low_water")

	helper.Copy(up.Str, "api", "host")
	helper.Copy(up.Int, "api", "port")

	helper.Copy(up.Map, "logging")
}

// Upgrader brings an existing config file up to date with the example.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"webhook"},
		{"whatsapp"},
		{"relay"},
		{"api"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads the config file at path, upgrading it in place when save
// is true, applies environment overrides and post-processes the result. A
// missing file is not an error: the example config is used as the base so
// the relay can be configured from the environment alone.
func LoadConfig(path string, save bool) (*Config, error) {
	data, err := readConfig(path, save)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func readConfig(path string, save bool) ([]byte, error) {
	if path == "" {
		return []byte(ExampleConfig), nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return []byte(ExampleConfig), nil
	}
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return data, nil
}

// WriteExampleConfig saves the example config to path. It refuses to
// overwrite an existing file.
func WriteExampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}
