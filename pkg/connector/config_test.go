// Copyright 2024-2026 Aiku AI

package connector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/whatsapp-relay/pkg/relay"
	"github.com/aiku/whatsapp-relay/pkg/webhook"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	input := `
webhook:
    url: https://example.supabase.co/functions/v1/whatsapp-webhook
    shape: simple
    timeout: 10s
    headers:
        Authorization: Bearer secret
whatsapp:
    bot_address: "+15550001111"
    logout_on_shutdown: false
relay:
    ignore_groups: false
api:
    port: 8081
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Webhook.URL != "https://example.supabase.co/functions/v1/whatsapp-webhook" {
		t.Errorf("Webhook.URL: got %q", cfg.Webhook.URL)
	}
	if cfg.Webhook.Timeout != 10*time.Second {
		t.Errorf("Webhook.Timeout: got %v", cfg.Webhook.Timeout)
	}
	if cfg.Webhook.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Webhook.Headers: got %v", cfg.Webhook.Headers)
	}
	if cfg.WhatsApp.BotAddress != "+15550001111" {
		t.Errorf("WhatsApp.BotAddress: got %q", cfg.WhatsApp.BotAddress)
	}
	if cfg.API.Port != 8081 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
}

func TestConfigPostProcessDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{Webhook: WebhookConfig{URL: "http://localhost:8080/hook"}}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if cfg.Webhook.Timeout != webhook.DefaultTimeout {
		t.Errorf("Webhook.Timeout: got %v", cfg.Webhook.Timeout)
	}
	if opts := cfg.WebhookOptions(); opts.Shape != webhook.ShapeTwilio {
		t.Errorf("WebhookOptions().Shape: got %q", opts.Shape)
	}
	if cfg.WhatsApp.MaxPairingAttempts != 5 || cfg.WhatsApp.ReconnectDelay != 5*time.Second {
		t.Errorf("WhatsApp defaults: got %+v", cfg.WhatsApp)
	}
	if cfg.WhatsApp.Database.Type != "sqlite3" || cfg.WhatsApp.Database.URI == "" {
		t.Errorf("Database defaults: got %+v", cfg.WhatsApp.Database)
	}
	if cfg.Relay.FallbackMessage != relay.DefaultFallbackMessage {
		t.Errorf("Relay.FallbackMessage: got %q", cfg.Relay.FallbackMessage)
	}
	if cfg.Relay.LedgerHighWater != 1000 || cfg.Relay.LedgerLowWater != 500 {
		t.Errorf("ledger marks: got %d/%d", cfg.Relay.LedgerHighWater, cfg.Relay.LedgerLowWater)
	}
	if cfg.API.Address() != ":3000" {
		t.Errorf("API.Address(): got %q", cfg.API.Address())
	}
}

func TestConfigPostProcessErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing url",
			cfg:     Config{},
			wantErr: "webhook.url",
		},
		{
			name:    "unknown shape",
			cfg:     Config{Webhook: WebhookConfig{URL: "http://x", Shape: "xml"}},
			wantErr: "xml",
		},
		{
			name: "unknown database",
			cfg: Config{
				Webhook:  WebhookConfig{URL: "http://x"},
				WhatsApp: WhatsAppConfig{Database: DatabaseConfig{Type: "mysql"}},
			},
			wantErr: "mysql",
		},
		{
			name: "bad port",
			cfg: Config{
				Webhook: WebhookConfig{URL: "http://x"},
				API:     APIConfig{Port: 70000},
			},
			wantErr: "api.port",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.PostProcess()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("PostProcess: got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigPostProcessReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Webhook:  WebhookConfig{Shape: "xml"},
		WhatsApp: WhatsAppConfig{Database: DatabaseConfig{Type: "mysql"}},
		API:      APIConfig{Port: -1},
	}
	err := cfg.PostProcess()
	if err == nil {
		t.Fatal("PostProcess should fail")
	}
	for _, want := range []string{"webhook.url", "xml", "mysql", "api.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfigConversions(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Webhook:  WebhookConfig{URL: "http://x", Shape: "simple", Headers: map[string]string{"X-Key": "v"}},
		WhatsApp: WhatsAppConfig{BotAddress: "+1555", LogoutOnShutdown: true, MaxPairingAttempts: 2},
		Relay:    RelayConfig{FallbackMessage: "oops", IgnoreGroups: true},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}

	wo := cfg.WebhookOptions()
	if wo.Shape != webhook.ShapeSimple || wo.Headers["X-Key"] != "v" {
		t.Errorf("WebhookOptions: got %+v", wo)
	}
	po := cfg.PipelineOptions()
	if po.BotAddress != "+1555" || po.FallbackMessage != "oops" || !po.IgnoreGroups {
		t.Errorf("PipelineOptions: got %+v", po)
	}
	so := cfg.SessionOptions()
	if so.MaxPairingAttempts != 2 || !so.LogoutOnShutdown || so.BotAddress != "+1555" {
		t.Errorf("SessionOptions: got %+v", so)
	}
}

func TestUpgradeConfig(t *testing.T) {
	t.Parallel()
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		t.Fatalf("failed to parse base config: %v", err)
	}

	userCfg := `
webhook:
    url: https://hooks.example.com/wa
    shape: simple
whatsapp:
    max_pairing_attempts: 9
api:
    port: 9999
`
	var cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(userCfg), &cfgNode); err != nil {
		t.Fatalf("failed to parse user config: %v", err)
	}

	helper := up.NewHelper(&baseNode, &cfgNode)
	upgradeConfig(helper)

	if val, ok := helper.Get(up.Str, "webhook", "url"); !ok || val != "https://hooks.example.com/wa" {
		t.Errorf("webhook.url after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "webhook", "shape"); !ok || val != "simple" {
		t.Errorf("webhook.shape after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Int, "whatsapp", "max_pairing_attempts"); !ok || val != "9" {
		t.Errorf("max_pairing_attempts after upgrade: got %q, ok=%v", val, ok)
	}
}

func TestLoadConfigUpgradeKeepsExampleDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	userCfg := `
webhook:
    url: https://hooks.example.com/wa
whatsapp:
    max_pairing_attempts: 9
`
	if err := os.WriteFile(path, []byte(userCfg), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, true)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WhatsApp.MaxPairingAttempts != 9 {
		t.Errorf("MaxPairingAttempts: got %d, want 9", cfg.WhatsApp.MaxPairingAttempts)
	}
	if cfg.WhatsApp.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay: got %v, want the example's 5s", cfg.WhatsApp.ReconnectDelay)
	}
	if !cfg.WhatsApp.LogoutOnShutdown {
		t.Error("LogoutOnShutdown should come from the example config")
	}

	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(saved), "reconnect_delay: 5s") {
		t.Errorf("upgraded file is missing reconnect_delay:\n%s", saved)
	}
	if !strings.Contains(string(saved), "https://hooks.example.com/wa") {
		t.Errorf("upgraded file lost the user's webhook url:\n%s", saved)
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("example config is invalid: %v", err)
	}
	if !cfg.WhatsApp.LogoutOnShutdown {
		t.Error("logout_on_shutdown should default to true")
	}
	if !cfg.Relay.IgnoreGroups {
		t.Error("ignore_groups should default to true")
	}
	if len(cfg.Logging.Writers) == 0 {
		t.Error("logging writers missing from example config")
	}
}

// Environment tests cannot run in parallel because of t.Setenv.

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig: %v", err)
	}
	t.Setenv("WEBHOOK_URL", "https://env.example.com/hook")
	t.Setenv("WEBHOOK_SHAPE", "simple")
	t.Setenv("WEBHOOK_HEADERS", "Authorization:Bearer abc,X-Env:1")
	t.Setenv("BOT_WHATSAPP_NUMBER", "+15559998888")
	t.Setenv("PORT", "4000")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("DATABASE_URI", "postgres://relay@localhost/relay?sslmode=disable")

	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Webhook.URL != "https://env.example.com/hook" {
		t.Errorf("Webhook.URL: got %q", cfg.Webhook.URL)
	}
	if cfg.WebhookOptions().Shape != webhook.ShapeSimple {
		t.Errorf("shape: got %q", cfg.WebhookOptions().Shape)
	}
	if cfg.Webhook.Headers["Authorization"] != "Bearer abc" || cfg.Webhook.Headers["X-Env"] != "1" {
		t.Errorf("Webhook.Headers: got %v", cfg.Webhook.Headers)
	}
	if cfg.WhatsApp.BotAddress != "+15559998888" {
		t.Errorf("BotAddress: got %q", cfg.WhatsApp.BotAddress)
	}
	if cfg.API.Address() != "127.0.0.1:4000" {
		t.Errorf("API.Address(): got %q", cfg.API.Address())
	}
	if cfg.WhatsApp.Database.Type != "postgres" {
		t.Errorf("Database.Type: got %q", cfg.WhatsApp.Database.Type)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "https://env-only.example.com/hook")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Webhook.URL != "https://env-only.example.com/hook" {
		t.Errorf("Webhook.URL: got %q", cfg.Webhook.URL)
	}
	if cfg.API.Port != 3000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
}

func TestWriteExampleConfigRefusesOverwrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("existing"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteExampleConfig(path); err == nil {
		t.Error("WriteExampleConfig should refuse to overwrite")
	}
}
