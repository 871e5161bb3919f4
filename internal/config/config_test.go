package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
broker:
  username: alice
  api_key: key-123
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.BaseURL != "https://api.topstepx.com" {
		t.Errorf("base_url default = %q", cfg.Broker.BaseURL)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port default = %d, want 8000", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("allowed_origins default = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Trading.Timezone != "America/Chicago" {
		t.Errorf("timezone default = %q", cfg.Trading.Timezone)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TOPSTEPX_USERNAME", "env-user")
	t.Setenv("TOPSTEPX_API_KEY", "env-key")

	path := writeConfig(t, `
broker:
  username: file-user
  api_key: file-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Username != "env-user" {
		t.Errorf("username = %q, want env-user", cfg.Broker.Username)
	}
	if cfg.Broker.APIKey != "env-key" {
		t.Errorf("api_key = %q, want env-key", cfg.Broker.APIKey)
	}
}

func TestValidateCredentialsPlaceholders(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		username string
		apiKey   string
	}{
		{"empty username", "", "key"},
		{"empty api key", "alice", ""},
		{"placeholder username", "your_username", "key"},
		{"placeholder api key", "alice", "YOUR_API_KEY"},
		{"changeme", "alice", "changeme"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Broker: BrokerConfig{
				Username: tc.username,
				APIKey:   tc.apiKey,
				BaseURL:  "https://api.topstepx.com",
			}}
			if err := cfg.ValidateCredentials(); err == nil {
				t.Error("expected AUTH_FAILED error, got nil")
			}
		})
	}
}

func TestValidateRejectsBadAccountSize(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Broker:  BrokerConfig{Username: "a", APIKey: "k", BaseURL: "https://x"},
		Server:  ServerConfig{Port: 8000, AllowedOrigins: []string{"http://localhost:3000"}},
		Hub:     HubConfig{SubscriberBuffer: 1024},
		Trading: TradingConfig{Timezone: "America/Chicago", DefaultAccountSize: "75k"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for account size 75k")
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	t.Parallel()
	cfg := &Config{Broker: BrokerConfig{Username: "alice", APIKey: "super-secret-key"}}
	red := cfg.Redacted()
	if red["broker.api_key"] == "super-secret-key" {
		t.Error("api key leaked into redacted summary")
	}
	if red["broker.username"] == "alice" {
		t.Error("username leaked into redacted summary")
	}
}

func TestQuoteAliasesFromFile(t *testing.T) {
	path := writeConfig(t, `
broker:
  username: alice
  api_key: key-123
trading:
  quote_aliases:
    EP: [ES, MES]
    NQ: [MNQ]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Trading.QuoteAliases["EP"]; len(got) != 2 || got[0] != "ES" || got[1] != "MES" {
		t.Errorf("EP aliases = %v, want [ES MES]", got)
	}
}
