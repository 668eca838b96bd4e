package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StepTimeout != DefaultStepTimeout {
		t.Errorf("StepTimeout = %s, want %s", cfg.StepTimeout, DefaultStepTimeout)
	}
	if len(cfg.SignalingServers) != len(DefaultSignalingServers) {
		t.Errorf("SignalingServers = %v, want defaults", cfg.SignalingServers)
	}
	if cfg.ClientID == "" {
		t.Error("ClientID not minted")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	want := Config{
		ClientID:         "client-1",
		ClientName:       "bench",
		SignalingServers: []string{"wss://a.test/ws", "wss://b.test/ws"},
		RegistryURL:      "https://registry.test",
		LocalControlPort: 9000,
		StepTimeout:      5 * time.Second,
		AutoReconnect:    true,
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ClientID != want.ClientID || got.ClientName != want.ClientName {
		t.Errorf("identity = %s/%s, want %s/%s", got.ClientID, got.ClientName, want.ClientID, want.ClientName)
	}
	if got.SignalingServers[0] != "wss://a.test/ws" {
		t.Errorf("SignalingServers = %v", got.SignalingServers)
	}
	if got.StepTimeout != 5*time.Second {
		t.Errorf("StepTimeout = %s, want 5s", got.StepTimeout)
	}
	if !got.AutoReconnect {
		t.Error("AutoReconnect lost")
	}
	// Save must have filled the gaps.
	if got.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %s, want default", got.ConnectTimeout)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("signaling_servers: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted corrupt YAML")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		ApplyDefaults(&c)
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no servers", func(c *Config) { c.SignalingServers = nil }, true},
		{"bad port", func(c *Config) { c.LocalControlPort = 70000 }, true},
		{"zero step timeout", func(c *Config) { c.StepTimeout = 0 }, true},
		{"overall under step", func(c *Config) { c.ConnectTimeout = time.Second; c.StepTimeout = 2 * time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
