// Package config holds the controller configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is absent from the file.
const (
	DefaultStepTimeout    = 10 * time.Second
	DefaultBLETimeout     = 20 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultStaleWindow    = 300 * time.Second
	DefaultLocalPort      = 8765
	DefaultNamePrefix     = "LAIKA"
)

// DefaultSignalingServers is the ordered production pool. First reachable wins.
var DefaultSignalingServers = []string{
	"wss://signal.laika-robotics.com/ws",
	"wss://signal-backup.laika-robotics.com/ws",
}

// DefaultSTUNServers feeds the netprobe preflight; peer connections use the
// ICE servers handed out by signaling instead.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores all parameters for one controller process.
type Config struct {
	ClientID   string `yaml:"client_id"`
	ClientName string `yaml:"client_name"`

	SignalingServers []string `yaml:"signaling_servers"`
	RegistryURL      string   `yaml:"registry_url"`
	STUNServers      []string `yaml:"stun_servers"`

	LocalControlPort int    `yaml:"local_control_port"`
	BLENamePrefix    string `yaml:"ble_name_prefix"`

	StepTimeout    time.Duration `yaml:"step_timeout"`
	BLETimeout     time.Duration `yaml:"ble_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	StaleWindow    time.Duration `yaml:"stale_window"`

	AutoReconnect bool   `yaml:"auto_reconnect"`
	DeviceCache   string `yaml:"device_cache"` // YAML path; empty disables persistence
}

// DefaultPath returns the per-user config location.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "laikactl", "config.yaml")
}

// Load reads and parses a YAML config file, applying defaults. A missing file
// yields a pure-defaults config so first runs work without setup.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyDefaults(&cfg)
			return cfg, nil
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if len(cfg.SignalingServers) == 0 {
		return fmt.Errorf("signaling_servers must list at least one server")
	}
	if cfg.LocalControlPort < 1 || cfg.LocalControlPort > 65535 {
		return fmt.Errorf("local_control_port out of range: %d", cfg.LocalControlPort)
	}
	if cfg.StepTimeout <= 0 || cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if cfg.ConnectTimeout < cfg.StepTimeout {
		return fmt.Errorf("connect_timeout %s is shorter than step_timeout %s", cfg.ConnectTimeout, cfg.StepTimeout)
	}
	return nil
}

// ApplyDefaults fills in default values when empty. The client ID is minted
// once and kept stable by Save, so signaling sessions reuse one identity.
func ApplyDefaults(cfg *Config) {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.ClientName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "laikactl"
		}
		cfg.ClientName = host
	}
	if len(cfg.SignalingServers) == 0 {
		cfg.SignalingServers = append([]string(nil), DefaultSignalingServers...)
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.LocalControlPort == 0 {
		cfg.LocalControlPort = DefaultLocalPort
	}
	if cfg.BLENamePrefix == "" {
		cfg.BLENamePrefix = DefaultNamePrefix
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.BLETimeout == 0 {
		cfg.BLETimeout = DefaultBLETimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.StaleWindow == 0 {
		cfg.StaleWindow = DefaultStaleWindow
	}
}
