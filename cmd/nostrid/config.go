package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/nip19"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFilename = "config.yaml"
	defaultBunkerTimeout  = 30 * time.Second
	defaultRefreshEvery   = time.Hour
	defaultMetricsAddr    = "127.0.0.1:9464"
)

var (
	backends      = []string{"memory", "badger", "lmdb", "sqlite"}
	defaultRelays = []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.nsec.app"}
)

type Config struct {
	Storage     StorageConfig `yaml:"storage"`
	Relays      []string      `yaml:"relays"`
	Notify      NotifyConfig  `yaml:"notify"`
	Bunker      BunkerConfig  `yaml:"bunker"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type NotifyConfig struct {
	ServicePubkey    string        `yaml:"service_pubkey"`
	Relays           []string      `yaml:"relays"`
	AppID            string        `yaml:"app_id"`
	Validity         time.Duration `yaml:"validity"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
}

type BunkerConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".nostrid"
	}
	return filepath.Join(dir, "nostrid")
}

func defaultConfig() Config {
	return Config{
		Storage:     StorageConfig{Backend: "badger", Path: filepath.Join(configDir(), "data")},
		Relays:      slices.Clone(defaultRelays),
		Notify:      NotifyConfig{AppID: "nostrid", RefreshInterval: defaultRefreshEvery},
		Bunker:      BunkerConfig{Timeout: defaultBunkerTimeout},
		MetricsAddr: defaultMetricsAddr,
	}
}

// loadConfig reads path on top of the defaults. A missing file is only an error when the path
// was given explicitly.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir(), defaultConfigFilename)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, cfg.validate()
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// validate normalizes relay urls and the service key in place.
func (cfg *Config) validate() error {
	if !slices.Contains(backends, cfg.Storage.Backend) {
		return fmt.Errorf("unknown storage backend '%s', must be one of %s", cfg.Storage.Backend, strings.Join(backends, ", "))
	}
	if cfg.Storage.Backend != "memory" {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", cfg.Storage.Backend)
		}
		cfg.Storage.Path = expandPath(cfg.Storage.Path)
	}

	var err error
	if cfg.Relays, err = normalizeRelays(cfg.Relays); err != nil {
		return fmt.Errorf("relays: %w", err)
	}
	if cfg.Notify.Relays, err = normalizeRelays(cfg.Notify.Relays); err != nil {
		return fmt.Errorf("notify.relays: %w", err)
	}
	if cfg.Notify.ServicePubkey != "" {
		pk, err := nip19.TranslatePublicKey(cfg.Notify.ServicePubkey)
		if err != nil || !nostr.IsValidPublicKey(pk) {
			return fmt.Errorf("notify.service_pubkey '%s' is not a valid npub or hex key", cfg.Notify.ServicePubkey)
		}
		cfg.Notify.ServicePubkey = pk
	}
	if cfg.Bunker.Timeout <= 0 {
		cfg.Bunker.Timeout = defaultBunkerTimeout
	}
	if cfg.Notify.RefreshInterval <= 0 {
		cfg.Notify.RefreshInterval = defaultRefreshEvery
	}
	return nil
}

// notifyRelays falls back to the general relays.
func (cfg Config) notifyRelays() []string {
	if len(cfg.Notify.Relays) > 0 {
		return cfg.Notify.Relays
	}
	return cfg.Relays
}

func normalizeRelays(relays []string) ([]string, error) {
	result := make([]string, 0, len(relays))
	for _, r := range relays {
		nm := nostr.NormalizeURL(r)
		if !nostr.IsValidRelayURL(nm) {
			return nil, fmt.Errorf("invalid relay url '%s'", r)
		}
		if !slices.Contains(result, nm) {
			result = append(result, nm)
		}
	}
	return result, nil
}
