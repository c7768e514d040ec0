package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Planner PlannerConfig
	Storage StorageConfig
	Query   QueryConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	MCPStdio bool
	APIToken string
}

type PlannerConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	TimeoutSec int
}

type StorageConfig struct {
	DataDir string
}

type QueryConfig struct {
	RowLimit       int
	FewShot        int
	SessionIdleMin int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4400,
			MCPStdio: true,
		},
		Planner: PlannerConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-5.2",
			EmbedModel: "text-embedding-3-small",
			TimeoutSec: 60,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Query: QueryConfig{
			RowLimit:       200,
			FewShot:        5,
			SessionIdleMin: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// PlannerTimeout returns the planner call timeout as a duration.
func (c Config) PlannerTimeout() time.Duration {
	return time.Duration(c.Planner.TimeoutSec) * time.Second
}

// SessionIdle returns the session idle eviction window as a duration.
func (c Config) SessionIdle() time.Duration {
	return time.Duration(c.Query.SessionIdleMin) * time.Minute
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.sheetsage.app) and the
// API key falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/sheetsage/config.json
// and secrets come from environment variables or
// $XDG_DATA_HOME/sheetsage/secrets.json.
//
// Environment variables (SHEETSAGE_*) override backend values on all
// platforms. A missing planner API key does not fail Load; commands that
// need it call RequirePlannerKey.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the API key if still empty.
	if cfg.Planner.APIKey == "" {
		if key, err := kc.Get("sheetsage", "openai_api_key"); err == nil && key != "" {
			cfg.Planner.APIKey = key
		}
	}

	return cfg, nil
}

// RequirePlannerKey fails when no planner API key is configured. Only the
// serve path needs the key; client commands talk to the local daemon.
func (c Config) RequirePlannerKey() error {
	if c.Planner.APIKey != "" {
		return nil
	}
	return fmt.Errorf("missing required config: planner API key. "+
		"Set it via environment variable SHEETSAGE_PLANNER_API_KEY%s", apiKeyHint())
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
