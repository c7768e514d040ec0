package config

import (
	"strings"
	"testing"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend map[string]any

func (b mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (b mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (b mapBackend) SetString(key, val string) error  { b[key] = val; return nil }
func (b mapBackend) SetInt(key string, val int) error { b[key] = val; return nil }
func (b mapBackend) Delete(key string) error          { delete(b, key); return nil }

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values survive an empty backend.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{}, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4400 {
		t.Errorf("Server.Port = %d, want 4400", cfg.Server.Port)
	}
	if !cfg.Server.MCPStdio {
		t.Error("Server.MCPStdio = false, want true")
	}
	if cfg.Planner.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("Planner.BaseURL = %q", cfg.Planner.BaseURL)
	}
	if cfg.Planner.Model != "gpt-5.2" {
		t.Errorf("Planner.Model = %q", cfg.Planner.Model)
	}
	if cfg.Planner.EmbedModel != "text-embedding-3-small" {
		t.Errorf("Planner.EmbedModel = %q", cfg.Planner.EmbedModel)
	}
	if cfg.Query.RowLimit != 200 {
		t.Errorf("Query.RowLimit = %d, want 200", cfg.Query.RowLimit)
	}
	if cfg.Query.FewShot != 5 {
		t.Errorf("Query.FewShot = %d, want 5", cfg.Query.FewShot)
	}
	if cfg.Query.SessionIdleMin != 30 {
		t.Errorf("Query.SessionIdleMin = %d, want 30", cfg.Query.SessionIdleMin)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

// TestBackendValues verifies backend values override defaults.
func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := mapBackend{
		"server.port":     5500,
		"planner.model":   "gpt-5.2-mini",
		"query.row_limit": 50,
		"log.level":       "debug",
	}
	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5500 {
		t.Errorf("Server.Port = %d, want 5500", cfg.Server.Port)
	}
	if cfg.Planner.Model != "gpt-5.2-mini" {
		t.Errorf("Planner.Model = %q", cfg.Planner.Model)
	}
	if cfg.Query.RowLimit != 50 {
		t.Errorf("Query.RowLimit = %d, want 50", cfg.Query.RowLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestEnvOverride verifies environment variables win over backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHEETSAGE_SERVER_PORT", "6600")
	t.Setenv("SHEETSAGE_PLANNER_API_KEY", "env-key")

	b := mapBackend{"server.port": 5500}
	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6600 {
		t.Errorf("Server.Port = %d, want env override 6600", cfg.Server.Port)
	}
	if cfg.Planner.APIKey != "env-key" {
		t.Errorf("Planner.APIKey = %q, want env-key", cfg.Planner.APIKey)
	}
}

// TestKeychainFallback verifies the secret store is consulted when no API
// key is in backend or env.
func TestKeychainFallback(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{}, mockKeychain{value: "keychain-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Planner.APIKey != "keychain-secret" {
		t.Errorf("Planner.APIKey = %q, want keychain-secret", cfg.Planner.APIKey)
	}
}

// TestRequirePlannerKey verifies the error message names the env var.
func TestRequirePlannerKey(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{}, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = cfg.RequirePlannerKey()
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "SHEETSAGE_PLANNER_API_KEY") {
		t.Errorf("error = %q, want it to name the env var", err)
	}

	cfg.Planner.APIKey = "k"
	if err := cfg.RequirePlannerKey(); err != nil {
		t.Errorf("RequirePlannerKey with key set = %v, want nil", err)
	}
}

func TestSecretsNeverShown(t *testing.T) {
	cfg := defaults()
	cfg.Planner.APIKey = "super-secret"
	cfg.Server.APIToken = "also-secret"

	for _, info := range ShowAll(cfg) {
		if strings.Contains(info.Value, "secret") {
			t.Errorf("secret leaked through ShowAll: %+v", info)
		}
		if info.Key == "planner.api_key" || info.Key == "server.api_token" {
			t.Errorf("secret key listed by ShowAll: %+v", info)
		}
	}
}
