package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SHEETSAGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "SHEETSAGE_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "server.api_token", typ: kString, env: "SHEETSAGE_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "planner.base_url", typ: kString, env: "SHEETSAGE_PLANNER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Planner.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Planner.BaseURL },
	},
	{
		key: "planner.api_key", typ: kString, env: "SHEETSAGE_PLANNER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Planner.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Planner.APIKey },
	},
	{
		key: "planner.model", typ: kString, env: "SHEETSAGE_PLANNER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Planner.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Planner.Model },
	},
	{
		key: "planner.embed_model", typ: kString, env: "SHEETSAGE_PLANNER_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Planner.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Planner.EmbedModel },
	},
	{
		key: "planner.timeout_sec", typ: kInt, env: "SHEETSAGE_PLANNER_TIMEOUT_SEC",
		apply:   func(cfg *Config, v any) { cfg.Planner.TimeoutSec = v.(int) },
		extract: func(cfg Config) any { return cfg.Planner.TimeoutSec },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SHEETSAGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "query.row_limit", typ: kInt, env: "SHEETSAGE_QUERY_ROW_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Query.RowLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.RowLimit },
	},
	{
		key: "query.few_shot", typ: kInt, env: "SHEETSAGE_QUERY_FEW_SHOT",
		apply:   func(cfg *Config, v any) { cfg.Query.FewShot = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.FewShot },
	},
	{
		key: "query.session_idle_min", typ: kInt, env: "SHEETSAGE_QUERY_SESSION_IDLE_MIN",
		apply:   func(cfg *Config, v any) { cfg.Query.SessionIdleMin = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.SessionIdleMin },
	},
	{
		key: "log.level", typ: kString, env: "SHEETSAGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
