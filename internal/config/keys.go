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
		key: "server.port", typ: kInt, env: "IRISYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "IRISYNC_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "remote.base_url", typ: kString, env: "IRISYNC_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.timeout", typ: kString, env: "IRISYNC_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "IRISYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "sync.probe_interval", typ: kString, env: "IRISYNC_SYNC_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ProbeInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.ProbeInterval },
	},
	{
		key: "log.level", typ: kString, env: "IRISYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "retrain.python", typ: kString, env: "IRISYNC_RETRAIN_PYTHON",
		apply:   func(cfg *Config, v any) { cfg.Retrain.Python = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrain.Python },
	},
	{
		key: "retrain.script", typ: kString, env: "IRISYNC_RETRAIN_SCRIPT",
		apply:   func(cfg *Config, v any) { cfg.Retrain.Script = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrain.Script },
	},
	{
		key: "retrain.dataset_dir", typ: kString, env: "IRISYNC_RETRAIN_DATASET_DIR",
		apply:   func(cfg *Config, v any) { cfg.Retrain.DatasetDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrain.DatasetDir },
	},
	{
		key: "retrain.log_dir", typ: kString, env: "IRISYNC_RETRAIN_LOG_DIR",
		apply:   func(cfg *Config, v any) { cfg.Retrain.LogDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrain.LogDir },
	},
	{
		key: "retrain.model_dir", typ: kString, env: "IRISYNC_RETRAIN_MODEL_DIR",
		apply:   func(cfg *Config, v any) { cfg.Retrain.ModelDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrain.ModelDir },
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
		}
	}
}
