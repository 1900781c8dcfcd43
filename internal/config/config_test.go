package config

import (
	"fmt"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend for tests.
type memBackend struct {
	data map[string]any
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]any)}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), true, nil
	}
	return s, true, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
	return i, true, nil
}

func (b *memBackend) SetString(key, val string) error  { b.data[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error { b.data[key] = val; return nil }
func (b *memBackend) Delete(key string) error          { delete(b.data, key); return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8787 {
		t.Errorf("Server.Port = %d, want 8787", cfg.Server.Port)
	}
	if cfg.Server.Token != "" {
		t.Errorf("Server.Token = %q, want empty", cfg.Server.Token)
	}
	if cfg.Remote.BaseURL != "http://localhost:8787" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Retrain.Python != "python3" {
		t.Errorf("Retrain.Python = %q, want python3", cfg.Retrain.Python)
	}
	if cfg.RemoteTimeout() != 10*time.Second {
		t.Errorf("RemoteTimeout = %v, want 10s", cfg.RemoteTimeout())
	}
	if cfg.SyncProbeInterval() != 15*time.Second {
		t.Errorf("SyncProbeInterval = %v, want 15s", cfg.SyncProbeInterval())
	}
}

func TestBackendValuesApplied(t *testing.T) {
	b := newMemBackend()
	b.SetInt("server.port", 9000)
	b.SetString("remote.base_url", "http://backend:8787")
	b.SetString("sync.probe_interval", "30s")
	b.SetString("retrain.python", "/usr/bin/python3.12")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Remote.BaseURL != "http://backend:8787" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.SyncProbeInterval() != 30*time.Second {
		t.Errorf("SyncProbeInterval = %v, want 30s", cfg.SyncProbeInterval())
	}
	if cfg.Retrain.Python != "/usr/bin/python3.12" {
		t.Errorf("Retrain.Python = %q", cfg.Retrain.Python)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := newMemBackend()
	b.SetString("remote.base_url", "http://from-file:8787")

	t.Setenv("IRISYNC_REMOTE_BASE_URL", "http://from-env:8787")
	t.Setenv("IRISYNC_SERVER_PORT", "9100")
	t.Setenv("IRISYNC_SERVER_TOKEN", "env-secret")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Remote.BaseURL != "http://from-env:8787" {
		t.Errorf("Remote.BaseURL = %q, want env value", cfg.Remote.BaseURL)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.Token != "env-secret" {
		t.Errorf("Server.Token = %q, want env-secret", cfg.Server.Token)
	}
}

func TestMalformedDurationFallsBack(t *testing.T) {
	b := newMemBackend()
	b.SetString("remote.timeout", "not-a-duration")
	b.SetString("sync.probe_interval", "-5s")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RemoteTimeout() != 10*time.Second {
		t.Errorf("RemoteTimeout = %v, want fallback 10s", cfg.RemoteTimeout())
	}
	if cfg.SyncProbeInterval() != 15*time.Second {
		t.Errorf("SyncProbeInterval = %v, want fallback 15s", cfg.SyncProbeInterval())
	}
}

func TestShowAllOmitsSecrets(t *testing.T) {
	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, info := range ShowAll(cfg) {
		if info.Key == "server.token" {
			t.Error("ShowAll exposes server.token")
		}
	}
	for _, key := range ValidKeys() {
		if key == "server.token" {
			t.Error("ValidKeys lists server.token")
		}
	}
}
