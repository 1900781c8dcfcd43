// Package config loads irisync configuration from a JSON file in the XDG
// config directory, with IRISYNC_* environment variables overriding file
// values. Keys are declared once in the registry and drive loading, env
// overrides, and the config CLI alike.
package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server  ServerConfig
	Remote  RemoteConfig
	Storage StorageConfig
	Sync    SyncConfig
	Log     LogConfig
	Retrain RetrainConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type RemoteConfig struct {
	BaseURL string
	Timeout string
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	ProbeInterval string
}

type LogConfig struct {
	Level string
}

type RetrainConfig struct {
	Python     string
	Script     string
	DatasetDir string
	LogDir     string
	ModelDir   string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8787,
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8787",
			Timeout: "10s",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Sync: SyncConfig{
			ProbeInterval: "15s",
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrain: RetrainConfig{
			Python:     "python3",
			Script:     filepath.Join(dataDir, "scripts", "train_outer_eye_mobilenetv2.py"),
			DatasetDir: filepath.Join(dataDir, "datasets"),
			LogDir:     filepath.Join(dataDir, "logs"),
			ModelDir:   filepath.Join(dataDir, "models"),
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "irisync-data"
		}
	}
	return filepath.Join(dir, "irisync")
}

// Load reads configuration from the JSON file backend and applies IRISYNC_*
// environment overrides. All keys have working defaults; the token stays
// empty unless set, which disables backend auth.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// RemoteTimeout parses the configured remote timeout, falling back to 10s on
// a malformed value.
func (c Config) RemoteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Remote.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// SyncProbeInterval parses the connectivity probe interval, falling back to
// 15s on a malformed value.
func (c Config) SyncProbeInterval() time.Duration {
	d, err := time.ParseDuration(c.Sync.ProbeInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}
