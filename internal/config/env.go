package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces the environment overrides, e.g. CHATTERBOX_API_URL.
const EnvPrefix = "CHATTERBOX"

type envOverrides struct {
	APIURL      string `envconfig:"API_URL"`
	WSURL       string `envconfig:"WS_URL"`
	ReconnectMS int    `envconfig:"RECONNECT_MS"`
	RecordDir   string `envconfig:"RECORD_DIR"`
	LogFile     string `envconfig:"LOG_FILE"`
}

// LoadDotEnv reads dir/.env into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// FromEnv returns cfg with CHATTERBOX_* environment overrides applied.
// The overrides are never written back to the config file.
func FromEnv(cfg Config) (Config, error) {
	o := envOverrides{
		APIURL:      cfg.Server.APIURL,
		WSURL:       cfg.Server.WSURL,
		ReconnectMS: cfg.Transport.ReconnectMS,
		RecordDir:   cfg.Call.RecordDir,
		LogFile:     cfg.Log.File,
	}
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	cfg.Server.APIURL = o.APIURL
	cfg.Server.WSURL = o.WSURL
	cfg.Transport.ReconnectMS = o.ReconnectMS
	cfg.Call.RecordDir = o.RecordDir
	cfg.Log.File = o.LogFile
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}
