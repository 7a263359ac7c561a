// Package config reads and writes the global ~/.pigeon/config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global configuration file.
type Config struct {
	DefaultProfile string       `toml:"default_profile"`
	Redis          RedisConfig  `toml:"redis"`
	Blob           BlobConfig   `toml:"blob"`
	Auth           AuthConfig   `toml:"auth"`
	Upload         UploadConfig `toml:"upload"`
}

// RedisConfig holds the document-store connection settings.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// BlobConfig holds the attachment bucket settings.
type BlobConfig struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// AuthConfig holds the identity service settings.
type AuthConfig struct {
	JWTSecret     string `toml:"jwt_secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
}

// UploadConfig holds attachment upload limits.
type UploadConfig struct {
	MaxBytes int64 `toml:"max_bytes"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Blob: BlobConfig{
			Region: "us-east-1",
			Bucket: "pigeon-attachments",
		},
		Auth: AuthConfig{
			TokenTTLHours: 72,
		},
		Upload: UploadConfig{
			MaxBytes: 10 << 20,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.TokenTTLHours <= 0 {
		cfg.Auth.TokenTTLHours = 72
	}
	if cfg.Upload.MaxBytes <= 0 {
		cfg.Upload.MaxBytes = 10 << 20
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
