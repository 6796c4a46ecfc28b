package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds optional defaults loaded from ~/.config/spotsave/config.yaml.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"`

	RefreshIntervalMinutes int `yaml:"refresh_interval_minutes"`
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	CredentialTTLSeconds   int `yaml:"credential_ttl_seconds"`
}

// Load reads the config file at path, or the default location when path is
// empty. Returns zero-value Config if the file doesn't exist.
func Load(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &Config{}, nil
		}
		path = filepath.Join(home, ".config", "spotsave", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Merge applies CLI flag overrides. Flags take precedence over config defaults.
func (c *Config) Merge(listenAddr, dbPath, region string) (string, string, string) {
	addr := c.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}
	if addr == "" {
		addr = ":8080"
	}

	db := c.DBPath
	if dbPath != "" {
		db = dbPath
	}
	if db == "" {
		db = "spotsave.db"
	}

	r := c.AWSRegion
	if region != "" {
		r = region
	}
	if r == "" {
		r = "us-east-1"
	}

	return addr, db, r
}

// RefreshInterval is how long assumed credentials are used before renewal.
func (c *Config) RefreshInterval() time.Duration {
	if c.RefreshIntervalMinutes <= 0 {
		return 25 * time.Minute
	}
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

// PollInterval is the refresh loop's check cadence.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	if c.PollIntervalSeconds < 5 {
		return 5 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CredentialTTL is the session duration requested from STS.
func (c *Config) CredentialTTL() time.Duration {
	if c.CredentialTTLSeconds <= 0 {
		return 30 * time.Minute
	}
	// STS rejects sessions shorter than 15 minutes
	if c.CredentialTTLSeconds < 900 {
		return 15 * time.Minute
	}
	return time.Duration(c.CredentialTTLSeconds) * time.Second
}
