// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads client and server settings from an optional YAML file
// with INVSYNC_ environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INVSYNC_CLIENT_REMOTE_URL
const EnvPrefix = "INVSYNC"

type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

type ClientConfig struct {
	LocalDB       string        `mapstructure:"local_db"`
	RemoteURL     string        `mapstructure:"remote_url"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
	Token         string        `mapstructure:"token"`
	JWTSecret     string        `mapstructure:"jwt_secret"` // mints a token locally when Token is empty
	UserID        string        `mapstructure:"user_id"`
	DeviceID      string        `mapstructure:"device_id"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	ReadFreshness time.Duration `mapstructure:"read_freshness"`
	StartOffline  bool          `mapstructure:"start_offline"`
}

type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	AppName     string `mapstructure:"app_name"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			LocalDB:       "invsync.db",
			RemoteURL:     "http://localhost:8080",
			RemoteTimeout: 15 * time.Second,
			UserID:        "local-user",
			DeviceID:      "local-device",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			AppName:    "invsync-server",
			MaxConns:   10,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("client.local_db", d.Client.LocalDB)
	v.SetDefault("client.remote_url", d.Client.RemoteURL)
	v.SetDefault("client.remote_timeout", d.Client.RemoteTimeout)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.jwt_secret", d.Client.JWTSecret)
	v.SetDefault("client.user_id", d.Client.UserID)
	v.SetDefault("client.device_id", d.Client.DeviceID)
	v.SetDefault("client.max_attempts", d.Client.MaxAttempts)
	v.SetDefault("client.read_freshness", d.Client.ReadFreshness)
	v.SetDefault("client.start_offline", d.Client.StartOffline)

	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.database_url", d.Server.DatabaseURL)
	v.SetDefault("server.jwt_secret", d.Server.JWTSecret)
	v.SetDefault("server.app_name", d.Server.AppName)
	v.SetDefault("server.max_conns", d.Server.MaxConns)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads path (skipped when empty) and applies environment overrides on top
// of the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	if c.Client.MaxAttempts < 0 {
		return fmt.Errorf("client.max_attempts must not be negative")
	}
	if c.Client.RemoteTimeout < 0 {
		return fmt.Errorf("client.remote_timeout must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ParseLevel maps a level name to its slog level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the process logger described by c. An empty level keeps c.Level.
func (c LogConfig) NewLogger(levelOverride string) (*slog.Logger, error) {
	name := c.Level
	if levelOverride != "" {
		name = levelOverride
	}
	level, err := ParseLevel(name)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
