// Package config loads runlog yaml configuration: retention, sink level and the store backend.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/umputun/runlog/app/session"
	"github.com/umputun/runlog/app/store"
)

const (
	// connect retry limits
	minAttempts = 1
	maxAttempts = 100
	minFactor   = 1.0
	maxFactor   = 10.0
)

// Config is the root of the yaml file
type Config struct {
	MaxLogs int    `yaml:"max_logs" json:"max_logs,omitempty" jsonschema:"minimum=0,description=runs kept per job; 0 keeps all"`
	Level   string `yaml:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=warning,enum=error,enum=critical,description=minimal level of stored lines"`
	Store   Store  `yaml:"store" json:"store,omitempty"`
}

// Store selects and configures the backend
type Store struct {
	Type    string  `yaml:"type" json:"type,omitempty" jsonschema:"enum=redis,enum=sqlite,enum=bolt,default=redis"`
	Redis   Redis   `yaml:"redis" json:"redis,omitempty"`
	SQLite  File    `yaml:"sqlite" json:"sqlite,omitempty"`
	Bolt    File    `yaml:"bolt" json:"bolt,omitempty"`
	Connect Connect `yaml:"connect" json:"connect,omitempty"`
}

// Redis server connection
type Redis struct {
	Addr     string        `yaml:"addr" json:"addr,omitempty" jsonschema:"default=localhost:6379"`
	Password string        `yaml:"password" json:"password,omitempty"`
	DB       int           `yaml:"db" json:"db,omitempty" jsonschema:"minimum=0"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty" jsonschema:"type=string,description=duration like 5s"`
}

// File backend location
type File struct {
	Path string `yaml:"path" json:"path,omitempty"`
}

// Connect defines retry of the initial store connection
type Connect struct {
	Attempts int           `yaml:"attempts" json:"attempts,omitempty" jsonschema:"minimum=1,maximum=100"`
	Duration time.Duration `yaml:"duration" json:"duration,omitempty" jsonschema:"type=string,description=initial delay like 1s"`
	Factor   float64       `yaml:"factor" json:"factor,omitempty" jsonschema:"minimum=1,maximum=10"`
}

// Default returns config used when no file present
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads yaml file. Missing file is not an error, defaults returned instead. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from the command line
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Level == "" {
		c.Level = "debug"
	}
	if c.Store.Type == "" {
		c.Store.Type = string(store.TypeRedis)
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
	if c.Store.Redis.Timeout == 0 {
		c.Store.Redis.Timeout = 5 * time.Second
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "runlog.db"
	}
	if c.Store.Bolt.Path == "" {
		c.Store.Bolt.Path = "runlog.bolt"
	}
	if c.Store.Connect.Attempts == 0 {
		c.Store.Connect.Attempts = 3
	}
	if c.Store.Connect.Duration == 0 {
		c.Store.Connect.Duration = time.Second
	}
	if c.Store.Connect.Factor == 0 {
		c.Store.Connect.Factor = 2
	}
}

// Validate checks values, expected to be called after defaults and overrides applied
func (c *Config) Validate() error {
	if c.MaxLogs < 0 {
		return fmt.Errorf("max_logs must not be negative, got %d", c.MaxLogs)
	}
	if _, err := session.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level: %w", err)
	}

	switch store.Type(c.Store.Type) {
	case store.TypeRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required")
		}
		if c.Store.Redis.DB < 0 {
			return fmt.Errorf("store.redis.db must not be negative, got %d", c.Store.Redis.DB)
		}
	case store.TypeSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path is required")
		}
	case store.TypeBolt:
		if c.Store.Bolt.Path == "" {
			return errors.New("store.bolt.path is required")
		}
	default:
		return fmt.Errorf("unsupported store.type %q, expected redis, sqlite or bolt", c.Store.Type)
	}

	conn := c.Store.Connect
	if conn.Attempts < minAttempts || conn.Attempts > maxAttempts {
		return fmt.Errorf("store.connect.attempts must be between %d and %d", minAttempts, maxAttempts)
	}
	if conn.Factor < minFactor || conn.Factor > maxFactor {
		return fmt.Errorf("store.connect.factor must be between %.1f and %.1f", minFactor, maxFactor)
	}
	if conn.Duration < 0 {
		return errors.New("store.connect.duration must not be negative")
	}
	return nil
}

// StoreParams converts store section to store.Params
func (c *Config) StoreParams() store.Params {
	return store.Params{
		Type: store.Type(c.Store.Type),
		Redis: store.RedisParams{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
			Timeout:  c.Store.Redis.Timeout,
		},
		SQLite:   c.Store.SQLite.Path,
		Bolt:     c.Store.Bolt.Path,
		Attempts: c.Store.Connect.Attempts,
		Duration: c.Store.Connect.Duration,
		Factor:   c.Store.Connect.Factor,
	}
}

// SessionOpts converts retention and level to session.Opts
func (c *Config) SessionOpts() (session.Opts, error) {
	level, err := session.ParseLevel(c.Level)
	if err != nil {
		return session.Opts{}, fmt.Errorf("invalid level: %w", err)
	}
	return session.Opts{MaxLogs: c.MaxLogs, Level: level}, nil
}

// Schema generates json schema of the config file
func Schema() *jsonschema.Schema {
	schema := jsonschema.Reflect(&Config{})
	schema.Title = "Runlog YAML Configuration Schema"
	schema.Description = "Schema for runlog YAML configuration file"
	return schema
}
