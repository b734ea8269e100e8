// Package server implements the flockstore HTTP server.
//
// This file defines the YAML configuration of the server process. Values are
// decoded in strict mode (unknown keys are errors), environment variables in
// the file are expanded, and the result is validated before use.
package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sanonone/flockstore/pkg/engine"
)

// Config is the top-level structure of the configuration file.
type Config struct {
	HTTPAddr           string          `yaml:"http_addr" validate:"required"`
	DataDir            string          `yaml:"data_dir" validate:"required"`
	LogLevel           string          `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat          string          `yaml:"log_format" validate:"oneof=text json"`
	WriteMode          string          `yaml:"write_mode" validate:"oneof=sync async"`
	WriteWorkers       int             `yaml:"write_workers" validate:"gte=1,lte=256"`
	ConvergenceTimeout time.Duration   `yaml:"convergence_timeout" validate:"gt=0"`
	TombstoneTTL       time.Duration   `yaml:"tombstone_ttl" validate:"gte=0"`
	Graphs             []string        `yaml:"graphs" validate:"dive,required"`
	Persistence        PersistenceConf `yaml:"persistence"`
	RateLimit          RateLimitConf   `yaml:"rate_limit"`
	MCP                MCPConf         `yaml:"mcp"`
}

// PersistenceConf tunes snapshots and log compaction.
type PersistenceConf struct {
	AutoSaveInterval     time.Duration `yaml:"auto_save_interval" validate:"gte=0"`
	AutoSaveThreshold    int64         `yaml:"auto_save_threshold" validate:"gte=0"`
	AofRewritePercentage int           `yaml:"aof_rewrite_percentage" validate:"gte=0"`
}

// RateLimitConf throttles write routes.
type RateLimitConf struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps" validate:"required_if=Enabled true,gte=0"`
	Burst   int     `yaml:"burst" validate:"required_if=Enabled true,gte=0"`
}

// MCPConf toggles the MCP endpoint.
type MCPConf struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:           ":7915",
		DataDir:            "./data",
		LogLevel:           "info",
		LogFormat:          "text",
		WriteMode:          string(engine.WriteSync),
		WriteWorkers:       4,
		ConvergenceTimeout: 2 * time.Second,
		TombstoneTTL:       24 * time.Hour,
		Persistence: PersistenceConf{
			AutoSaveInterval:     60 * time.Second,
			AutoSaveThreshold:    1000,
			AofRewritePercentage: 100,
		},
		RateLimit: RateLimitConf{
			Enabled: false,
			RPS:     1000,
			Burst:   5000,
		},
	}
}

var validate = validator.New()

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadConfig reads the file at path on top of DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read configuration file '%s': %w", path, err)
	}

	decoder := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in '%s': %w", path, err)
	}
	return cfg, cfg.Validate()
}

// EngineOptions maps the configuration onto engine options.
func (c Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions(c.DataDir)
	opts.WriteMode = engine.WriteMode(c.WriteMode)
	opts.WriteWorkers = c.WriteWorkers
	opts.ConvergenceTimeout = c.ConvergenceTimeout
	opts.TombstoneTTL = c.TombstoneTTL
	opts.Graphs = c.Graphs
	opts.AutoSaveInterval = c.Persistence.AutoSaveInterval
	opts.AutoSaveThreshold = c.Persistence.AutoSaveThreshold
	opts.AofRewritePercentage = c.Persistence.AofRewritePercentage
	return opts
}
