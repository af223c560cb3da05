// Package config loads graphflow settings from a YAML file and GRAPHFLOW_
// environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/deepnoodle-ai/graphflow/postgres"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, for example
// GRAPHFLOW_ENGINE_MAX_CONCURRENCY.
const EnvPrefix = "GRAPHFLOW"

// Store drivers
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Config holds the configuration of a graphflow process
type Config struct {
	Engine struct {
		MaxConcurrency     int64         `mapstructure:"max_concurrency"`
		DefaultNodeTimeout time.Duration `mapstructure:"default_node_timeout"`
		InstanceTimeout    time.Duration `mapstructure:"instance_timeout"`
		MaxSteps           int           `mapstructure:"max_steps"`
		SnapshotCacheTTL   time.Duration `mapstructure:"snapshot_cache_ttl"`
	} `mapstructure:"engine"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Store struct {
		Driver string `mapstructure:"driver"`
		Dir    string `mapstructure:"dir"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_concurrency", graphflow.DefaultMaxConcurrency)
	v.SetDefault("engine.default_node_timeout", time.Duration(0))
	v.SetDefault("engine.instance_timeout", time.Duration(0))
	v.SetDefault("engine.max_steps", graphflow.DefaultMaxSteps)
	v.SetDefault("engine.snapshot_cache_ttl", graphflow.DefaultSnapshotCacheTTL)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dir", ".graphflow")
	v.SetDefault("store.dsn", "")
}

// Load reads the configuration. An empty path loads defaults and the
// environment only; a path that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
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

// Validate checks the values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverFile:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Engine.MaxConcurrency < 0 || c.Engine.MaxSteps < 0 {
		return errors.New("engine limits must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Logger returns the logger described by the log section
func (c *Config) Logger() *slog.Logger {
	level := graphflow.ParseLevel(c.Log.Level)
	if c.Log.Format == "json" {
		return graphflow.NewJSONLogger(level)
	}
	return graphflow.NewLogger(level)
}

// EngineOptions returns engine options with the configured limits. The
// caller fills in the registry and stores.
func (c *Config) EngineOptions() graphflow.EngineOptions {
	return graphflow.EngineOptions{
		MaxConcurrency:     c.Engine.MaxConcurrency,
		DefaultNodeTimeout: c.Engine.DefaultNodeTimeout,
		InstanceTimeout:    c.Engine.InstanceTimeout,
		MaxSteps:           c.Engine.MaxSteps,
		SnapshotCacheTTL:   c.Engine.SnapshotCacheTTL,
	}
}

// Stores groups the persistence collaborators selected by the store
// section.
type Stores struct {
	Definitions graphflow.DefinitionStore
	Snapshots   graphflow.SnapshotStore
	Instances   graphflow.InstanceStore
	Events      graphflow.EventLog
	close       func()
}

// Close releases any connection held by the stores
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStores builds the stores for the configured driver. The file driver
// persists instances and history under store.dir and keeps definitions
// and snapshots in memory.
func (c *Config) OpenStores(ctx context.Context) (*Stores, error) {
	switch c.Store.Driver {
	case DriverFile:
		memory := graphflow.NewMemoryStore()
		instances, err := graphflow.NewFileInstanceStore(filepath.Join(c.Store.Dir, "instances"))
		if err != nil {
			return nil, err
		}
		return &Stores{
			Definitions: memory,
			Snapshots:   memory,
			Instances:   instances,
			Events:      graphflow.NewFileEventLog(filepath.Join(c.Store.Dir, "events")),
		}, nil
	case DriverPostgres:
		store, err := postgres.Open(ctx, c.Store.DSN)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Definitions: store,
			Snapshots:   store,
			Instances:   store,
			Events:      store,
			close:       store.Close,
		}, nil
	default:
		memory := graphflow.NewMemoryStore()
		return &Stores{Definitions: memory, Snapshots: memory, Instances: memory, Events: memory}, nil
	}
}
