// Package config loads and validates the orchestrator's configuration
// surface (spec §6: liveness window, heartbeat interval, dispatch
// timeout, dequeue timeout, concurrency knobs, pool sizes, planner
// timeout, selection policy) from env vars, an optional YAML file, and
// defaults, using viper for env/file layering and mapstructure duration
// decoding.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sabiseeds/agentmesh/internal/model"
)

// Config is the fully resolved, validated configuration surface.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Coord    CoordConfig
	Registry RegistryConfig
	Dispatch DispatchConfig
	Result   ResultConfig
	Planner  PlannerConfig
	Activity ActivityConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	BoltPath     string `mapstructure:"bolt_path"`
	PoolMin      int    `mapstructure:"pool_min"`
	PoolMax      int    `mapstructure:"pool_max"`
}

type CoordConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

type RegistryConfig struct {
	LivenessWindow    time.Duration `mapstructure:"liveness_window_seconds"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval_seconds"`
}

type DispatchConfig struct {
	DispatchTimeout    time.Duration          `mapstructure:"dispatch_timeout_seconds"`
	DequeueTimeout     time.Duration          `mapstructure:"dequeue_timeout_seconds"`
	Concurrency        int                    `mapstructure:"dispatcher_concurrency"`
	SelectionPolicy    model.SelectionPolicy  `mapstructure:"selection_policy"`
	MinBackoff         time.Duration          `mapstructure:"min_backoff"`
	MaxBackoff         time.Duration          `mapstructure:"max_backoff"`
}

type ResultConfig struct {
	Concurrency    int           `mapstructure:"result_processor_concurrency"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout_seconds"`
}

type PlannerConfig struct {
	Timeout time.Duration `mapstructure:"planner_timeout_seconds"`
}

type ActivityConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"metrics_addr"`
}

// Load resolves configuration from (in increasing priority) defaults,
// an optional ./config.yaml, and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("store.bolt_path", "./data")
	v.SetDefault("store.pool_min", 2)
	v.SetDefault("store.pool_max", 20)

	v.SetDefault("coord.redis_addr", "localhost:6379")
	v.SetDefault("coord.redis_db", 0)

	v.SetDefault("registry.liveness_window_seconds", "60s")
	v.SetDefault("registry.heartbeat_interval_seconds", "10s")

	v.SetDefault("dispatch.dispatch_timeout_seconds", "5s")
	v.SetDefault("dispatch.dequeue_timeout_seconds", "1s")
	v.SetDefault("dispatch.dispatcher_concurrency", 4)
	v.SetDefault("dispatch.selection_policy", "INTERSECTS")
	v.SetDefault("dispatch.min_backoff", "100ms")
	v.SetDefault("dispatch.max_backoff", "2s")

	v.SetDefault("result.result_processor_concurrency", 4)
	v.SetDefault("result.dequeue_timeout_seconds", "1s")

	v.SetDefault("planner.planner_timeout_seconds", "30s")

	v.SetDefault("activity.nats_url", "nats://localhost:4222")

	v.SetDefault("metrics.metrics_addr", ":9090")
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("server.addr", "AGENTMESH_SERVER_ADDR")

	_ = v.BindEnv("store.bolt_path", "AGENTMESH_BOLT_PATH")
	_ = v.BindEnv("store.pool_min", "AGENTMESH_DURABLE_STORE_POOL_MIN")
	_ = v.BindEnv("store.pool_max", "AGENTMESH_DURABLE_STORE_POOL_MAX")

	_ = v.BindEnv("coord.redis_addr", "AGENTMESH_REDIS_ADDR")
	_ = v.BindEnv("coord.redis_db", "AGENTMESH_REDIS_DB")

	_ = v.BindEnv("registry.liveness_window_seconds", "AGENTMESH_LIVENESS_WINDOW_SECONDS")
	_ = v.BindEnv("registry.heartbeat_interval_seconds", "AGENTMESH_HEARTBEAT_INTERVAL_SECONDS")

	_ = v.BindEnv("dispatch.dispatch_timeout_seconds", "AGENTMESH_DISPATCH_TIMEOUT_SECONDS")
	_ = v.BindEnv("dispatch.dequeue_timeout_seconds", "AGENTMESH_DEQUEUE_TIMEOUT_SECONDS")
	_ = v.BindEnv("dispatch.dispatcher_concurrency", "AGENTMESH_DISPATCHER_CONCURRENCY")
	_ = v.BindEnv("dispatch.selection_policy", "AGENTMESH_SELECTION_POLICY")

	_ = v.BindEnv("result.result_processor_concurrency", "AGENTMESH_RESULT_PROCESSOR_CONCURRENCY")

	_ = v.BindEnv("planner.planner_timeout_seconds", "AGENTMESH_PLANNER_TIMEOUT_SECONDS")

	_ = v.BindEnv("activity.nats_url", "AGENTMESH_NATS_URL")

	_ = v.BindEnv("metrics.metrics_addr", "AGENTMESH_METRICS_ADDR")
}

func validate(cfg *Config) error {
	if cfg.Dispatch.SelectionPolicy != model.PolicyIntersects && cfg.Dispatch.SelectionPolicy != model.PolicyCovers {
		return fmt.Errorf("invalid selection_policy %q: must be INTERSECTS or COVERS", cfg.Dispatch.SelectionPolicy)
	}
	if cfg.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatcher_concurrency must be >= 1")
	}
	if cfg.Result.Concurrency < 1 {
		return fmt.Errorf("result_processor_concurrency must be >= 1")
	}
	if cfg.Store.PoolMin < 1 || cfg.Store.PoolMax < cfg.Store.PoolMin {
		return fmt.Errorf("invalid durable store pool bounds: min=%d max=%d", cfg.Store.PoolMin, cfg.Store.PoolMax)
	}
	if cfg.Registry.LivenessWindow <= 0 {
		return fmt.Errorf("liveness_window_seconds must be > 0")
	}
	return nil
}
