package forktide

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a forktide server instance.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Socket  SocketConfig  `mapstructure:"socket"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig defines the HTTP-facing listener and per-connection
// framing limits.
type ServerConfig struct {
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	MaxConnections       int           `mapstructure:"max_connections"`
	MaxConnectionsPerIP  int           `mapstructure:"max_connections_per_ip"`
	MaxRequestSize       int64         `mapstructure:"max_request_size"`
	BufferSize           int           `mapstructure:"buffer_size"`
	EnableKeepAlive      bool          `mapstructure:"enable_keep_alive"`
	KeepAliveTimeout     time.Duration `mapstructure:"keep_alive_timeout"`
	KeepAliveMaxRequests int           `mapstructure:"keep_alive_max_requests"`
	MaxAcceptsPerCycle   int           `mapstructure:"max_accepts_per_cycle"`
	TempDir              string        `mapstructure:"temp_dir"`
}

// PoolConfig defines the worker-process pool's shape and lifecycle
// policy. Workers of 0 means auto-detect: the pool sizes itself to
// runtime.NumCPU(), clamped to [1, 1024], falling back to
// FallbackCPUCores if the runtime ever reports a non-positive count.
type PoolConfig struct {
	Workers          int           `mapstructure:"workers"`
	BalancerPolicy   string        `mapstructure:"balancer_policy"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	Restart          RestartConfig `mapstructure:"restart"`
	Backlog          int           `mapstructure:"backlog"`
	MaxQueueSize     int           `mapstructure:"max_queue_size"`
	AutoRestart      bool          `mapstructure:"auto_restart"`
	FallbackCPUCores int           `mapstructure:"fallback_cpu_cores"`
}

// RestartConfig governs a crashed worker's respawn backoff.
type RestartConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// SocketConfig defines the master/worker descriptor-channel socket.
type SocketConfig struct {
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	Permissions uint32 `mapstructure:"permissions"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines optional Prometheus metrics export settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads configuration from an optional YAML file, layered
// under environment variables prefixed FORKTIDE_ and the defaults below.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/forktide")
	}

	v.SetEnvPrefix("FORKTIDE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("forktide: failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("forktide: failed to unmarshal config: %w", err)
	}

	// viper reads bare numbers for these fields in seconds/milliseconds;
	// convert to time.Duration now that unmarshaling is done.
	cfg.Server.RequestTimeout *= time.Second
	cfg.Server.ConnectionTimeout *= time.Second
	cfg.Server.KeepAliveTimeout *= time.Second
	cfg.Pool.HealthInterval *= time.Second
	cfg.Pool.Restart.InitialBackoff *= time.Millisecond
	cfg.Pool.Restart.MaxBackoff *= time.Millisecond

	return &cfg, nil
}

// ResolveWorkerCount returns the worker pool size cfg actually implies:
// cfg.Pool.Workers verbatim if positive, otherwise runtime.NumCPU()
// (falling back to cfg.Pool.FallbackCPUCores if that ever reports
// non-positive), clamped to [1, 1024] either way.
func ResolveWorkerCount(cfg PoolConfig) int {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
		if n <= 0 {
			n = cfg.FallbackCPUCores
		}
		if n <= 0 {
			n = 1
		}
	}
	if n > 1024 {
		n = 1024
	}
	return n
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30)
	v.SetDefault("server.connection_timeout", 60)
	v.SetDefault("server.max_connections", 1000)
	v.SetDefault("server.max_connections_per_ip", 0)
	v.SetDefault("server.max_request_size", 10485760) // 10MB
	v.SetDefault("server.buffer_size", 8192)
	v.SetDefault("server.enable_keep_alive", true)
	v.SetDefault("server.keep_alive_timeout", 30)
	v.SetDefault("server.keep_alive_max_requests", 100)
	v.SetDefault("server.max_accepts_per_cycle", 10)
	v.SetDefault("server.temp_dir", "")

	v.SetDefault("pool.workers", 0) // 0 = auto-detect CPU cores
	v.SetDefault("pool.balancer_policy", "least_connections")
	v.SetDefault("pool.health_interval", 30)
	v.SetDefault("pool.restart.max_attempts", 5)
	v.SetDefault("pool.restart.initial_backoff", 1000)
	v.SetDefault("pool.restart.max_backoff", 30000)
	v.SetDefault("pool.restart.multiplier", 2.0)
	v.SetDefault("pool.backlog", 128)
	v.SetDefault("pool.max_queue_size", 1000)
	v.SetDefault("pool.auto_restart", true)
	v.SetDefault("pool.fallback_cpu_cores", 4)

	v.SetDefault("socket.dir", "")
	v.SetDefault("socket.prefix", "forktide")
	v.SetDefault("socket.permissions", 0600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
