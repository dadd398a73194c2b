package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the cache service.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the client listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// ReadRatePerSecond and ReadBurst bound how fast a single connection's
	// reader may pull frames off the wire, guarding the dispatcher against
	// a client that floods requests faster than Store can serialize them.
	ReadRatePerSecond float64 `mapstructure:"read_rate_per_second"`
	ReadBurst         int     `mapstructure:"read_burst"`
}

// StoreConfig controls memory accounting, eviction and expiry — spec.md
// §6's enumerated configuration options.
type StoreConfig struct {
	CacheSizeInMBs    int64         `mapstructure:"cache_size_in_mbs"`
	EvictionThreshold float64       `mapstructure:"eviction_threshold"`
	EvictionFactor    float64       `mapstructure:"eviction_factor"`
	StrictExpiry      bool          `mapstructure:"strict_expiry"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// MetricsConfig controls the Prometheus/diagnostics HTTP endpoint.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and optional config
// files, following go-server-3's viper wiring.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 6380)
	v.SetDefault("server.read_timeout", 0)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 0)
	v.SetDefault("server.read_rate_per_second", 2000.0)
	v.SetDefault("server.read_burst", 200)

	v.SetDefault("store.cache_size_in_mbs", 64)
	v.SetDefault("store.eviction_threshold", 0.9)
	v.SetDefault("store.eviction_factor", 0.75)
	v.SetDefault("store.strict_expiry", true)
	v.SetDefault("store.sweep_interval", 6*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.service_name", "kvcached")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("kvcached")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("KVCACHED")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Store.EvictionThreshold <= 0 || cfg.Store.EvictionThreshold > 1 {
		cfg.Store.EvictionThreshold = 0.9
	}
	if cfg.Store.EvictionFactor <= 0 || cfg.Store.EvictionFactor > 1 {
		cfg.Store.EvictionFactor = 0.75
	}
	if cfg.Store.SweepInterval <= 0 {
		cfg.Store.SweepInterval = 6 * time.Second
	}

	return cfg, nil
}

// CeilingBytes is the memory ceiling in bytes, per spec.md §6: CacheSizeInMBs × 1,048,576.
func (c StoreConfig) CeilingBytes() int64 {
	return c.CacheSizeInMBs * 1048576
}
