// Package config loads the engine configuration from defaults, an optional
// YAML file and INSIGHT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/window"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Windows   WindowsConfig   `mapstructure:"windows"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Insights  InsightsConfig  `mapstructure:"insights"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
}

type KafkaConfig struct {
	Brokers   []string      `mapstructure:"brokers"`
	GroupID   string        `mapstructure:"group_id"`
	Topics    []string      `mapstructure:"topics"`
	DLQSuffix string        `mapstructure:"dlq_suffix"`
	MinBytes  int           `mapstructure:"min_bytes"`
	MaxBytes  int           `mapstructure:"max_bytes"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	RecentLength int           `mapstructure:"recent_length"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type WindowsConfig struct {
	Granularities    []window.Granularity `mapstructure:"granularities"`
	RetentionBuckets int                  `mapstructure:"retention_buckets"`
}

type BufferConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	StoreTimeout        time.Duration `mapstructure:"store_timeout"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
}

type InsightsConfig struct {
	VolumeSpikeRatio       float64 `mapstructure:"volume_spike_ratio"`
	VelocityThreshold      int     `mapstructure:"velocity_threshold"`
	VelocityWindowSeconds  int     `mapstructure:"velocity_window_seconds"`
	RepeatedAmountMinCount int     `mapstructure:"repeated_amount_min_count"`
	RepeatedAmountLookback int     `mapstructure:"repeated_amount_lookback"`
	RoundAmountMinimum     string  `mapstructure:"round_amount_minimum"`
	RoundAmountMultiple    string  `mapstructure:"round_amount_multiple"`

	VolumeSpike    bool `mapstructure:"volume_spike"`
	Velocity       bool `mapstructure:"velocity"`
	RoundAmount    bool `mapstructure:"round_amount"`
	RepeatedAmount bool `mapstructure:"repeated_amount"`

	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type SchedulerConfig struct {
	FlushTick         time.Duration `mapstructure:"flush_tick"`
	RollupInterval    time.Duration `mapstructure:"rollup_interval"`
	EvictionInterval  time.Duration `mapstructure:"eviction_interval"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	RetentionHorizon  time.Duration `mapstructure:"retention_horizon"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "insight-engine")
	v.SetDefault("kafka.topics", []string{"transactions", "payments", "user-activity"})
	v.SetDefault("kafka.dlq_suffix", ".dlq")
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10000000)
	v.SetDefault("kafka.max_wait", 500*time.Millisecond)

	v.SetDefault("postgres.dsn", "postgres://localhost:5432/analytics?sslmode=disable")
	v.SetDefault("postgres.max_open_conns", 25)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.recent_length", 100)
	v.SetDefault("redis.ttl", 24*time.Hour)

	grans := make([]map[string]interface{}, 0, len(window.DefaultGranularities))
	for _, g := range window.DefaultGranularities {
		grans = append(grans, map[string]interface{}{"name": g.Name, "interval": g.Interval.String()})
	}
	v.SetDefault("windows.granularities", grans)
	v.SetDefault("windows.retention_buckets", 100)

	v.SetDefault("buffer.batch_size", 500)
	v.SetDefault("buffer.flush_interval", 10*time.Second)
	v.SetDefault("buffer.store_timeout", 10*time.Second)
	v.SetDefault("buffer.breaker_max_failures", 5)
	v.SetDefault("buffer.breaker_reset_timeout", 10*time.Second)

	v.SetDefault("insights.volume_spike_ratio", 0.5)
	v.SetDefault("insights.velocity_threshold", 10)
	v.SetDefault("insights.velocity_window_seconds", 60)
	v.SetDefault("insights.repeated_amount_min_count", 3)
	v.SetDefault("insights.repeated_amount_lookback", 10)
	v.SetDefault("insights.round_amount_minimum", "1000")
	v.SetDefault("insights.round_amount_multiple", "100")
	v.SetDefault("insights.volume_spike", true)
	v.SetDefault("insights.velocity", true)
	v.SetDefault("insights.round_amount", true)
	v.SetDefault("insights.repeated_amount", true)
	v.SetDefault("insights.workers", 4)
	v.SetDefault("insights.queue_size", 1024)

	v.SetDefault("scheduler.flush_tick", 60*time.Second)
	v.SetDefault("scheduler.rollup_interval", time.Hour)
	v.SetDefault("scheduler.eviction_interval", time.Minute)
	v.SetDefault("scheduler.retention_interval", 24*time.Hour)
	v.SetDefault("scheduler.retention_horizon", 90*24*time.Hour)

	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("dedup.window", 10*time.Minute)
}

// Load reads configuration. An empty path searches ./config and . for
// config.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("INSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Info("No config file found, using defaults")
	} else {
		log.Infof("Loaded config from %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading files or
// the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(len(c.Kafka.Brokers) > 0, "kafka.brokers must not be empty")
	check(len(c.Kafka.Topics) > 0, "kafka.topics must not be empty")
	check(c.Kafka.GroupID != "", "kafka.group_id is required")
	check(c.Kafka.DLQSuffix != "", "kafka.dlq_suffix is required")

	check(len(c.Windows.Granularities) > 0, "windows.granularities must not be empty")
	seen := make(map[string]bool)
	for _, g := range c.Windows.Granularities {
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
		}
		check(!seen[g.Name], "windows.granularities: duplicate %q", g.Name)
		seen[g.Name] = true
	}
	check(seen[window.Realtime], "windows.granularities must include %q", window.Realtime)
	check(seen[window.Hour], "windows.granularities must include %q", window.Hour)
	check(c.Windows.RetentionBuckets > 0, "windows.retention_buckets must be positive")

	check(c.Buffer.BatchSize > 0, "buffer.batch_size must be positive")
	check(c.Buffer.FlushInterval > 0, "buffer.flush_interval must be positive")
	check(c.Buffer.StoreTimeout > 0, "buffer.store_timeout must be positive")
	check(c.Buffer.BreakerMaxFailures > 0, "buffer.breaker_max_failures must be positive")

	in := c.Insights
	check(in.VolumeSpikeRatio > 0 && in.VolumeSpikeRatio <= 100, "insights.volume_spike_ratio must be in (0, 100]")
	check(in.VelocityThreshold > 0, "insights.velocity_threshold must be positive")
	check(in.VelocityWindowSeconds > 0 && in.VelocityWindowSeconds <= 3600, "insights.velocity_window_seconds must be in [1, 3600]")
	check(in.RepeatedAmountMinCount >= 2, "insights.repeated_amount_min_count must be at least 2")
	check(in.RepeatedAmountLookback >= in.RepeatedAmountMinCount, "insights.repeated_amount_lookback must be >= repeated_amount_min_count")
	check(in.Workers > 0, "insights.workers must be positive")
	check(in.QueueSize > 0, "insights.queue_size must be positive")
	check(c.Redis.RecentLength >= in.RepeatedAmountLookback, "redis.recent_length must cover insights.repeated_amount_lookback")
	check(c.Redis.TTL > 0 && c.Redis.TTL <= 24*time.Hour, "redis.ttl must be in (0, 24h]")
	check(c.Redis.RecentLength > in.VelocityThreshold, "redis.recent_length must exceed insights.velocity_threshold")
	for key, val := range map[string]string{
		"insights.round_amount_minimum":  in.RoundAmountMinimum,
		"insights.round_amount_multiple": in.RoundAmountMultiple,
	} {
		d, err := model.ParseDecimal(val)
		check(err == nil && !d.IsNegative(), "%s must be a non-negative decimal, got %q", key, val)
	}

	s := c.Scheduler
	check(s.FlushTick > 0, "scheduler.flush_tick must be positive")
	check(s.RollupInterval > 0, "scheduler.rollup_interval must be positive")
	check(s.EvictionInterval > 0, "scheduler.eviction_interval must be positive")
	check(s.RetentionInterval > 0, "scheduler.retention_interval must be positive")
	check(s.RetentionHorizon > 0, "scheduler.retention_horizon must be positive")

	check(c.HTTP.ShutdownTimeout > 0, "http.shutdown_timeout must be positive")
	check(c.Dedup.Window >= 0, "dedup.window must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DLQTopic names the dead-letter topic of a source topic.
func (c *Config) DLQTopic(topic string) string {
	return topic + c.Kafka.DLQSuffix
}
