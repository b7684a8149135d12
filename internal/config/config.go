package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Coalesce  CoalesceConfig  `yaml:"coalesce" mapstructure:"coalesce"`
	Rules     RulesConfig     `yaml:"rules" mapstructure:"rules"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Kafka     KafkaConfig     `yaml:"kafka" mapstructure:"kafka"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
}

// StoreConfig configures the database backend. For sqlite, DatabaseURL is
// the database file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// CoalesceConfig points at the versioned source-priority document.
type CoalesceConfig struct {
	PriorityFile string `yaml:"priority_file" mapstructure:"priority_file"`
	Concurrency  int    `yaml:"concurrency" mapstructure:"concurrency" validate:"min=1"`
}

// RulesConfig selects the published rule set applied at ingestion.
type RulesConfig struct {
	Version string `yaml:"version" mapstructure:"version"`
}

// IngestConfig configures bulk JSONL ingestion.
type IngestConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" validate:"min=1"`
}

// ReconcileConfig configures the reconciliation batch processor.
type ReconcileConfig struct {
	BatchSize   int     `yaml:"batch_size" mapstructure:"batch_size" validate:"min=1"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec" validate:"gte=0"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	BackoffMs   int     `yaml:"backoff_ms" mapstructure:"backoff_ms"`
}

// KafkaConfig configures observation intake from a broker.
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers" mapstructure:"brokers"`
	Topic           string   `yaml:"topic" mapstructure:"topic"`
	GroupID         string   `yaml:"group_id" mapstructure:"group_id"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" mapstructure:"dead_letter_topic"`
	MaxWaitMs       int      `yaml:"max_wait_ms" mapstructure:"max_wait_ms"`
}

// RedisConfig configures the optional canonical view cache. An empty URL
// disables caching.
type RedisConfig struct {
	URL              string `yaml:"url" mapstructure:"url"`
	TTLSecs          int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  int    `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// TTL returns the cache entry lifetime.
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENTITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("coalesce.priority_file", "")
	v.SetDefault("coalesce.concurrency", 8)
	v.SetDefault("rules.version", "")
	v.SetDefault("ingest.concurrency", 8)
	v.SetDefault("reconcile.batch_size", 500)
	v.SetDefault("reconcile.rate_per_sec", 20)
	v.SetDefault("reconcile.max_attempts", 3)
	v.SetDefault("reconcile.backoff_ms", 200)
	v.SetDefault("kafka.topic", "entity-observations")
	v.SetDefault("kafka.group_id", "entity-resolver")
	v.SetDefault("kafka.max_wait_ms", 500)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl_secs", 300)
	v.SetDefault("redis.breaker_threshold", 5)
	v.SetDefault("redis.breaker_cooldown_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
