package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g. PERMISSIONS_KAFKA_TOPIC.
const EnvPrefix = "PERMISSIONS"

// Config top-level struct
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Relay         RelayConfig         `yaml:"relay"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port int `yaml:"port" envconfig:"port"`
}

type LogConfig struct {
	Level string `yaml:"level" envconfig:"level"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn" envconfig:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" envconfig:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" envconfig:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" envconfig:"addr"`
	Password string        `yaml:"password" envconfig:"password"`
	DB       int           `yaml:"db" envconfig:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"brokers"`
	Topic   string   `yaml:"topic" envconfig:"topic"`
}

type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses" envconfig:"addresses"`
	Username  string   `yaml:"username" envconfig:"username"`
	Password  string   `yaml:"password" envconfig:"password"`
	Index     string   `yaml:"index" envconfig:"index"`
}

// RelayConfig tunes the outbox relay: claiming, dispatch and the retry budget.
type RelayConfig struct {
	BatchSize         int           `yaml:"batch_size" envconfig:"batch_size"`
	Workers           int           `yaml:"workers" envconfig:"workers"`
	PollInterval      time.Duration `yaml:"poll_interval" envconfig:"poll_interval"`
	LeaseTimeout      time.Duration `yaml:"lease_timeout" envconfig:"lease_timeout"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout" envconfig:"dispatch_timeout"`
	MaxRetries        int           `yaml:"max_retries" envconfig:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base" envconfig:"backoff_base"`
	BackoffCeiling    time.Duration `yaml:"backoff_ceiling" envconfig:"backoff_ceiling"`
	Retention         time.Duration `yaml:"retention" envconfig:"retention"`
	RetentionInterval time.Duration `yaml:"retention_interval" envconfig:"retention_interval"`
}

type MetricsConfig struct {
	Port int `yaml:"port" envconfig:"port"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps" envconfig:"rps"`
	Burst int `yaml:"burst" envconfig:"burst"`
}

// Load reads the yaml file, overlays PERMISSIONS_* environment variables and
// fills defaults for anything left empty. Relay settings start from
// DefaultRelay, so an explicit zero such as max_retries: 0 is kept.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Relay: DefaultRelay()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultRelay is the relay tuning used for keys the file and environment leave out.
func DefaultRelay() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		Workers:         8,
		PollInterval:    time.Second,
		LeaseTimeout:    time.Minute,
		DispatchTimeout: 15 * time.Second,
		MaxRetries:      8,
		BackoffBase:     500 * time.Millisecond,
		BackoffCeiling:  5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = 5 * time.Minute
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "permissions-operations"
	}
	if c.Elasticsearch.Index == "" {
		c.Elasticsearch.Index = "permissions"
	}
	r := &c.Relay
	if r.Retention > 0 && r.RetentionInterval == 0 {
		r.RetentionInterval = time.Hour
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9102
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
}

// Validate rejects settings the relay or the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Relay.BatchSize <= 0 || c.Relay.Workers <= 0 {
		errs = append(errs, errors.New("relay batch_size and workers must be positive"))
	}
	if c.Relay.MaxRetries < 0 {
		errs = append(errs, errors.New("relay.max_retries must not be negative"))
	}
	if c.Relay.PollInterval <= 0 || c.Relay.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("relay poll_interval and lease_timeout must be positive"))
	}
	if c.Relay.BackoffCeiling < c.Relay.BackoffBase {
		errs = append(errs, fmt.Errorf("relay.backoff_ceiling (%s) is below relay.backoff_base (%s)",
			c.Relay.BackoffCeiling, c.Relay.BackoffBase))
	}
	if c.Relay.DispatchTimeout >= c.Relay.LeaseTimeout {
		errs = append(errs, fmt.Errorf("relay.dispatch_timeout (%s) must be shorter than relay.lease_timeout (%s)",
			c.Relay.DispatchTimeout, c.Relay.LeaseTimeout))
	}
	return errors.Join(errs...)
}
