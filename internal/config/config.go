package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Locking    LockingConfig    `yaml:"locking"`
	Intake     IntakeConfig     `yaml:"intake"`
	Worker     WorkerConfig     `yaml:"worker"`
	Token      TokenConfig      `yaml:"token_service"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	Processors ProcessorsConfig `yaml:"processors"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type QueueConfig struct {
	URL                      string `yaml:"url"`
	Region                   string `yaml:"region"`
	WaitTimeSeconds          int64  `yaml:"wait_time_seconds"`
	VisibilityTimeoutSeconds int64  `yaml:"visibility_timeout_seconds"`
}

type OutboxConfig struct {
	BatchSize      int `yaml:"batch_size"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type LockingConfig struct {
	TTLSeconds           int `yaml:"lock_ttl_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

type IntakeConfig struct {
	FastPathPollSeconds    int `yaml:"fast_path_poll_seconds"`
	FastPathPollIntervalMs int `yaml:"fast_path_poll_interval_ms"`
	IdempotencyTTLHours    int `yaml:"idempotency_ttl_hours"`
	RateLimitPerMinute     int `yaml:"rate_limit_per_minute"`
}

type WorkerConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	WorkerID   string `yaml:"worker_id"`
}

type TokenConfig struct {
	BaseURL        string `yaml:"base_url"`
	ServiceAuthKey string `yaml:"service_auth_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type RedisConfig struct {
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	ConfigTTLSeconds int    `yaml:"config_ttl_seconds"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type WebhooksConfig struct {
	ProjectID     string `yaml:"project_id"`
	LocationID    string `yaml:"location_id"`
	QueueID       string `yaml:"queue_id"`
	SigningSecret string `yaml:"signing_secret"`
}

type ProcessorsConfig struct {
	StripeTimeoutSeconds int `yaml:"stripe_timeout_seconds"`
	MockLatencyMs        int `yaml:"mock_latency_ms"`
}

// LoadConfig reads a YAML config file and applies defaults for anything the
// file leaves unset. Secrets come in through the environment, see Overlay.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.Overlay()
	return &cfg, nil
}

// Default returns a config with every knob at its documented default,
// suitable for tests and local runs without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Queue.WaitTimeSeconds == 0 {
		c.Queue.WaitTimeSeconds = 20
	}
	if c.Queue.Region == "" {
		c.Queue.Region = "us-east-1"
	}
	if c.Locking.TTLSeconds == 0 {
		c.Locking.TTLSeconds = 30
	}
	if c.Locking.SweepIntervalSeconds == 0 {
		c.Locking.SweepIntervalSeconds = 60
	}
	// Visibility timeout must cover the lock TTL so redelivery cannot race
	// a live handler.
	if c.Queue.VisibilityTimeoutSeconds < int64(c.Locking.TTLSeconds) {
		c.Queue.VisibilityTimeoutSeconds = int64(c.Locking.TTLSeconds)
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Outbox.PollIntervalMs == 0 {
		c.Outbox.PollIntervalMs = 1000
	}
	if c.Intake.FastPathPollSeconds == 0 {
		c.Intake.FastPathPollSeconds = 5
	}
	if c.Intake.FastPathPollIntervalMs == 0 {
		c.Intake.FastPathPollIntervalMs = 100
	}
	if c.Intake.FastPathPollIntervalMs > 200 {
		c.Intake.FastPathPollIntervalMs = 200
	}
	if c.Intake.IdempotencyTTLHours == 0 {
		c.Intake.IdempotencyTTLHours = 24
	}
	if c.Intake.RateLimitPerMinute == 0 {
		c.Intake.RateLimitPerMinute = 300
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Token.TimeoutSeconds == 0 {
		c.Token.TimeoutSeconds = 10
	}
	if c.Redis.ConfigTTLSeconds == 0 {
		c.Redis.ConfigTTLSeconds = 300
	}
	if c.Processors.StripeTimeoutSeconds == 0 {
		c.Processors.StripeTimeoutSeconds = 15
	}
}

// Overlay applies environment overrides on top of file values. Only
// deployment-varying and secret values are overridable this way.
func (c *Config) Overlay() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("AUTH_QUEUE_URL"); v != "" {
		c.Queue.URL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Queue.Region = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TOKEN_SERVICE_URL"); v != "" {
		c.Token.BaseURL = v
	}
	if v := os.Getenv("TOKEN_SERVICE_AUTH_KEY"); v != "" {
		c.Token.ServiceAuthKey = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_SECRET"); v != "" {
		c.Webhooks.SigningSecret = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
	}
}

// LockTTL is the processing budget a worker holds per aggregate.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Locking.TTLSeconds) * time.Second
}

// IdempotencyTTL bounds how long a replayed intake request maps back to
// its original auth request.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Intake.IdempotencyTTLHours) * time.Hour
}

func (c *Config) FastPathBudget() time.Duration {
	return time.Duration(c.Intake.FastPathPollSeconds) * time.Second
}

func (c *Config) FastPathInterval() time.Duration {
	return time.Duration(c.Intake.FastPathPollIntervalMs) * time.Millisecond
}

func (c *Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.Outbox.PollIntervalMs) * time.Millisecond
}
