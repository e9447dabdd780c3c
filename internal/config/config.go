package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/model"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig                      `yaml:"server"`
	Postgres  PostgresConfig                    `yaml:"postgres"`
	Redis     RedisConfig                       `yaml:"redis"`
	Kafka     KafkaConfig                       `yaml:"kafka"`
	RateLimit RateLimitConfig                   `yaml:"ratelimit"`
	Log       LogConfig                         `yaml:"log"`
	Ledger    LedgerConfig                      `yaml:"ledger"`
	Routes    map[model.CommandType]RouteConfig `yaml:"routes"`
	Submitter SubmitterConfig                   `yaml:"submitter"`
	Breaker   BreakerConfig                     `yaml:"breaker"`
	Projector ProjectorConfig                   `yaml:"projector"`
	Metrics   MetricsConfig                     `yaml:"metrics"`
	Audit     AuditConfig                       `yaml:"audit"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig is shared by the event relay reader and the dead-letter writer.
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	EventTopicPrefix string   `yaml:"event_topic_prefix"`
	DeadLetterTopic  string   `yaml:"dead_letter_topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// IdentityConfig is the TLS material and pacing of one ledger identity.
type IdentityConfig struct {
	CertFile string  `yaml:"cert_file"`
	KeyFile  string  `yaml:"key_file"`
	CAFile   string  `yaml:"ca_file"`
	RPS      float64 `yaml:"rps"`
	Burst    int     `yaml:"burst"`
}

type LedgerConfig struct {
	// Dev runs against an in-process ledger instead of the network.
	Dev         bool                      `yaml:"dev"`
	GatewayURL  string                    `yaml:"gateway_url"`
	CallTimeout time.Duration             `yaml:"call_timeout"`
	Identities  map[string]IdentityConfig `yaml:"identities"`
}

type RouteConfig struct {
	Identity string `yaml:"identity"`
	Function string `yaml:"function"`
}

type SubmitterConfig struct {
	WorkerID     string        `yaml:"worker_id"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

type BreakerConfig struct {
	FailureThreshold   uint32        `yaml:"failure_threshold"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	MinRequests        uint32        `yaml:"min_requests"`
	Window             time.Duration `yaml:"window"`
	CoolDown           time.Duration `yaml:"cool_down"`
}

type ProjectorConfig struct {
	TenantID      string        `yaml:"tenant_id"`
	Name          string        `yaml:"name"`
	Channels      []string      `yaml:"channels"`
	Identity      string        `yaml:"identity"`
	GenesisBlock  uint64        `yaml:"genesis_block"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

type MetricsConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type AuditConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Prefix    string   `yaml:"prefix"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes data, applies env overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if addr := os.Getenv("BRIDGE_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if brokers := os.Getenv("BRIDGE_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Submitter.MaxAttempts <= 0 {
		return errors.New("config: submitter.max_attempts must be positive")
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Kafka.EventTopicPrefix == "" {
		c.Kafka.EventTopicPrefix = "ledger.events"
	}
	if c.Ledger.CallTimeout <= 0 {
		c.Ledger.CallTimeout = 30 * time.Second
	}
	if !c.Ledger.Dev && c.Ledger.GatewayURL == "" {
		return errors.New("config: ledger.gateway_url is required unless ledger.dev is set")
	}

	s := &c.Submitter
	if s.BatchSize <= 0 {
		s.BatchSize = 10
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	if s.LockTimeout <= 0 {
		s.LockTimeout = 2 * time.Minute
	}
	// A submit may wait for pacing and then run the call, one call timeout each.
	if maxSubmit := ledger.MaxSubmitDuration(c.Ledger.CallTimeout); s.LockTimeout <= maxSubmit {
		return fmt.Errorf("config: submitter.lock_timeout %s must exceed twice ledger.call_timeout (%s)", s.LockTimeout, maxSubmit)
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = time.Second
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = 5 * time.Minute
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = 30 * time.Second
	}

	b := &c.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.MinRequests == 0 {
		b.MinRequests = 20
	}
	if b.Window <= 0 {
		b.Window = time.Minute
	}
	if b.CoolDown <= 0 {
		b.CoolDown = 30 * time.Second
	}
	if b.ErrorRateThreshold < 0 || b.ErrorRateThreshold > 1 {
		return errors.New("config: breaker.error_rate_threshold must be within [0, 1]")
	}

	p := &c.Projector
	if p.Name == "" {
		p.Name = "readmodel"
	}
	if len(p.Channels) == 0 {
		p.Channels = []string{"main"}
	}
	if p.ReconnectBase <= 0 {
		p.ReconnectBase = 500 * time.Millisecond
	}
	if p.ReconnectMax <= 0 {
		p.ReconnectMax = 30 * time.Second
	}
	if c.Metrics.RefreshInterval <= 0 {
		c.Metrics.RefreshInterval = 15 * time.Second
	}
	if c.Audit.Enabled && len(c.Audit.Addresses) == 0 {
		return errors.New("config: audit.addresses is required when audit is enabled")
	}
	return nil
}
