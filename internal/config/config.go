// Package config loads and validates crawlq configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. CRAWLQ_REDIS_ADDR.
const EnvPrefix = "CRAWLQ"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Lock      LockConfig      `mapstructure:"lock"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Priority  PriorityConfig  `mapstructure:"priority"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RedisConfig points at the shared Redis. An empty Addr selects the
// in-process stores, which only work for a single process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig names the job queue and its lifecycle knobs.
type QueueConfig struct {
	Name             string        `mapstructure:"name"`
	Retention        time.Duration `mapstructure:"retention"`
	MaxStalls        int           `mapstructure:"max_stalls"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	DepthInterval    time.Duration `mapstructure:"depth_interval"`
}

// LockConfig controls job lock lifetime and acquisition retries.
type LockConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	RetryCount  int           `mapstructure:"retry_count"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	RetryJitter time.Duration `mapstructure:"retry_jitter"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Count            int           `mapstructure:"count"`
	RenewInterval    time.Duration `mapstructure:"renew_interval"`
	MaxRenewFailures int           `mapstructure:"max_renew_failures"`
	AdmissionBackoff time.Duration `mapstructure:"admission_backoff"`
	IdleBackoff      time.Duration `mapstructure:"idle_backoff"`
	ErrorBackoffBase time.Duration `mapstructure:"error_backoff_base"`
	ErrorBackoffMax  time.Duration `mapstructure:"error_backoff_max"`
	ScrapeTimeout    time.Duration `mapstructure:"scrape_timeout"`
	TerminalTimeout  time.Duration `mapstructure:"terminal_timeout"`
}

// AdmissionConfig sets the resource thresholds above which workers stop
// taking jobs. Values are fractions in (0, 1].
type AdmissionConfig struct {
	MaxCPU         float64       `mapstructure:"max_cpu"`
	MaxRAM         float64       `mapstructure:"max_ram"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// PriorityBucket is a plan's in-flight allowance.
type PriorityBucket struct {
	Limit    int     `mapstructure:"limit"`
	Modifier float64 `mapstructure:"modifier"`
}

// PriorityConfig maps plans to buckets.
type PriorityConfig struct {
	Buckets     map[string]PriorityBucket `mapstructure:"buckets"`
	Fallback    PriorityBucket            `mapstructure:"fallback"`
	InFlightTTL time.Duration             `mapstructure:"in_flight_ttl"`
}

// CrawlConfig holds crawl defaults and blocking rules.
type CrawlConfig struct {
	DefaultLimit    int           `mapstructure:"default_limit"`
	DefaultMaxDepth int           `mapstructure:"default_max_depth"`
	ScrapeWait      time.Duration `mapstructure:"scrape_wait"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	Blocklist       []string      `mapstructure:"blocklist"`
	UserAgent       string        `mapstructure:"user_agent"`
	RobotsTimeout   time.Duration `mapstructure:"robots_timeout"`
}

// ScraperConfig selects and tunes scrape engines.
type ScraperConfig struct {
	Timeout            time.Duration  `mapstructure:"timeout"`
	PromotionThreshold int            `mapstructure:"promotion_threshold"`
	Render             RenderConfig   `mapstructure:"render"`
	Fetch              FetchConfig    `mapstructure:"fetch"`
	Headless           HeadlessConfig `mapstructure:"headless"`
}

// RenderConfig points at an external rendering service.
type RenderConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// FetchConfig configures the plain HTTP engine.
type FetchConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DefaultRPS   float64       `mapstructure:"default_rps"`
	DefaultBurst int           `mapstructure:"default_burst"`
}

// HeadlessConfig configures the headless Chrome engine.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// NotifyConfig configures the event hub and its sinks.
type NotifyConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	Log            bool          `mapstructure:"log"`
	Prometheus     bool          `mapstructure:"prometheus"`
	Webhook        WebhookConfig `mapstructure:"webhook"`
	Kafka          KafkaConfig   `mapstructure:"kafka"`
	PubSub         PubSubConfig  `mapstructure:"pubsub"`
}

// WebhookConfig controls webhook delivery.
type WebhookConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	DefaultURL string            `mapstructure:"default_url"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Headers    map[string]string `mapstructure:"headers"`
}

// KafkaConfig enables the Kafka event sink.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig selects where raw page HTML is archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Prefix      string `mapstructure:"prefix"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	ContentType string `mapstructure:"content_type"`
	// HashLength shortens content digests in object names; 0 keeps all 64.
	HashLength int `mapstructure:"hash_length"`
}

// DatabaseConfig controls the Postgres job log. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Storage backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	return FromViper(v, path != "")
}

// FromViper binds defaults and environment overrides onto v, optionally reads
// its configured file, and returns the validated Config.
func FromViper(v *viper.Viper, readFile bool) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if readFile {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.name", "scrape")
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.max_stalls", 3)
	v.SetDefault("queue.recovery_interval", 5*time.Second)
	v.SetDefault("queue.depth_interval", 5*time.Second)
	v.SetDefault("lock.ttl", 60*time.Second)
	v.SetDefault("lock.retry_count", 3)
	v.SetDefault("lock.retry_delay", 200*time.Millisecond)
	v.SetDefault("lock.retry_jitter", 100*time.Millisecond)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.renew_interval", 15*time.Second)
	v.SetDefault("worker.max_renew_failures", 3)
	v.SetDefault("worker.admission_backoff", 1*time.Second)
	v.SetDefault("worker.idle_backoff", 250*time.Millisecond)
	v.SetDefault("worker.error_backoff_base", 500*time.Millisecond)
	v.SetDefault("worker.error_backoff_max", 10*time.Second)
	v.SetDefault("worker.scrape_timeout", 45*time.Second)
	v.SetDefault("worker.terminal_timeout", 10*time.Second)
	v.SetDefault("admission.max_cpu", 0.8)
	v.SetDefault("admission.max_ram", 0.8)
	v.SetDefault("admission.sample_interval", 1*time.Second)
	v.SetDefault("priority.fallback.limit", 5)
	v.SetDefault("priority.fallback.modifier", 1.0)
	v.SetDefault("priority.in_flight_ttl", 24*time.Hour)
	v.SetDefault("crawl.default_limit", 10000)
	v.SetDefault("crawl.default_max_depth", 0)
	v.SetDefault("crawl.scrape_wait", 60*time.Second)
	v.SetDefault("crawl.poll_interval", 250*time.Millisecond)
	v.SetDefault("crawl.retention", 24*time.Hour)
	v.SetDefault("crawl.user_agent", "crawlq/0.1")
	v.SetDefault("crawl.robots_timeout", 5*time.Second)
	v.SetDefault("scraper.timeout", 30*time.Second)
	v.SetDefault("scraper.promotion_threshold", 60)
	v.SetDefault("scraper.render.timeout", 30*time.Second)
	v.SetDefault("scraper.fetch.enabled", true)
	v.SetDefault("scraper.fetch.timeout", 15*time.Second)
	v.SetDefault("scraper.fetch.default_rps", 2.0)
	v.SetDefault("scraper.fetch.default_burst", 4)
	v.SetDefault("scraper.headless.enabled", false)
	v.SetDefault("scraper.headless.max_parallel", 1)
	v.SetDefault("scraper.headless.nav_timeout", 25*time.Second)
	v.SetDefault("notify.buffer_size", 1024)
	v.SetDefault("notify.max_batch_events", 64)
	v.SetDefault("notify.max_batch_wait", 200*time.Millisecond)
	v.SetDefault("notify.sink_timeout", 5*time.Second)
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.prometheus", true)
	v.SetDefault("notify.webhook.enabled", true)
	v.SetDefault("notify.webhook.timeout", 10*time.Second)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("database.table", "crawl_jobs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "crawlq")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be > 0")
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must be >= 0")
	}
	if c.Worker.RenewInterval <= 0 || c.Worker.RenewInterval >= c.Lock.TTL {
		return fmt.Errorf("worker.renew_interval must be > 0 and < lock.ttl")
	}
	if c.Priority.InFlightTTL < c.Lock.TTL {
		return fmt.Errorf("priority.in_flight_ttl must be >= lock.ttl")
	}
	if c.Admission.MaxCPU <= 0 || c.Admission.MaxCPU > 1 {
		return fmt.Errorf("admission.max_cpu must be in (0, 1]")
	}
	if c.Admission.MaxRAM <= 0 || c.Admission.MaxRAM > 1 {
		return fmt.Errorf("admission.max_ram must be in (0, 1]")
	}
	if c.Crawl.DefaultLimit <= 0 {
		return fmt.Errorf("crawl.default_limit must be > 0")
	}
	if c.Scraper.Render.Endpoint == "" && !c.Scraper.Fetch.Enabled && !c.Scraper.Headless.Enabled {
		return fmt.Errorf("at least one scraper engine must be enabled")
	}
	if c.Scraper.Headless.Enabled && c.Scraper.Headless.MaxParallel <= 0 {
		return fmt.Errorf("scraper.headless.max_parallel must be > 0 when headless is enabled")
	}
	if len(c.Notify.Kafka.Brokers) > 0 && c.Notify.Kafka.Topic == "" {
		return fmt.Errorf("notify.kafka.topic is required when brokers are set")
	}
	if c.Notify.PubSub.TopicName != "" && c.Notify.PubSub.ProjectID == "" {
		return fmt.Errorf("notify.pubsub.project_id is required when topic_name is set")
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	return nil
}
