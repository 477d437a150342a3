package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"EdgeRefresh/pkg/util"
)

type Config struct {
	Environment string          `yaml:"environment" default:"development" validate:"required,oneof=development staging production test"`
	Server      ServerConfig    `yaml:"server"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Log         LogConfig       `yaml:"log"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	ClickHouse  ClickHouseCfg   `yaml:"clickhouse"`
	Redis       RedisConfig     `yaml:"redis"`
	Cache       CacheConfig     `yaml:"cache"`
	Queue       QueueConfig     `yaml:"queue"`
	OddsFeed    OddsFeedConfig  `yaml:"odds_feed"`
	Optimizer   OptimizerConfig `yaml:"optimizer"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Refresh     RefreshConfig   `yaml:"refresh"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	// CORSOrigins are the browser origins allowed to call the API; an empty
	// list disables CORS.
	CORSOrigins []string      `yaml:"cors_origins" default:"[\"*\"]" validate:"dive,required"`
	CORSMaxAge  time.Duration `yaml:"cors_max_age" default:"10m"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

type LogConfig struct {
	Level     string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" default:"console" validate:"oneof=json console"`
	Output    string `yaml:"output" default:"stdout"`
	Collector struct {
		Enabled        bool          `yaml:"enabled"`
		Topic          string        `yaml:"topic" default:"edgerefresh.logs"`
		Interval       time.Duration `yaml:"interval" default:"30s"`
		CountThreshold int           `yaml:"count_threshold" default:"100"`
	} `yaml:"collector"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers" validate:"required_if=Enabled true"`
	RequiredAcks int      `yaml:"required_acks" default:"-1"`
	Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
	Topics       struct {
		EdgeChanges   string `yaml:"edge_changes" default:"edgerefresh.edge_changes"`
		Correlations  string `yaml:"correlations" default:"edgerefresh.correlations"`
		RefreshEvents string `yaml:"refresh_events" default:"edgerefresh.refresh_events"`
	} `yaml:"topics"`
	Producer struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		Linger       time.Duration `yaml:"linger" default:"50ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		Async        bool          `yaml:"async"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID    string        `yaml:"group_id" default:"edgerefresh"`
		Workers    int           `yaml:"workers" default:"4" validate:"gte=1"`
		BufferSize int           `yaml:"buffer_size" default:"1000"`
		RetryMax   int           `yaml:"retry_max" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
		DLQTopic   string        `yaml:"dlq_topic"`
		MinBytes   int           `yaml:"min_bytes" default:"1"`
		MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
	} `yaml:"consumer"`
}

type ClickHouseCfg struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"edgerefresh"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	CorrelationTable string        `yaml:"correlation_table" default:"edge_correlations"`
	HistoryTable     string        `yaml:"history_table" default:"refresh_history"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size" default:"10"`
	Prefix   string `yaml:"prefix" default:"edgerefresh"`
}

type CacheConfig struct {
	// Backend selects where correlation submatrices are stored.
	Backend       string        `yaml:"backend" default:"memory" validate:"oneof=memory redis layered"`
	MemoryMaxSize int           `yaml:"memory_max_size" default:"1000" validate:"gte=1"`
	MemoryTTL     time.Duration `yaml:"memory_ttl" default:"1m"`
}

type QueueConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Name         string        `yaml:"name" default:"refresh"`
	Workers      int           `yaml:"workers" default:"2" validate:"gte=1"`
	PollInterval time.Duration `yaml:"poll_interval" default:"1s"`
	MaxRetries   int           `yaml:"max_retries" default:"3"`
	RetryBase    time.Duration `yaml:"retry_base" default:"1s"`
	RetryMax     time.Duration `yaml:"retry_max" default:"30s"`
	DedupTTL     time.Duration `yaml:"dedup_ttl" default:"10m"`
}

type OddsFeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	APIKey         string        `yaml:"api_key"`
	WebSocketURL   string        `yaml:"websocket_url" validate:"required_if=Enabled true"`
	Markets        []string      `yaml:"markets"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
}

type OptimizerConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout" default:"30s"`
	MaxRetries int           `yaml:"max_retries" default:"2"`
}

type PipelineConfig struct {
	BufferSize int `yaml:"buffer_size" default:"2000" validate:"gte=1"`
	// MaxPerEdgeRPS throttles a single noisy edge; 0 disables.
	MaxPerEdgeRPS int `yaml:"max_per_edge_rps" default:"20"`
	// RefreshPerRunRPS limits queued refresh jobs per run.
	RefreshPerRunRPS int `yaml:"refresh_per_run_rps" default:"1"`
}

// RefreshConfig carries the tuning knobs of the refresh core.
type RefreshConfig struct {
	ClusterImpactThreshold        float64       `yaml:"cluster_impact_threshold" default:"0.3" validate:"gte=0,lte=1"`
	CorrelationClusterThreshold   float64       `yaml:"correlation_cluster_threshold" default:"0.4" validate:"gte=-1,lte=1"`
	EMAAlpha                      float64       `yaml:"ema_alpha" default:"0.3" validate:"gt=0,lte=1"`
	ScoreDeltaEpsilon             float64       `yaml:"score_delta_epsilon" default:"0.001" validate:"gte=0"`
	CacheWarmClusterSizeThreshold int           `yaml:"cache_warm_cluster_size_threshold" default:"5" validate:"gte=1"`
	CacheWarmInterval             time.Duration `yaml:"cache_warm_interval" default:"300s"`
	MaxConcurrentCacheWarms       int           `yaml:"max_concurrent_cache_warms" default:"3" validate:"gte=1"`
	CacheWarmTimeout              time.Duration `yaml:"cache_warm_timeout" default:"10s"`
	CacheWarmTTL                  time.Duration `yaml:"cache_warm_ttl" default:"15m"`
	DistributedWarmLock           bool          `yaml:"distributed_warm_lock"`
	MinChangedEdgesForLiveRefresh int           `yaml:"min_changed_edges_for_live_refresh" validate:"gte=0"`
	MaxStalenessInterval          time.Duration `yaml:"max_staleness_interval"`
	MaxPartialRefreshAge          time.Duration `yaml:"max_partial_refresh_age"`
	OptimizerTimeout              time.Duration `yaml:"optimizer_timeout" default:"60s"`
	StalenessCheckInterval        time.Duration `yaml:"staleness_check_interval" default:"10s"`
	PruneIdleAfter                time.Duration `yaml:"prune_idle_after"`
	PruneImpactFloor              float64       `yaml:"prune_impact_floor" default:"0.01" validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Default returns a configuration populated only from default tags.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	return &c
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitCSV(v)
		c.Kafka.Enabled = len(c.Kafka.Brokers) > 0
	}
	if v, ok := os.LookupEnv("SERVER_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = util.SplitCSV(v)
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("ODDS_FEED_API_KEY"); v != "" {
		c.OddsFeed.APIKey = v
	}
	if v := os.Getenv("ODDS_FEED_MARKETS"); v != "" {
		c.OddsFeed.Markets = util.SplitCSV(v)
	}
	if v := os.Getenv("OPTIMIZER_URL"); v != "" {
		c.Optimizer.URL = v
	}
	if v := os.Getenv("MIN_CHANGED_EDGES_FOR_LIVE_REFRESH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MIN_CHANGED_EDGES_FOR_LIVE_REFRESH: %w", err)
		}
		c.Refresh.MinChangedEdgesForLiveRefresh = n
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if (c.Cache.Backend == "redis" || c.Cache.Backend == "layered") && !c.Redis.Enabled {
		return fmt.Errorf("cache.backend %q requires redis.enabled", c.Cache.Backend)
	}
	if c.Queue.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("queue.enabled requires redis.enabled")
	}
	if c.Refresh.DistributedWarmLock && !c.Redis.Enabled {
		return fmt.Errorf("refresh.distributed_warm_lock requires redis.enabled")
	}
	if c.Log.Collector.Enabled && !c.Kafka.Enabled {
		return fmt.Errorf("log.collector.enabled requires kafka.enabled")
	}
	return nil
}
