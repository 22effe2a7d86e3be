package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level daemon configuration, loaded from a YAML file
// with environment-variable overrides, per the teacher's viper-based
// loader.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Coordinator  CoordinatorConfig  `mapstructure:"coordinator"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Persistent   PersistentConfig   `mapstructure:"persistent"`
	Wire         WireConfig         `mapstructure:"wire"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Backup       BackupConfig       `mapstructure:"backup"`
	Feature      FeatureConfig      `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

// StorageConfig configures the chunked log, stream index and metadata
// store.
type StorageConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	ChunkSize     int64  `mapstructure:"chunk_size_bytes"`
	IndexMergeMax int    `mapstructure:"index_merge_max_ptables"`
	MetaStorePath string `mapstructure:"metastore_path"`
}

// CoordinatorConfig configures the Append Coordinator's durability mode.
type CoordinatorConfig struct {
	// WriteMode is "synchronous" (fsync before acknowledging) or
	// "batched" (acknowledge without an fsync on the append path).
	WriteMode     string        `mapstructure:"write_mode"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// SubscriptionConfig tunes the live/catch-up/filtered-all dispatcher.
type SubscriptionConfig struct {
	MaxSubscribers      int `mapstructure:"max_subscribers"`
	SendCheckpointEvery int `mapstructure:"send_checkpoint_every"`
}

// PersistentConfig holds the persistent (competing consumer) subscription
// section of the config file. The daemon loads it but does not pass it to
// the persistent subscription engine, whose groups take their defaults
// from persistent.Settings instead.
type PersistentConfig struct {
	DefaultMessageTimeout time.Duration `mapstructure:"default_message_timeout"`
	DefaultMaxRetries     int           `mapstructure:"default_max_retries"`
	DefaultReadBatchSize  int           `mapstructure:"default_read_batch_size"`
	CheckpointAfter       time.Duration `mapstructure:"checkpoint_after"`
	MinCheckpointCount    int           `mapstructure:"min_checkpoint_count"`
	MaxCheckpointCount    int           `mapstructure:"max_checkpoint_count"`
}

// WireConfig configures the frame-codec listener that exposes the core
// operations to external clients.
type WireConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
}

type IngestConfig struct {
	Kafka    KafkaIngestConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQIngestConfig `mapstructure:"rabbitmq"`
}

// KafkaIngestConfig mirrors the subset of kafka.Config loaded from file,
// widened with the adapter's tuning knobs so the daemon can construct a
// kafka.Config without any code beyond field copying.
type KafkaIngestConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	Topics         []string `mapstructure:"topics"`
	GroupID        string   `mapstructure:"group_id"`
	ClientID       string   `mapstructure:"client_id"`
	WorkerCount    int      `mapstructure:"worker_count"`
	MaxPollRecords int      `mapstructure:"max_poll_records"`
	QueueCapacity  int      `mapstructure:"queue_capacity"`
	ParseMode      string   `mapstructure:"parse_mode"`
}

// RabbitMQIngestConfig mirrors the subset of rabbitmq.Config loaded from
// file.
type RabbitMQIngestConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	ConsumerTag   string   `mapstructure:"consumer_tag"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
}

type BackupConfig struct {
	S3 S3BackupConfig `mapstructure:"s3"`
}

type S3BackupConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("chronicles")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
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
	v.SetDefault("feature.allow_multiple_adapters", true)
	v.SetDefault("backup.s3.provider", "aws-sdk-v2")

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.chunk_size_bytes", 256<<20)
	v.SetDefault("storage.index_merge_max_ptables", 8)
	v.SetDefault("storage.metastore_path", "./data/metastore.db")

	v.SetDefault("coordinator.write_mode", "synchronous")
	v.SetDefault("coordinator.flush_interval", "5ms")

	v.SetDefault("subscription.max_subscribers", 10000)
	v.SetDefault("subscription.send_checkpoint_every", 1000)

	v.SetDefault("persistent.default_message_timeout", "30s")
	v.SetDefault("persistent.default_max_retries", 10)
	v.SetDefault("persistent.default_read_batch_size", 20)
	v.SetDefault("persistent.checkpoint_after", "2s")
	v.SetDefault("persistent.min_checkpoint_count", 1)
	v.SetDefault("persistent.max_checkpoint_count", 500)

	v.SetDefault("wire.enabled", true)
	v.SetDefault("wire.network", "tcp")
	v.SetDefault("wire.address", ":2113")
	v.SetDefault("wire.max_inflight", 64)
	v.SetDefault("wire.global_queue_limit", 4096)

	v.SetDefault("ingest.kafka.worker_count", 4)
	v.SetDefault("ingest.kafka.queue_capacity", 1024)
	v.SetDefault("ingest.kafka.max_poll_records", 500)
	v.SetDefault("ingest.kafka.parse_mode", "json_envelope")

	v.SetDefault("ingest.rabbitmq.prefetch_count", 32)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	switch c.Coordinator.WriteMode {
	case "synchronous", "batched":
	default:
		return fmt.Errorf("coordinator.write_mode must be synchronous or batched, got %q", c.Coordinator.WriteMode)
	}
	if !c.Feature.AllowMultipleAdapters {
		enabled := 0
		if c.Ingest.Kafka.Enabled {
			enabled++
		}
		if c.Ingest.RabbitMQ.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
		}
	}
	return nil
}
