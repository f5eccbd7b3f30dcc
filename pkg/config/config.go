package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sakashimaa/go-telemetry-sink/pkg/utils"
)

type Config struct {
	Env          string       `yaml:"env" env:"ENV" env-default:"local"`
	HTTP         HTTP         `yaml:"http"`
	Postgres     PG           `yaml:"postgres"`
	Redis        Redis        `yaml:"redis"`
	Kafka        Kafka        `yaml:"kafka"`
	Logger       Logger       `yaml:"logger"`
	Tracing      Tracing      `yaml:"tracing"`
	Sink         Sink         `yaml:"sink"`
	Aggregates   Aggregates   `yaml:"aggregates"`
	Outbox       Outbox       `yaml:"outbox"`
	Confirmation Confirmation `yaml:"confirmation"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":3000"`
	Timeout time.Duration `yaml:"timeout" env-default:"4s"`
	// per-device limit on settings changes
	CommandRateMax    int           `yaml:"command_rate_max" env-default:"20"`
	CommandRateWindow time.Duration `yaml:"command_rate_window" env-default:"5s"`
}

type PG struct {
	URL             string        `yaml:"url" env:"DB_URL"`
	MaxConns        int32         `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"10"`
	MinConns        int32         `yaml:"min_conns" env-default:"2"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env-default:"1h"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	CacheTTL time.Duration `yaml:"cache_ttl" env-default:"10m"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	GroupID string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"telemetry-sink-group"`
}

type Logger struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" env:"TRACING_ENABLED" env-default:"false"`
	Endpoint string `yaml:"endpoint" env:"JAEGER_ENDPOINT" env-default:"localhost:4318"`
}

type Sink struct {
	PipelinesPath    string        `yaml:"pipelines_path" env:"PIPELINES_PATH" env-default:"./config/pipelines.yaml"`
	BatchSize        int           `yaml:"batch_size" env:"SINK_BATCH_SIZE" env-default:"500"`
	Linger           time.Duration `yaml:"linger" env:"SINK_LINGER" env-default:"500ms"`
	QueueSize        int           `yaml:"queue_size" env-default:"4"`
	MaxWriteAttempts int           `yaml:"max_write_attempts" env-default:"5"`
	RetryInitial     time.Duration `yaml:"retry_initial" env-default:"200ms"`
	RetryMax         time.Duration `yaml:"retry_max" env-default:"5s"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace" env-default:"10s"`
}

type Aggregates struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" env-default:"1m"`
}

type Outbox struct {
	Workers         int               `yaml:"workers" env:"OUTBOX_WORKERS" env-default:"1"`
	BatchSize       int               `yaml:"batch_size" env-default:"50"`
	MaxRetries      int               `yaml:"max_retries" env:"OUTBOX_MAX_RETRIES" env-default:"3"`
	PollInterval    time.Duration     `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL" env-default:"5s"`
	MaxPollInterval time.Duration     `yaml:"max_poll_interval" env-default:"1m"`
	ConfirmTimeout  time.Duration     `yaml:"confirm_timeout" env-default:"60s"`
	DefaultTopic    string            `yaml:"default_topic" env:"OUTBOX_DEFAULT_TOPIC" env-default:"device_commands"`
	Topics          map[string]string `yaml:"topics"`
}

type Confirmation struct {
	Topics       []string `yaml:"topics" env:"CONFIRMATION_TOPICS" env-separator:","`
	GroupID      string   `yaml:"group_id" env-default:"outbox-confirmation-group"`
	DeviceIDPath string   `yaml:"device_id_path" env-default:"$.tags.device_id"`
}

func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exists: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	return &cfg, nil
}

func MustLoad() *Config {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	return cfg
}
