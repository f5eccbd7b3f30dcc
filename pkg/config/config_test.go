package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "env: test\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "test", cfg.Env)
	require.Equal(t, 500, cfg.Sink.BatchSize)
	require.Equal(t, 500*time.Millisecond, cfg.Sink.Linger)
	require.Equal(t, 3, cfg.Outbox.MaxRetries)
	require.Equal(t, 5*time.Second, cfg.Outbox.PollInterval)
	require.Equal(t, time.Minute, cfg.Outbox.MaxPollInterval)
	require.Equal(t, "$.tags.device_id", cfg.Confirmation.DeviceIDPath)
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_YamlValues(t *testing.T) {
	path := writeConfig(t, `
env: prod
sink:
  batch_size: 100
  linger: 2s
outbox:
  max_retries: 5
  topics:
    heatpump_setting: thermiq_heatpump_write
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 100, cfg.Sink.BatchSize)
	require.Equal(t, 2*time.Second, cfg.Sink.Linger)
	require.Equal(t, 5, cfg.Outbox.MaxRetries)
	require.Equal(t, "thermiq_heatpump_write", cfg.Outbox.Topics["heatpump_setting"])
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, LoggerConfig{Level: "info", Env: "prod"}, cfg.LoggerConfig())
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "sink:\n  batch_size: 100\n")
	t.Setenv("SINK_BATCH_SIZE", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 42, cfg.Sink.BatchSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "loud", Env: "dev"})
	require.Error(t, err)

	logger, err := NewLogger(LoggerConfig{Env: "prod"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}
