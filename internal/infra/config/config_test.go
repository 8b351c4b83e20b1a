package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 24*time.Hour, cfg.ReplyWindow)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}, cfg.RetryBackoff)
	assert.Equal(t, 4, cfg.PublishWorkers)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.ScyllaHosts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TRANSPORT", "Kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RETRY_BACKOFF", "100ms, 2s")
	t.Setenv("REPLY_WINDOW", "12h")
	t.Setenv("PUBLISH_WORKERS", "8")
	t.Setenv("S3_USE_SSL", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportKafka, cfg.Transport)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 2 * time.Second}, cfg.RetryBackoff)
	assert.Equal(t, 12*time.Hour, cfg.ReplyWindow)
	assert.Equal(t, 8, cfg.PublishWorkers)
	assert.True(t, cfg.S3UseSSL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"backoff":        {"RETRY_BACKOFF": "1s,soon"},
		"duration":       {"REPLY_WINDOW": "tomorrow"},
		"workers":        {"PUBLISH_WORKERS": "4x"},
		"bool":           {"S3_USE_SSL": "maybe"},
		"transport":      {"TRANSPORT": "pigeon"},
		"kafka brokers":  {"TRANSPORT": "kafka"},
		"storage":        {"STORAGE": "tape"},
		"secret in prod": {"APP_ENV": "prod"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("APP_ENV", "dev")
			t.Setenv("KAFKA_BROKERS", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
