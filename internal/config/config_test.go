package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestServerDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10, cfg.Matcher.MaxDistance)
	assert.Equal(t, 10, cfg.Matcher.CellSize, "cell size follows max distance")
	assert.Equal(t, 5*time.Second, cfg.Matcher.WaitTimeout)
	assert.True(t, cfg.Matcher.MatchOnCreate)
	assert.True(t, cfg.Matcher.ExpireRequests)
	assert.Equal(t, "dispatch-events", cfg.Kafka.EventsTopic)
	assert.Empty(t, cfg.PGDSN)
}

func TestServerFileThenEnv(t *testing.T) {
	path := writeFile(t, "dispatch.yaml", `
http:
  addr: ":9000"
matcher:
  max_distance: 25
  wait_timeout: 2s
  match_on_create: false
log_level: debug
`)
	t.Setenv("DISPATCH_MATCHER__CELL_SIZE", "7")
	t.Setenv("MATCHER_MAX_DISTANCE", "30")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 30, cfg.Matcher.MaxDistance)
	assert.Equal(t, 7, cfg.Matcher.CellSize)
	assert.Equal(t, 2*time.Second, cfg.Matcher.WaitTimeout)
	assert.False(t, cfg.Matcher.MatchOnCreate)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout, "unset keys keep defaults")
}

func TestServerValidationJoinsErrors(t *testing.T) {
	t.Setenv("MATCHER_MAX_DISTANCE", "-1")
	t.Setenv("MATCHER_WAIT_TIMEOUT", "soon")
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("KAFKA_CONSUME_LOCATIONS", "true")

	_, err := LoadServerConfig("")
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "MATCHER_MAX_DISTANCE")
	assert.Contains(t, msg, "invalid MATCHER_WAIT_TIMEOUT")
	assert.Contains(t, msg, "unknown log level")
	assert.Contains(t, msg, "KAFKA_BROKERS")
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := LoadServerConfig(writeFile(t, "dispatch.toml", "x = 1"))
	require.ErrorContains(t, err, "unsupported config format")
}

func TestConsumerConfig(t *testing.T) {
	cfg, err := LoadConsumerConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, "dispatch-events", cfg.Topic)

	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_TOPIC", "events-v2")
	cfg, err = LoadConsumerConfig(writeFile(t, "consumer.yml", "metrics_addr: \":9100\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "events-v2", cfg.Topic)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}
