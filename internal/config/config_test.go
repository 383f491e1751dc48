package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FLOWRELAY_CLIENT_ID", "client-1")
	t.Setenv("FLOWRELAY_CLIENT_SECRET", "hunter2")
	t.Setenv("FLOWRELAY_AUTH_TOKEN_URL", "https://auth.example.com/token")
	t.Setenv("FLOWRELAY_GRPC_ENDPOINT", "platform.example.com:443")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.ProcessorConcurrency)
	assert.Equal(t, 128, cfg.CriterionConcurrency)
	assert.Equal(t, 256, cfg.InboundQueueDepth)
	assert.Equal(t, 1024, cfg.OutboxCapacity)
	assert.Equal(t, 30*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 15*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.ProcessorDefaultTimeout)
	assert.Equal(t, 5*time.Second, cfg.CriterionDefaultTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.ReconnectBackoffMin)
	assert.Equal(t, 30*time.Second, cfg.ReconnectBackoffMax)
	assert.Equal(t, ":9090", cfg.OpsAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FLOWRELAY_PROCESSOR_CONCURRENCY", "4")
	t.Setenv("FLOWRELAY_KEEPALIVE_INTERVAL_MILLIS", "5000")
	t.Setenv("FLOWRELAY_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ProcessorConcurrency)
	assert.Equal(t, 5*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestGRPCInsecureFlag(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.GRPCInsecure, "transport is TLS unless opted out")

	t.Setenv("FLOWRELAY_GRPC_INSECURE", "true")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.True(t, cfg.GRPCInsecure)

	t.Setenv("FLOWRELAY_GRPC_INSECURE", "sure")
	_, err = Load("")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("FLOWRELAY_CLIENT_ID", "client-1")
	// secret, token URL and endpoint absent

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsNonNumericValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FLOWRELAY_OUTBOX_CAPACITY", "lots")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsBadTokenURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FLOWRELAY_AUTH_TOKEN_URL", "not-a-url")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsInvertedBackoffRange(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FLOWRELAY_RECONNECT_BACKOFF_MIN_MILLIS", "5000")
	t.Setenv("FLOWRELAY_RECONNECT_BACKOFF_MAX_MILLIS", "100")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestYAMLOverlaidByEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FLOWRELAY_PROCESSOR_CONCURRENCY", "7")

	path := filepath.Join(t.TempDir(), "flowrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processorConcurrency: 2\nopsAddr: \":7777\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ProcessorConcurrency, "environment wins over the file")
	assert.Equal(t, ":7777", cfg.OpsAddr)
}

func TestMissingYAMLFileIsAnError(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, ErrInvalid)
}
