package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.EqualError(t, err, `TEST_INT_BAD="abc" is not a valid integer`)
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	v, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-9)

	t.Setenv("TEST_FLOAT_BAD", "quarter")
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	require.EqualError(t, err, `TEST_FLOAT_BAD="quarter" is not a valid number`)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	require.EqualError(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	require.EqualError(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 300*time.Second, cfg.Timeout)
	assert.Equal(t, 8000, cfg.MaxTokens)
	assert.Equal(t, 60, cfg.RebalanceBatchSize)
	assert.InDelta(t, 1.0/3.0, cfg.RebalanceLowerRatio, 1e-9)
	assert.Equal(t, "rarity", cfg.ServiceName)
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("RARITY_BATCH_SIZE", "abc")
	t.Setenv("RARITY_TIMEOUT", "xyz")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `RARITY_BATCH_SIZE="abc"`)
	assert.Contains(t, err.Error(), `RARITY_TIMEOUT="xyz"`)
}

func TestLoadRejectsOutOfRangeValues(t *testing.T) {
	t.Setenv("RARITY_REBALANCE_LOWER_RATIO", "1")
	t.Setenv("RARITY_LOG_LEVEL", "loud")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RARITY_REBALANCE_LOWER_RATIO must be in (0,1)")
	assert.Contains(t, err.Error(), `RARITY_LOG_LEVEL="loud"`)
}

func TestValidateClampsRetries(t *testing.T) {
	t.Setenv("RARITY_MAX_RETRIES", "-2")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxRetries)
}

func TestWordStoreSelection(t *testing.T) {
	t.Setenv("SUPABASE_DB_URL", "jdbc:postgresql://db.example:5432/postgres")
	t.Setenv("SUPABASE_DB_USER", "reader")
	t.Setenv("RARITY_SQLITE_PATH", "")
	cfg, err := Load()
	require.NoError(t, err)

	ws := cfg.WordStore()
	assert.Equal(t, "jdbc:postgresql://db.example:5432/postgres", ws.SupabaseURL)
	assert.Equal(t, "reader", ws.SupabaseUser)
	assert.Empty(t, ws.SQLitePath)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Config{LogLevel: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "warning"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Config{}.SlogLevel())
}
