package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetters(t *testing.T) {
	t.Setenv("PC_STR", "value")
	t.Setenv("PC_INT", "7")
	t.Setenv("PC_BAD_INT", "seven")
	t.Setenv("PC_FLOAT", "0.5")
	t.Setenv("PC_BOOL", "true")
	t.Setenv("PC_DUR", "90s")
	t.Setenv("PC_DUR_SECONDS", "86400")
	t.Setenv("PC_DUR_BAD", "soon")

	assert.Equal(t, "value", GetEnv("PC_STR", "x"))
	assert.Equal(t, "x", GetEnv("PC_UNSET", "x"))
	assert.Equal(t, 7, GetEnvInt("PC_INT", 1))
	assert.Equal(t, 1, GetEnvInt("PC_BAD_INT", 1))
	assert.Equal(t, 0.5, GetEnvFloat("PC_FLOAT", 0))
	assert.True(t, GetEnvBool("PC_BOOL", false))
	assert.False(t, GetEnvBool("PC_UNSET", false))
	assert.Equal(t, 90*time.Second, GetEnvDuration("PC_DUR", 0))
	assert.Equal(t, 24*time.Hour, GetEnvDuration("PC_DUR_SECONDS", 0))
	assert.Equal(t, time.Minute, GetEnvDuration("PC_DUR_BAD", time.Minute))
}

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"STREAM_TEMP_DIR", "MAX_CONCURRENT_DOWNLOADS", "MAX_STREAM_RESTARTS", "STREAM_LOOP_COUNT", "REDIS_URL"} {
		t.Setenv(key, "")
	}
	s := FromEnv()
	assert.Equal(t, "/var/tmp/streams", s.ScratchRoot)
	assert.Equal(t, 3, s.DownloadWorkers)
	assert.Equal(t, 5, s.RestartCeiling)
	assert.Equal(t, 100, s.LoopMultiplier)
	assert.Equal(t, 24*time.Hour, s.RecordTTL)
	assert.Empty(t, s.RedisURL)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("MAX_STREAM_RESTARTS=9\nSTOP_GRACE=4s\n"), 0o644))
	t.Setenv("MAX_STREAM_RESTARTS", "")
	t.Setenv("STOP_GRACE", "")
	require.NoError(t, os.Unsetenv("MAX_STREAM_RESTARTS"))
	require.NoError(t, os.Unsetenv("STOP_GRACE"))

	require.NoError(t, Load(path))
	s := FromEnv()
	assert.Equal(t, 9, s.RestartCeiling)
	assert.Equal(t, 4*time.Second, s.StopGrace)

	assert.Error(t, Load(filepath.Join(t.TempDir(), "missing.env")))
}
