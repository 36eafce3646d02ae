package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	opts := Defaults()
	require.NoError(t, opts.Validate())
	assert.Equal(t, 30*time.Second, opts.TaskTimeout)
	assert.Equal(t, 25, opts.MaxQueryRounds)
	assert.Equal(t, BackendMemory, opts.CheckpointBackend)
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
task_timeout: 10s
max_query_rounds: 5
checkpoint_backend: sqlite
checkpoint_path: /var/lib/acm/checkpoints.db
llm_model: gpt-4.1
llm_temperature: 0.2
`), 0o600))

	opts, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, opts.TaskTimeout)
	assert.Equal(t, 5, opts.MaxQueryRounds)
	assert.Equal(t, BackendSQLite, opts.CheckpointBackend)
	assert.Equal(t, "gpt-4.1", opts.LLMModel)
	assert.Equal(t, 0.2, opts.LLMTemperature)
	// Untouched fields keep defaults.
	assert.Equal(t, 3, opts.MaxPreflightAttempts)
}

func TestLoadProfile_UnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_option: 1\n"), 0o600))
	_, err := LoadProfile(path)
	assert.Error(t, err)
}

func TestLoadProfile_MissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ACM_TASK_TIMEOUT", "45s")
	t.Setenv("ACM_RETRY_ATTEMPTS", "4")
	t.Setenv("ACM_CHECKPOINT_BACKEND", "file")
	t.Setenv("ACM_CHECKPOINT_PATH", "/tmp/acm")
	t.Setenv("ACM_OTLP_INSECURE", "true")
	t.Setenv("ACM_LLM_RATE_PER_SECOND", "2.5")

	opts, err := FromEnv(Defaults())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, opts.TaskTimeout)
	assert.Equal(t, 4, opts.RetryAttempts)
	assert.Equal(t, BackendFile, opts.CheckpointBackend)
	assert.Equal(t, "/tmp/acm", opts.CheckpointPath)
	assert.True(t, opts.OTLPInsecure)
	assert.Equal(t, 2.5, opts.LLMRatePerSecond)
}

func TestFromEnv_BadValue(t *testing.T) {
	t.Setenv("ACM_RETRY_ATTEMPTS", "many")
	_, err := FromEnv(Defaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACM_RETRY_ATTEMPTS")
}

func TestValidate(t *testing.T) {
	opts := Defaults()
	opts.CheckpointBackend = "carrier-pigeon"
	assert.Error(t, opts.Validate())

	opts = Defaults()
	opts.CheckpointBackend = BackendPostgres
	assert.Error(t, opts.Validate(), "postgres needs a DSN")
	opts.PostgresDSN = "postgres://localhost/acm"
	assert.NoError(t, opts.Validate())

	opts = Defaults()
	opts.CheckpointBackend = BackendS3
	assert.Error(t, opts.Validate())
	opts.S3Bucket = "acm-checkpoints"
	assert.NoError(t, opts.Validate())

	opts = Defaults()
	opts.RetryAttempts = 0
	assert.Error(t, opts.Validate())
}

func TestLoad_EnvWinsOverProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_query_rounds: 5\n"), 0o600))
	t.Setenv("ACM_MAX_QUERY_ROUNDS", "7")

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, opts.MaxQueryRounds)
}
