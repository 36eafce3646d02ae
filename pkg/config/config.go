// Package config assembles runtime options from defaults, YAML run
// profiles, and environment variables, in that order of precedence
// (environment wins).
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by FromEnv.
const EnvPrefix = "ACM_"

// Checkpoint store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// Options is the full runtime configuration.
type Options struct {
	// Execution.
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryBaseMs        int64         `yaml:"retry_base_ms"`
	CheckpointInterval int           `yaml:"checkpoint_interval"`

	// Nucleus.
	MaxContextTokens     int     `yaml:"max_context_tokens"`
	MaxQueryRounds       int     `yaml:"max_query_rounds"`
	MaxPreflightAttempts int     `yaml:"max_preflight_attempts"`
	LLMProvider          string  `yaml:"llm_provider"`
	LLMModel             string  `yaml:"llm_model"`
	LLMTemperature       float64 `yaml:"llm_temperature"`
	LLMSeed              int64   `yaml:"llm_seed"`
	LLMRatePerSecond     float64 `yaml:"llm_rate_per_second"`

	// Internal context scope budgets.
	ScopeMaxArtifacts int   `yaml:"scope_max_artifacts"`
	ScopeMaxBytes     int64 `yaml:"scope_max_bytes"`

	// Checkpoint store.
	CheckpointBackend string        `yaml:"checkpoint_backend"`
	CheckpointPath    string        `yaml:"checkpoint_path"` // file root or sqlite path
	PostgresDSN       string        `yaml:"postgres_dsn"`
	S3Bucket          string        `yaml:"s3_bucket"`
	S3Prefix          string        `yaml:"s3_prefix"`
	RedisAddr         string        `yaml:"redis_addr"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`

	// Observability.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	LogLevel     string `yaml:"log_level"`
}

// Defaults returns the options the runtime uses when nothing is configured.
func Defaults() Options {
	return Options{
		TaskTimeout:          30 * time.Second,
		RetryAttempts:        1,
		RetryBaseMs:          1000,
		CheckpointInterval:   1,
		MaxContextTokens:     128_000,
		MaxQueryRounds:       25,
		MaxPreflightAttempts: 3,
		CheckpointBackend:    BackendMemory,
		LeaseTTL:             2 * time.Minute,
		LogLevel:             "info",
	}
}

// Validate rejects option combinations the runtime cannot honor.
func (o *Options) Validate() error {
	if o.TaskTimeout <= 0 {
		return fmt.Errorf("config: task_timeout must be positive")
	}
	if o.RetryAttempts < 1 {
		return fmt.Errorf("config: retry_attempts must be at least 1")
	}
	if o.CheckpointInterval < 1 {
		return fmt.Errorf("config: checkpoint_interval must be at least 1")
	}
	switch o.CheckpointBackend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if o.CheckpointPath == "" {
			return fmt.Errorf("config: %s backend needs checkpoint_path", o.CheckpointBackend)
		}
	case BackendPostgres:
		if o.PostgresDSN == "" {
			return fmt.Errorf("config: postgres backend needs postgres_dsn")
		}
	case BackendS3:
		if o.S3Bucket == "" {
			return fmt.Errorf("config: s3 backend needs s3_bucket")
		}
	default:
		return fmt.Errorf("config: unknown checkpoint backend %q", o.CheckpointBackend)
	}
	return nil
}

// LoadProfile reads a YAML run profile and merges it over the defaults.
// Unset fields keep their default values.
func LoadProfile(path string) (Options, error) {
	opts := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: read profile: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return opts, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return opts, opts.Validate()
}

// FromEnv overlays ACM_* environment variables onto opts. Unset variables
// leave the field unchanged.
func FromEnv(opts Options) (Options, error) {
	var err error
	set := func(name string, apply func(string) error) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if e := apply(v); e != nil {
				err = fmt.Errorf("config: %s%s: %w", EnvPrefix, name, e)
			}
		}
	}

	set("TASK_TIMEOUT", func(v string) error { return parseDuration(v, &opts.TaskTimeout) })
	set("RETRY_ATTEMPTS", func(v string) error { return parseInt(v, &opts.RetryAttempts) })
	set("RETRY_BASE_MS", func(v string) error { return parseInt64(v, &opts.RetryBaseMs) })
	set("CHECKPOINT_INTERVAL", func(v string) error { return parseInt(v, &opts.CheckpointInterval) })
	set("MAX_CONTEXT_TOKENS", func(v string) error { return parseInt(v, &opts.MaxContextTokens) })
	set("MAX_QUERY_ROUNDS", func(v string) error { return parseInt(v, &opts.MaxQueryRounds) })
	set("MAX_PREFLIGHT_ATTEMPTS", func(v string) error { return parseInt(v, &opts.MaxPreflightAttempts) })
	set("LLM_PROVIDER", func(v string) error { opts.LLMProvider = v; return nil })
	set("LLM_MODEL", func(v string) error { opts.LLMModel = v; return nil })
	set("LLM_TEMPERATURE", func(v string) error { return parseFloat(v, &opts.LLMTemperature) })
	set("LLM_SEED", func(v string) error { return parseInt64(v, &opts.LLMSeed) })
	set("LLM_RATE_PER_SECOND", func(v string) error { return parseFloat(v, &opts.LLMRatePerSecond) })
	set("SCOPE_MAX_ARTIFACTS", func(v string) error { return parseInt(v, &opts.ScopeMaxArtifacts) })
	set("SCOPE_MAX_BYTES", func(v string) error { return parseInt64(v, &opts.ScopeMaxBytes) })
	set("CHECKPOINT_BACKEND", func(v string) error { opts.CheckpointBackend = v; return nil })
	set("CHECKPOINT_PATH", func(v string) error { opts.CheckpointPath = v; return nil })
	set("POSTGRES_DSN", func(v string) error { opts.PostgresDSN = v; return nil })
	set("S3_BUCKET", func(v string) error { opts.S3Bucket = v; return nil })
	set("S3_PREFIX", func(v string) error { opts.S3Prefix = v; return nil })
	set("REDIS_ADDR", func(v string) error { opts.RedisAddr = v; return nil })
	set("LEASE_TTL", func(v string) error { return parseDuration(v, &opts.LeaseTTL) })
	set("OTLP_ENDPOINT", func(v string) error { opts.OTLPEndpoint = v; return nil })
	set("OTLP_INSECURE", func(v string) error { return parseBool(v, &opts.OTLPInsecure) })
	set("LOG_LEVEL", func(v string) error { opts.LogLevel = v; return nil })
	if err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

// Load builds the effective configuration: defaults, then the optional
// profile, then the environment.
func Load(profilePath string) (Options, error) {
	opts := Defaults()
	if profilePath != "" {
		var err error
		if opts, err = LoadProfile(profilePath); err != nil {
			return opts, err
		}
	}
	return FromEnv(opts)
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseInt64(v string, dst *int64) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
