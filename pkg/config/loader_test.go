package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

type shipperTestConfig struct {
	IngestURL string        `env:"INGEST_URL" yaml:"ingest_url" json:"ingest_url" required:"true"`
	Dataset   string        `env:"DATASET" envDefault:"edge-logs" yaml:"dataset" json:"dataset"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"100" yaml:"batch_size" json:"batch_size"`
	Interval  time.Duration `env:"INTERVAL" envDefault:"1s" yaml:"interval" json:"interval"`
	Debug     bool          `env:"DEBUG" envDefault:"false" yaml:"debug" json:"debug"`
	Tags      []string      `env:"TAGS" yaml:"tags" json:"tags"`
}

type nestedTestConfig struct {
	Service string `env:"SERVICE" envDefault:"edgectl" yaml:"service"`
	Redis   struct {
		Host string `env:"HOST" envDefault:"localhost" yaml:"host"`
		Port int    `env:"PORT" envDefault:"6379" yaml:"port"`
	} `env:"REDIS" yaml:"redis"`
}

type validatedTestConfig struct {
	Port int `env:"PORT" envDefault:"8080"`
}

func (c *validatedTestConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ekerr.Newf(ekerr.CodeValidation, "config: port %d out of range", c.Port)
	}
	return nil
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INGEST_URL", "https://ingest.example.com/v1")

	var cfg shipperTestConfig
	require.NoError(t, New().Load(&cfg))

	assert.Equal(t, "edge-logs", cfg.Dataset)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.Interval)
	assert.False(t, cfg.Debug)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("INGEST_URL", "https://ingest.example.com/v1")
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("INTERVAL", "5s")
	t.Setenv("DEBUG", "true")
	t.Setenv("TAGS", "edge, prod ,eu-west")

	var cfg shipperTestConfig
	require.NoError(t, New().Load(&cfg))

	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"edge", "prod", "eu-west"}, cfg.Tags)
}

func TestLoadEnvPrefix(t *testing.T) {
	t.Setenv("LOGSHIP_INGEST_URL", "https://prefixed.example.com")

	var cfg shipperTestConfig
	require.NoError(t, New().WithEnvPrefix("logship").Load(&cfg))
	assert.Equal(t, "https://prefixed.example.com", cfg.IngestURL)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"ingest_url: https://file.example.com\nbatch_size: 42\n"), 0o600))

	var cfg shipperTestConfig
	require.NoError(t, New().WithFile(path).Load(&cfg))

	assert.Equal(t, "https://file.example.com", cfg.IngestURL)
	assert.Equal(t, 42, cfg.BatchSize)
	// Defaults still fill fields the file omits.
	assert.Equal(t, "edge-logs", cfg.Dataset)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"ingest_url: https://file.example.com\n"), 0o600))
	t.Setenv("INGEST_URL", "https://env.example.com")

	var cfg shipperTestConfig
	require.NoError(t, New().WithFile(path).Load(&cfg))
	assert.Equal(t, "https://env.example.com", cfg.IngestURL)
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	t.Setenv("INGEST_URL", "https://ingest.example.com")

	var cfg shipperTestConfig
	assert.NoError(t, New().WithFile("/nonexistent/config.yaml").Load(&cfg))
}

func TestLoadRejectsTraversalPath(t *testing.T) {
	var cfg shipperTestConfig
	err := New().WithFile("../secrets/config.yaml").Load(&cfg)
	require.Error(t, err)
	assert.True(t, ekerr.HasCode(err, ekerr.CodeInternalConfiguration))
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))

	var cfg shipperTestConfig
	err := New().WithFile(path).Load(&cfg)
	require.Error(t, err)
	assert.True(t, ekerr.HasCode(err, ekerr.CodeInternalConfiguration))
}

func TestLoadRequiredFieldMissing(t *testing.T) {
	var cfg shipperTestConfig
	err := New().Load(&cfg)
	require.Error(t, err)
	assert.True(t, ekerr.HasCode(err, ekerr.CodeValidationRequired))
	assert.Contains(t, err.Error(), "IngestURL")
}

func TestLoadNestedEnvPrefixes(t *testing.T) {
	t.Setenv("EDGE_REDIS_HOST", "redis.internal")
	t.Setenv("EDGE_REDIS_PORT", "6380")

	var cfg nestedTestConfig
	require.NoError(t, New().WithEnvPrefix("EDGE").Load(&cfg))

	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "edgectl", cfg.Service)
}

func TestLoadCustomValidator(t *testing.T) {
	t.Setenv("PORT", "99999")

	var cfg validatedTestConfig
	err := New().Load(&cfg)
	require.Error(t, err)
	assert.True(t, ekerr.HasCode(err, ekerr.CodeValidation))
}

func TestLoadRejectsNonPointer(t *testing.T) {
	err := New().Load(shipperTestConfig{})
	require.Error(t, err)
	assert.True(t, ekerr.HasCode(err, ekerr.CodeInternalConfiguration))
}

func TestLoadBadEnvValue(t *testing.T) {
	t.Setenv("INGEST_URL", "https://ingest.example.com")
	t.Setenv("BATCH_SIZE", "not-a-number")

	var cfg shipperTestConfig
	err := New().Load(&cfg)
	require.Error(t, err)
	assert.True(t, ekerr.HasCode(err, ekerr.CodeInternalConfiguration))
}

func TestMustLoadPanicsOnFailure(t *testing.T) {
	assert.Panics(t, func() {
		_ = MustLoad[shipperTestConfig](New())
	})
}

func TestMustLoadReturnsValue(t *testing.T) {
	t.Setenv("INGEST_URL", "https://ingest.example.com")
	cfg := MustLoad[shipperTestConfig](New())
	assert.Equal(t, "https://ingest.example.com", cfg.IngestURL)
}
