package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 2, cfg.CapacityRetries)
	assert.Equal(t, int64(1000), cfg.CapacityRetryDelayMs)
	assert.Equal(t, int64(30000), cfg.AccountWaitMs)
	assert.Equal(t, int64(60000), cfg.TokenRefreshSkewMs)
	assert.Equal(t, 5, cfg.ErrorThreshold)
	assert.Equal(t, 3, cfg.DefaultModelConcurrency)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"port":9090,"capacityRetries":4,"modelConcurrency":{"gemini-3-pro":1},"modelAliases":{"gpt-4":"gemini-3-pro"}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 4, cfg.CapacityRetries)
	assert.Equal(t, 1, cfg.MaxConcurrent("gemini-3-pro"))
	assert.Equal(t, "gemini-3-pro", cfg.ResolveModel("gpt-4"))
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{bad`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "7001")
	t.Setenv("GATEWAY_HOST", "127.0.0.1")
	t.Setenv("GATEWAY_DEBUG", "true")
	t.Setenv("GATEWAY_ADMIN_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "secret", cfg.AdminKey)
}

func TestMaxConcurrent_Fallbacks(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxConcurrent("unknown"))

	cfg.DefaultModelConcurrency = 8
	assert.Equal(t, 8, cfg.MaxConcurrent("unknown"))

	cfg.ModelConcurrency["m"] = 2
	assert.Equal(t, 2, cfg.MaxConcurrent("m"))
}

func TestResolveModel_PassthroughWithoutAlias(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "gemini-3-flash", cfg.ResolveModel("gemini-3-flash"))
}

func TestPreferredTiersFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreferredTiers["gemini-3-pro"] = []string{"standard-tier", "free-tier"}

	assert.Equal(t, []string{"standard-tier", "free-tier"}, cfg.PreferredTiersFor("gemini-3-pro"))
	assert.Nil(t, cfg.PreferredTiersFor("other"))
}
