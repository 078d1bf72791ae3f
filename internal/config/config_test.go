package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Load(filepath.Join(t.TempDir(), "does-not-exist.toml"), cfg))
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syscared.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/var/lib/syscare"
log_level = "debug"
accepted_only_restore = true
`), 0o644))

	cfg := Default()
	require.NoError(t, Load(path, cfg))

	assert.Equal(t, "/var/lib/syscare", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.AcceptedOnlyRestore)
	assert.Equal(t, DefaultInjectorLibrary, cfg.InjectorLibrary)
}

func TestDumpLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	cfg.DriverTimeout = 45 * time.Second

	raw, err := Dump(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "syscared.toml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	restored := &Config{}
	require.NoError(t, Load(path, restored))
	assert.Equal(t, cfg, restored)
}
