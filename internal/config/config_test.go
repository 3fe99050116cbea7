package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepark/tidepark/internal/config"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

func TestLoad_Defaults(t *testing.T) {
	// Point XDG dirs at an empty temp dir so no real config is picked up.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.True(t, cfg.Plugins.HotReload)
	assert.NotEmpty(t, cfg.Plugins.Dir)
	assert.Equal(t, 25, cfg.Sim.TickMS)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, []byte(`
plugins:
  dir: /opt/tidepark/plugin
  hot_reload: false
  ignore:
    - "disabled/**"
sim:
  tick_ms: 40
log:
  format: text
`))

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/opt/tidepark/plugin", cfg.Plugins.Dir)
	assert.False(t, cfg.Plugins.HotReload)
	assert.Equal(t, []string{"disabled/**"}, cfg.Plugins.Ignore)
	assert.Equal(t, 40, cfg.Sim.TickMS)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, []byte("sim:\n  tick_ms: 40\n"))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("sim.tick_ms", 25, "")
	flags.String("plugins.dir", "", "")
	require.NoError(t, flags.Parse([]string{"--sim.tick_ms=10", "--plugins.dir=/tmp/p"}))

	cfg, err := config.Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Sim.TickMS)
	assert.Equal(t, "/tmp/p", cfg.Plugins.Dir)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, []byte("plugins: ["))

	_, err := config.Load(path, nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(*config.Config) {},
		},
		{
			name:    "empty plugin dir",
			mutate:  func(c *config.Config) { c.Plugins.Dir = "" },
			wantErr: "plugins.dir",
		},
		{
			name:    "zero tick",
			mutate:  func(c *config.Config) { c.Sim.TickMS = 0 },
			wantErr: "tick_ms",
		},
		{
			name:    "bad log format",
			mutate:  func(c *config.Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
