package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	cfg, err := loadFrom(filepath.Join(t.TempDir(), "nope", "config.toml"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Verbose)
	assert.Nil(t, cfg.Defaults.RsyncPath)
}

func TestLoadParsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"[defaults]\nverbose = 2\nrsync_path = \"/opt/rsync\"\nbwlimit = \"1M\"\n",
	), 0o644))

	cfg, err := loadFrom(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Defaults.Verbose)
	assert.Equal(t, 2, *cfg.Defaults.Verbose)
	require.NotNil(t, cfg.Defaults.RsyncPath)
	assert.Equal(t, "/opt/rsync", *cfg.Defaults.RsyncPath)
	require.NotNil(t, cfg.Defaults.BWLimit)
	assert.Equal(t, "1M", *cfg.Defaults.BWLimit)
}

func TestPathUsesXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/orsync/config.toml", Path())
}
