package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t, "system", cfg.Bus.Which)
	assert.Equal(t, "/etc/mce", cfg.Settings.EtcDir)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestNewAppConfigCreatesConfigFileWithDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)

	appConfig, err := NewAppConfig("mced", "1.2.3", "abc123", "2026-01-01", "test", false)
	require.NoError(t, err)

	assert.Equal(t, dir, appConfig.ConfigDir)
	assert.Equal(t, "system", appConfig.UserConfig.Bus.Which)
	assert.FileExists(t, filepath.Join(dir, "config.yml"))
}

func TestNewAppConfigHonorsDebugFlagAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)

	appConfig, err := NewAppConfig("mced", "1.0", "", "", "", true)
	require.NoError(t, err)
	assert.True(t, appConfig.Debug)

	t.Setenv("DEBUG", "TRUE")
	appConfig2, err := NewAppConfig("mced", "1.0", "", "", "", false)
	require.NoError(t, err)
	assert.True(t, appConfig2.Debug)
}

func TestEtcDirDefaultsWhenUserConfigOmitsIt(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)

	appConfig, err := NewAppConfig("mced", "1.0", "", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, "/etc/mce", appConfig.EtcDir())
}

func TestEtcDirHonorsUserOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)

	appConfig, err := NewAppConfig("mced", "1.0", "", "", "", false)
	require.NoError(t, err)
	appConfig.UserConfig.Settings.EtcDir = "/custom/etc"
	assert.Equal(t, "/custom/etc", appConfig.EtcDir())
}

func TestUserFilePathDefaultsUnderConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)

	appConfig, err := NewAppConfig("mced", "1.0", "", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mced.conf"), appConfig.UserFilePath())
}

func TestWriteToUserConfigPersistsChanges(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)

	appConfig, err := NewAppConfig("mced", "1.0", "", "", "", false)
	require.NoError(t, err)

	err = appConfig.WriteToUserConfig(func(c *UserConfig) error {
		c.Bus.Which = "session"
		return nil
	})
	require.NoError(t, err)

	content, err := os.ReadFile(appConfig.ConfigFilename())
	require.NoError(t, err)
	assert.Contains(t, string(content), "session")
}
