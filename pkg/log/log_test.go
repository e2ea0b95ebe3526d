package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christophe-duc/mce/pkg/config"
)

func newTestAppConfig(t *testing.T, debug bool) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)
	appConfig, err := config.NewAppConfig("mced", "1.0", "abc", "today", "test", debug)
	require.NoError(t, err)
	return appConfig
}

func TestNewLoggerCarriesBuildFields(t *testing.T) {
	appConfig := newTestAppConfig(t, false)
	entry := NewLogger(appConfig)

	assert.Equal(t, false, entry.Data["debug"])
	assert.Equal(t, "1.0", entry.Data["version"])
	assert.Equal(t, "abc", entry.Data["commit"])
	assert.Equal(t, "today", entry.Data["buildDate"])
}

func TestNewLoggerDevelopmentWritesToFile(t *testing.T) {
	appConfig := newTestAppConfig(t, true)
	entry := NewLogger(appConfig)
	entry.Info("hello")

	content, err := os.ReadFile(filepath.Join(appConfig.ConfigDir, "development.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello")
}

func TestGetLogLevelPrefersEnvOverUserConfig(t *testing.T) {
	appConfig := newTestAppConfig(t, false)
	appConfig.UserConfig.Log.Level = "warn"
	t.Setenv("LOG_LEVEL", "error")

	assert.Equal(t, logrus.ErrorLevel, getLogLevel(appConfig, logrus.InfoLevel))
}

func TestGetLogLevelFallsBackToUserConfigThenDefault(t *testing.T) {
	appConfig := newTestAppConfig(t, false)
	appConfig.UserConfig.Log.Level = "warn"
	assert.Equal(t, logrus.WarnLevel, getLogLevel(appConfig, logrus.InfoLevel))

	appConfig.UserConfig.Log.Level = ""
	assert.Equal(t, logrus.InfoLevel, getLogLevel(appConfig, logrus.InfoLevel))
}
