package log

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/config"
)

// NewLogger returns a new logger for the daemon, writing structured
// JSON fields carrying build identity alongside every entry.
func NewLogger(appConfig *config.AppConfig) *logrus.Entry {
	var log *logrus.Logger
	if appConfig.Debug || os.Getenv("DEBUG") == "TRUE" {
		log = newDevelopmentLogger(appConfig)
	} else {
		log = newProductionLogger(appConfig)
	}

	// highly recommended: tail -f development.log | humanlog
	// https://github.com/aybabtme/humanlog
	log.Formatter = &logrus.JSONFormatter{}

	return log.WithFields(logrus.Fields{
		"debug":     appConfig.Debug,
		"version":   appConfig.Version,
		"commit":    appConfig.Commit,
		"buildDate": appConfig.BuildDate,
	})
}

// getLogLevel resolves the level in priority order: LOG_LEVEL env var,
// then the daemon's own config.yml "log.level" setting, falling back
// to defaultLevel if neither parses.
func getLogLevel(appConfig *config.AppConfig, defaultLevel logrus.Level) logrus.Level {
	if strLevel := os.Getenv("LOG_LEVEL"); strLevel != "" {
		if level, err := logrus.ParseLevel(strLevel); err == nil {
			return level
		}
	}
	if appConfig.UserConfig != nil && appConfig.UserConfig.Log.Level != "" {
		if level, err := logrus.ParseLevel(appConfig.UserConfig.Log.Level); err == nil {
			return level
		}
	}
	return defaultLevel
}

func newDevelopmentLogger(appConfig *config.AppConfig) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(getLogLevel(appConfig, logrus.DebugLevel))
	file, err := os.OpenFile(filepath.Join(appConfig.ConfigDir, "development.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	log.SetOutput(file)
	return log
}

// newProductionLogger writes to stdout rather than discarding output:
// unlike the TUI this daemon has no terminal to keep clear of log
// noise, and a headless service is normally run under something like
// systemd that captures stdout into the journal.
func newProductionLogger(appConfig *config.AppConfig) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stdout
	log.SetLevel(getLogLevel(appConfig, logrus.ErrorLevel))
	return log
}
