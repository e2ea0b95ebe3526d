// Package config resolves the mode control daemon's own operational
// configuration: where its settings files live, which bus it connects
// to, and how verbosely it logs. This is deliberately separate from
// pkg/settings, which owns the runtime key/value store spec.md §4.C
// describes; this package only answers "where does that store's data
// live, and how was this process invoked".
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// UserConfig holds the daemon's own user-configurable options, loaded
// from <ConfigDir>/config.yml and merged over GetDefaultConfig.
type UserConfig struct {
	// Bus controls which D-Bus bus the daemon connects to.
	Bus BusConfig `yaml:"bus,omitempty"`

	// Settings controls where the settings store of pkg/settings
	// resolves its default/override/user files from.
	Settings SettingsConfig `yaml:"settings,omitempty"`

	// Log controls logging verbosity and destination.
	Log LogConfig `yaml:"log,omitempty"`
}

// BusConfig selects the D-Bus bus the daemon exports its core object
// and watches the telephony service on.
type BusConfig struct {
	// Which is "system" or "session". Defaults to "system", since the
	// daemon is meant to run as a platform service.
	Which string `yaml:"which,omitempty"`
}

// SettingsConfig points at the directories pkg/settings.Store loads
// its key/value files from.
type SettingsConfig struct {
	// EtcDir is the directory holding the [0-9][0-9]*.conf override
	// files, applied in lexical order.
	EtcDir string `yaml:"etcDir,omitempty"`

	// UserFilePath is where the store persists runtime changes. Left
	// empty to default to "<ConfigDir>/<AppName>.conf".
	UserFilePath string `yaml:"userFilePath,omitempty"`
}

// LogConfig controls the logger built by pkg/log.
type LogConfig struct {
	// Level is a logrus level name ("debug", "info", "warn", ...).
	// A valid LOG_LEVEL environment variable takes precedence over it;
	// when both are empty or invalid the logger profile's own default
	// applies (debug for development, error for production).
	Level string `yaml:"level,omitempty"`
}

// GetDefaultConfig returns the daemon's default configuration. As in
// the teacher, do not default a bool to true: false is the zero value
// and would be indistinguishable from "unset" once merged with a user
// file that omits the key.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Bus: BusConfig{
			Which: "system",
		},
		Settings: SettingsConfig{
			EtcDir: "/etc/mce",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// AppConfig contains the base configuration fields required to run
// the daemon, combining build-time identity (version/commit/date),
// process-level flags (debug), and the loaded UserConfig.
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Commit      string `long:"commit" env:"COMMIT"`
	BuildDate   string `long:"build-date" env:"BUILD_DATE"`
	Name        string `long:"name" env:"NAME" default:"mced"`
	BuildSource string `long:"build-source" env:"BUILD_SOURCE" default:""`
	UserConfig  *UserConfig
	ConfigDir   string
}

// NewAppConfig makes a new app config: it resolves (and creates if
// necessary) the XDG config directory, loads config.yml over the
// defaults, and folds in the build identity and debug flag.
func NewAppConfig(name, version, commit, date, buildSource string, debuggingFlag bool) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	appConfig := &AppConfig{
		Name:        name,
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Debug:       debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource: buildSource,
		UserConfig:  userConfig,
		ConfigDir:   configDir,
	}

	return appConfig, nil
}

// EtcDir returns the resolved settings-file directory: the user
// config's explicit override if set, else the compiled-in default.
func (c *AppConfig) EtcDir() string {
	if c.UserConfig.Settings.EtcDir != "" {
		return c.UserConfig.Settings.EtcDir
	}
	return GetDefaultConfig().Settings.EtcDir
}

// UserFilePath returns the resolved path for the settings store's
// persisted user file, defaulting to "<ConfigDir>/<Name>.conf".
func (c *AppConfig) UserFilePath() string {
	if c.UserConfig.Settings.UserFilePath != "" {
		return c.UserConfig.Settings.UserFilePath
	}
	return filepath.Join(c.ConfigDir, c.Name+".conf")
}

func configDirForVendor(vendor string, projectName string) string {
	envConfigDir := os.Getenv("CONFIG_DIR")
	if envConfigDir != "" {
		return envConfigDir
	}
	configDirs := xdg.New(vendor, projectName)
	return configDirs.ConfigHome()
}

func configDir(projectName string) string {
	return configDirForVendor("", projectName)
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)

	err := os.MkdirAll(folder, 0755)
	if err != nil {
		return "", err
	}

	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	config := GetDefaultConfig()

	return loadUserConfig(configDir, &config)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// WriteToUserConfig allows callers to mutate and persist the user
// config file (e.g. an admin CLI toggling the bus kind). As in the
// teacher, a zero-value field written under omitempty vanishes on
// re-save: this is an accepted limitation of the yaml tag scheme.
func (c *AppConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return err
	}

	return yaml.NewEncoder(file).Encode(userConfig)
}

// ConfigFilename returns the filename of the current config file.
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}
