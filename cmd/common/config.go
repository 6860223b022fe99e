package common

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/imdario/mergo"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"

	"github.com/outlet-sync/outlet/internal/gdrive"
)

// Config is the daemon configuration, loaded from YAML and merged with
// defaults.
type Config struct {
	CacheDir          string            `yaml:"cacheDir"`
	StagingDir        string            `yaml:"stagingDir"`
	LogLevel          string            `yaml:"log"`
	UseTrash          bool              `yaml:"useTrash"`
	ResumePendingOps  bool              `yaml:"resumePendingOps"`
	PauseOnStart      bool              `yaml:"pauseOnStart"`
	GDrivePageSize    int64             `yaml:"gdrivePageSize"`
	gdrive.AuthConfig `yaml:"auth"`
}

// DefaultConfigPath returns the default config location for outlet.
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("Could not determine configuration directory.")
	}
	return filepath.Join(confDir, "outlet/config.yml")
}

// createDefaultConfig returns a Config struct with default values.
func createDefaultConfig() Config {
	xdgCacheDir, _ := os.UserCacheDir()
	return Config{
		CacheDir:         filepath.Join(xdgCacheDir, "outlet"),
		LogLevel:         "debug",
		UseTrash:         true,
		ResumePendingOps: true,
		GDrivePageSize:   1000,
	}
}

func validateConfig(config *Config) {
	isValidLogLevel := false
	for _, level := range LogLevels() {
		if strings.ToLower(config.LogLevel) == level {
			isValidLogLevel = true
			break
		}
	}
	if !isValidLogLevel {
		log.Warn().
			Str("logLevel", config.LogLevel).
			Strs("validLevels", LogLevels()).
			Msg("Invalid log level, using default.")
		config.LogLevel = "debug"
	}

	if config.GDrivePageSize <= 0 {
		log.Warn().
			Int64("gdrivePageSize", config.GDrivePageSize).
			Msg("Drive page size must be positive, using default.")
		config.GDrivePageSize = 1000
	}

	if config.CacheDir == "" {
		log.Warn().Msg("Cache directory cannot be empty, using default.")
		xdgCacheDir, _ := os.UserCacheDir()
		config.CacheDir = filepath.Join(xdgCacheDir, "outlet")
	}
}

// LoadConfig is the primary way of loading outlet's config.
func LoadConfig(path string) *Config {
	defaults := createDefaultConfig()

	conf, err := os.ReadFile(path)
	if err != nil {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("Configuration file not found, using defaults.")
		return &defaults
	}

	config := &Config{}
	if err = yaml.Unmarshal(conf, config); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not parse configuration file, using defaults.")
		return &defaults
	}
	if err = mergo.Merge(config, defaults); err != nil {
		log.Error().
			Err(err).
			Msg("Could not merge configuration file with defaults, using defaults only.")
		return &defaults
	}
	validateConfig(config)
	return config
}

// WriteConfig saves the config to the given path.
func (c Config) WriteConfig(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}
