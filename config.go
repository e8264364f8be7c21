package offlinecache

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileConfig is the configuration of the offline-cache binary.
// Values come from the YAML config file and can be overridden with
// OFFLINE_CACHE_* environment variables.
type FileConfig struct {
	Port    int    `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	Origin  string `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	Host    string `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	DB      string `yaml:"db" env:"OFFLINE_CACHE_DB"`
	Version string `yaml:"version" env:"OFFLINE_CACHE_VERSION"`

	Precache           []string `yaml:"precache" env:"OFFLINE_CACHE_PRECACHE" envSeparator:","`
	StaticPrefixes     []string `yaml:"staticPrefixes" env:"OFFLINE_CACHE_STATIC_PREFIXES" envSeparator:","`
	StaticExtensions   []string `yaml:"staticExtensions" env:"OFFLINE_CACHE_STATIC_EXTENSIONS" envSeparator:","`
	OfflinePath        string   `yaml:"offlinePath" env:"OFFLINE_CACHE_OFFLINE_PATH"`
	PrecacheBestEffort bool     `yaml:"precacheBestEffort" env:"OFFLINE_CACHE_PRECACHE_BEST_EFFORT"`
}

// LoadFileConfig reads the YAML config file (if filename is non-empty) and
// applies environment overrides on top.
func LoadFileConfig(filename string) (FileConfig, error) {
	var config FileConfig
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}

	if config.Port == 0 {
		config.Port = 8080
	}
	config.Origin = strings.TrimRight(config.Origin, "/")
	for i, prefix := range config.StaticPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return config, fmt.Errorf("staticPrefixes[%d]: %q does not start with /", i, prefix)
		}
	}
	for i, path := range config.Precache {
		if !strings.HasPrefix(path, "/") {
			return config, fmt.Errorf("precache[%d]: %q does not start with /", i, path)
		}
	}
	if config.OfflinePath != "" && !strings.HasPrefix(config.OfflinePath, "/") {
		return config, fmt.Errorf("offlinePath: %q does not start with /", config.OfflinePath)
	}
	return config, nil
}
