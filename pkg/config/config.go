package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".retrace"
	configFile string = "config.yml"
)

// Config defines the helper's presentation options, read from the config
// file. The crash-capture behavior itself comes from Settings, never from
// here; a corrupt config file must not be able to affect capture.
type Config struct {
	// Command aliases for the inspector.
	Aliases map[string][]string `yaml:"aliases"`
	// Theme selects the report theme ("plain" or "color").
	Theme string `yaml:"theme"`
	// MemoryBytesPerLine is the width of inspector memory dumps.
	MemoryBytesPerLine int `yaml:"memory-bytes-per-line"`
}

// LoadConfig attempts to populate a Config object from the config.yml
// file. Any failure leaves the defaults in place.
func LoadConfig() *Config {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}
	}
	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		return &Config{}
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Fprintf(os.Stderr, "unable to decode %s: %v\n", fullConfigFile, err)
		return &Config{}
	}
	return &c
}

// SaveConfig marshals and saves the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(fullConfigFile), 0700); err != nil {
		return err
	}
	return os.WriteFile(fullConfigFile, out, 0644)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
