package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the CLI configuration file (~/.config/offload/config.yaml).
// Fields are pointers so "not set" differs from zero.
type File struct {
	Backend   *string `yaml:"backend"`
	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`

	CacheFile     *string `yaml:"cache_file"`
	CacheCompress *bool   `yaml:"cache_compress"`

	Devices       *int    `yaml:"sim_devices"`
	ServerAddress *string `yaml:"server_address"`
}

// FilePath is the default location of the configuration file, empty when
// the user config directory cannot be determined.
func FilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "offload", "config.yaml")
}

// LoadFile reads a configuration file. A missing file yields a zero File.
func LoadFile(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, nil
	}
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}
