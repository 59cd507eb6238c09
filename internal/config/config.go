// Package config loads the optional YAML configuration file for
// asymmetricfs. Every field it carries has a corresponding CLI flag;
// a flag set explicitly on the command line always wins over the
// value the config file supplies.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the CLI flags accepted by cmd/asymmetricfs.
type Config struct {
	Backing    string   `yaml:"backing"`
	Mountpoint string   `yaml:"mountpoint"`
	Recipients []string `yaml:"recipients"`
	SecretKey  string   `yaml:"secret_key"`
	GPGBinary  string   `yaml:"gpg_binary"`
	GNUPGHome  string   `yaml:"gnupg_home"`
	AllowOther bool     `yaml:"allow_other"`
}

// Default returns the zero-value configuration with only the fields
// that have a sensible hardcoded default populated. Backing,
// Mountpoint, and Recipients have no default — they are required,
// either from the config file or from flags.
func Default() *Config {
	return &Config{
		GPGBinary: "gpg",
	}
}

// LoadFile parses a YAML configuration file. A config file is always
// optional at the call site — LoadFile is only invoked when --config
// names a path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the merged configuration (flags layered over
// an optional config file) is complete enough to mount.
func (c *Config) Validate() error {
	if c.Backing == "" {
		return fmt.Errorf("backing directory is required (--backing or config's backing)")
	}
	if c.Mountpoint == "" {
		return fmt.Errorf("mountpoint is required (--mountpoint or config's mountpoint)")
	}
	if len(c.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required (--recipient or config's recipients)")
	}

	info, err := os.Stat(c.Backing)
	if err != nil {
		return fmt.Errorf("backing directory %s: %w", c.Backing, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backing path %s is not a directory", c.Backing)
	}

	if c.GPGBinary == "" {
		return fmt.Errorf("gpg binary must not be empty")
	}

	return nil
}
