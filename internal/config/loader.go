package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from a file. The decoder is picked by extension:
// .yaml/.yml use YAML, everything else TOML. Keys absent from the file keep
// their default values.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, absPath)
		}
		return nil, fmt.Errorf("stat config %s: %w", absPath, err)
	}
	if info.IsDir() {
		found, ok := findInDir(absPath)
		if !ok {
			return nil, fmt.Errorf("%w: no config.toml or config.yaml in %s", ErrNotFound, absPath)
		}
		absPath = found
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", absPath, err)
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", absPath, err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", absPath, err)
		}
	}
	cfg.SourcePath = absPath

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration (%s): %w", absPath, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, or the discovered config when configPath
// is empty. A missing file yields the defaults.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		discovered, err := Discover()
		if errors.Is(err, ErrNotFound) {
			return Defaults(), nil
		}
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}

	cfg, err := Load(configPath)
	if errors.Is(err, ErrNotFound) {
		return Defaults(), nil
	}
	return cfg, err
}
