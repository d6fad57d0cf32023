package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "throttle"

// EnvConfig overrides config discovery with an explicit file.
const EnvConfig = "THROTTLE_CONFIG"

var ErrNotFound = errors.New("config not found")

var configNames = []string{"config.toml", "config.yaml", "config.yml"}

// Discover finds the config file. Priority order: $THROTTLE_CONFIG,
// $XDG_CONFIG_HOME/throttle, then each entry of $XDG_CONFIG_DIRS.
func Discover() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: $%s points to %s", ErrNotFound, EnvConfig, p)
	}

	for _, dir := range configDirs() {
		if found, ok := findInDir(filepath.Join(dir, appName)); ok {
			return found, nil
		}
	}
	return "", ErrNotFound
}

func configDirs() []string {
	var dirs []string
	if home := os.Getenv("XDG_CONFIG_HOME"); home != "" {
		dirs = append(dirs, home)
	} else if userHome, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(userHome, ".config"))
	}
	sys := os.Getenv("XDG_CONFIG_DIRS")
	if sys == "" {
		sys = "/etc/xdg"
	}
	for _, d := range strings.Split(sys, string(os.PathListSeparator)) {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func findInDir(dir string) (string, bool) {
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// RuntimeDir is $XDG_RUNTIME_DIR, or a per-user directory under the system
// temp dir when unset.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", appName, os.Getuid()))
}

// StateDir is where the daemon writes its log file.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", appName)
	}
	return filepath.Join(RuntimeDir(), "state")
}

// DefaultSocketPath is the socket used when neither flag nor config set one.
func DefaultSocketPath() string {
	return filepath.Join(RuntimeDir(), appName+".sock")
}

// Socket returns the configured socket path or the default.
func (c *Config) Socket() string {
	if c.SocketPath != "" {
		return os.ExpandEnv(c.SocketPath)
	}
	return DefaultSocketPath()
}
