// Package paths resolves where tablesync keeps its configuration and its
// cache data. Every resolver follows the same precedence: an explicit flag,
// then configuration, then the environment, then a default.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "tablesync"

// DefaultDataDirName is the CWD-relative cache directory used when nothing
// else is configured.
const DefaultDataDirName = ".tablesync-db"

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "TABLESYNC_CONFIG_DIR"
	EnvDataDir   = "TABLESYNC_DATA_DIR"
)

// platformDir holds platform-detection functions that can be overridden in tests.
var platformDir = struct {
	goos          string
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	goos:          runtime.GOOS,
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns the platform configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/tablesync (fallback ~/.config/tablesync)
// macOS:   ~/Library/Application Support/tablesync
// Windows: %APPDATA%/tablesync
func DefaultConfigDir() (string, error) {
	return platformBase("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory.
//
// Linux:   $XDG_DATA_HOME/tablesync (fallback ~/.local/share/tablesync)
// Others:  same as DefaultConfigDir
func DefaultDataDir() (string, error) {
	return platformBase("XDG_DATA_HOME", ".local", "share")
}

func platformBase(xdgVar string, homeRel ...string) (string, error) {
	if platformDir.goos != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, appName), nil
	}
	if xdg := os.Getenv(xdgVar); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	parts := append([]string{home}, homeRel...)
	return filepath.Join(append(parts, appName)...), nil
}

// firstSet returns the absolute form of the first non-empty candidate.
func firstSet(candidates ...string) (string, bool, error) {
	for _, c := range candidates {
		if c != "" {
			abs, err := filepath.Abs(c)
			return abs, true, err
		}
	}
	return "", false, nil
}

// ResolveConfigDir returns the configuration directory:
// flag > TABLESYNC_CONFIG_DIR > DefaultConfigDir().
func ResolveConfigDir(flag string) (string, error) {
	if dir, ok, err := firstSet(flag, os.Getenv(EnvConfigDir)); ok {
		return dir, err
	}
	return DefaultConfigDir()
}

// ResolveDataDir returns the cache data directory:
// flag > data_dir in config.yaml > TABLESYNC_DATA_DIR > $(CWD)/.tablesync-db.
func ResolveDataDir(flag, configValue string) (string, error) {
	if dir, ok, err := firstSet(flag, configValue, os.Getenv(EnvDataDir)); ok {
		return dir, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultDataDirName), nil
}
