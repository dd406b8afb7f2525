package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "opibuild"

// xdgDir resolves an opibuild directory under an XDG base directory.
// Preference order:
// 1. $<envVar>/opibuild
// 2. ~/<homeRel>/opibuild
// 3. $XDG_RUNTIME_DIR/opibuild
func xdgDir(envVar string, homeRel ...string) (string, error) {
	if base := strings.TrimSpace(os.Getenv(envVar)); base != "" {
		return filepath.Join(base, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("unable to resolve directory from %s/runtime or home", envVar)
}

func StateBaseDir() (string, error) {
	return xdgDir("XDG_STATE_HOME", ".local", "state")
}

func CacheBaseDir() (string, error) {
	return xdgDir("XDG_CACHE_HOME", ".cache")
}

// ConfigDir holds config.yaml and the .env token file.
func ConfigDir() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, appName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func HistoryDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "history.db"), nil
}

// BaseImageCacheDir caches OCI base rootfs layers by digest.
func BaseImageCacheDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "base-images"), nil
}
