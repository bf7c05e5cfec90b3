// Package profile maps a profile name to its on-disk layout under
// ~/.beacon and guards it against concurrent instances.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BaseDir returns ~/.beacon.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".beacon")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// CacheDir returns the per-chat cache file directory for a profile.
func CacheDir(name string) string {
	return filepath.Join(Dir(name), "cache")
}

// LogPath returns the daemon log file path for a profile.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "logs", "beacond.log")
}

// ConfigPath returns the profile config file path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// EnsureDirs creates the profile directory tree with 0700 permissions.
func EnsureDirs(name string) error {
	dirs := []string{
		Dir(name),
		CacheDir(name),
		filepath.Join(Dir(name), "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ValidateName rejects profile names that would escape the profiles
// directory or produce awkward paths.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid profile name %q", name)
	}
	return nil
}
