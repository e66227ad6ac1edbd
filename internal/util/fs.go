package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// AppName names the XDG subdirectories.
const AppName = "gradtracer"

func HomeDir() string {
	h, _ := os.UserHomeDir()
	if h == "" {
		h = "."
	}
	return h
}

// DataDir returns the XDG-compliant data directory for gradtracer
func DataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// ConfigDir returns the XDG-compliant config directory for gradtracer
func ConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// StorePath is the default location of the durable respondent store
func StorePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "store.json"), nil
}

// AuditLogPath is the default location of the audit trail
func AuditLogPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.log"), nil
}

// xdgDir resolves $env/gradtracer, falling back to ~/<fallback...>/gradtracer,
// and creates it with owner-only permissions.
func xdgDir(env string, fallback ...string) (string, error) {
	var dir string
	if base := os.Getenv(env); base != "" {
		dir = filepath.Join(base, AppName)
	} else {
		parts := append([]string{HomeDir()}, fallback...)
		dir = filepath.Join(append(parts, AppName)...)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
