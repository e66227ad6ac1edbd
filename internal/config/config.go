// Package config layers gradtracer settings: defaults, then a YAML or
// JSON file in the XDG config directory, then GT_* environment variables.
// Command-line flags are applied by the caller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/zach-source/gradtracer/internal/access"
	"github.com/zach-source/gradtracer/internal/client"
	"github.com/zach-source/gradtracer/internal/logging"
	"github.com/zach-source/gradtracer/internal/session"
	"github.com/zach-source/gradtracer/internal/util"
)

// Storage backends
const (
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// FileNames are tried in order inside the config directory.
var FileNames = []string{"config.yaml", "config.yml", "config.json"}

// Duration reads "5m" style strings from YAML and JSON.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalJSON(b []byte) error {
	if s, err := strconv.Unquote(string(b)); err == nil {
		return d.parse(s)
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type RedisConfig struct {
	Addr     string   `json:"addr" yaml:"addr"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int      `json:"db" yaml:"db"`
	Prefix   string   `json:"prefix" yaml:"prefix"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
}

// Config holds every gradtracer setting
type Config struct {
	APIURL             string         `json:"api_url" yaml:"api_url"`
	InactivityWarning  Duration       `json:"inactivity_warning" yaml:"inactivity_warning"`
	AutoSignOut        Duration       `json:"auto_signout" yaml:"auto_signout"`
	WelcomeBackAfter   Duration       `json:"welcome_back_after" yaml:"welcome_back_after"`
	VerifyStaleAfter   Duration       `json:"verify_stale_after" yaml:"verify_stale_after"`
	NotFoundDelay      Duration       `json:"not_found_delay" yaml:"not_found_delay"`
	Storage            string         `json:"storage" yaml:"storage"`
	StorePath          string         `json:"store_path,omitempty" yaml:"store_path,omitempty"`
	GuestDiscriminator string         `json:"guest_discriminator,omitempty" yaml:"guest_discriminator,omitempty"`
	Redis              RedisConfig    `json:"redis" yaml:"redis"`
	Log                logging.Config `json:"log" yaml:"log"`
	AuditLog           string         `json:"audit_log,omitempty" yaml:"audit_log,omitempty"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		APIURL:            "http://127.0.0.1:8787",
		InactivityWarning: Duration(session.DefaultWarningTimeout),
		AutoSignOut:       Duration(session.DefaultAutoSignOutTimeout),
		WelcomeBackAfter:  Duration(session.DefaultWelcomeBackAfter),
		VerifyStaleAfter:  Duration(client.DefaultVerifyStaleAfter),
		NotFoundDelay:     Duration(access.DefaultNotFoundDelay),
		Storage:           StorageFile,
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "gradtracer:",
		},
		Log: logging.Config{Level: "info", MaxSizeMB: 10, MaxDays: 30, MaxBackups: 3},
	}
}

// Load applies the config file found in the XDG config directory and the
// environment over the defaults. It returns the file used, if any.
func Load() (*Config, string, error) {
	cfg := Default()

	dir, err := util.ConfigDir()
	if err != nil {
		return nil, "", err
	}
	path, found := util.FindFirst(util.Map(FileNames, func(name string) string {
		return filepath.Join(dir, name)
	}), fileExists)
	if found {
		if err := cfg.LoadFile(path); err != nil {
			return nil, "", err
		}
	} else {
		path = ""
	}

	if err := cfg.LoadEnv(); err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadFile overlays the YAML or JSON file at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays GT_* environment variables.
func (c *Config) LoadEnv() error {
	var errs []error
	duration := func(name string, dst *Duration) {
		if v := os.Getenv(name); v != "" {
			if err := dst.parse(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	str("GT_API_URL", &c.APIURL)
	duration("GT_INACTIVITY_WARNING", &c.InactivityWarning)
	duration("GT_AUTO_SIGNOUT", &c.AutoSignOut)
	duration("GT_WELCOME_BACK_AFTER", &c.WelcomeBackAfter)
	duration("GT_VERIFY_STALE", &c.VerifyStaleAfter)
	str("GT_STORAGE", &c.Storage)
	str("GT_STORE_PATH", &c.StorePath)
	str("GT_REDIS_ADDR", &c.Redis.Addr)
	str("GT_REDIS_PASSWORD", &c.Redis.Password)
	if v := os.Getenv("GT_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GT_REDIS_DB: %w", err))
		} else {
			c.Redis.DB = db
		}
	}
	str("GT_LOG_LEVEL", &c.Log.Level)
	str("GT_LOG_FILE", &c.Log.File)
	str("GT_AUDIT_LOG", &c.AuditLog)

	return errors.Join(errs...)
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("api url is required")
	}
	if err := c.Session().Validate(); err != nil {
		return err
	}
	switch c.Storage {
	case StorageFile, StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis storage requires an address")
		}
	default:
		return fmt.Errorf("unknown storage %q (want file, redis or memory)", c.Storage)
	}
	return nil
}

// Session returns the inactivity tracking configuration
func (c *Config) Session() *session.Config {
	return &session.Config{
		InactivityWarningTimeout: time.Duration(c.InactivityWarning),
		AutoSignOutTimeout:       time.Duration(c.AutoSignOut),
		WelcomeBackAfter:         time.Duration(c.WelcomeBackAfter),
	}
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
