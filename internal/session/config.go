package session

import (
	"errors"
	"time"
)

const (
	// DefaultWarningTimeout is how long a respondent may stay idle before the warning shows
	DefaultWarningTimeout = 5 * time.Minute
	// DefaultAutoSignOutTimeout is how long a respondent may stay idle before being signed out
	DefaultAutoSignOutTimeout = 6 * time.Minute
	// DefaultWelcomeBackAfter is how long the page must be hidden to greet the respondent on return
	DefaultWelcomeBackAfter = 30 * time.Minute
)

// Config holds inactivity tracking configuration
type Config struct {
	// InactivityWarningTimeout is the idle time after which the warning is shown
	InactivityWarningTimeout time.Duration `json:"inactivity_warning_timeout" yaml:"inactivity_warning_timeout"`
	// AutoSignOutTimeout is the idle time after which the session is ended.
	// Measured from the last activity, so it must exceed the warning timeout.
	AutoSignOutTimeout time.Duration `json:"auto_signout_timeout" yaml:"auto_signout_timeout"`
	// WelcomeBackAfter is the hidden duration that triggers the welcome back notice
	WelcomeBackAfter time.Duration `json:"welcome_back_after" yaml:"welcome_back_after"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		InactivityWarningTimeout: DefaultWarningTimeout,
		AutoSignOutTimeout:       DefaultAutoSignOutTimeout,
		WelcomeBackAfter:         DefaultWelcomeBackAfter,
	}
}

// SignOutWindow is the time between the warning and the sign-out
func (c *Config) SignOutWindow() time.Duration {
	return c.AutoSignOutTimeout - c.InactivityWarningTimeout
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.InactivityWarningTimeout <= 0 {
		return errors.New("inactivity warning timeout must be greater than 0")
	}
	if c.AutoSignOutTimeout <= c.InactivityWarningTimeout {
		return errors.New("auto sign-out timeout must exceed the inactivity warning timeout")
	}
	if c.WelcomeBackAfter < 0 {
		return errors.New("welcome back threshold cannot be negative")
	}
	return nil
}
