package watchdog

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by New when the policy cannot be run.
var ErrInvalidConfig = errors.New("invalid watchdog configuration")

// Config is the monitoring policy. It is copied into the Monitor at
// construction and never changed afterwards.
type Config struct {
	CheckHost         string
	CheckInterval     time.Duration
	ProbeTimeout      time.Duration
	RetryCount        int
	RetryDelay        time.Duration
	SpeedTestInterval time.Duration // zero disables the bandwidth probe
	DryRun            bool
	RouterHost        string
}

// DefaultConfig returns the stock policy. RouterHost has no default.
func DefaultConfig() Config {
	return Config{
		CheckHost:         "google.com",
		CheckInterval:     60 * time.Second,
		ProbeTimeout:      10 * time.Second,
		RetryCount:        3,
		RetryDelay:        10 * time.Second,
		SpeedTestInterval: time.Hour,
	}
}

func (c Config) validate() error {
	switch {
	case c.CheckHost == "":
		return fmt.Errorf("%w: check host must be set", ErrInvalidConfig)
	case c.RouterHost == "":
		return fmt.Errorf("%w: router host must be set", ErrInvalidConfig)
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: check interval must be positive, got %s", ErrInvalidConfig, c.CheckInterval)
	case c.ProbeTimeout <= 0:
		return fmt.Errorf("%w: probe timeout must be positive, got %s", ErrInvalidConfig, c.ProbeTimeout)
	case c.RetryCount < 1:
		return fmt.Errorf("%w: retry count must be at least 1, got %d", ErrInvalidConfig, c.RetryCount)
	case c.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative, got %s", ErrInvalidConfig, c.RetryDelay)
	case c.SpeedTestInterval < 0:
		return fmt.Errorf("%w: speed test interval must not be negative, got %s", ErrInvalidConfig, c.SpeedTestInterval)
	}
	return nil
}
