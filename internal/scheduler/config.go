package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config defines configuration for the scheduler's tick loop
type Config struct {
	// Main loop interval. Must not exceed one minute so no firing minute is skipped.
	TickInterval time.Duration `toml:"tick_interval"`

	// IANA zone cron expressions are evaluated in
	Timezone string `toml:"timezone"`

	// How far back a late tick looks for minutes it has not evaluated yet
	CatchUpWindow time.Duration `toml:"catch_up_window"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:  30 * time.Second,
		Timezone:      "UTC",
		CatchUpWindow: 5 * time.Minute,
	}
}

// Location loads the configured timezone
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler.timezone %q", c.Timezone)
	}
	return loc, nil
}

// Validate checks scheduler configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.Newf("scheduler.tick_interval must be positive, got %v", c.TickInterval)
	}

	if c.TickInterval > time.Minute {
		return errors.Newf("scheduler.tick_interval must be at most 1m, got %v", c.TickInterval)
	}

	if c.CatchUpWindow < time.Minute {
		return errors.Newf("scheduler.catch_up_window must be at least 1m, got %v", c.CatchUpWindow)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}
