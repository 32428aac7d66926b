package scheduler

import (
	"testing"
	"time"
)

// TestDefaultConfig verifies that default scheduler configuration passes validation.
func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.TickInterval <= 0 || config.TickInterval > time.Minute {
		t.Errorf("TickInterval must be in (0, 1m], got %v", config.TickInterval)
	}
	if config.Timezone != "UTC" {
		t.Errorf("expected UTC timezone, got %q", config.Timezone)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("default config should pass validation, got error: %v", err)
	}
}

// TestValidate_InvalidConfigs verifies that each invalid field is rejected.
func TestValidate_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero tick interval", func(c *Config) { c.TickInterval = 0 }},
		{"negative tick interval", func(c *Config) { c.TickInterval = -time.Second }},
		{"tick interval over a minute", func(c *Config) { c.TickInterval = 61 * time.Second }},
		{"catch-up window under a minute", func(c *Config) { c.CatchUpWindow = 30 * time.Second }},
		{"unknown timezone", func(c *Config) { c.Timezone = "Mars/Olympus_Mons" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			if err := config.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

// TestLocation_EmptyMeansUTC verifies that an unset timezone falls back to UTC.
func TestLocation_EmptyMeansUTC(t *testing.T) {
	loc, err := Config{}.Location()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc != time.UTC {
		t.Errorf("expected UTC, got %v", loc)
	}
}
