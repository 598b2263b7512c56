// Package config holds the service configuration, loaded from a YAML file
// with environment variable expansion, defaults, and validation.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the energy engine.
type Config struct {
	Port       string           `yaml:"port"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Simulation SimulationConfig `yaml:"simulation"`
	Market     MarketConfig     `yaml:"market"`
}

// DatabaseConfig holds the PostgreSQL connection. Empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the optional cache layer settings.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PricingConfig holds the external price-calculation service settings.
// Empty URL selects the built-in local calculator.
type PricingConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// Pointer so an explicit 0 (no floor) survives defaulting.
	DemandFloorKwh *float64      `yaml:"demand_floor_kwh"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
}

// SimulationConfig parameterizes the simulation clock.
type SimulationConfig struct {
	Interval           time.Duration `yaml:"interval"`
	SolarOutputPerHour float64       `yaml:"solar_output_per_hour"`
	ConsumptionPerHour float64       `yaml:"consumption_per_hour"`
	DaylightGate       bool          `yaml:"daylight_gate"`
	// Pointers so an explicit 0 (midnight) survives defaulting.
	DaylightStartHour *int `yaml:"daylight_start_hour"`
	DaylightEndHour   *int `yaml:"daylight_end_hour"`
	Preview           bool `yaml:"preview"`
}

// MarketConfig bounds marketplace operations.
type MarketConfig struct {
	MinListingKwh float64 `yaml:"min_listing_kwh"`
	MaxListingKwh float64 `yaml:"max_listing_kwh"`
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = 30 * time.Second
	}
	if c.Pricing.Timeout == 0 {
		c.Pricing.Timeout = 10 * time.Second
	}
	if c.Pricing.MaxRetries == 0 {
		c.Pricing.MaxRetries = 3
	}
	if c.Pricing.RetryBackoff == 0 {
		c.Pricing.RetryBackoff = 5 * time.Second
	}
	if c.Pricing.DemandFloorKwh == nil {
		floor := 10.0
		c.Pricing.DemandFloorKwh = &floor
	}
	if c.Pricing.SyncInterval == 0 {
		c.Pricing.SyncInterval = 24 * time.Hour
	}
	if c.Simulation.Interval == 0 {
		c.Simulation.Interval = 600 * time.Second
	}
	if c.Simulation.SolarOutputPerHour == 0 {
		c.Simulation.SolarOutputPerHour = 0.37
	}
	if c.Simulation.ConsumptionPerHour == 0 {
		c.Simulation.ConsumptionPerHour = 0.275
	}
	if c.Simulation.DaylightStartHour == nil {
		start := 6
		c.Simulation.DaylightStartHour = &start
	}
	if c.Simulation.DaylightEndHour == nil {
		end := 18
		c.Simulation.DaylightEndHour = &end
	}
	if c.Market.MinListingKwh == 0 {
		c.Market.MinListingKwh = 1
	}
	if c.Market.MaxListingKwh == 0 {
		c.Market.MaxListingKwh = 50
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Simulation.Interval <= 0 {
		return fmt.Errorf("simulation.interval must be positive, got %s", c.Simulation.Interval)
	}
	if c.Simulation.SolarOutputPerHour < 0 {
		return fmt.Errorf("simulation.solar_output_per_hour must not be negative")
	}
	if c.Simulation.ConsumptionPerHour < 0 {
		return fmt.Errorf("simulation.consumption_per_hour must not be negative")
	}
	for _, h := range []*int{c.Simulation.DaylightStartHour, c.Simulation.DaylightEndHour} {
		if h != nil && (*h < 0 || *h > 23) {
			return fmt.Errorf("simulation daylight hours must be within 0-23")
		}
	}
	if c.Pricing.DemandFloorKwh != nil && *c.Pricing.DemandFloorKwh < 0 {
		return fmt.Errorf("pricing.demand_floor_kwh must not be negative")
	}
	if c.Market.MinListingKwh <= 0 || c.Market.MaxListingKwh < c.Market.MinListingKwh {
		return fmt.Errorf("market listing bounds invalid: min %.2f max %.2f",
			c.Market.MinListingKwh, c.Market.MaxListingKwh)
	}
	if c.Pricing.MaxRetries < 1 {
		return fmt.Errorf("pricing.max_retries must be at least 1")
	}
	return nil
}
