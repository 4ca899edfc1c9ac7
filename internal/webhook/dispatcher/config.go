package dispatcher

import "time"

// Config controls the delivery worker loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	RowTimeout   time.Duration

	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PollInterval: 2 * time.Second,
		RunTimeout:   30 * time.Second,
		RowTimeout:   15 * time.Second,
		MaxAttempts:  5,
		RetryBase:    time.Minute,
		RetryCap:     time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = defaults.RowTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaults.RetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaults.RetryCap
	}
	return c
}
