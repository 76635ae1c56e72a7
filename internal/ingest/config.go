package ingest

import (
	"errors"
	"fmt"
	"time"
)

// Config tunes every supervisor. Durations are bounded waits; none may be zero.
type Config struct {
	StartTimeout    time.Duration `yaml:"start_timeout" split_words:"true"`
	StopTimeout     time.Duration `yaml:"stop_timeout" split_words:"true"`
	NoSignalTimeout time.Duration `yaml:"no_signal_timeout" split_words:"true"`
	StallTimeout    time.Duration `yaml:"stall_timeout" split_words:"true"`
	HealthInterval  time.Duration `yaml:"health_interval" split_words:"true"`
	BackoffBase     time.Duration `yaml:"backoff_base" split_words:"true"`
	BackoffMax      time.Duration `yaml:"backoff_max" split_words:"true"`
	MaxRetries      int           `yaml:"max_retries" split_words:"true"`
	Autostart       bool          `yaml:"autostart" split_words:"true"`
}

func DefaultConfig() Config {
	return Config{
		StartTimeout:    10 * time.Second,
		StopTimeout:     5 * time.Second,
		NoSignalTimeout: 5 * time.Second,
		StallTimeout:    4 * time.Second,
		HealthInterval:  time.Second,
		BackoffBase:     time.Second,
		BackoffMax:      30 * time.Second,
		MaxRetries:      5,
		Autostart:       true,
	}
}

func (c Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"start_timeout":     c.StartTimeout,
		"stop_timeout":      c.StopTimeout,
		"no_signal_timeout": c.NoSignalTimeout,
		"stall_timeout":     c.StallTimeout,
		"health_interval":   c.HealthInterval,
		"backoff_base":      c.BackoffBase,
		"backoff_max":       c.BackoffMax,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", name))
		}
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, errors.New("backoff_max: must not be below backoff_base"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries: negative"))
	}
	return errors.Join(errs...)
}

// backoff returns the delay before the restart following the n-th consecutive failure.
func (c Config) backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return min(d, c.BackoffMax)
}
