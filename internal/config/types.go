package config

import (
	"fmt"
	"time"

	"github.com/ferdinandyb/throttle/internal/filter"
	"github.com/ferdinandyb/throttle/internal/retry"
)

// Config is the daemon configuration. Durations are expressed in seconds in
// the file; fractional values are allowed.
type Config struct {
	TaskTimeout     float64        `toml:"task_timeout" yaml:"task_timeout" json:"task_timeout"`
	JobTimeout      float64        `toml:"job_timeout" yaml:"job_timeout" json:"job_timeout"`
	RetrySequence   []float64      `toml:"retry_sequence" yaml:"retry_sequence" json:"retry_sequence"`
	Filters         []FilterConfig `toml:"filters" yaml:"filters" json:"filters"`
	NotificationCmd string         `toml:"notification_cmd" yaml:"notification_cmd" json:"notification_cmd,omitempty"`
	NotifyOnCounter int            `toml:"notify_on_counter" yaml:"notify_on_counter" json:"notify_on_counter"`
	LogLevel        string         `toml:"log_level" yaml:"log_level" json:"log_level"`
	LogFormat       string         `toml:"log_format" yaml:"log_format" json:"log_format"`
	SocketPath      string         `toml:"socket_path" yaml:"socket_path" json:"socket_path,omitempty"`

	// SourcePath is the file the config was read from, empty for defaults.
	SourcePath string `toml:"-" yaml:"-" json:"-"`
}

// FilterConfig is a filter entry as written in the file. Pointers let the
// loader tell a missing field from an empty one.
type FilterConfig struct {
	Pattern    *string `toml:"pattern" yaml:"pattern" json:"pattern"`
	Substitute *string `toml:"substitute" yaml:"substitute" json:"substitute"`
}

// Defaults returns a Config with the built-in values.
func Defaults() *Config {
	seq := make([]float64, len(retry.DefaultSequence))
	for i, d := range retry.DefaultSequence {
		seq[i] = d.Seconds()
	}
	return &Config{
		TaskTimeout:     30,
		JobTimeout:      60 * 60,
		RetrySequence:   seq,
		NotifyOnCounter: 0,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// IdleTimeout is how long a worker waits for new work before exiting.
func (c *Config) IdleTimeout() time.Duration {
	return seconds(c.TaskTimeout)
}

// JobTimeoutDuration is the hard ceiling on one execution attempt.
func (c *Config) JobTimeoutDuration() time.Duration {
	return seconds(c.JobTimeout)
}

// RetryPolicy builds the backoff policy from RetrySequence.
func (c *Config) RetryPolicy() (retry.Policy, error) {
	seq := make([]time.Duration, len(c.RetrySequence))
	for i, s := range c.RetrySequence {
		seq[i] = seconds(s)
	}
	p, err := retry.New(seq)
	if err != nil {
		return retry.Policy{}, fmt.Errorf("retry_sequence: %w", err)
	}
	return p, nil
}

// Filter compiles the configured filters. Entries missing a field or with an
// invalid pattern are skipped and reported.
func (c *Config) Filter() (*filter.Filter, []error) {
	specs := make([]filter.Spec, 0, len(c.Filters))
	var errs []error
	for i, fc := range c.Filters {
		if fc.Pattern == nil || fc.Substitute == nil {
			errs = append(errs, fmt.Errorf("filters[%d] is not a valid filter config: needs both pattern and substitute", i))
			continue
		}
		specs = append(specs, filter.Spec{Pattern: *fc.Pattern, Substitute: *fc.Substitute})
	}
	f, compileErrs := filter.New(specs)
	return f, append(errs, compileErrs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
