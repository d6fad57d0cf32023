package config

import (
	"fmt"
	"strings"
)

// validate rejects values the daemon cannot run with. Malformed filters are
// not fatal here; Config.Filter reports and skips them.
func validate(cfg *Config) error {
	if cfg.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive, got %v", cfg.TaskTimeout)
	}
	if cfg.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %v", cfg.JobTimeout)
	}
	if len(cfg.RetrySequence) == 0 {
		return fmt.Errorf("retry_sequence must not be empty")
	}
	for i, s := range cfg.RetrySequence {
		if s < 0 {
			return fmt.Errorf("retry_sequence[%d] must not be negative, got %v", i, s)
		}
	}
	if cfg.NotifyOnCounter < 0 {
		return fmt.Errorf("notify_on_counter must not be negative, got %d", cfg.NotifyOnCounter)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}
	return nil
}
