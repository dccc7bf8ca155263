package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations is the resolved view of the config's string duration fields.
// Zero means the field was unset; each consumer applies its own default.
type Durations struct {
	ProbeTimeout    time.Duration // pool.probe_timeout
	RefreshInterval time.Duration // pool.refresh_interval
	AgentTimeout    time.Duration // agent.timeout
	PollInterval    time.Duration // dispatch.poll_interval
	DefaultTimeout  time.Duration // dispatch.default_timeout
	StorageBusy     time.Duration // storage.busy_timeout
}

// ParseDurations resolves every duration field in one pass. Validate checks
// the same fields, so resolving a validated config cannot fail.
func (c *Config) ParseDurations() (Durations, error) {
	type durField struct {
		dst  *time.Duration
		path string
		raw  string
	}
	var d Durations
	fields := []durField{
		{&d.ProbeTimeout, "pool.probe_timeout", c.Pool.ProbeTimeout},
		{&d.RefreshInterval, "pool.refresh_interval", c.Pool.RefreshInterval},
		{&d.AgentTimeout, "agent.timeout", c.Agent.Timeout},
		{&d.PollInterval, "dispatch.poll_interval", c.Dispatch.PollInterval},
		{&d.DefaultTimeout, "dispatch.default_timeout", c.Dispatch.DefaultTimeout},
	}
	if c.Storage != nil {
		fields = append(fields, durField{&d.StorageBusy, "storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, f := range fields {
		v, err := parseDuration(f.path, f.raw)
		if err != nil {
			return Durations{}, err
		}
		*f.dst = v
	}
	return d, nil
}

// ParseTimeout resolves the template's per-job timeout; zero falls back to
// the dispatcher default at submit time.
func (t TemplateConfig) ParseTimeout() (time.Duration, error) {
	return parseDuration("timeout", t.Timeout)
}

// parseDuration parses one Go-duration string field. Empty means unset (0);
// negatives are rejected, an interval can only be disabled, never reversed.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
