package config

import (
	"context"
	"fmt"
	"strings"
)

// Validate checks the parts of a config that can be judged without touching
// the outside world. It is installed as the Manager's reload validator and
// also run once at startup.
func Validate(ctx context.Context, cfg *Config) error {
	_ = ctx
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// Covers every duration field, including storage.busy_timeout.
	if _, err := cfg.ParseDurations(); err != nil {
		return err
	}

	if cfg.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers: must be >= 0")
	}
	if cfg.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries: must be >= 0")
	}

	switch p := strings.ToLower(strings.TrimSpace(cfg.Pool.Probe)); p {
	case "", "adb", "none":
	default:
		return fmt.Errorf("pool.probe: unknown value %q", p)
	}

	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path: required for driver %q", d)
			}
		default:
			return fmt.Errorf("storage.driver: unknown value %q", d)
		}
	}

	seen := map[string]bool{}
	for i, d := range cfg.Devices {
		id := strings.TrimSpace(d)
		if id == "" {
			return fmt.Errorf("devices[%d]: empty serial", i)
		}
		if seen[id] {
			return fmt.Errorf("devices[%d]: duplicate serial %q", i, id)
		}
		seen[id] = true
	}

	for i, t := range cfg.Templates {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("templates[%d]: name required", i)
		}
		if strings.TrimSpace(t.Task) == "" {
			return fmt.Errorf("templates[%d] (%s): task required", i, t.Name)
		}
		if strings.TrimSpace(t.Spec) == "" {
			return fmt.Errorf("templates[%d] (%s): spec required", i, t.Name)
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("templates[%d] (%s): max_retries must be >= 0", i, t.Name)
		}
		if _, err := t.ParseTimeout(); err != nil {
			return fmt.Errorf("templates[%d] (%s): %w", i, t.Name, err)
		}
	}
	return nil
}
