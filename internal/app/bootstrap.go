package app

import (
	"context"
	"strings"
	"time"

	"droidsched/internal/config"
	"droidsched/internal/device"
	"droidsched/internal/dispatch"
	"droidsched/internal/executor"
)

func buildProber(cfg config.PoolConfig, timeout time.Duration) device.Prober {
	switch strings.ToLower(strings.TrimSpace(cfg.Probe)) {
	case "none":
		return device.ProberFunc(func(context.Context, string) bool { return true })
	}
	if timeout <= 0 {
		timeout = device.DefaultProbeTimeout
	}
	return &device.ADBProber{Path: cfg.ADBPath, Timeout: timeout}
}

func buildExecutor(cfg config.AgentConfig, timeout time.Duration) dispatch.Executor {
	if cfg.Mock {
		return executor.NewMock()
	}
	return executor.NewAgent(executor.AgentConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: timeout,
	})
}

func dispatchConfig(cfg *config.Config, durs config.Durations) dispatch.Config {
	return dispatch.Config{
		Workers:           cfg.Dispatch.Workers,
		PollInterval:      durs.PollInterval,
		RefreshInterval:   durs.RefreshInterval,
		DefaultMaxRetries: cfg.Dispatch.MaxRetries,
		DefaultTimeout:    durs.DefaultTimeout,
	}
}
