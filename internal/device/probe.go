package device

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds a single connectivity probe.
const DefaultProbeTimeout = 5 * time.Second

// Prober checks whether a device is reachable.
//
// Probe never returns an error: I/O failures, timeouts and garbage output all
// map to false.
type Prober interface {
	Probe(ctx context.Context, deviceID string) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, deviceID string) bool

func (f ProberFunc) Probe(ctx context.Context, deviceID string) bool { return f(ctx, deviceID) }

// ADBProber probes devices with `adb -s <id> get-state`. A device is online
// when the command succeeds and prints "device".
type ADBProber struct {
	// Path overrides the adb binary ("adb" on $PATH when empty).
	Path string
	// Timeout bounds one probe; DefaultProbeTimeout when zero.
	Timeout time.Duration
}

func (p *ADBProber) Probe(ctx context.Context, deviceID string) bool {
	bin := p.Path
	if bin == "" {
		bin = "adb"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "-s", deviceID, "get-state").Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "device"
}
