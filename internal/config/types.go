package config

// Config is the full on-disk configuration. JSON and YAML are both accepted;
// YAML is coerced to JSON before strict decoding, so unknown keys are
// rejected in either format.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Agent    AgentConfig    `json:"agent"`
	Pool     PoolConfig     `json:"pool"`
	Dispatch DispatchConfig `json:"dispatch"`
	Trigger  TriggerConfig  `json:"trigger"`
	Storage  *StorageConfig `json:"storage,omitempty"`

	// Devices seeds the pool at startup with these serials.
	Devices []string `json:"devices"`

	// Templates seeds the trigger service with recurring jobs. Templates from
	// storage (if enabled) are restored first; config templates with the same
	// id win.
	Templates []TemplateConfig `json:"templates,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AgentConfig points at the phone-agent HTTP endpoint that actually drives
// the devices. With Mock set, a simulated executor is used instead and the
// other fields are ignored.
type AgentConfig struct {
	Mock    bool   `json:"mock,omitempty"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	Timeout string `json:"timeout,omitempty"`
}

// PoolConfig controls device registration probing.
//
// Probe values:
//   - "adb":  shell out to adb get-state (default)
//   - "none": register every device as online without probing
type PoolConfig struct {
	Probe           string `json:"probe,omitempty"`
	ADBPath         string `json:"adb_path,omitempty"`
	ProbeTimeout    string `json:"probe_timeout,omitempty"`
	RefreshInterval string `json:"refresh_interval,omitempty"` // "0s" disables periodic re-probing
}

type DispatchConfig struct {
	Workers        int    `json:"workers,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./droidsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type TemplateConfig struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Task       string `json:"task"`
	Spec       string `json:"spec"`
	DeviceID   string `json:"device_id,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}
