package config

import (
	"fmt"
	"strings"
	"time"
)

// Transport names accepted for a device.
const (
	TransportLocal  = "local"
	TransportStream = "stream"
	TransportNATS   = "nats"
)

// Default tick periods.
const (
	DefaultPlannerPeriod = 100 * time.Millisecond
	DefaultRunnerPeriod  = 100 * time.Millisecond
	DefaultTickerPeriod  = 100 * time.Millisecond
	DefaultHarnessPeriod = 500 * time.Millisecond
)

// CellConfig is the decoded configuration of a work cell.
type CellConfig struct {
	// Model is the name of the model the cell runs.
	Model string `json:"model" validate:"required"`

	// Periods are the tick periods of the cell's tasks.
	Periods PeriodsConfig `json:"periods"`

	// Planner configures the goal planner.
	Planner PlannerConfig `json:"planner"`

	// Runner configures the plan executor.
	Runner RunnerConfig `json:"runner"`

	// Devices lists the devices of the cell and how to reach them.
	Devices []DeviceConfig `json:"devices" validate:"required,min=1,unique=Name,dive"`

	// NATS configures the NATS connection used by nats devices.
	NATS NATSConfig `json:"nats"`

	// Harness configures where test cases come from.
	Harness HarnessConfig `json:"harness"`

	// Results configures the results store.
	Results ResultsConfig `json:"results"`

	// Policy configures plan admission.
	Policy PolicyConfig `json:"policy"`

	// Telemetry overrides logging, metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// PeriodsConfig holds tick periods in milliseconds.
type PeriodsConfig struct {
	PlannerMs int `json:"planner_ms" validate:"gte=0"`
	RunnerMs  int `json:"runner_ms" validate:"gte=0"`
	TickerMs  int `json:"ticker_ms" validate:"gte=0"`
	HarnessMs int `json:"harness_ms" validate:"gte=0"`
}

// Planner returns the planner tick period.
func (p PeriodsConfig) Planner() time.Duration { return millis(p.PlannerMs, DefaultPlannerPeriod) }

// Runner returns the runner tick period.
func (p PeriodsConfig) Runner() time.Duration { return millis(p.RunnerMs, DefaultRunnerPeriod) }

// Ticker returns the device ticker period.
func (p PeriodsConfig) Ticker() time.Duration { return millis(p.TickerMs, DefaultTickerPeriod) }

// Harness returns the harness tick period.
func (p PeriodsConfig) Harness() time.Duration { return millis(p.HarnessMs, DefaultHarnessPeriod) }

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// PlannerConfig configures the goal planner.
type PlannerConfig struct {
	MaxDepth     int  `json:"max_depth" validate:"gte=0"`
	PruneVisited bool `json:"prune_visited"`
}

// RunnerConfig configures the plan executor. MaxReplans of -1 disables
// replanning.
type RunnerConfig struct {
	MaxReplans int `json:"max_replans" validate:"gte=-1"`
}

// DeviceConfig describes one device.
type DeviceConfig struct {
	// Name is the device name and the prefix of its state variables.
	Name string `json:"name" validate:"required"`

	// Kind selects the driver and emulator (gantry, robot).
	Kind string `json:"kind" validate:"required,oneof=gantry robot"`

	// Transport is how requests reach the device (local, stream, nats).
	Transport string `json:"transport,omitempty" validate:"required,oneof=local stream nats"`

	// Subject is the NATS subject for nats devices. Empty means the
	// default subject for the device.
	Subject string `json:"subject,omitempty"`

	// Command starts the emulator process for stream devices.
	Command []string `json:"command,omitempty" validate:"required_if=Transport stream"`

	// Seed seeds the local emulator's fault injector. Zero means random.
	Seed uint64 `json:"seed,omitempty"`

	// SSH runs a stream device's command on a remote host instead of
	// a local child process.
	SSH *SSHConfig `json:"ssh,omitempty" validate:"omitempty"`
}

// SSHConfig describes the remote host of a stream device.
type SSHConfig struct {
	Host string `json:"host" validate:"required,hostname|ip"`
	Port int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User string `json:"user" validate:"required"`

	// KeyPath is the private key. Empty tries the default keys in ~/.ssh.
	KeyPath string `json:"key_path,omitempty"`

	// KnownHosts enables strict host key checking against this file.
	KnownHosts string `json:"known_hosts,omitempty"`

	// Upload copies this local file to RemotePath before the command runs.
	Upload     string `json:"upload,omitempty"`
	RemotePath string `json:"remote_path,omitempty" validate:"required_with=Upload"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL string `json:"url" validate:"omitempty,url"`
}

// HarnessConfig configures the sources of test cases. At most one of Suite,
// Script and Random is used, in that order.
type HarnessConfig struct {
	Suite           string `json:"suite,omitempty"`
	Script          string `json:"script,omitempty"`
	ScriptCount     int    `json:"script_count" validate:"gte=0"`
	ScriptTimeoutMs int    `json:"script_timeout_ms" validate:"gte=0"`
	Random          int    `json:"random" validate:"gte=0"`
	Seed            int64  `json:"seed"`
}

// ScriptTimeout returns the generator script timeout.
func (h HarnessConfig) ScriptTimeout() time.Duration {
	return millis(h.ScriptTimeoutMs, DefaultStarlarkTimeout)
}

// ResultsConfig configures the results store.
type ResultsConfig struct {
	Path string `json:"path"`
}

// PolicyConfig configures plan admission.
type PolicyConfig struct {
	Paths               []string `json:"paths,omitempty"`
	Watch               bool     `json:"watch"`
	MaxPlanLength       int      `json:"max_plan_length" validate:"gte=0"`
	ForbiddenOperations []string `json:"forbidden_operations,omitempty"`
	DisabledDevices     []string `json:"disabled_devices,omitempty"`
}

// TelemetryConfig overrides the telemetry defaults.
type TelemetryConfig struct {
	LogLevel    string        `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat   string        `json:"log_format" validate:"omitempty,oneof=console json"`
	MetricsAddr string        `json:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
	Tracing     TracingConfig `json:"tracing"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter" validate:"omitempty,oneof=otlp stdout"`
	Endpoint string `json:"endpoint,omitempty"`
}

// DefaultCell returns the configuration used when no cell file is given:
// the named model with an in-process emulator for each device.
func DefaultCell(model string, devices []DeviceConfig) CellConfig {
	cell := CellConfig{
		Model:   model,
		Devices: devices,
	}
	cell.ApplyDefaults()
	return cell
}

// ApplyDefaults fills in zero fields. Parsed files get the same defaults
// from the CUE schema instead, so an explicit zero there is kept.
func (c *CellConfig) ApplyDefaults() {
	if c.Periods.PlannerMs == 0 {
		c.Periods.PlannerMs = int(DefaultPlannerPeriod / time.Millisecond)
	}
	if c.Periods.RunnerMs == 0 {
		c.Periods.RunnerMs = int(DefaultRunnerPeriod / time.Millisecond)
	}
	if c.Periods.TickerMs == 0 {
		c.Periods.TickerMs = int(DefaultTickerPeriod / time.Millisecond)
	}
	if c.Periods.HarnessMs == 0 {
		c.Periods.HarnessMs = int(DefaultHarnessPeriod / time.Millisecond)
	}
	if c.Planner.MaxDepth == 0 {
		c.Planner.MaxDepth = 10
	}
	if c.Runner.MaxReplans == 0 {
		c.Runner.MaxReplans = 3
	}
	if c.Harness.ScriptCount == 0 {
		c.Harness.ScriptCount = 10
	}
	if c.Harness.ScriptTimeoutMs == 0 {
		c.Harness.ScriptTimeoutMs = int(DefaultStarlarkTimeout / time.Millisecond)
	}
	for i := range c.Devices {
		if c.Devices[i].Transport == "" {
			c.Devices[i].Transport = TransportLocal
		}
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Results.Path == "" {
		c.Results.Path = "riskcell.db"
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = "console"
	}
	if c.Telemetry.Tracing.Exporter == "" {
		c.Telemetry.Tracing.Exporter = "stdout"
	}
}

// Device returns the configuration of the named device.
func (c *CellConfig) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// ParsedConfig represents the fully parsed configuration from CUE.
type ParsedConfig struct {
	// Cell is the decoded cell configuration.
	Cell CellConfig `json:"cell"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending field (e.g., "devices[0].transport").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// String renders the error with its location.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned by LoadCell when a cell file does not validate.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("invalid cell configuration: %s", strings.Join(msgs, "; "))
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
