package telemetry

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
)

// Config is the observability setup of one riskcell process. The CLI fills
// it from the telemetry block of the cell file.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment names the installation, for example lab or line-3.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

type LoggingConfig struct {
	Level  string // zerolog level name
	Format string // console or json
	Output string // stdout, stderr or a file path

	// Writer replaces Output. Tests use it to capture entries.
	Writer io.Writer

	EnableCaller bool
	TimeFormat   string // rfc3339, unix or unixms
}

type TracingConfig struct {
	Enabled  bool
	Exporter string // otlp, stdout or none
	Endpoint string // OTLP gRPC collector, host:port

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Insecure           bool
}

type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are used for every latency histogram, in
	// seconds. Device round trips on a healthy cell sit well under 50ms.
	DefaultHistogramBuckets []float64
}

type EventsConfig struct {
	Enabled    bool
	BufferSize int

	// EnableAsync delivers from a background goroutine in batches of up to
	// MaxBatchSize events.
	EnableAsync  bool
	MaxBatchSize int
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs info to stderr on the console and publishes events
// asynchronously. Metrics and tracing are off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "riskcell",
		ServiceVersion: "dev",
		Environment:    "lab",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress:           ":9464",
			Path:                    "/metrics",
			Namespace:               "riskcell",
			DefaultHistogramBuckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			EnableAsync:  true,
			MaxBatchSize: 100,
		},
	}
}

// Validate returns the first inconsistency in c.
func (c *Config) Validate() error {
	if c.ServiceName == "" || c.ServiceVersion == "" {
		return errors.New("service name and version are required")
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		return fmt.Errorf("invalid log format %q, want console or json", c.Logging.Format)
	}

	if t := c.Tracing; t.Enabled {
		if !slices.Contains(traceExporter, t.Exporter) {
			return fmt.Errorf("invalid trace exporter %q", t.Exporter)
		}
		if t.Exporter == "otlp" && t.Endpoint == "" {
			return errors.New("otlp trace exporter requires an endpoint")
		}
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("trace sampling rate %v is outside [0, 1]", r)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return errors.New("metrics enabled without a listen address")
	}
	if c.Events.Enabled && c.Events.BufferSize < 1 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}
