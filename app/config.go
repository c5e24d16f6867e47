package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/graph"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/telemetry"
)

// DefaultURI is the app URI used when none is configured.
const DefaultURI = "msgpack://127.0.0.1:8001/"

// Config is the app configuration, usually loaded from app.toml.
type Config struct {
	// URI addresses this app. Remote apps send to it over the bridge.
	URI string `toml:"uri"`

	LogLevel string `toml:"log_level"`

	// OneLoopPerEngine runs every engine on its own loop instead of the app
	// loop.
	OneLoopPerEngine bool `toml:"one_loop_per_engine"`

	Path      PathConfig      `toml:"path"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Shutdown  ShutdownConfig  `toml:"shutdown"`

	PredefinedGraphs []PredefinedGraph `toml:"predefined_graph"`
}

// PathConfig configures command correlation.
type PathConfig struct {
	// DefaultTimeout is the deadline of outbound commands. Zero disables it.
	DefaultTimeout time.Duration `toml:"default_timeout"`
	// SweepInterval is how often expired paths are looked for.
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// LifecycleConfig configures extension lifecycle supervision.
type LifecycleConfig struct {
	// PhaseTimeout is how long an acknowledgment may take before it is
	// reported overdue. Zero disables the report.
	PhaseTimeout time.Duration `toml:"phase_timeout"`
}

// DispatchConfig configures message dispatch.
type DispatchConfig struct {
	// NotConnectedLogThreshold is the window of not-connected occurrences
	// per message name that produce one log line.
	NotConnectedLogThreshold int `toml:"not_connected_log_threshold"`
}

// Bridge kinds.
const (
	BridgeNone   = ""
	BridgeMemory = "memory"
	BridgeNATS   = "nats"
)

// BridgeConfig configures inter-app messaging.
type BridgeConfig struct {
	Kind          string `toml:"kind"`
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	Token         string `toml:"token"`
	User          string `toml:"user"`
	Password      string `toml:"password"`

	// HeartbeatInterval enables publishing heartbeats. Zero disables it.
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	// HeartbeatTimeout enables closing the connection to a peer that sent
	// no heartbeat for that long. Zero disables it.
	HeartbeatTimeout time.Duration `toml:"heartbeat_timeout"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// TelemetryConfig configures OpenTelemetry tracing. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"`
	Insecure    bool              `toml:"insecure"`
	Headers     map[string]string `toml:"headers"`
	ServiceName string            `toml:"service_name"`
	Debug       bool              `toml:"debug"`
	// SampleRatio samples root spans; zero samples all of them.
	SampleRatio float64 `toml:"sample_ratio"`
}

// ShutdownConfig configures process shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `toml:"timeout"`
}

// PredefinedGraph is a graph declared in configuration and started by name.
type PredefinedGraph struct {
	Name string `toml:"name"`
	// AutoStart starts the graph when the app runs.
	AutoStart bool `toml:"auto_start"`
	// GraphID fixes the id of the started graph; a fresh id is used
	// otherwise.
	GraphID string `toml:"graph_id"`
	// Graph is the inline definition JSON.
	Graph string `toml:"graph"`
	// File names a definition file, relative to the config file.
	File string `toml:"file"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URI:      DefaultURI,
		LogLevel: "info",
		Path: PathConfig{
			DefaultTimeout: 30 * time.Second,
			SweepInterval:  time.Second,
		},
		Lifecycle: LifecycleConfig{PhaseTimeout: 10 * time.Second},
		Dispatch:  DispatchConfig{NotConnectedLogThreshold: 1000},
		Bridge:    BridgeConfig{SubjectPrefix: "extgraph"},
		Metrics:   MetricsConfig{Listen: ":9464"},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "extgraph"},
		Shutdown:  ShutdownConfig{Timeout: 30 * time.Second},
	}
}

// LoadConfig loads a TOML config file over the defaults. Predefined graph
// files are read relative to the config file.
func LoadConfig(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	cfg, err := ParseConfig(string(content))
	if err != nil {
		return Config{}, err
	}
	dir := filepath.Dir(path)
	for i := range cfg.PredefinedGraphs {
		pg := &cfg.PredefinedGraphs[i]
		if pg.File == "" || pg.Graph != "" {
			continue
		}
		file := pg.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, errors.Wrapf(err, "reading graph %s", pg.Name)
		}
		pg.Graph = string(data)
	}
	return cfg, cfg.Validate()
}

// ParseConfig parses TOML content over the defaults. Unknown keys are
// rejected.
func ParseConfig(content string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.Decode(content, &cfg)
	if err != nil {
		return Config{}, errors.WrapWithCode(err, errors.ErrCodeInvalidArgument, "parsing config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, errors.InvalidArgument("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.URI == "" {
		errs = append(errs, errors.InvalidArgument("uri is empty"))
	}
	switch c.Bridge.Kind {
	case BridgeNone, BridgeMemory:
	case BridgeNATS:
		if c.Bridge.URL == "" {
			errs = append(errs, errors.InvalidArgument("bridge.url is required for nats"))
		}
	default:
		errs = append(errs, errors.InvalidArgument("unknown bridge.kind %q", c.Bridge.Kind))
	}
	if c.Bridge.Kind != BridgeNone && c.URI == message.Localhost {
		errs = append(errs, errors.InvalidArgument("uri %q cannot be reached over a bridge", c.URI))
	}
	if c.Bridge.HeartbeatInterval < 0 || c.Bridge.HeartbeatTimeout < 0 {
		errs = append(errs, errors.InvalidArgument("bridge heartbeat durations must not be negative"))
	}
	if c.Bridge.HeartbeatTimeout > 0 && c.Bridge.HeartbeatTimeout <= c.Bridge.HeartbeatInterval {
		errs = append(errs, errors.InvalidArgument("bridge.heartbeat_timeout must exceed heartbeat_interval"))
	}
	if c.Path.DefaultTimeout < 0 || c.Path.SweepInterval < 0 || c.Lifecycle.PhaseTimeout < 0 || c.Shutdown.Timeout < 0 {
		errs = append(errs, errors.InvalidArgument("durations must not be negative"))
	}
	if c.Path.DefaultTimeout > 0 && c.Path.SweepInterval == 0 {
		errs = append(errs, errors.InvalidArgument("path.default_timeout needs a sweep_interval"))
	}
	if c.Dispatch.NotConnectedLogThreshold < 0 {
		errs = append(errs, errors.InvalidArgument("dispatch.not_connected_log_threshold must not be negative"))
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, errors.InvalidArgument("unknown telemetry.protocol %q", c.Telemetry.Protocol))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.InvalidArgument("telemetry.sample_ratio must be within [0, 1]"))
	}

	seen := make(map[string]bool)
	for _, pg := range c.PredefinedGraphs {
		if pg.Name == "" {
			errs = append(errs, errors.InvalidArgument("predefined graph without a name"))
			continue
		}
		if seen[pg.Name] {
			errs = append(errs, errors.InvalidArgument("predefined graph %q declared twice", pg.Name))
		}
		seen[pg.Name] = true
		if pg.Graph == "" {
			errs = append(errs, errors.InvalidArgument("predefined graph %q has no definition", pg.Name))
			continue
		}
		if _, err := graph.Parse([]byte(pg.Graph)); err != nil {
			errs = append(errs, errors.Wrapf(err, "predefined graph %q", pg.Name))
		}
	}
	return errors.Combine(errs...)
}

// Predefined returns the predefined graph called name.
func (c *Config) Predefined(name string) (PredefinedGraph, bool) {
	for _, pg := range c.PredefinedGraphs {
		if pg.Name == name {
			return pg, true
		}
	}
	return PredefinedGraph{}, false
}

func (pg PredefinedGraph) String() string {
	return fmt.Sprintf("predefined graph %q", pg.Name)
}

// TraceProvider maps [telemetry] onto the trace provider of this app. The
// app URI and the predefined graph names describe the exporting process.
func (c Config) TraceProvider() telemetry.ProviderConfig {
	graphs := make([]string, 0, len(c.PredefinedGraphs))
	for _, pg := range c.PredefinedGraphs {
		graphs = append(graphs, pg.Name)
	}
	return telemetry.ProviderConfig{
		ServiceName: c.Telemetry.ServiceName,
		AppURI:      c.URI,
		Graphs:      graphs,
		Endpoint:    c.Telemetry.Endpoint,
		Protocol:    c.Telemetry.Protocol,
		Insecure:    c.Telemetry.Insecure,
		Headers:     c.Telemetry.Headers,
		Debug:       c.Telemetry.Debug,
		SampleRatio: c.Telemetry.SampleRatio,
		Global:      true,
	}
}
