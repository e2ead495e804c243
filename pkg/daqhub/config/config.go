// Package config loads the daqhub HCL configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/chosenoffset/daqhub/pkg/daqhub"
	"github.com/chosenoffset/daqhub/pkg/daqhub/hardware"
	"github.com/chosenoffset/daqhub/pkg/daqhub/scope"
)

type HardwareConfig struct {
	SampleRate    float64             `hcl:"sample_rate,optional"`
	Thermocouples []float64           `hcl:"thermocouples,optional"`
	Waveforms     []hardware.Waveform `hcl:"waveform,block"`
}

type ControlConfig struct {
	RateHz          float64 `hcl:"rate_hz,optional"`
	RingCapacity    int     `hcl:"ring_capacity,optional"`
	EvalTimeout     string  `hcl:"eval_timeout,optional"`
	StatsInterval   string  `hcl:"stats_interval,optional"`
	StopTimeout     string  `hcl:"stop_timeout,optional"`
	MaxExpressions  int     `hcl:"max_expressions,optional"`
	MaxComplexity   int     `hcl:"max_complexity,optional"`
	MaxSourceLength int     `hcl:"max_source_length,optional"`
}

type WriterConfig struct {
	RateHz     float64 `hcl:"rate_hz,optional"`
	QueueLimit int     `hcl:"queue_limit,optional"`
}

type DashboardConfig struct {
	Enabled     bool    `hcl:"enabled,optional"`
	Port        int     `hcl:"port,optional"`
	TelemetryHz float64 `hcl:"telemetry_hz,optional"`
}

type LogConfig struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// ChannelsConfig names every hardware channel in index order.
type ChannelsConfig struct {
	AI       []string  `hcl:"ai,optional"`
	AO       []string  `hcl:"ao,optional"`
	DO       []string  `hcl:"do,optional"`
	TC       []string  `hcl:"tc,optional"`
	CutoffHz []float64 `hcl:"cutoff_hz,optional"`
}

type ScopeConfig struct {
	Enabled     bool    `hcl:"enabled,optional"`
	Mode        string  `hcl:"mode,optional"`
	Source      int     `hcl:"source_index,optional"`
	Level       float64 `hcl:"level,optional"`
	Edge        string  `hcl:"edge,optional"`
	Position    int     `hcl:"position,optional"`
	TimePerDiv  float64 `hcl:"time_per_div,optional"`
	MaxUpdateHz float64 `hcl:"max_update_hz,optional"`
}

type Config struct {
	Hardware    HardwareConfig
	Control     ControlConfig
	Writer      WriterConfig
	Dashboard   DashboardConfig
	Log         LogConfig
	Channels    ChannelsConfig
	Scope       ScopeConfig
	Expressions []daqhub.ExpressionDef
	PIDs        []daqhub.PIDConfig
}

// section is a singleton block whose body is decoded over the defaults.
type section struct {
	Body hcl.Body `hcl:",remain"`
}

type hclFile struct {
	Hardware    *section               `hcl:"hardware,block"`
	Control     *section               `hcl:"control,block"`
	Writer      *section               `hcl:"writer,block"`
	Dashboard   *section               `hcl:"dashboard,block"`
	Log         *section               `hcl:"log,block"`
	Channels    *section               `hcl:"channels,block"`
	Scope       *section               `hcl:"scope,block"`
	Expressions []daqhub.ExpressionDef `hcl:"expression,block"`
	PIDs        []daqhub.PIDConfig     `hcl:"pid,block"`
}

func DefaultConfig() *Config {
	engine := daqhub.DefaultEngineConfig()
	limits := daqhub.DefaultRegistryLimits()
	trigger := scope.DefaultTriggerConfig()
	return &Config{
		Hardware: HardwareConfig{
			SampleRate:    1000,
			Thermocouples: []float64{25},
			Waveforms: []hardware.Waveform{
				{Shape: "sine", FreqHz: 5, Amplitude: 2},
				{Shape: "square", FreqHz: 1, Amplitude: 1, Offset: 1},
			},
		},
		Control: ControlConfig{
			RateHz:          engine.ControlRateHz,
			RingCapacity:    engine.RingCapacity,
			EvalTimeout:     engine.EvalTimeout.String(),
			StatsInterval:   engine.StatsInterval.String(),
			StopTimeout:     engine.StopTimeout.String(),
			MaxExpressions:  limits.MaxExpressions,
			MaxComplexity:   limits.MaxComplexity,
			MaxSourceLength: limits.MaxSourceLength,
		},
		Writer: WriterConfig{
			RateHz:     engine.WriteRateHz,
			QueueLimit: engine.QueueLimit,
		},
		Dashboard: DashboardConfig{
			Enabled:     true,
			Port:        9090,
			TelemetryHz: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Channels: ChannelsConfig{
			AI: []string{"AI0", "AI1"},
			AO: []string{"AO0", "AO1"},
			DO: []string{"DO0", "DO1", "DO2", "DO3"},
			TC: []string{"TC0"},
		},
		Scope: ScopeConfig{
			Enabled:     trigger.Enabled,
			Mode:        string(trigger.Mode),
			Source:      trigger.SourceChannel,
			Level:       trigger.Level,
			Edge:        string(trigger.Edge),
			Position:    trigger.Position,
			TimePerDiv:  trigger.TimePerDiv,
			MaxUpdateHz: trigger.MaxUpdateHz,
		},
	}
}

// Load reads and decodes the file at path over DefaultConfig.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}
	return decode(file, path)
}

// Parse decodes HCL source held in memory; filename is used in diagnostics.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (*Config, error) {
	ctx := evalContext()

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, ctx, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config %s: %w", filename, diags)
	}

	cfg := DefaultConfig()
	sections := []struct {
		block  *section
		target any
	}{
		{parsed.Hardware, &cfg.Hardware},
		{parsed.Control, &cfg.Control},
		{parsed.Writer, &cfg.Writer},
		{parsed.Dashboard, &cfg.Dashboard},
		{parsed.Log, &cfg.Log},
		{parsed.Channels, &cfg.Channels},
		{parsed.Scope, &cfg.Scope},
	}
	for _, s := range sections {
		if s.block == nil {
			continue
		}
		if diags := gohcl.DecodeBody(s.block.Body, ctx, s.target); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode config %s: %w", filename, diags)
		}
	}
	if len(cfg.Hardware.Waveforms) == 0 {
		cfg.Hardware.Waveforms = DefaultConfig().Hardware.Waveforms
	}
	if len(parsed.Expressions) > 0 {
		cfg.Expressions = parsed.Expressions
	}
	if len(parsed.PIDs) > 0 {
		cfg.PIDs = parsed.PIDs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return cfg, nil
}

// evalContext exposes the process environment as env.NAME.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if !(v > 0) {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}
	positive("hardware.sample_rate", c.Hardware.SampleRate)
	positive("control.rate_hz", c.Control.RateHz)
	positive("writer.rate_hz", c.Writer.RateHz)

	for name, d := range map[string]string{
		"control.eval_timeout":   c.Control.EvalTimeout,
		"control.stats_interval": c.Control.StatsInterval,
		"control.stop_timeout":   c.Control.StopTimeout,
	} {
		if _, err := parseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		errs = append(errs, fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	if len(c.Channels.CutoffHz) > len(c.Channels.AI) {
		errs = append(errs, fmt.Errorf("channels.cutoff_hz has %d entries for %d AI channels",
			len(c.Channels.CutoffHz), len(c.Channels.AI)))
	}
	if len(c.Hardware.Waveforms) < len(c.Channels.AI) {
		errs = append(errs, fmt.Errorf("hardware defines %d waveforms for %d AI channels",
			len(c.Hardware.Waveforms), len(c.Channels.AI)))
	}

	seen := make(map[string]bool)
	for _, pid := range c.PIDs {
		if seen[pid.Name] {
			errs = append(errs, fmt.Errorf("pid %q: %w", pid.Name, daqhub.ErrDuplicate))
		}
		seen[pid.Name] = true
	}
	return errors.Join(errs...)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// EngineConfig converts the pipeline settings.
func (c *Config) EngineConfig() daqhub.EngineConfig {
	cfg := daqhub.DefaultEngineConfig()
	cfg.ControlRateHz = c.Control.RateHz
	cfg.WriteRateHz = c.Writer.RateHz
	if c.Control.RingCapacity > 0 {
		cfg.RingCapacity = c.Control.RingCapacity
	}
	if c.Writer.QueueLimit > 0 {
		cfg.QueueLimit = c.Writer.QueueLimit
	}
	if d, _ := parseDuration(c.Control.EvalTimeout); d > 0 {
		cfg.EvalTimeout = d
	}
	if d, _ := parseDuration(c.Control.StatsInterval); d > 0 {
		cfg.StatsInterval = d
	}
	if d, _ := parseDuration(c.Control.StopTimeout); d > 0 {
		cfg.StopTimeout = d
	}
	cfg.Channels = map[daqhub.ChannelKind][]string{
		daqhub.AnalogIn:     c.Channels.AI,
		daqhub.AnalogOut:    c.Channels.AO,
		daqhub.DigitalOut:   c.Channels.DO,
		daqhub.Thermocouple: c.Channels.TC,
	}
	cfg.Cutoffs = make([]float64, len(c.Channels.AI))
	copy(cfg.Cutoffs, c.Channels.CutoffHz)
	return cfg
}

// SimulatorConfig sizes the simulated bridge to the configured channels.
func (c *Config) SimulatorConfig() hardware.SimulatorConfig {
	tc := make([]float64, len(c.Channels.TC))
	copy(tc, c.Hardware.Thermocouples)
	return hardware.SimulatorConfig{
		SampleRate: c.Hardware.SampleRate,
		AI:         c.Hardware.Waveforms[:len(c.Channels.AI)],
		TC:         tc,
		DigitalOut: len(c.Channels.DO),
		AnalogOut:  len(c.Channels.AO),
	}
}

func (c *Config) RegistryLimits() *daqhub.RegistryLimits {
	limits := daqhub.DefaultRegistryLimits()
	if c.Control.MaxExpressions > 0 {
		limits.MaxExpressions = c.Control.MaxExpressions
	}
	if c.Control.MaxComplexity > 0 {
		limits.MaxComplexity = c.Control.MaxComplexity
	}
	if c.Control.MaxSourceLength > 0 {
		limits.MaxSourceLength = c.Control.MaxSourceLength
	}
	return limits
}

// ScopeUpdate is the initial scope configuration as a full update.
func (c *Config) ScopeUpdate() scope.Update {
	s := c.Scope
	mode := scope.Mode(strings.ToLower(s.Mode))
	edge := scope.Edge(strings.ToLower(s.Edge))
	return scope.Update{
		Enabled:       &s.Enabled,
		Mode:          &mode,
		SourceChannel: &s.Source,
		Level:         &s.Level,
		Edge:          &edge,
		Position:      &s.Position,
		TimePerDiv:    &s.TimePerDiv,
		MaxUpdateHz:   &s.MaxUpdateHz,
	}
}
