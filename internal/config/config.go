// Package config loads and validates the runtime configuration: the I/O
// endpoint, the registered points, internal memory cells, control rules
// and the ambient logging/telemetry/notification settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Drivers accepted by the endpoint configuration.
const (
	DriverEvok   = "evok"
	DriverModbus = "modbus"
	DriverSim    = "sim"
)

// RegisterBases maps the four point classes onto Modbus register offsets.
type RegisterBases struct {
	DigitalIn  uint16 `yaml:"di"`
	DigitalOut uint16 `yaml:"ro"`
	AnalogIn   uint16 `yaml:"ai"`
	AnalogOut  uint16 `yaml:"ao"`
}

// ScaleConfig converts between raw register words and engineering values.
type ScaleConfig struct {
	AnalogIn  float64 `yaml:"ai,omitempty"`
	AnalogOut float64 `yaml:"ao,omitempty"`
}

// EndpointConfig describes how to reach the I/O point service.
type EndpointConfig struct {
	Driver  string   `yaml:"driver"`
	Address string   `yaml:"address"`
	Device  string   `yaml:"device,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`

	// Modbus specific settings, ignored by the other drivers.
	Mode         string        `yaml:"mode,omitempty"`
	UnitID       uint8         `yaml:"unit_id,omitempty"`
	BaudRate     int           `yaml:"baud_rate,omitempty"`
	RegisterBase RegisterBases `yaml:"register_base,omitempty"`
	Scale        ScaleConfig   `yaml:"scale,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	File   string     `yaml:"file,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig toggles the Prometheus collector.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LiveViewConfig configures the read only inspection server.
type LiveViewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// MQTTConfig configures the MQTT notification channel.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	QoS      uint8  `yaml:"qos,omitempty"`
}

// SMTPConfig configures the mail notification channel.
type SMTPConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port,omitempty"`
	From       string   `yaml:"from"`
	Password   string   `yaml:"password,omitempty"`
	To         []string `yaml:"to"`
	Subject    string   `yaml:"subject,omitempty"`
	MaxRetries int      `yaml:"max_retries,omitempty"`
	RetryWait  Duration `yaml:"retry_wait,omitempty"`
}

// NotifyConfig lists the configured notification channels. Empty channels
// are skipped.
type NotifyConfig struct {
	MQTT MQTTConfig `yaml:"mqtt,omitempty"`
	SMTP SMTPConfig `yaml:"smtp,omitempty"`
}

// PointConfig registers one physical point with the engine.
type PointConfig struct {
	Pin          int      `yaml:"pin"`
	Label        string   `yaml:"label"`
	NormalClosed bool     `yaml:"normal_closed,omitempty"`
	Init         float64  `yaml:"init,omitempty"`
	Timeout      Duration `yaml:"timeout,omitempty"`
	Device       string   `yaml:"device,omitempty"`
}

// PointsConfig holds the point registrations per class.
type PointsConfig struct {
	DigitalIn  []PointConfig `yaml:"digital_in,omitempty"`
	DigitalOut []PointConfig `yaml:"digital_out,omitempty"`
	AnalogIn   []PointConfig `yaml:"analog_in,omitempty"`
	AnalogOut  []PointConfig `yaml:"analog_out,omitempty"`
}

// Memory cell kinds.
const (
	MemoryKindBit    = "bit"
	MemoryKindNumber = "number"
)

// MemoryCellConfig declares an internal cell that is not bound to a
// physical point, usable as a rule target and in expressions.
type MemoryCellConfig struct {
	ID   string  `yaml:"id"`
	Kind string  `yaml:"kind"`
	Init float64 `yaml:"init,omitempty"`
}

// Timer kinds.
const (
	TimerSingleScan = "single_scan"
	TimerOnDelay    = "on_delay"
	TimerOffDelay   = "off_delay"
)

// TimerConfig declares a timer instance advanced once per scan. While the
// optional gate expression is truthy the timer runs; when it turns false
// the timer resets. An absent gate keeps the timer running permanently.
type TimerConfig struct {
	ID       string   `yaml:"id"`
	Kind     string   `yaml:"kind"`
	Duration Duration `yaml:"duration"`
	While    string   `yaml:"while,omitempty"`
}

// Counter kinds.
const (
	CounterUp     = "up"
	CounterDown   = "down"
	CounterUpDown = "up_down"
)

// CounterConfig declares a counter instance. The up/down/reset expressions
// are evaluated once per scan; a truthy result applies the operation.
type CounterConfig struct {
	ID     string `yaml:"id"`
	Kind   string `yaml:"kind"`
	Preset int    `yaml:"preset,omitempty"`
	Up     string `yaml:"up,omitempty"`
	Down   string `yaml:"down,omitempty"`
	Reset  string `yaml:"reset,omitempty"`
}

// SwitchConfig declares a toggle switch latched on the rising edges of a
// digital input.
type SwitchConfig struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
}

// RuleConfig assigns the result of an expression to a target cell, written
// as a class qualified label such as "do.lamp" or "mem.step1".
type RuleConfig struct {
	Target     string `yaml:"target"`
	Expression string `yaml:"expression"`
}

// EmergencyConfig wires the one way emergency path: when the condition
// turns truthy the control step signals an emergency, and the assignments
// bring the outputs to their safe state.
type EmergencyConfig struct {
	When string       `yaml:"when,omitempty"`
	Then []RuleConfig `yaml:"then,omitempty"`
}

// ExitConfig lists the assignments applied once after a cooperative stop,
// before the engine's final output flush.
type ExitConfig struct {
	Then []RuleConfig `yaml:"then,omitempty"`
}

// RulesConfig holds the control logic evaluated by the rule controller.
type RulesConfig struct {
	Control   []RuleConfig    `yaml:"control,omitempty"`
	Emergency EmergencyConfig `yaml:"emergency,omitempty"`
	Exit      ExitConfig      `yaml:"exit,omitempty"`
}

// Config is the root configuration structure for the runtime.
type Config struct {
	Cycle     Duration           `yaml:"cycle,omitempty"`
	Endpoint  EndpointConfig     `yaml:"endpoint"`
	Logging   LoggingConfig      `yaml:"logging,omitempty"`
	Telemetry TelemetryConfig    `yaml:"telemetry,omitempty"`
	LiveView  LiveViewConfig     `yaml:"live_view,omitempty"`
	Notify    NotifyConfig       `yaml:"notify,omitempty"`
	Points    PointsConfig       `yaml:"points"`
	Memory    []MemoryCellConfig `yaml:"memory,omitempty"`
	Timers    []TimerConfig      `yaml:"timers,omitempty"`
	Counters  []CounterConfig    `yaml:"counters,omitempty"`
	Switches  []SwitchConfig     `yaml:"switches,omitempty"`
	Rules     RulesConfig        `yaml:"rules,omitempty"`
}

// Load reads the configuration file, decodes it strictly, applies defaults
// and validates the structure.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Endpoint.Driver == "" {
		c.Endpoint.Driver = DriverEvok
	}
	if c.Endpoint.Device == "" {
		c.Endpoint.Device = "1"
	}
	if c.Endpoint.Timeout.Duration <= 0 {
		c.Endpoint.Timeout.Duration = 500 * time.Millisecond
	}
	if c.Endpoint.Mode == "" {
		c.Endpoint.Mode = "tcp"
	}
	if c.LiveView.Enabled && c.LiveView.Listen == "" {
		c.LiveView.Listen = ":18080"
	}
}

// CycleInterval returns the configured scan pacing. Zero keeps the loop
// free running.
func (c *Config) CycleInterval() time.Duration {
	if c == nil || c.Cycle.Duration <= 0 {
		return 0
	}
	return c.Cycle.Duration
}

// Validate checks the structural consistency of the configuration. Deeper
// semantic checks, such as resolving rule expressions against registered
// labels, happen when the rule controller is built.
func (c *Config) Validate() error {
	switch c.Endpoint.Driver {
	case DriverEvok, DriverModbus, DriverSim:
	default:
		return fmt.Errorf("endpoint: unknown driver %q", c.Endpoint.Driver)
	}
	if c.Endpoint.Driver != DriverSim && c.Endpoint.Address == "" {
		return fmt.Errorf("endpoint: address is required for driver %q", c.Endpoint.Driver)
	}
	if c.Endpoint.Driver == DriverModbus {
		switch c.Endpoint.Mode {
		case "tcp", "rtu":
		default:
			return fmt.Errorf("endpoint: unknown modbus mode %q", c.Endpoint.Mode)
		}
	}

	if err := validatePoints("digital_in", c.Points.DigitalIn); err != nil {
		return err
	}
	if err := validatePoints("digital_out", c.Points.DigitalOut); err != nil {
		return err
	}
	if err := validatePoints("analog_in", c.Points.AnalogIn); err != nil {
		return err
	}
	if err := validatePoints("analog_out", c.Points.AnalogOut); err != nil {
		return err
	}
	for _, p := range c.Points.AnalogIn {
		if p.NormalClosed {
			return fmt.Errorf("analog_in %q: normal_closed applies to digital points only", p.Label)
		}
	}
	for _, p := range c.Points.AnalogOut {
		if p.NormalClosed {
			return fmt.Errorf("analog_out %q: normal_closed applies to digital points only", p.Label)
		}
	}

	ids := make(map[string]string)
	for _, mem := range c.Memory {
		if mem.ID == "" {
			return fmt.Errorf("memory cell id must not be empty")
		}
		switch mem.Kind {
		case MemoryKindBit, MemoryKindNumber:
		default:
			return fmt.Errorf("memory cell %q: unknown kind %q", mem.ID, mem.Kind)
		}
		if prev, ok := ids[mem.ID]; ok {
			return fmt.Errorf("memory cell %q already declared as %s", mem.ID, prev)
		}
		ids[mem.ID] = "memory cell"
	}
	for _, timer := range c.Timers {
		if timer.ID == "" {
			return fmt.Errorf("timer id must not be empty")
		}
		switch timer.Kind {
		case TimerSingleScan, TimerOnDelay, TimerOffDelay:
		default:
			return fmt.Errorf("timer %q: unknown kind %q", timer.ID, timer.Kind)
		}
		if timer.Duration.Duration <= 0 {
			return fmt.Errorf("timer %q: duration must be positive", timer.ID)
		}
		if prev, ok := ids[timer.ID]; ok {
			return fmt.Errorf("timer %q already declared as %s", timer.ID, prev)
		}
		ids[timer.ID] = "timer"
	}
	for _, counter := range c.Counters {
		if counter.ID == "" {
			return fmt.Errorf("counter id must not be empty")
		}
		switch counter.Kind {
		case CounterUp, CounterDown, CounterUpDown:
		default:
			return fmt.Errorf("counter %q: unknown kind %q", counter.ID, counter.Kind)
		}
		if counter.Preset < 0 {
			return fmt.Errorf("counter %q: preset must not be negative", counter.ID)
		}
		if prev, ok := ids[counter.ID]; ok {
			return fmt.Errorf("counter %q already declared as %s", counter.ID, prev)
		}
		ids[counter.ID] = "counter"
	}
	for _, sw := range c.Switches {
		if sw.ID == "" {
			return fmt.Errorf("switch id must not be empty")
		}
		if sw.Source == "" {
			return fmt.Errorf("switch %q: source label is required", sw.ID)
		}
		if prev, ok := ids[sw.ID]; ok {
			return fmt.Errorf("switch %q already declared as %s", sw.ID, prev)
		}
		ids[sw.ID] = "switch"
	}

	for i, rule := range c.Rules.Control {
		if err := validateRule("control", i, rule); err != nil {
			return err
		}
	}
	for i, rule := range c.Rules.Emergency.Then {
		if err := validateRule("emergency", i, rule); err != nil {
			return err
		}
	}
	for i, rule := range c.Rules.Exit.Then {
		if err := validateRule("exit", i, rule); err != nil {
			return err
		}
	}
	return nil
}

func validatePoints(class string, points []PointConfig) error {
	labels := make(map[string]struct{}, len(points))
	for _, p := range points {
		if p.Label == "" {
			return fmt.Errorf("%s: point label must not be empty", class)
		}
		if p.Pin < 1 {
			return fmt.Errorf("%s %q: pin %d out of range", class, p.Label, p.Pin)
		}
		if _, ok := labels[p.Label]; ok {
			return fmt.Errorf("%s: duplicate label %q", class, p.Label)
		}
		labels[p.Label] = struct{}{}
	}
	return nil
}

// Rule targets are class qualified labels; only writable classes may
// appear on the left side of a rule.
func validateRule(section string, index int, rule RuleConfig) error {
	if rule.Target == "" {
		return fmt.Errorf("%s rule %d: target must not be empty", section, index)
	}
	if rule.Expression == "" {
		return fmt.Errorf("%s rule %q: expression must not be empty", section, rule.Target)
	}
	class, label, ok := strings.Cut(rule.Target, ".")
	if !ok || label == "" {
		return fmt.Errorf("%s rule %d: target %q must be written as class.label", section, index, rule.Target)
	}
	switch class {
	case "do", "ao", "mem":
	case "di", "ai":
		return fmt.Errorf("%s rule %d: target %q is an input and cannot be assigned", section, index, rule.Target)
	default:
		return fmt.Errorf("%s rule %d: target %q has unknown class %q", section, index, rule.Target, class)
	}
	return nil
}
