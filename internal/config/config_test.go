package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `cycle: 100ms
endpoint:
  driver: evok
  address: http://127.0.0.1:8080
  device: "1"
  timeout: 750ms
logging:
  level: debug
  format: text
telemetry:
  enabled: true
live_view:
  enabled: true
points:
  digital_in:
    - pin: 1
      label: start_button
    - pin: 2
      label: stop_button
      normal_closed: true
  digital_out:
    - pin: 1
      label: motor
  analog_in:
    - pin: 1
      label: temperature
  analog_out:
    - pin: 1
      label: valve
      init: 20
memory:
  - id: step
    kind: number
  - id: latched
    kind: bit
    init: 1
timers:
  - id: spin_up
    kind: on_delay
    duration: 2s
    while: active("di.start_button")
counters:
  - id: pieces
    kind: up
    preset: 10
    up: rising("di.start_button")
switches:
  - id: hand_auto
    source: start_button
rules:
  control:
    - target: do.motor
      expression: active("di.start_button") && !active("di.stop_button")
  emergency:
    when: value("ai.temperature") > 90.0
    then:
      - target: do.motor
        expression: "false"
  exit:
    then:
      - target: do.motor
        expression: "false"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CycleInterval() != 100*time.Millisecond {
		t.Fatalf("expected 100ms cycle, got %s", cfg.CycleInterval())
	}
	if cfg.Endpoint.Timeout.Duration != 750*time.Millisecond {
		t.Fatalf("expected endpoint timeout 750ms, got %s", cfg.Endpoint.Timeout.Duration)
	}
	if len(cfg.Points.DigitalIn) != 2 || len(cfg.Points.DigitalOut) != 1 {
		t.Fatalf("unexpected digital point counts: %+v", cfg.Points)
	}
	if !cfg.Points.DigitalIn[1].NormalClosed {
		t.Fatalf("expected stop_button to be normal closed")
	}
	if cfg.Points.AnalogOut[0].Init != 20 {
		t.Fatalf("expected valve init 20, got %v", cfg.Points.AnalogOut[0].Init)
	}
	if len(cfg.Memory) != 2 || cfg.Memory[0].Kind != MemoryKindNumber {
		t.Fatalf("unexpected memory cells: %+v", cfg.Memory)
	}
	if len(cfg.Timers) != 1 || cfg.Timers[0].Duration.Duration != 2*time.Second {
		t.Fatalf("unexpected timers: %+v", cfg.Timers)
	}
	if len(cfg.Rules.Control) != 1 || cfg.Rules.Control[0].Target != "do.motor" {
		t.Fatalf("unexpected control rules: %+v", cfg.Rules.Control)
	}
	if cfg.Rules.Emergency.When == "" || len(cfg.Rules.Emergency.Then) != 1 {
		t.Fatalf("unexpected emergency section: %+v", cfg.Rules.Emergency)
	}
	if cfg.LiveView.Listen != ":18080" {
		t.Fatalf("expected default live view listen, got %q", cfg.LiveView.Listen)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `endpoint:
  driver: sim
points:
  digital_out:
    - pin: 1
      label: lamp
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CycleInterval() != 0 {
		t.Fatalf("expected free running cycle, got %s", cfg.CycleInterval())
	}
	if cfg.Endpoint.Device != "1" {
		t.Fatalf("expected default device 1, got %q", cfg.Endpoint.Device)
	}
	if cfg.Endpoint.Timeout.Duration != 500*time.Millisecond {
		t.Fatalf("expected default timeout 500ms, got %s", cfg.Endpoint.Timeout.Duration)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `endpoint:
  driver: sim
points: {}
bogus: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "unknown driver",
			content: `endpoint:
  driver: opcua
  address: opc.tcp://localhost
points: {}
`,
			want: "unknown driver",
		},
		{
			name: "missing address",
			content: `endpoint:
  driver: modbus
points: {}
`,
			want: "address is required",
		},
		{
			name: "duplicate label",
			content: `endpoint:
  driver: sim
points:
  digital_in:
    - pin: 1
      label: button
    - pin: 2
      label: button
`,
			want: "duplicate label",
		},
		{
			name: "pin out of range",
			content: `endpoint:
  driver: sim
points:
  digital_out:
    - pin: 0
      label: lamp
`,
			want: "out of range",
		},
		{
			name: "normal closed analog",
			content: `endpoint:
  driver: sim
points:
  analog_in:
    - pin: 1
      label: temp
      normal_closed: true
`,
			want: "digital points only",
		},
		{
			name: "memory kind",
			content: `endpoint:
  driver: sim
points: {}
memory:
  - id: x
    kind: string
`,
			want: "unknown kind",
		},
		{
			name: "duplicate identifier across sections",
			content: `endpoint:
  driver: sim
points: {}
memory:
  - id: twice
    kind: bit
timers:
  - id: twice
    kind: on_delay
    duration: 1s
`,
			want: "already declared",
		},
		{
			name: "timer duration",
			content: `endpoint:
  driver: sim
points: {}
timers:
  - id: t1
    kind: on_delay
    duration: 0s
`,
			want: "duration must be positive",
		},
		{
			name: "rule target class",
			content: `endpoint:
  driver: sim
points: {}
rules:
  control:
    - target: di.button
      expression: "true"
`,
			want: "cannot be assigned",
		},
		{
			name: "rule target shape",
			content: `endpoint:
  driver: sim
points: {}
rules:
  control:
    - target: motor
      expression: "true"
`,
			want: "class.label",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{Duration: 1500 * time.Millisecond}
	out, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if out != "1.5s" {
		t.Fatalf("expected 1.5s, got %v", out)
	}
}
