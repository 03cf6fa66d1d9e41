package programs

import "github.com/timzifer/softplc/plc"

// ToggleSwitch turns a momentary signal into a latched one: every rising
// edge of the source cell flips the switch. A monostable pushbutton wired
// to a digital input behaves like a bistable switch this way.
//
// Update must be called exactly once per scan, after inputs have been
// read. Reading Active, Rising or Falling does not advance the switch, so
// control logic may query it as often as it likes within one scan.
type ToggleSwitch struct {
	source *plc.BitCell
	state  *plc.BitCell
}

// NewToggleSwitch returns a switch driven by the rising edges of source.
// The switch starts out off.
func NewToggleSwitch(source *plc.BitCell) *ToggleSwitch {
	return &ToggleSwitch{source: source, state: plc.NewBitCell(false)}
}

// Update advances the switch by one scan, flipping the latched state if
// the source saw a rising edge.
func (s *ToggleSwitch) Update() {
	if s.source.Rising() {
		s.state.Set(!s.state.Value())
		return
	}
	s.state.Set(s.state.Value())
}

// Force overrides the latched state.
func (s *ToggleSwitch) Force(v bool) {
	s.state.Set(v)
}

// Active reports the latched state.
func (s *ToggleSwitch) Active() bool {
	return s.state.Active()
}

// Rising reports whether the last Update turned the switch on.
func (s *ToggleSwitch) Rising() bool {
	return s.state.Rising()
}

// Falling reports whether the last Update turned the switch off.
func (s *ToggleSwitch) Falling() bool {
	return s.state.Falling()
}
