package programs

import (
	"testing"

	"github.com/timzifer/softplc/plc"
)

func TestToggleSwitchFlipsOnRisingEdge(t *testing.T) {
	button := plc.NewBitCell(false)
	sw := NewToggleSwitch(button)

	// Scan with the button released: nothing happens.
	button.Set(false)
	sw.Update()
	if sw.Active() {
		t.Fatalf("switch must start off")
	}

	// Button pressed: rising edge flips the switch on.
	button.Set(true)
	sw.Update()
	if !sw.Active() || !sw.Rising() {
		t.Fatalf("rising edge of the button must flip the switch on")
	}

	// Button held: no edge, switch keeps its state.
	button.Set(true)
	sw.Update()
	if !sw.Active() {
		t.Fatalf("held button must not flip the switch")
	}
	if sw.Rising() {
		t.Fatalf("switch edge must last exactly one scan")
	}

	// Button released: falling edge does not flip.
	button.Set(false)
	sw.Update()
	if !sw.Active() {
		t.Fatalf("falling edge of the button must not flip the switch")
	}

	// Pressed again: flips back off.
	button.Set(true)
	sw.Update()
	if sw.Active() || !sw.Falling() {
		t.Fatalf("second press must flip the switch off")
	}
}

func TestToggleSwitchForceOverrides(t *testing.T) {
	button := plc.NewBitCell(false)
	sw := NewToggleSwitch(button)

	sw.Force(true)
	if !sw.Active() {
		t.Fatalf("force must set the latched state")
	}

	button.Set(false)
	sw.Update()
	if !sw.Active() {
		t.Fatalf("scan without an edge must keep the forced state")
	}

	sw.Force(false)
	if sw.Active() {
		t.Fatalf("force must clear the latched state")
	}
}

func TestToggleSwitchReadsDoNotAdvance(t *testing.T) {
	button := plc.NewBitCell(false)
	sw := NewToggleSwitch(button)

	button.Set(true)
	sw.Update()
	for i := 0; i < 3; i++ {
		if !sw.Active() || !sw.Rising() {
			t.Fatalf("reads must not change the switch state")
		}
	}
}
