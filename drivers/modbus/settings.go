package modbus

import (
	"fmt"
	"time"
)

// Transport modes.
const (
	ModeTCP = "tcp"
	ModeRTU = "rtu"
)

// DefaultTimeout bounds connect and exchange when neither the settings nor
// the point carry a deadline.
const DefaultTimeout = 5 * time.Second

// RegisterBases anchors the four point classes in the register space. A
// point's register is its class base plus pin minus one.
type RegisterBases struct {
	DigitalIn  uint16
	DigitalOut uint16
	AnalogIn   uint16
	AnalogOut  uint16
}

// Settings describes the Modbus endpoint.
type Settings struct {
	Mode     string
	Address  string
	UnitID   uint8
	BaudRate int
	Timeout  time.Duration
	Bases    RegisterBases

	// InputScale converts analog input words to engineering values,
	// OutputScale converts engineering values to analog output words.
	// Zero means unscaled.
	InputScale  float64
	OutputScale float64
}

func (s *Settings) normalize() error {
	if s.Address == "" {
		return fmt.Errorf("modbus address is required")
	}
	switch s.Mode {
	case "":
		s.Mode = ModeTCP
	case ModeTCP, ModeRTU:
	default:
		return fmt.Errorf("unsupported modbus mode %q", s.Mode)
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.InputScale == 0 {
		s.InputScale = 1
	}
	if s.OutputScale == 0 {
		s.OutputScale = 1
	}
	return nil
}
