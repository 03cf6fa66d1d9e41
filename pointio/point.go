package pointio

import (
	"fmt"
	"time"
)

// DefaultTimeout bounds a single point exchange when the point does not
// carry its own deadline.
const DefaultTimeout = 500 * time.Millisecond

// Kind classifies a point by direction and signal type.
type Kind int

const (
	DigitalIn Kind = iota
	DigitalOut
	AnalogIn
	AnalogOut
)

// Path returns the URL segment the point protocol uses for the class.
// Digital outputs are exposed by the service as relays.
func (k Kind) Path() string {
	switch k {
	case DigitalIn:
		return "di"
	case DigitalOut:
		return "ro"
	case AnalogIn:
		return "ai"
	case AnalogOut:
		return "ao"
	default:
		return ""
	}
}

func (k Kind) String() string {
	switch k {
	case DigitalIn:
		return "digital_in"
	case DigitalOut:
		return "digital_out"
	case AnalogIn:
		return "analog_in"
	case AnalogOut:
		return "analog_out"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Digital reports whether the point carries a binary signal.
func (k Kind) Digital() bool {
	return k == DigitalIn || k == DigitalOut
}

// Input reports whether the point is read during the input phase.
func (k Kind) Input() bool {
	return k == DigitalIn || k == AnalogIn
}

// Point identifies one addressable terminal on the remote I/O service.
// The wire address is fixed at construction from device and pin, so a
// point never depends on shared mutable addressing state.
type Point struct {
	Kind         Kind
	Device       string
	Pin          int
	Address      string
	Label        string
	NormalClosed bool
	Timeout      time.Duration
}

// NewPoint derives the wire address from device and pin and returns the
// bound point. The timeout starts at DefaultTimeout; callers may adjust
// the returned value before handing it to a client.
func NewPoint(kind Kind, device, label string, pin int) (Point, error) {
	if label == "" {
		return Point{}, fmt.Errorf("point label is required")
	}
	if device == "" {
		return Point{}, fmt.Errorf("point %q: device is required", label)
	}
	if pin < 1 {
		return Point{}, fmt.Errorf("point %q: pin %d out of range", label, pin)
	}
	return Point{
		Kind:    kind,
		Device:  device,
		Pin:     pin,
		Address: formatAddress(device, pin),
		Label:   label,
		Timeout: DefaultTimeout,
	}, nil
}

// TimeoutOrDefault returns the per-point deadline, falling back to
// DefaultTimeout for zero values.
func (p Point) TimeoutOrDefault() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

// The service addresses a pin as "<device>_<pin>" with single digit pins
// zero padded, e.g. device "1" pin 1 -> "1_01".
func formatAddress(device string, pin int) string {
	if pin < 10 {
		return fmt.Sprintf("%s_0%d", device, pin)
	}
	return fmt.Sprintf("%s_%d", device, pin)
}
