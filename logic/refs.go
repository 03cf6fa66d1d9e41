package logic

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/timzifer/softplc/plc"
)

// Cells are referenced from expressions as class qualified labels:
// "di.start", "do.lamp", "ai.temp", "ao.valve", "mem.step1".
const (
	classDigitalIn  = "di"
	classDigitalOut = "do"
	classAnalogIn   = "ai"
	classAnalogOut  = "ao"
	classMemory     = "mem"
)

type ref struct {
	class string
	label string
}

func (r ref) String() string {
	return r.class + "." + r.label
}

func parseRef(raw string) (ref, error) {
	class, label, ok := strings.Cut(raw, ".")
	if !ok || label == "" {
		return ref{}, fmt.Errorf("reference %q must be written as class.label", raw)
	}
	switch class {
	case classDigitalIn, classDigitalOut, classAnalogIn, classAnalogOut, classMemory:
	default:
		return ref{}, fmt.Errorf("reference %q has unknown class %q", raw, class)
	}
	return ref{class: class, label: label}, nil
}

// evalError aborts an expression from inside an environment function. The
// expression VM turns the panic into the error returned from Run.
type evalError struct {
	msg string
}

func (e evalError) Error() string { return e.msg }

func evalErrorf(format string, args ...interface{}) evalError {
	return evalError{msg: fmt.Sprintf(format, args...)}
}

// resolver looks up cells across the engine registries and the
// controller's internal memory cells.
type resolver struct {
	engine  *plc.Engine
	memBits map[string]*plc.BitCell
	memNums map[string]*plc.NumberCell
}

func (r *resolver) bit(rf ref) (*plc.BitCell, bool) {
	switch rf.class {
	case classDigitalIn:
		return r.engine.DigitalInput(rf.label)
	case classDigitalOut:
		return r.engine.DigitalOutput(rf.label)
	case classMemory:
		cell, ok := r.memBits[rf.label]
		return cell, ok
	}
	return nil, false
}

func (r *resolver) number(rf ref) (*plc.NumberCell, bool) {
	switch rf.class {
	case classAnalogIn:
		return r.engine.AnalogInput(rf.label)
	case classAnalogOut:
		return r.engine.AnalogOutput(rf.label)
	case classMemory:
		cell, ok := r.memNums[rf.label]
		return cell, ok
	}
	return nil, false
}

func (r *resolver) exists(rf ref) bool {
	if _, ok := r.bit(rf); ok {
		return true
	}
	_, ok := r.number(rf)
	return ok
}

func (r *resolver) mustBit(raw string) *plc.BitCell {
	rf, err := parseRef(raw)
	if err != nil {
		panic(evalError{msg: err.Error()})
	}
	cell, ok := r.bit(rf)
	if !ok {
		panic(evalErrorf("unknown bit cell %q", raw))
	}
	return cell
}

// environment builds the evaluation scope shared by all expressions of one
// scan. Cell functions read live cell state; instrument functions read the
// state latched by the last advance.
func (c *Controller) environment() map[string]interface{} {
	r := &c.refs
	env := map[string]interface{}{
		"active": func(raw string) bool {
			rf, err := parseRef(raw)
			if err != nil {
				panic(evalError{msg: err.Error()})
			}
			if cell, ok := r.bit(rf); ok {
				return cell.Active()
			}
			if cell, ok := r.number(rf); ok {
				return cell.Active()
			}
			panic(evalErrorf("unknown cell %q", raw))
		},
		"value": func(raw string) interface{} {
			rf, err := parseRef(raw)
			if err != nil {
				panic(evalError{msg: err.Error()})
			}
			if cell, ok := r.bit(rf); ok {
				return cell.Value()
			}
			if cell, ok := r.number(rf); ok {
				return cell.Value()
			}
			panic(evalErrorf("unknown cell %q", raw))
		},
		"prev": func(raw string) interface{} {
			rf, err := parseRef(raw)
			if err != nil {
				panic(evalError{msg: err.Error()})
			}
			if cell, ok := r.bit(rf); ok {
				return cell.Previous()
			}
			if cell, ok := r.number(rf); ok {
				return cell.Previous()
			}
			panic(evalErrorf("unknown cell %q", raw))
		},
		"rising": func(raw string) bool {
			return r.mustBit(raw).Rising()
		},
		"falling": func(raw string) bool {
			return r.mustBit(raw).Falling()
		},
		"done": func(id string) bool {
			if t, ok := c.timersByID[id]; ok {
				return t.done
			}
			if cnt, ok := c.countersByID[id]; ok {
				return cnt.doneState()
			}
			panic(evalErrorf("unknown timer or counter %q", id))
		},
		"running": func(id string) bool {
			t, ok := c.timersByID[id]
			if !ok {
				panic(evalErrorf("unknown timer %q", id))
			}
			return t.running
		},
		"count": func(id string) int {
			cnt, ok := c.countersByID[id]
			if !ok {
				panic(evalErrorf("unknown counter %q", id))
			}
			return cnt.value()
		},
		"toggled": func(id string) bool {
			sw, ok := c.switchesByID[id]
			if !ok {
				panic(evalErrorf("unknown switch %q", id))
			}
			return sw.sw.Active()
		},
	}
	return env
}

// Expression references are string literals, so unknown cells and
// instruments can be rejected when the configuration is loaded instead of
// in the middle of a scan. References assembled at runtime still fail the
// scan through the environment functions.
var (
	cellRefPattern    = regexp.MustCompile(`["']((?:di|do|ai|ao|mem)\.[A-Za-z_][A-Za-z0-9_]*)["']`)
	edgeRefPattern    = regexp.MustCompile(`\b(rising|falling)\(\s*["']([^"']+)["']`)
	instrumentPattern = regexp.MustCompile(`\b(done|running|count|toggled)\(\s*["']([A-Za-z_][A-Za-z0-9_]*)["']`)
)

func (c *Controller) checkExpression(section, src string) error {
	for _, match := range cellRefPattern.FindAllStringSubmatch(src, -1) {
		rf, err := parseRef(match[1])
		if err != nil {
			return &plc.ConfigError{Reason: fmt.Sprintf("%s: %v", section, err)}
		}
		if !c.refs.exists(rf) {
			return &plc.ConfigError{Reason: fmt.Sprintf("%s: unknown cell %q", section, match[1])}
		}
	}
	for _, match := range edgeRefPattern.FindAllStringSubmatch(src, -1) {
		rf, err := parseRef(match[2])
		if err != nil {
			return &plc.ConfigError{Reason: fmt.Sprintf("%s: %s: %v", section, match[1], err)}
		}
		if _, ok := c.refs.bit(rf); !ok {
			return &plc.ConfigError{Reason: fmt.Sprintf("%s: %s(%q) needs a bit cell", section, match[1], match[2])}
		}
	}
	for _, match := range instrumentPattern.FindAllStringSubmatch(src, -1) {
		fn, id := match[1], match[2]
		if err := c.checkInstrumentRef(fn, id); err != nil {
			return &plc.ConfigError{Reason: fmt.Sprintf("%s: %v", section, err)}
		}
	}
	return nil
}

func (c *Controller) checkInstrumentRef(fn, id string) error {
	switch fn {
	case "done":
		if _, ok := c.timersByID[id]; ok {
			return nil
		}
		if _, ok := c.countersByID[id]; ok {
			return nil
		}
		return fmt.Errorf("done(%q): no such timer or counter", id)
	case "running":
		if _, ok := c.timersByID[id]; !ok {
			return fmt.Errorf("running(%q): no such timer", id)
		}
	case "count":
		if _, ok := c.countersByID[id]; !ok {
			return fmt.Errorf("count(%q): no such counter", id)
		}
	case "toggled":
		if _, ok := c.switchesByID[id]; !ok {
			return fmt.Errorf("toggled(%q): no such switch", id)
		}
	}
	return nil
}
