package logic

import (
	"fmt"

	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/softplc/internal/config"
	"github.com/timzifer/softplc/plc"
	"github.com/timzifer/softplc/programs"
)

// Instruments advance exactly once per scan, at the start of the control
// step. Expressions only read the latched results, so a timer referenced
// by five rules still ticks once.

type timerInstrument struct {
	id      string
	kind    string
	gate    *vm.Program
	gateSrc string

	single   *programs.SingleScanTimer
	onDelay  *programs.OnDelayTimer
	offDelay *programs.OffDelayTimer

	done    bool
	running bool
}

func newTimerInstrument(cfg config.TimerConfig, gate *vm.Program) *timerInstrument {
	t := &timerInstrument{id: cfg.ID, kind: cfg.Kind, gate: gate, gateSrc: cfg.While}
	switch cfg.Kind {
	case config.TimerSingleScan:
		t.single = programs.NewSingleScanTimer(cfg.Duration.Duration)
	case config.TimerOnDelay:
		t.onDelay = programs.NewOnDelayTimer(cfg.Duration.Duration)
	case config.TimerOffDelay:
		t.offDelay = programs.NewOffDelayTimer(cfg.Duration.Duration)
	}
	return t
}

// advance polls the timer while its gate is truthy and resets it when the
// gate turns false. A timer without a gate runs permanently.
func (t *timerInstrument) advance(env map[string]interface{}) error {
	gateOn := true
	if t.gate != nil {
		on, err := runBool(t.gate, env, fmt.Sprintf("timer %s gate", t.id))
		if err != nil {
			return err
		}
		gateOn = on
	}
	if !gateOn {
		t.reset()
		t.done = false
		t.running = false
		return nil
	}
	switch t.kind {
	case config.TimerSingleScan:
		t.done = t.single.Done()
		t.running = !t.done
	case config.TimerOnDelay:
		t.done = t.onDelay.Done()
		t.running = !t.done
	case config.TimerOffDelay:
		t.running = t.offDelay.Running()
		t.done = !t.running
	}
	return nil
}

func (t *timerInstrument) reset() {
	switch t.kind {
	case config.TimerSingleScan:
		t.single.Reset()
	case config.TimerOnDelay:
		t.onDelay.Reset()
	case config.TimerOffDelay:
		t.offDelay.Reset()
	}
}

type counterInstrument struct {
	id   string
	kind string

	up    *vm.Program
	down  *vm.Program
	reset *vm.Program

	upCounter     *programs.UpCounter
	downCounter   *programs.DownCounter
	upDownCounter *programs.UpDownCounter
}

func newCounterInstrument(cfg config.CounterConfig, up, down, reset *vm.Program) *counterInstrument {
	c := &counterInstrument{id: cfg.ID, kind: cfg.Kind, up: up, down: down, reset: reset}
	switch cfg.Kind {
	case config.CounterUp:
		c.upCounter = programs.NewUpCounter(cfg.Preset)
	case config.CounterDown:
		c.downCounter = programs.NewDownCounter(cfg.Preset)
	case config.CounterUpDown:
		c.upDownCounter = programs.NewUpDownCounter(cfg.Preset)
	}
	return c
}

// advance applies reset, up and down pulses in that order; reset wins the
// scan outright.
func (c *counterInstrument) advance(env map[string]interface{}) error {
	if c.reset != nil {
		on, err := runBool(c.reset, env, fmt.Sprintf("counter %s reset", c.id))
		if err != nil {
			return err
		}
		if on {
			c.applyReset()
			return nil
		}
	}
	if c.up != nil {
		on, err := runBool(c.up, env, fmt.Sprintf("counter %s up", c.id))
		if err != nil {
			return err
		}
		if on {
			c.applyUp()
		}
	}
	if c.down != nil {
		on, err := runBool(c.down, env, fmt.Sprintf("counter %s down", c.id))
		if err != nil {
			return err
		}
		if on {
			c.applyDown()
		}
	}
	return nil
}

func (c *counterInstrument) applyReset() {
	switch c.kind {
	case config.CounterUp:
		c.upCounter.Reset()
	case config.CounterDown:
		c.downCounter.Reset()
	case config.CounterUpDown:
		c.upDownCounter.Reset()
	}
}

func (c *counterInstrument) applyUp() {
	switch c.kind {
	case config.CounterUp:
		c.upCounter.Count()
	case config.CounterUpDown:
		c.upDownCounter.CountUp()
	}
}

func (c *counterInstrument) applyDown() {
	switch c.kind {
	case config.CounterDown:
		c.downCounter.Count()
	case config.CounterUpDown:
		c.upDownCounter.CountDown()
	}
}

func (c *counterInstrument) value() int {
	switch c.kind {
	case config.CounterUp:
		return c.upCounter.Value()
	case config.CounterDown:
		return c.downCounter.Value()
	case config.CounterUpDown:
		return c.upDownCounter.Value()
	}
	return 0
}

func (c *counterInstrument) doneState() bool {
	switch c.kind {
	case config.CounterUp:
		return c.upCounter.Done()
	case config.CounterDown:
		return c.downCounter.Done()
	case config.CounterUpDown:
		return c.upDownCounter.Done()
	}
	return false
}

type switchInstrument struct {
	id string
	sw *programs.ToggleSwitch
}

func newSwitchInstrument(cfg config.SwitchConfig, source *plc.BitCell) *switchInstrument {
	return &switchInstrument{id: cfg.ID, sw: programs.NewToggleSwitch(source)}
}

func (s *switchInstrument) advance() {
	s.sw.Update()
}

func runBool(program *vm.Program, env map[string]interface{}, what string) (bool, error) {
	out, err := vm.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expression must yield a boolean, got %T", what, out)
	}
	return b, nil
}
