// Package logic turns the rules section of the configuration into a
// runnable control program. Expressions are compiled once at load time and
// evaluated against the engine's process image every scan, so a deployment
// can change its control behavior without recompiling the binary.
package logic

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/softplc/internal/config"
	"github.com/timzifer/softplc/plc"
)

// Controller implements plc.Program on top of configured rules. Each scan
// it advances the declared instruments, evaluates the control rules in
// order and finally checks the emergency condition.
type Controller struct {
	engine *plc.Engine
	logger zerolog.Logger
	refs   resolver

	switches []*switchInstrument
	counters []*counterInstrument
	timers   []*timerInstrument

	switchesByID map[string]*switchInstrument
	countersByID map[string]*counterInstrument
	timersByID   map[string]*timerInstrument

	rules         []*compiledRule
	emergencyWhen *vm.Program
	emergencySrc  string
	emergencyThen []*compiledRule
	exitThen      []*compiledRule
}

type compiledRule struct {
	target     ref
	bitTarget  *plc.BitCell
	numTarget  *plc.NumberCell
	expression string
	program    *vm.Program
}

// newCore builds the shared substrate of a controller: memory cells and
// instruments, but no rules yet.
func newCore(engine *plc.Engine, cfg *config.Config, logger zerolog.Logger) (*Controller, error) {
	if engine == nil {
		return nil, &plc.ConfigError{Reason: "engine must not be nil"}
	}
	if cfg == nil {
		return nil, &plc.ConfigError{Reason: "config must not be nil"}
	}
	c := &Controller{
		engine:       engine,
		logger:       logger.With().Str("component", "logic").Logger(),
		switchesByID: make(map[string]*switchInstrument),
		countersByID: make(map[string]*counterInstrument),
		timersByID:   make(map[string]*timerInstrument),
	}
	c.refs = resolver{
		engine:  engine,
		memBits: make(map[string]*plc.BitCell),
		memNums: make(map[string]*plc.NumberCell),
	}

	for _, mem := range cfg.Memory {
		switch mem.Kind {
		case config.MemoryKindBit:
			c.refs.memBits[mem.ID] = plc.NewBitCell(mem.Init != 0)
		case config.MemoryKindNumber:
			c.refs.memNums[mem.ID] = plc.NewNumberCell(mem.Init)
		default:
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("memory cell %q: unknown kind %q", mem.ID, mem.Kind)}
		}
	}

	for _, swCfg := range cfg.Switches {
		source, ok := engine.DigitalInput(swCfg.Source)
		if !ok {
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("switch %q: unknown digital input %q", swCfg.ID, swCfg.Source)}
		}
		inst := newSwitchInstrument(swCfg, source)
		c.switches = append(c.switches, inst)
		c.switchesByID[swCfg.ID] = inst
	}

	for _, cntCfg := range cfg.Counters {
		switch cntCfg.Kind {
		case config.CounterUp, config.CounterDown, config.CounterUpDown:
		default:
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("counter %q: unknown kind %q", cntCfg.ID, cntCfg.Kind)}
		}
		up, err := compileOptional(cntCfg.Up)
		if err != nil {
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("counter %q up: %v", cntCfg.ID, err)}
		}
		down, err := compileOptional(cntCfg.Down)
		if err != nil {
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("counter %q down: %v", cntCfg.ID, err)}
		}
		reset, err := compileOptional(cntCfg.Reset)
		if err != nil {
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("counter %q reset: %v", cntCfg.ID, err)}
		}
		inst := newCounterInstrument(cntCfg, up, down, reset)
		c.counters = append(c.counters, inst)
		c.countersByID[cntCfg.ID] = inst
	}

	for _, tmCfg := range cfg.Timers {
		switch tmCfg.Kind {
		case config.TimerSingleScan, config.TimerOnDelay, config.TimerOffDelay:
		default:
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("timer %q: unknown kind %q", tmCfg.ID, tmCfg.Kind)}
		}
		gate, err := compileOptional(tmCfg.While)
		if err != nil {
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("timer %q while: %v", tmCfg.ID, err)}
		}
		inst := newTimerInstrument(tmCfg, gate)
		c.timers = append(c.timers, inst)
		c.timersByID[tmCfg.ID] = inst
	}
	return c, nil
}

// New builds a controller for the given engine. All points referenced by
// the rules must already be registered; unknown references, unassignable
// targets and uncompilable expressions are rejected with a ConfigError.
func New(engine *plc.Engine, cfg *config.Config, logger zerolog.Logger) (*Controller, error) {
	c, err := newCore(engine, cfg, logger)
	if err != nil {
		return nil, err
	}

	for i, ruleCfg := range cfg.Rules.Control {
		rule, err := c.compileRule("control", i, ruleCfg)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, rule)
	}
	if when := cfg.Rules.Emergency.When; when != "" {
		program, err := compileExpression(when)
		if err != nil {
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("emergency condition: compile: %v", err)}
		}
		c.emergencyWhen = program
		c.emergencySrc = when
	}
	for i, ruleCfg := range cfg.Rules.Emergency.Then {
		rule, err := c.compileRule("emergency", i, ruleCfg)
		if err != nil {
			return nil, err
		}
		c.emergencyThen = append(c.emergencyThen, rule)
	}
	for i, ruleCfg := range cfg.Rules.Exit.Then {
		rule, err := c.compileRule("exit", i, ruleCfg)
		if err != nil {
			return nil, err
		}
		c.exitThen = append(c.exitThen, rule)
	}

	if err := c.checkAllExpressions(cfg); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int("rules", len(c.rules)).
		Int("timers", len(c.timers)).
		Int("counters", len(c.counters)).
		Int("switches", len(c.switches)).
		Msg("controller built")
	return c, nil
}

// checkAllExpressions rejects references to cells and instruments that do
// not exist, after every instrument has been registered.
func (c *Controller) checkAllExpressions(cfg *config.Config) error {
	for _, cntCfg := range cfg.Counters {
		for _, src := range []string{cntCfg.Up, cntCfg.Down, cntCfg.Reset} {
			if src == "" {
				continue
			}
			if err := c.checkExpression(fmt.Sprintf("counter %q", cntCfg.ID), src); err != nil {
				return err
			}
		}
	}
	for _, tmCfg := range cfg.Timers {
		if tmCfg.While == "" {
			continue
		}
		if err := c.checkExpression(fmt.Sprintf("timer %q", tmCfg.ID), tmCfg.While); err != nil {
			return err
		}
	}
	for _, rule := range c.rules {
		if err := c.checkExpression(fmt.Sprintf("control rule %s", rule.target), rule.expression); err != nil {
			return err
		}
	}
	if c.emergencySrc != "" {
		if err := c.checkExpression("emergency condition", c.emergencySrc); err != nil {
			return err
		}
	}
	for _, rule := range c.emergencyThen {
		if err := c.checkExpression(fmt.Sprintf("emergency rule %s", rule.target), rule.expression); err != nil {
			return err
		}
	}
	for _, rule := range c.exitThen {
		if err := c.checkExpression(fmt.Sprintf("exit rule %s", rule.target), rule.expression); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) compileRule(section string, index int, cfg config.RuleConfig) (*compiledRule, error) {
	rf, err := parseRef(cfg.Target)
	if err != nil {
		return nil, &plc.ConfigError{Reason: fmt.Sprintf("%s rule %d: %v", section, index, err)}
	}
	rule := &compiledRule{target: rf, expression: cfg.Expression}
	switch rf.class {
	case classDigitalOut:
		bit, ok := c.refs.bit(rf)
		if !ok {
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("%s rule %d: unknown digital output %q", section, index, rf.label)}
		}
		rule.bitTarget = bit
	case classAnalogOut:
		num, ok := c.refs.number(rf)
		if !ok {
			return nil, &plc.ConfigError{Reason: fmt.Sprintf("%s rule %d: unknown analog output %q", section, index, rf.label)}
		}
		rule.numTarget = num
	case classMemory:
		if bit, ok := c.refs.bit(rf); ok {
			rule.bitTarget = bit
			break
		}
		if num, ok := c.refs.number(rf); ok {
			rule.numTarget = num
			break
		}
		return nil, &plc.ConfigError{Reason: fmt.Sprintf("%s rule %d: unknown memory cell %q", section, index, rf.label)}
	default:
		return nil, &plc.ConfigError{Reason: fmt.Sprintf("%s rule %d: target %s is an input and cannot be assigned", section, index, rf)}
	}
	program, err := compileExpression(cfg.Expression)
	if err != nil {
		return nil, &plc.ConfigError{Reason: fmt.Sprintf("%s rule %s: compile: %v", section, rf, err)}
	}
	rule.program = program
	return rule, nil
}

func compileExpression(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
}

func compileOptional(src string) (*vm.Program, error) {
	if src == "" {
		return nil, nil
	}
	return compileExpression(src)
}

func (r *compiledRule) apply(env map[string]interface{}) error {
	out, err := vm.Run(r.program, env)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.target, err)
	}
	if r.bitTarget != nil {
		v, ok := out.(bool)
		if !ok {
			return fmt.Errorf("rule %s: expression must yield a boolean, got %T", r.target, out)
		}
		r.bitTarget.Set(v)
		return nil
	}
	v, err := numeric(out)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.target, err)
	}
	r.numTarget.Set(v)
	return nil
}

func numeric(out interface{}) (float64, error) {
	switch v := out.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expression must yield a number, got %T", out)
	}
}

// ControlStep advances instruments, applies the control rules in order and
// evaluates the emergency condition last. A failing expression aborts the
// scan and terminates the engine.
func (c *Controller) ControlStep(ctx context.Context) (plc.Outcome, error) {
	env := c.environment()
	for _, sw := range c.switches {
		sw.advance()
	}
	for _, cnt := range c.counters {
		if err := cnt.advance(env); err != nil {
			return plc.Continue, err
		}
	}
	for _, tm := range c.timers {
		if err := tm.advance(env); err != nil {
			return plc.Continue, err
		}
	}
	for _, rule := range c.rules {
		if err := rule.apply(env); err != nil {
			return plc.Continue, err
		}
	}
	if c.emergencyWhen != nil {
		on, err := runBool(c.emergencyWhen, env, "emergency condition")
		if err != nil {
			return plc.Continue, err
		}
		if on {
			c.logger.Warn().Str("condition", c.emergencySrc).Msg("emergency condition met")
			return plc.Emergency, nil
		}
	}
	return plc.Continue, nil
}

// EmergencyStep applies the configured safe state assignments and flushes
// them to the outputs in one bounded sub cycle.
func (c *Controller) EmergencyStep(ctx context.Context) error {
	env := c.environment()
	for _, rule := range c.emergencyThen {
		if err := rule.apply(env); err != nil {
			return err
		}
	}
	return c.engine.WriteOutputs(ctx)
}

// ExitStep applies the configured shutdown assignments. The engine flushes
// the outputs afterwards, so no sub cycle is needed here.
func (c *Controller) ExitStep(ctx context.Context) error {
	env := c.environment()
	for _, rule := range c.exitThen {
		if err := rule.apply(env); err != nil {
			return err
		}
	}
	return nil
}

// MemoryBit looks up an internal bit cell declared in the configuration.
func (c *Controller) MemoryBit(id string) (*plc.BitCell, bool) {
	cell, ok := c.refs.memBits[id]
	return cell, ok
}

// MemoryNumber looks up an internal number cell declared in the
// configuration.
func (c *Controller) MemoryNumber(id string) (*plc.NumberCell, bool) {
	cell, ok := c.refs.memNums[id]
	return cell, ok
}
