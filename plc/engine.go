package plc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/softplc/notify"
	"github.com/timzifer/softplc/pointio"
	"github.com/timzifer/softplc/telemetry"
)

// State is the engine's lifecycle position. Transitions are one way:
// Idle -> Running -> Exiting -> Terminated on a cooperative stop, or
// Idle -> Running -> Emergency -> Terminated once a control step signals
// an emergency.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateEmergency
	StateExiting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateEmergency:
		return "emergency"
	case StateExiting:
		return "exiting"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cause records why the engine terminated.
type Cause int

const (
	CauseNone Cause = iota
	CauseStop
	CauseEmergency
	CauseCommFailure
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseStop:
		return "stop"
	case CauseEmergency:
		return "emergency"
	case CauseCommFailure:
		return "comm_failure"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Outcome is the result of one control step.
type Outcome int

const (
	// Continue keeps the engine running.
	Continue Outcome = iota
	// Emergency moves the engine onto its one way emergency path: the
	// current iteration still flushes its outputs, then the emergency
	// step runs exactly once and the engine terminates.
	Emergency
)

// Program supplies the application logic driven by the engine.
//
// ControlStep runs once per scan between the input and the output phase.
// It reads and writes memory cells and may access single points directly
// through the engine; a returned error is treated as a communication
// failure and terminates the engine.
//
// ExitStep runs exactly once after a cooperative stop, before the final
// output flush. EmergencyStep runs exactly once after ControlStep
// returned Emergency. Both may run bounded sub cycles through
// ReadInputs/WriteOutputs; the context they receive stays usable during
// shutdown.
type Program interface {
	ControlStep(ctx context.Context) (Outcome, error)
	ExitStep(ctx context.Context) error
	EmergencyStep(ctx context.Context) error
}

// Engine owns the process image and drives the scan cycle. All cell and
// point state is owned by the goroutine calling Run; the live view only
// takes read snapshots.
type Engine struct {
	logger    zerolog.Logger
	client    pointio.Client
	notifier  notify.Notifier
	collector telemetry.Collector

	device   string
	timeout  time.Duration
	interval time.Duration

	digitalIn  *registry[*BitCell]
	digitalOut *registry[*BitCell]
	analogIn   *registry[*NumberCell]
	analogOut  *registry[*NumberCell]

	started atomic.Bool

	mu        sync.RWMutex
	state     State
	cause     Cause
	cycles    uint64
	lastCycle time.Duration

	liveView *liveViewServer
}

// Option adjusts the engine at construction.
type Option func(*Engine)

// WithDevice sets the device identifier used for point addressing.
func WithDevice(device string) Option {
	return func(e *Engine) {
		if device != "" {
			e.device = device
		}
	}
}

// WithTimeout sets the default per point I/O deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCycleInterval paces the scan loop. Zero keeps it free running.
func WithCycleInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithNotifier routes failure notifications to the given channel.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithCollector attaches a telemetry collector.
func WithCollector(c telemetry.Collector) Option {
	return func(e *Engine) {
		if c != nil {
			e.collector = c
		}
	}
}

// New builds an engine bound to the given point client.
func New(client pointio.Client, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, errors.New("point client must not be nil")
	}
	e := &Engine{
		logger:     logger,
		client:     client,
		notifier:   notify.Noop(),
		collector:  telemetry.Noop(),
		device:     "1",
		timeout:    pointio.DefaultTimeout,
		digitalIn:  newRegistry[*BitCell](pointio.DigitalIn),
		digitalOut: newRegistry[*BitCell](pointio.DigitalOut),
		analogIn:   newRegistry[*NumberCell](pointio.AnalogIn),
		analogOut:  newRegistry[*NumberCell](pointio.AnalogOut),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type pointSettings struct {
	device       string
	timeout      time.Duration
	normalClosed bool
	init         float64
	hasInit      bool
}

// PointOption adjusts a single point registration.
type PointOption func(*pointSettings)

// WithNormalClosed inverts the polarity of a digital point on both read
// and write.
func WithNormalClosed() PointOption {
	return func(s *pointSettings) {
		s.normalClosed = true
	}
}

// WithInitialValue fills the cell's current and previous value at
// registration, so the initial value never reads as an edge.
func WithInitialValue(v float64) PointOption {
	return func(s *pointSettings) {
		s.init = v
		s.hasInit = true
	}
}

// WithPointTimeout overrides the engine wide point deadline.
func WithPointTimeout(d time.Duration) PointOption {
	return func(s *pointSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPointDevice places the point on another device of the same service.
func WithPointDevice(device string) PointOption {
	return func(s *pointSettings) {
		if device != "" {
			s.device = device
		}
	}
}

func (e *Engine) buildPoint(kind pointio.Kind, pin int, label string, opts []PointOption) (pointio.Point, pointSettings, error) {
	if e.started.Load() {
		return pointio.Point{}, pointSettings{}, configErrorf("%s point %q registered after scan start", kind, label)
	}
	settings := pointSettings{device: e.device, timeout: e.timeout}
	for _, opt := range opts {
		opt(&settings)
	}
	point, err := pointio.NewPoint(kind, settings.device, label, pin)
	if err != nil {
		return pointio.Point{}, settings, configErrorf("register %s %q: %v", kind, label, err)
	}
	point.NormalClosed = settings.normalClosed
	point.Timeout = settings.timeout
	return point, settings, nil
}

// AddDigitalInput binds a binary input pin to a fresh bit cell.
func (e *Engine) AddDigitalInput(pin int, label string, opts ...PointOption) (*BitCell, error) {
	point, settings, err := e.buildPoint(pointio.DigitalIn, pin, label, opts)
	if err != nil {
		return nil, err
	}
	cell := &BitCell{}
	if settings.hasInit {
		cell.seed(settings.init != 0)
	}
	if err := e.digitalIn.add(label, cell, point); err != nil {
		return nil, err
	}
	return cell, nil
}

// AddDigitalOutput binds a relay pin to a fresh bit cell.
func (e *Engine) AddDigitalOutput(pin int, label string, opts ...PointOption) (*BitCell, error) {
	point, settings, err := e.buildPoint(pointio.DigitalOut, pin, label, opts)
	if err != nil {
		return nil, err
	}
	cell := &BitCell{}
	if settings.hasInit {
		cell.seed(settings.init != 0)
	}
	if err := e.digitalOut.add(label, cell, point); err != nil {
		return nil, err
	}
	return cell, nil
}

// AddAnalogInput binds an analog input pin to a fresh number cell.
func (e *Engine) AddAnalogInput(pin int, label string, opts ...PointOption) (*NumberCell, error) {
	point, settings, err := e.buildPoint(pointio.AnalogIn, pin, label, opts)
	if err != nil {
		return nil, err
	}
	if settings.normalClosed {
		return nil, configErrorf("analog point %q cannot be normally closed", label)
	}
	cell := &NumberCell{}
	if settings.hasInit {
		cell.seed(settings.init)
	}
	if err := e.analogIn.add(label, cell, point); err != nil {
		return nil, err
	}
	return cell, nil
}

// AddAnalogOutput binds an analog output pin to a fresh number cell.
func (e *Engine) AddAnalogOutput(pin int, label string, opts ...PointOption) (*NumberCell, error) {
	point, settings, err := e.buildPoint(pointio.AnalogOut, pin, label, opts)
	if err != nil {
		return nil, err
	}
	if settings.normalClosed {
		return nil, configErrorf("analog point %q cannot be normally closed", label)
	}
	cell := &NumberCell{}
	if settings.hasInit {
		cell.seed(settings.init)
	}
	if err := e.analogOut.add(label, cell, point); err != nil {
		return nil, err
	}
	return cell, nil
}

// DigitalInput looks up a registered input cell by label.
func (e *Engine) DigitalInput(label string) (*BitCell, bool) {
	b, err := e.digitalIn.get(label)
	if err != nil {
		return nil, false
	}
	return b.cell, true
}

// DigitalOutput looks up a registered output cell by label.
func (e *Engine) DigitalOutput(label string) (*BitCell, bool) {
	b, err := e.digitalOut.get(label)
	if err != nil {
		return nil, false
	}
	return b.cell, true
}

// AnalogInput looks up a registered input cell by label.
func (e *Engine) AnalogInput(label string) (*NumberCell, bool) {
	b, err := e.analogIn.get(label)
	if err != nil {
		return nil, false
	}
	return b.cell, true
}

// AnalogOutput looks up a registered output cell by label.
func (e *Engine) AnalogOutput(label string) (*NumberCell, bool) {
	b, err := e.analogOut.get(label)
	if err != nil {
		return nil, false
	}
	return b.cell, true
}

// ReadDigitalInput reads one input point directly, bypassing its cell.
func (e *Engine) ReadDigitalInput(ctx context.Context, label string) (bool, error) {
	b, err := e.digitalIn.get(label)
	if err != nil {
		return false, err
	}
	raw, err := e.client.Read(ctx, b.point)
	if err != nil {
		e.collector.IOError("read")
		return false, fmt.Errorf("read point %q: %w", label, err)
	}
	return digitalActive(raw, b.point.NormalClosed), nil
}

// ReadAnalogInput reads one analog input point directly, bypassing its cell.
func (e *Engine) ReadAnalogInput(ctx context.Context, label string) (float64, error) {
	b, err := e.analogIn.get(label)
	if err != nil {
		return 0, err
	}
	raw, err := e.client.Read(ctx, b.point)
	if err != nil {
		e.collector.IOError("read")
		return 0, fmt.Errorf("read point %q: %w", label, err)
	}
	return raw, nil
}

// WriteDigitalOutput writes one relay point directly, bypassing its cell.
func (e *Engine) WriteDigitalOutput(ctx context.Context, label string, v bool) error {
	b, err := e.digitalOut.get(label)
	if err != nil {
		return err
	}
	if err := e.client.Write(ctx, b.point, digitalLevel(v, b.point.NormalClosed)); err != nil {
		e.collector.IOError("write")
		return fmt.Errorf("write point %q: %w", label, err)
	}
	return nil
}

// WriteAnalogOutput writes one analog output point directly, bypassing its cell.
func (e *Engine) WriteAnalogOutput(ctx context.Context, label string, v float64) error {
	b, err := e.analogOut.get(label)
	if err != nil {
		return err
	}
	if err := e.client.Write(ctx, b.point, v); err != nil {
		e.collector.IOError("write")
		return fmt.Errorf("write point %q: %w", label, err)
	}
	return nil
}

// ReadInputs refreshes every input cell from the I/O service, digital
// points before analog ones, in registration order. The first failure
// aborts the phase; remaining cells keep their old values.
func (e *Engine) ReadInputs(ctx context.Context) error {
	if err := e.digitalIn.each(func(b *binding[*BitCell]) error {
		raw, err := e.client.Read(ctx, b.point)
		if err != nil {
			return err
		}
		b.cell.Set(digitalActive(raw, b.point.NormalClosed))
		return nil
	}); err != nil {
		e.collector.IOError("read")
		return fmt.Errorf("read inputs: %w", err)
	}
	if err := e.analogIn.each(func(b *binding[*NumberCell]) error {
		raw, err := e.client.Read(ctx, b.point)
		if err != nil {
			return err
		}
		b.cell.Set(raw)
		return nil
	}); err != nil {
		e.collector.IOError("read")
		return fmt.Errorf("read inputs: %w", err)
	}
	return nil
}

// WriteOutputs flushes every output cell to the I/O service, digital
// points before analog ones, in registration order. The first failure
// aborts the phase.
func (e *Engine) WriteOutputs(ctx context.Context) error {
	if err := e.digitalOut.each(func(b *binding[*BitCell]) error {
		return e.client.Write(ctx, b.point, digitalLevel(b.cell.Active(), b.point.NormalClosed))
	}); err != nil {
		e.collector.IOError("write")
		return fmt.Errorf("write outputs: %w", err)
	}
	if err := e.analogOut.each(func(b *binding[*NumberCell]) error {
		return e.client.Write(ctx, b.point, b.cell.Value())
	}); err != nil {
		e.collector.IOError("write")
		return fmt.Errorf("write outputs: %w", err)
	}
	return nil
}

// Run drives the scan cycle until the context is cancelled, a control
// step signals an emergency, or a point exchange fails. Cancellation is
// observed only at iteration boundaries; an iteration that ran its
// control step always flushes its outputs. Run may be called once.
func (e *Engine) Run(ctx context.Context, prog Program) error {
	if prog == nil {
		return configErrorf("program must not be nil")
	}
	if !e.started.CompareAndSwap(false, true) {
		return configErrorf("engine already ran")
	}

	// Point exchanges and hooks must keep working while the run context
	// is being cancelled: the exit and emergency paths still talk to the
	// hardware. Per point deadlines bound every exchange.
	ioCtx := context.WithoutCancel(ctx)

	e.setState(StateRunning)
	e.logger.Info().
		Int("digital_in", e.digitalIn.len()).
		Int("digital_out", e.digitalOut.len()).
		Int("analog_in", e.analogIn.len()).
		Int("analog_out", e.analogOut.len()).
		Dur("interval", e.interval).
		Msg("scan loop started")

	pace := &pacer{interval: e.interval}
	for {
		if err := pace.wait(ctx); err != nil {
			break
		}
		start := time.Now()
		if err := e.ReadInputs(ioCtx); err != nil {
			return e.failComm(err)
		}
		outcome, err := prog.ControlStep(ioCtx)
		if err != nil {
			return e.failComm(fmt.Errorf("control step: %w", err))
		}
		if err := e.WriteOutputs(ioCtx); err != nil {
			return e.failComm(err)
		}
		e.finishCycle(start)

		if outcome == Emergency {
			e.setState(StateEmergency)
			e.logger.Warn().Uint64("cycle", e.Cycles()).Msg("emergency signaled, running emergency step")
			if err := prog.EmergencyStep(ioCtx); err != nil {
				return e.failComm(fmt.Errorf("emergency step: %w", err))
			}
			e.terminate(CauseEmergency)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.setState(StateExiting)
	e.logger.Info().Uint64("cycle", e.Cycles()).Msg("stop requested, running exit step")
	if err := prog.ExitStep(ioCtx); err != nil {
		return e.failComm(fmt.Errorf("exit step: %w", err))
	}
	if err := e.WriteOutputs(ioCtx); err != nil {
		return e.failComm(err)
	}
	e.terminate(CauseStop)
	return nil
}

func (e *Engine) failComm(err error) error {
	e.logger.Error().Err(err).Msg("communication failure, terminating")
	e.notifier.Send("communication failure", err.Error())
	e.terminate(CauseCommFailure)
	return err
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.collector.StateChange(s.String())
}

func (e *Engine) terminate(cause Cause) {
	e.mu.Lock()
	e.state = StateTerminated
	e.cause = cause
	e.mu.Unlock()
	e.collector.StateChange(StateTerminated.String())
	e.logger.Info().Str("cause", cause.String()).Msg("engine terminated")
}

func (e *Engine) finishCycle(start time.Time) {
	d := time.Since(start)
	e.mu.Lock()
	e.cycles++
	e.lastCycle = d
	e.mu.Unlock()
	e.collector.ObserveCycle(d)
}

// State returns the engine's lifecycle position.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Cause returns why the engine terminated, or CauseNone before that.
func (e *Engine) Cause() Cause {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cause
}

// Cycles returns the number of completed scan iterations.
func (e *Engine) Cycles() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cycles
}

// Close shuts down auxiliary servers. It does not close the point client,
// which the caller owns.
func (e *Engine) Close() error {
	if e.liveView != nil {
		e.liveView.close()
	}
	return nil
}

func digitalActive(raw float64, normalClosed bool) bool {
	active := raw != 0
	if normalClosed {
		return !active
	}
	return active
}

func digitalLevel(active, normalClosed bool) float64 {
	if normalClosed {
		active = !active
	}
	if active {
		return 1
	}
	return 0
}
