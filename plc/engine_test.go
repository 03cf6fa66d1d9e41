package plc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/timzifer/softplc/pointio"
)

type pointWrite struct {
	address string
	value   float64
}

type fakeClient struct {
	mu      sync.Mutex
	readFn  func(p pointio.Point) (float64, error)
	writeFn func(p pointio.Point, value float64) error
	reads   []string
	writes  []pointWrite
}

func (f *fakeClient) Read(_ context.Context, p pointio.Point) (float64, error) {
	f.mu.Lock()
	f.reads = append(f.reads, p.Address)
	f.mu.Unlock()
	if f.readFn != nil {
		return f.readFn(p)
	}
	return 0, nil
}

func (f *fakeClient) Write(_ context.Context, p pointio.Point, value float64) error {
	if f.writeFn != nil {
		if err := f.writeFn(p, value); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.writes = append(f.writes, pointWrite{address: p.Address, value: value})
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type scriptProgram struct {
	control     func(ctx context.Context, iteration int) (Outcome, error)
	exit        func(ctx context.Context) error
	emergency   func(ctx context.Context) error
	controls    int
	exits       int
	emergencies int
}

func (p *scriptProgram) ControlStep(ctx context.Context) (Outcome, error) {
	p.controls++
	if p.control != nil {
		return p.control(ctx, p.controls)
	}
	return Continue, nil
}

func (p *scriptProgram) ExitStep(ctx context.Context) error {
	p.exits++
	if p.exit != nil {
		return p.exit(ctx)
	}
	return nil
}

func (p *scriptProgram) EmergencyStep(ctx context.Context) error {
	p.emergencies++
	if p.emergency != nil {
		return p.emergency(ctx)
	}
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Send(subject, _ string) {
	n.mu.Lock()
	n.subjects = append(n.subjects, subject)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subjects)
}

func newTestEngine(t *testing.T, client pointio.Client, opts ...Option) *Engine {
	t.Helper()
	engine, err := New(client, zerolog.New(io.Discard), opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestRegistrationRejectsDuplicates(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{})

	if _, err := engine.AddDigitalInput(1, "start"); err != nil {
		t.Fatalf("register start: %v", err)
	}
	_, err := engine.AddDigitalInput(2, "start")
	if err == nil {
		t.Fatalf("expected duplicate label to fail")
	}
	if !IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	// The same label may exist in another class.
	if _, err := engine.AddDigitalOutput(1, "start"); err != nil {
		t.Fatalf("register output start: %v", err)
	}
}

func TestRegistrationValidatesPin(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{})
	if _, err := engine.AddAnalogInput(0, "temp"); !IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := engine.AddAnalogInput(1, ""); !IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRegistrationRejectsNormalClosedAnalog(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{})
	if _, err := engine.AddAnalogOutput(1, "valve", WithNormalClosed()); !IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestReadInputsUpdatesCellsInOrder(t *testing.T) {
	client := &fakeClient{}
	values := map[string]float64{"1_01": 1, "1_02": 0, "2_01": 21.5}
	client.readFn = func(p pointio.Point) (float64, error) {
		return values[p.Address], nil
	}

	engine := newTestEngine(t, client)
	start, err := engine.AddDigitalInput(1, "start")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	estop, err := engine.AddDigitalInput(2, "estop", WithNormalClosed())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	temp, err := engine.AddAnalogInput(1, "temp", WithPointDevice("2"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := engine.ReadInputs(context.Background()); err != nil {
		t.Fatalf("read inputs: %v", err)
	}

	if !start.Active() {
		t.Fatalf("start must be active")
	}
	// Normally closed: raw 0 reads as active.
	if !estop.Active() {
		t.Fatalf("normally closed estop must read active on raw 0")
	}
	if temp.Value() != 21.5 {
		t.Fatalf("temp = %v, want 21.5", temp.Value())
	}

	want := []string{"1_01", "1_02", "2_01"}
	if len(client.reads) != len(want) {
		t.Fatalf("reads = %v, want %v", client.reads, want)
	}
	for i, address := range want {
		if client.reads[i] != address {
			t.Fatalf("read order %d = %s, want %s", i, client.reads[i], address)
		}
	}
}

func TestWriteOutputsFlushesCellsInOrder(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(t, client)

	lamp, err := engine.AddDigitalOutput(1, "lamp")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	brake, err := engine.AddDigitalOutput(2, "brake", WithNormalClosed())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	valve, err := engine.AddAnalogOutput(1, "valve")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	lamp.Activate()
	brake.Activate()
	valve.Set(7.5)

	if err := engine.WriteOutputs(context.Background()); err != nil {
		t.Fatalf("write outputs: %v", err)
	}

	want := []pointWrite{
		{address: "1_01", value: 1},
		{address: "1_02", value: 0}, // normally closed inverts on write
		{address: "1_01", value: 7.5},
	}
	if len(client.writes) != len(want) {
		t.Fatalf("writes = %v, want %v", client.writes, want)
	}
	for i, w := range want {
		if client.writes[i] != w {
			t.Fatalf("write %d = %+v, want %+v", i, client.writes[i], w)
		}
	}
}

func TestRunEmergencyOnThirdIteration(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(t, client)
	if _, err := engine.AddDigitalOutput(1, "lamp"); err != nil {
		t.Fatalf("register: %v", err)
	}

	prog := &scriptProgram{
		control: func(_ context.Context, iteration int) (Outcome, error) {
			if iteration == 3 {
				return Emergency, nil
			}
			return Continue, nil
		},
	}

	if err := engine.Run(context.Background(), prog); err != nil {
		t.Fatalf("run: %v", err)
	}

	if prog.controls != 3 {
		t.Fatalf("control steps = %d, want 3", prog.controls)
	}
	if prog.emergencies != 1 {
		t.Fatalf("emergency steps = %d, want 1", prog.emergencies)
	}
	if prog.exits != 0 {
		t.Fatalf("exit steps = %d, want 0", prog.exits)
	}
	// One registered output: one write per completed iteration.
	if got := client.writeCount(); got != 3 {
		t.Fatalf("writes = %d, want 3", got)
	}
	if engine.State() != StateTerminated {
		t.Fatalf("state = %v, want terminated", engine.State())
	}
	if engine.Cause() != CauseEmergency {
		t.Fatalf("cause = %v, want emergency", engine.Cause())
	}
}

func TestRunStopAfterSecondIteration(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(t, client)
	if _, err := engine.AddDigitalOutput(1, "lamp"); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	prog := &scriptProgram{
		control: func(_ context.Context, iteration int) (Outcome, error) {
			if iteration == 2 {
				cancel()
			}
			return Continue, nil
		},
	}

	if err := engine.Run(ctx, prog); err != nil {
		t.Fatalf("run: %v", err)
	}

	if prog.controls != 2 {
		t.Fatalf("control steps = %d, want 2", prog.controls)
	}
	if prog.exits != 1 {
		t.Fatalf("exit steps = %d, want 1", prog.exits)
	}
	if prog.emergencies != 0 {
		t.Fatalf("emergency steps = %d, want 0", prog.emergencies)
	}
	// Two iteration flushes plus exactly one closing flush.
	if got := client.writeCount(); got != 3 {
		t.Fatalf("writes = %d, want 3", got)
	}
	if engine.Cause() != CauseStop {
		t.Fatalf("cause = %v, want stop", engine.Cause())
	}
}

func TestRunReadFailureTerminatesWithoutClosingWrite(t *testing.T) {
	client := &fakeClient{}
	client.readFn = func(p pointio.Point) (float64, error) {
		return 0, &pointio.CommError{Op: "read", Address: p.Address, Err: errors.New("connection refused")}
	}
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, client, WithNotifier(notifier))
	if _, err := engine.AddDigitalInput(1, "start"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := engine.AddDigitalOutput(1, "lamp"); err != nil {
		t.Fatalf("register: %v", err)
	}

	prog := &scriptProgram{}
	err := engine.Run(context.Background(), prog)
	if err == nil {
		t.Fatalf("expected run to fail")
	}
	if !pointio.IsCommError(err) {
		t.Fatalf("expected communication error, got %v", err)
	}

	if prog.controls != 0 || prog.exits != 0 || prog.emergencies != 0 {
		t.Fatalf("no hook may run after a read failure, got %+v", prog)
	}
	if got := client.writeCount(); got != 0 {
		t.Fatalf("writes = %d, want 0", got)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.count())
	}
	if engine.Cause() != CauseCommFailure {
		t.Fatalf("cause = %v, want comm_failure", engine.Cause())
	}
}

func TestRunWriteFailureTerminates(t *testing.T) {
	client := &fakeClient{}
	client.writeFn = func(p pointio.Point, _ float64) error {
		return &pointio.CommError{Op: "write", Address: p.Address, Err: errors.New("timeout")}
	}
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, client, WithNotifier(notifier))
	if _, err := engine.AddDigitalOutput(1, "lamp"); err != nil {
		t.Fatalf("register: %v", err)
	}

	prog := &scriptProgram{}
	err := engine.Run(context.Background(), prog)
	if !pointio.IsCommError(err) {
		t.Fatalf("expected communication error, got %v", err)
	}
	if prog.controls != 1 {
		t.Fatalf("control steps = %d, want 1", prog.controls)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.count())
	}
	if engine.Cause() != CauseCommFailure {
		t.Fatalf("cause = %v, want comm_failure", engine.Cause())
	}
}

func TestRunControlStepErrorTerminates(t *testing.T) {
	client := &fakeClient{}
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, client, WithNotifier(notifier))

	prog := &scriptProgram{
		control: func(_ context.Context, _ int) (Outcome, error) {
			return Continue, fmt.Errorf("probe offline")
		},
	}

	if err := engine.Run(context.Background(), prog); err == nil {
		t.Fatalf("expected run to fail")
	}
	if engine.Cause() != CauseCommFailure {
		t.Fatalf("cause = %v, want comm_failure", engine.Cause())
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.count())
	}
}

func TestRunEmergencySubCycleStillWrites(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(t, client)
	if _, err := engine.AddDigitalOutput(1, "lamp"); err != nil {
		t.Fatalf("register: %v", err)
	}

	prog := &scriptProgram{
		control: func(_ context.Context, _ int) (Outcome, error) {
			return Emergency, nil
		},
	}
	prog.emergency = func(ctx context.Context) error {
		// Safety logic runs its own bounded flush.
		return engine.WriteOutputs(ctx)
	}

	if err := engine.Run(context.Background(), prog); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Iteration flush plus the emergency step's own flush.
	if got := client.writeCount(); got != 2 {
		t.Fatalf("writes = %d, want 2", got)
	}
}

func TestRunExitStepSeesUsableContext(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(t, client)
	if _, err := engine.AddDigitalInput(1, "level"); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prog := &scriptProgram{
		exit: func(ctx context.Context) error {
			// Drain loops poll hardware after the stop request.
			if _, err := engine.ReadDigitalInput(ctx, "level"); err != nil {
				return err
			}
			return nil
		},
	}

	if err := engine.Run(ctx, prog); err != nil {
		t.Fatalf("run: %v", err)
	}
	if prog.controls != 0 {
		t.Fatalf("control steps = %d, want 0", prog.controls)
	}
	if prog.exits != 1 {
		t.Fatalf("exit steps = %d, want 1", prog.exits)
	}
}

func TestRunOnlyOnce(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := engine.Run(ctx, &scriptProgram{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := engine.Run(ctx, &scriptProgram{}); !IsConfigError(err) {
		t.Fatalf("expected configuration error on second run, got %v", err)
	}
	if _, err := engine.AddDigitalInput(1, "late"); !IsConfigError(err) {
		t.Fatalf("expected configuration error on late registration, got %v", err)
	}
}

func TestDirectAccess(t *testing.T) {
	client := &fakeClient{}
	client.readFn = func(p pointio.Point) (float64, error) {
		return 1, nil
	}
	engine := newTestEngine(t, client)

	if _, err := engine.AddDigitalInput(1, "start"); err != nil {
		t.Fatalf("register: %v", err)
	}
	lamp, err := engine.AddDigitalOutput(1, "lamp")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := engine.AddAnalogOutput(2, "valve"); err != nil {
		t.Fatalf("register: %v", err)
	}

	active, err := engine.ReadDigitalInput(context.Background(), "start")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !active {
		t.Fatalf("expected active input")
	}

	if err := engine.WriteDigitalOutput(context.Background(), "lamp", true); err != nil {
		t.Fatalf("write: %v", err)
	}
	if lamp.Active() {
		t.Fatalf("direct write must bypass the cell")
	}
	if err := engine.WriteAnalogOutput(context.Background(), "valve", 3.3); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := engine.ReadDigitalInput(context.Background(), "missing"); !IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := engine.WriteAnalogOutput(context.Background(), "missing", 1); !IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSnapshotListsPoints(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{})
	if _, err := engine.AddDigitalInput(1, "start"); err != nil {
		t.Fatalf("register: %v", err)
	}
	valve, err := engine.AddAnalogOutput(2, "valve")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	valve.Set(5.5)

	snap := engine.Snapshot()
	if snap.State != "idle" {
		t.Fatalf("state = %s, want idle", snap.State)
	}
	if len(snap.DigitalIn) != 1 || snap.DigitalIn[0].Label != "start" {
		t.Fatalf("digital inputs = %+v", snap.DigitalIn)
	}
	if len(snap.AnalogOut) != 1 || snap.AnalogOut[0].Value != 5.5 {
		t.Fatalf("analog outputs = %+v", snap.AnalogOut)
	}
	if snap.AnalogOut[0].Address != "1_02" {
		t.Fatalf("address = %s, want 1_02", snap.AnalogOut[0].Address)
	}
}
