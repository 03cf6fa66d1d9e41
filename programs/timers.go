// Package programs provides building blocks for application control logic
// running inside a scan cycle. All types here are plain state machines
// without I/O of their own; they are polled or advanced at most once per
// scan by the owning control step.
package programs

import "time"

// SingleScanTimer fires once per elapsed period. The deadline is anchored
// lazily on the first poll after construction, reset or firing, so an idle
// timer does not age while nobody looks at it.
type SingleScanTimer struct {
	duration time.Duration
	anchor   time.Time
	now      func() time.Time
}

// NewSingleScanTimer returns a timer firing after d. Negative durations
// are treated as zero.
func NewSingleScanTimer(d time.Duration) *SingleScanTimer {
	if d < 0 {
		d = 0
	}
	return &SingleScanTimer{duration: d, now: time.Now}
}

// Done reports whether the period has elapsed since the anchoring poll.
// It returns true exactly once and immediately re-anchors, so the next
// poll starts a fresh period.
func (t *SingleScanTimer) Done() bool {
	now := t.now()
	if t.anchor.IsZero() {
		t.anchor = now
	}
	if now.Sub(t.anchor) >= t.duration {
		t.anchor = time.Time{}
		return true
	}
	return false
}

// Reset clears the anchor so the next poll starts a fresh period.
func (t *SingleScanTimer) Reset() {
	t.anchor = time.Time{}
}

// OnDelayTimer latches true once its period has elapsed and stays true
// until Reset. Like all timers here it anchors on the first poll, not at
// construction.
type OnDelayTimer struct {
	duration time.Duration
	anchor   time.Time
	now      func() time.Time
}

// NewOnDelayTimer returns an on-delay timer with period d. Negative
// durations are treated as zero.
func NewOnDelayTimer(d time.Duration) *OnDelayTimer {
	if d < 0 {
		d = 0
	}
	return &OnDelayTimer{duration: d, now: time.Now}
}

// Done reports whether the period has elapsed since the anchoring poll.
func (t *OnDelayTimer) Done() bool {
	now := t.now()
	if t.anchor.IsZero() {
		t.anchor = now
	}
	return now.Sub(t.anchor) >= t.duration
}

// Reset re-arms the timer; the next poll anchors a fresh period.
func (t *OnDelayTimer) Reset() {
	t.anchor = time.Time{}
}

// OffDelayTimer is the inverse latch of OnDelayTimer: it reports true
// from the anchoring poll until the period has elapsed, then false until
// Reset.
type OffDelayTimer struct {
	duration time.Duration
	anchor   time.Time
	now      func() time.Time
}

// NewOffDelayTimer returns an off-delay timer with period d. Negative
// durations are treated as zero.
func NewOffDelayTimer(d time.Duration) *OffDelayTimer {
	if d < 0 {
		d = 0
	}
	return &OffDelayTimer{duration: d, now: time.Now}
}

// Running reports whether the period is still open. The first poll
// anchors the deadline.
func (t *OffDelayTimer) Running() bool {
	now := t.now()
	if t.anchor.IsZero() {
		t.anchor = now
	}
	return now.Sub(t.anchor) < t.duration
}

// Reset re-arms the timer; the next poll reports true again.
func (t *OffDelayTimer) Reset() {
	t.anchor = time.Time{}
}
