package plc

import (
	"context"
	"time"
)

// pacer spaces scan iterations by a fixed interval. A zero interval runs
// the loop back to back, which matches I/O bound installations where the
// point exchanges themselves pace the cycle.
type pacer struct {
	interval time.Duration
}

// wait blocks until the next iteration is due. It returns the context
// error when cancellation is observed, which is the engine's only stop
// signal.
func (p *pacer) wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.interval)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
