// Package sim provides an in-memory point client for demos, config checks
// and tests. Values live in a map keyed by point class and address; writes
// land there and reads serve from there, so an application loop runs
// against it without any hardware.
package sim

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/timzifer/softplc/pointio"
)

// Client simulates a point service. Analog inputs may drift by a bounded
// random walk per read to keep demo values alive. The client never fails
// unless it is closed.
type Client struct {
	mu     sync.Mutex
	closed bool
	values map[string]float64
	rng    *mathrand.Rand
	walk   float64
}

// Option adjusts the client at construction.
type Option func(*Client)

// WithSeed makes the random walk deterministic.
func WithSeed(seed int64) Option {
	return func(c *Client) {
		c.rng = mathrand.New(mathrand.NewSource(seed))
	}
}

// WithAnalogWalk lets every analog input drift by at most step per read.
func WithAnalogWalk(step float64) Option {
	return func(c *Client) {
		if step > 0 {
			c.walk = step
		}
	}
}

// NewClient returns an empty simulation client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		values: make(map[string]float64),
		rng:    mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetValue places a value on a point, typically to seed inputs in tests.
func (c *Client) SetValue(p pointio.Point, value float64) {
	c.mu.Lock()
	c.values[key(p)] = value
	c.mu.Unlock()
}

// Value reads a point's stored value without simulating drift.
func (c *Client) Value(p pointio.Point) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key(p)]
	return v, ok
}

// Read serves the stored value; unset points read as zero. Analog inputs
// drift when a walk step is configured.
func (c *Client) Read(ctx context.Context, p pointio.Point) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(ctx); err != nil {
		return 0, &pointio.CommError{Op: "read", Address: p.Address, Err: err}
	}
	v := c.values[key(p)]
	if c.walk > 0 && p.Kind == pointio.AnalogIn {
		v += (c.rng.Float64()*2 - 1) * c.walk
		c.values[key(p)] = v
	}
	return v, nil
}

// Write stores the value. Writes to input points are allowed so demos can
// loop outputs back to inputs.
func (c *Client) Write(ctx context.Context, p pointio.Point, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(ctx); err != nil {
		return &pointio.CommError{Op: "write", Address: p.Address, Err: err}
	}
	c.values[key(p)] = value
	return nil
}

// Close marks the client unusable; all further exchanges fail.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Client) usable(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("client closed")
	}
	return ctx.Err()
}

func key(p pointio.Point) string {
	return p.Kind.Path() + "/" + p.Address
}
