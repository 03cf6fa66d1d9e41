// Package plc implements a deterministic cyclic scan engine: read all
// inputs, run one application control step, write all outputs, repeat.
// Applications register labeled points up front and interact with the
// process image through edge detecting memory cells.
package plc

import "sync"

// BitCell is the process image of a binary signal. Every Set shifts the
// current value into the previous one, which makes edge queries valid for
// exactly one scan. Bit cells and number cells are distinct types, so
// edge operations on analog values do not compile.
type BitCell struct {
	mu   sync.RWMutex
	curr bool
	prev bool
}

// NewBitCell returns a bit cell holding initial as both current and
// previous value.
func NewBitCell(initial bool) *BitCell {
	c := &BitCell{}
	c.seed(initial)
	return c
}

// Set stores a new current value and remembers the old one.
func (c *BitCell) Set(v bool) {
	c.mu.Lock()
	c.prev = c.curr
	c.curr = v
	c.mu.Unlock()
}

// Activate is shorthand for Set(true).
func (c *BitCell) Activate() {
	c.Set(true)
}

// Deactivate is shorthand for Set(false).
func (c *BitCell) Deactivate() {
	c.Set(false)
}

// Active reports the current value.
func (c *BitCell) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.curr
}

// Value reports the current value.
func (c *BitCell) Value() bool {
	return c.Active()
}

// Previous reports the value before the last Set.
func (c *BitCell) Previous() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prev
}

// Rising reports whether the last Set turned the cell on.
func (c *BitCell) Rising() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.curr && !c.prev
}

// Falling reports whether the last Set turned the cell off.
func (c *BitCell) Falling() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.curr && c.prev
}

// seed initializes both values at registration, so a non zero initial
// value does not show up as an edge on the first scan.
func (c *BitCell) seed(v bool) {
	c.mu.Lock()
	c.curr = v
	c.prev = v
	c.mu.Unlock()
}

func (c *BitCell) state() (curr, prev bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.curr, c.prev
}

// NumberCell is the process image of an analog signal. It keeps the same
// current/previous pair as BitCell but carries no edge queries.
type NumberCell struct {
	mu   sync.RWMutex
	curr float64
	prev float64
}

// NewNumberCell returns a number cell holding initial as both current and
// previous value.
func NewNumberCell(initial float64) *NumberCell {
	c := &NumberCell{}
	c.seed(initial)
	return c
}

// Set stores a new current value and remembers the old one.
func (c *NumberCell) Set(v float64) {
	c.mu.Lock()
	c.prev = c.curr
	c.curr = v
	c.mu.Unlock()
}

// Value reports the current value.
func (c *NumberCell) Value() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.curr
}

// Previous reports the value before the last Set.
func (c *NumberCell) Previous() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prev
}

// Active reports whether the current value is non zero.
func (c *NumberCell) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.curr != 0
}

func (c *NumberCell) seed(v float64) {
	c.mu.Lock()
	c.curr = v
	c.prev = v
	c.mu.Unlock()
}

func (c *NumberCell) state() (curr, prev float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.curr, c.prev
}
