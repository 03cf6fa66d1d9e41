package programs

// UpCounter counts upwards without bound. Done reports whether the value
// has reached the preset.
type UpCounter struct {
	preset int
	value  int
}

// NewUpCounter returns a counter starting at zero.
func NewUpCounter(preset int) *UpCounter {
	return &UpCounter{preset: preset}
}

// Count increments the value.
func (c *UpCounter) Count() {
	c.value++
}

// Value reports the current count.
func (c *UpCounter) Value() int {
	return c.value
}

// Done reports whether the value has reached the preset.
func (c *UpCounter) Done() bool {
	return c.value >= c.preset
}

// Reset sets the value back to zero.
func (c *UpCounter) Reset() {
	c.value = 0
}

// DownCounter counts from its preset towards zero and never goes below it.
type DownCounter struct {
	preset int
	value  int
}

// NewDownCounter returns a counter starting at preset.
func NewDownCounter(preset int) *DownCounter {
	return &DownCounter{preset: preset, value: preset}
}

// Count decrements the value, stopping at zero.
func (c *DownCounter) Count() {
	if c.value > 0 {
		c.value--
	}
}

// Value reports the current count.
func (c *DownCounter) Value() int {
	return c.value
}

// Done reports whether the value has reached zero.
func (c *DownCounter) Done() bool {
	return c.value == 0
}

// Reset restores the preset.
func (c *DownCounter) Reset() {
	c.value = c.preset
}

// UpDownCounter counts in both directions, floored at zero and unbounded
// upwards. The value starts at the preset.
type UpDownCounter struct {
	preset int
	value  int
}

// NewUpDownCounter returns a counter starting at preset.
func NewUpDownCounter(preset int) *UpDownCounter {
	return &UpDownCounter{preset: preset, value: preset}
}

// CountUp increments the value.
func (c *UpDownCounter) CountUp() {
	c.value++
}

// CountDown decrements the value, stopping at zero.
func (c *UpDownCounter) CountDown() {
	if c.value > 0 {
		c.value--
	}
}

// Value reports the current count.
func (c *UpDownCounter) Value() int {
	return c.value
}

// Done reports whether the value has reached the preset.
func (c *UpDownCounter) Done() bool {
	return c.value >= c.preset
}

// Reset restores the preset.
func (c *UpDownCounter) Reset() {
	c.value = c.preset
}
