package mic

import "fmt"

// ChannelConfig configures the smoothing window of a channel
type ChannelConfig struct {
	WindowSize int // samples summed per reading
	Midpoint   int // DC bias of the sensor output
	MaxRaw     int // largest valid raw value
}

// DefaultChannelConfig returns the settings for a 12-bit converter
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		WindowSize: 5,
		Midpoint:   2048,
		MaxRaw:     4095,
	}
}

// Channel smooths one microphone with a sliding-window sum of magnitudes.
//
// The sum is used instead of an average so that no division is needed; all
// channels share the same window length so their readings stay comparable.
// A fresh channel reads low until the window has filled.
type Channel struct {
	source AnalogSource
	cfg    ChannelConfig

	window     []int
	writeIndex int

	current int
	last    int

	clamped uint64
}

// NewChannel creates a channel bound to an analog source. A zero MaxRaw
// means 12 bits; a zero Midpoint is the middle of the raw range.
func NewChannel(source AnalogSource, cfg ChannelConfig) *Channel {
	def := DefaultChannelConfig()
	if cfg.WindowSize < 1 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxRaw < 1 {
		cfg.MaxRaw = def.MaxRaw
	}
	if cfg.Midpoint < 1 {
		cfg.Midpoint = (cfg.MaxRaw + 1) / 2
	}

	return &Channel{
		source: source,
		cfg:    cfg,
		window: make([]int, cfg.WindowSize),
	}
}

// ReadSample reads one raw value and folds it into the window
func (c *Channel) ReadSample() (int, error) {
	raw, err := c.source.ReadRaw()
	if err != nil {
		return c.current, fmt.Errorf("%w: %w", ErrSensorRead, err)
	}
	return c.Apply(raw), nil
}

// Apply folds an already-read raw value into the window and returns the
// new reading.
func (c *Channel) Apply(raw int) int {
	if raw < 0 {
		raw = 0
		c.clamped++
	} else if raw > c.cfg.MaxRaw {
		raw = c.cfg.MaxRaw
		c.clamped++
	}

	magnitude := raw - c.cfg.Midpoint
	if magnitude < 0 {
		magnitude = -magnitude
	}

	c.last = c.current

	// Replace the oldest sample
	c.current += magnitude - c.window[c.writeIndex]
	c.window[c.writeIndex] = magnitude

	c.writeIndex++
	if c.writeIndex >= len(c.window) {
		c.writeIndex = 0
	}

	return c.current
}

// CurrentReading returns the sum of the window
func (c *Channel) CurrentReading() int {
	return c.current
}

// LastReading returns the reading from the previous sample
func (c *Channel) LastReading() int {
	return c.last
}

// RateOfChange returns CurrentReading - LastReading
func (c *Channel) RateOfChange() int {
	return c.current - c.last
}

// Clamped returns how many raw values were outside [0, MaxRaw]
func (c *Channel) Clamped() uint64 {
	return c.clamped
}

// WindowSize returns the number of samples summed per reading
func (c *Channel) WindowSize() int {
	return len(c.window)
}
