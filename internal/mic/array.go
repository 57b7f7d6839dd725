package mic

import "fmt"

// Reading is a point-in-time view of one channel
type Reading struct {
	Position     Position `json:"position"`
	Current      int      `json:"current"`
	Last         int      `json:"last"`
	RateOfChange int      `json:"rate_of_change"`
}

// Array owns the four channels at their fixed grid positions
type Array struct {
	channels [NumChannels]*Channel
}

// NewArray binds one channel per position, in Positions order
func NewArray(sources [NumChannels]AnalogSource, cfg ChannelConfig) *Array {
	a := &Array{}
	for i, src := range sources {
		a.channels[i] = NewChannel(src, cfg)
	}
	return a
}

// SampleAll samples every channel in fixed order and returns the loudest.
//
// All pins are read before any channel is updated, so a failed read leaves
// every window untouched for this tick. Ties go to the first channel in
// sampling order.
func (a *Array) SampleAll() (int, *Channel, error) {
	var raws [NumChannels]int
	for i, ch := range a.channels {
		raw, err := ch.source.ReadRaw()
		if err != nil {
			return -1, nil, fmt.Errorf("%w: %s: %w", ErrSensorRead, Position(i), err)
		}
		raws[i] = raw
	}

	loudest := 0
	for i, ch := range a.channels {
		ch.Apply(raws[i])
		if ch.current > a.channels[loudest].current {
			loudest = i
		}
	}

	return loudest, a.channels[loudest], nil
}

// Channel returns the channel at a position
func (a *Array) Channel(p Position) *Channel {
	return a.channels[p]
}

// LastReadings returns every channel's previous reading in Positions order
func (a *Array) LastReadings() [NumChannels]int {
	var out [NumChannels]int
	for i, ch := range a.channels {
		out[i] = ch.last
	}
	return out
}

// Readings returns a snapshot of every channel
func (a *Array) Readings() []Reading {
	out := make([]Reading, 0, NumChannels)
	for i, ch := range a.channels {
		out = append(out, Reading{
			Position:     Position(i),
			Current:      ch.current,
			Last:         ch.last,
			RateOfChange: ch.RateOfChange(),
		})
	}
	return out
}

// Clamped returns the total clamped samples across all channels
func (a *Array) Clamped() uint64 {
	var total uint64
	for _, ch := range a.channels {
		total += ch.clamped
	}
	return total
}
