// Package mic provides the per-microphone smoothing channel and the fixed
// 2x2 microphone array sampled on every tick.
package mic

import (
	"errors"
	"fmt"
)

// ErrSensorRead is returned when an analog source cannot produce a sample.
var ErrSensorRead = errors.New("sensor read failed")

// NumChannels is the number of microphones in the array
const NumChannels = 4

// AnalogSource produces raw unsigned samples for one physical pin
type AnalogSource interface {
	// ReadRaw returns the next raw sample (0..4095 for a 12-bit converter)
	ReadRaw() (int, error)
}

// AnalogSourceFunc adapts a function to AnalogSource
type AnalogSourceFunc func() (int, error)

// ReadRaw calls f()
func (f AnalogSourceFunc) ReadRaw() (int, error) {
	return f()
}

// Position is the fixed logical location of a microphone in the grid
type Position int

const (
	TopLeft Position = iota
	TopRight
	BottomLeft
	BottomRight
)

// Positions lists the array positions in sampling order
var Positions = [NumChannels]Position{TopLeft, TopRight, BottomLeft, BottomRight}

func (p Position) String() string {
	switch p {
	case TopLeft:
		return "top_left"
	case TopRight:
		return "top_right"
	case BottomLeft:
		return "bottom_left"
	case BottomRight:
		return "bottom_right"
	default:
		return fmt.Sprintf("position(%d)", int(p))
	}
}

// MarshalText encodes the position as its snake_case name
func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a snake_case name
func (p *Position) UnmarshalText(text []byte) error {
	v, err := ParsePosition(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePosition parses a snake_case position name
func ParsePosition(s string) (Position, error) {
	for _, p := range Positions {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown microphone position %q", s)
}
