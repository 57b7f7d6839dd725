// Package peak implements the two-state latch that confirms a transient
// peak from the sign change of the loudest channel's rate of change.
package peak

import (
	"fmt"
	"time"
)

// State is the latch state
type State int

const (
	// Idle: not tracking a rising transient
	Idle State = iota
	// AwaitingFall: a rise above threshold was seen, waiting for the rate
	// of change to go negative
	AwaitingFall
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFall:
		return "awaiting_fall"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "awaiting_fall":
		*s = AwaitingFall
	default:
		return fmt.Errorf("unknown latch state %q", text)
	}
	return nil
}

// Config configures the detector
type Config struct {
	Threshold  int           // rate of change that arms the latch
	StuckAfter time.Duration // time in AwaitingFall reported as stuck (0 disables)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Threshold:  700,
		StuckAfter: 5 * time.Second,
	}
}

// Detector tracks one transient at a time across the whole array.
//
// Only the rate of change of whichever channel is loudest on a given tick
// is fed in. Arrival-time differences between channels are not modeled.
type Detector struct {
	cfg       Config
	state     State
	enteredAt time.Time

	armed     uint64
	confirmed uint64
}

// NewDetector creates a detector in the Idle state
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Update advances the latch with the loudest channel's rate of change and
// reports whether a peak was confirmed on this tick. When it returns true
// every channel's last reading holds the amplitude at the peak sample.
func (d *Detector) Update(rateOfChange int, now time.Time) bool {
	switch d.state {
	case Idle:
		if rateOfChange > d.cfg.Threshold {
			d.state = AwaitingFall
			d.enteredAt = now
			d.armed++
		}
		return false

	case AwaitingFall:
		if rateOfChange < 0 {
			d.state = Idle
			d.enteredAt = now
			d.confirmed++
			return true
		}
	}

	return false
}

// State returns the current latch state
func (d *Detector) State() State {
	return d.state
}

// TimeInState returns how long the detector has been in its current state.
// Idle before the first transition reports zero.
func (d *Detector) TimeInState(now time.Time) time.Duration {
	if d.enteredAt.IsZero() {
		return 0
	}
	return now.Sub(d.enteredAt)
}

// Stuck reports whether the latch has waited longer than StuckAfter for the
// rate of change to fall. It never resets the latch.
func (d *Detector) Stuck(now time.Time) bool {
	if d.cfg.StuckAfter <= 0 || d.state != AwaitingFall {
		return false
	}
	return d.TimeInState(now) > d.cfg.StuckAfter
}

// Threshold returns the arming threshold
func (d *Detector) Threshold() int {
	return d.cfg.Threshold
}

// Counts returns how many times the latch armed and confirmed a peak
func (d *Detector) Counts() (armed, confirmed uint64) {
	return d.armed, d.confirmed
}
