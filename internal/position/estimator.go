// Package position turns the four frozen peak readings into amplitude
// ratios that approximate where the sound came from.
package position

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Undefined is the text rendering of a ratio with a zero denominator
const Undefined = "undefined"

// Ratio is a quotient that may be undefined
type Ratio struct {
	Value   float64
	Defined bool
}

// NewRatio divides num by den. A zero denominator gives an undefined ratio.
func NewRatio(num, den int) Ratio {
	if den == 0 {
		return Ratio{}
	}

	v := float64(num) / float64(den)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Ratio{}
	}
	return Ratio{Value: v, Defined: true}
}

func (r Ratio) String() string {
	if !r.Defined {
		return Undefined
	}
	return strconv.FormatFloat(r.Value, 'f', 3, 64)
}

// MarshalJSON encodes an undefined ratio as null
func (r Ratio) MarshalJSON() ([]byte, error) {
	if !r.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON accepts a number or null
func (r *Ratio) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Ratio{}
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid ratio: %w", err)
	}
	*r = Ratio{Value: v, Defined: true}
	return nil
}

// Snapshot holds the readings of every microphone at the peak sample and
// the ratios derived from them.
type Snapshot struct {
	TopLeft     int   `json:"top_left"`
	TopRight    int   `json:"top_right"`
	BottomLeft  int   `json:"bottom_left"`
	BottomRight int   `json:"bottom_right"`
	XRatio      Ratio `json:"x_ratio"`
	YRatio      Ratio `json:"y_ratio"`
}

// String formats the human-readable position report
func (s Snapshot) String() string {
	return fmt.Sprintf("TopLeft:%d, TopRight:%d, BottomLeft:%d, BottomRight:%d, X Ratio: %s, Y Ratio: %s",
		s.TopLeft, s.TopRight, s.BottomLeft, s.BottomRight, s.XRatio, s.YRatio)
}

// Estimator computes ratio-based position estimates
type Estimator struct{}

// NewEstimator creates an estimator
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Compute builds a snapshot from the frozen readings.
// X is top-left over top-right; Y is top-left over bottom-left.
func (e *Estimator) Compute(topLeft, topRight, bottomLeft, bottomRight int) Snapshot {
	return Snapshot{
		TopLeft:     topLeft,
		TopRight:    topRight,
		BottomLeft:  bottomLeft,
		BottomRight: bottomRight,
		XRatio:      NewRatio(topLeft, topRight),
		YRatio:      NewRatio(topLeft, bottomLeft),
	}
}

// ComputeArray is Compute over readings in top-left, top-right,
// bottom-left, bottom-right order.
func (e *Estimator) ComputeArray(readings [4]int) Snapshot {
	return e.Compute(readings[0], readings[1], readings[2], readings[3])
}
