// Package locate runs the sampling loop: it owns the microphone array and
// the peak latch, and turns every confirmed peak into a position report.
package locate

import (
	"time"

	"github.com/teslashibe/go-micgrid/internal/mic"
	"github.com/teslashibe/go-micgrid/internal/position"
	"github.com/teslashibe/go-micgrid/internal/sink"
)

// Report is a confirmed peak with its position estimate
type Report struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Loudest      mic.Position      `json:"loudest"`
	RateOfChange int               `json:"rate_of_change"` // loudest channel, confirming tick
	Snapshot     position.Snapshot `json:"snapshot"`
	Text         string            `json:"text"`
}

// Message wraps the report for delivery
func (r Report) Message() sink.Message {
	return sink.Message{
		ID:    r.ID,
		Kind:  sink.KindPeak,
		Title: "Sound located",
		Text:  r.Text,
		Time:  r.Timestamp,
		Data:  r,
	}
}
