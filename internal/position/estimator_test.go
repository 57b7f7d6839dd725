package position

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_Ratios(t *testing.T) {
	s := NewEstimator().Compute(100, 50, 25, 10)

	require.True(t, s.XRatio.Defined)
	require.True(t, s.YRatio.Defined)
	assert.Equal(t, 2.0, s.XRatio.Value)
	assert.Equal(t, 4.0, s.YRatio.Value)
}

func TestEstimator_ZeroDenominator(t *testing.T) {
	tests := []struct {
		name           string
		tl, tr, bl, br int
		xDefined       bool
		yDefined       bool
	}{
		{"bottom left silent", 100, 50, 0, 10, true, false},
		{"top right silent", 100, 0, 25, 10, false, true},
		{"all silent", 0, 0, 0, 0, false, false},
		{"numerator zero", 0, 50, 25, 10, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewEstimator().Compute(tt.tl, tt.tr, tt.bl, tt.br)

			assert.Equal(t, tt.xDefined, s.XRatio.Defined)
			assert.Equal(t, tt.yDefined, s.YRatio.Defined)

			text := s.String()
			assert.NotContains(t, text, "Inf")
			assert.NotContains(t, text, "NaN")
		})
	}
}

func TestSnapshot_String(t *testing.T) {
	s := NewEstimator().Compute(100, 50, 0, 10)

	assert.Equal(t,
		"TopLeft:100, TopRight:50, BottomLeft:0, BottomRight:10, X Ratio: 2.000, Y Ratio: undefined",
		s.String(),
	)
}

func TestSnapshot_JSON(t *testing.T) {
	s := NewEstimator().Compute(100, 50, 0, 10)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"top_left":100,"top_right":50,"bottom_left":0,"bottom_right":10,"x_ratio":2,"y_ratio":null}`,
		string(data),
	)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
}

func TestEstimator_ComputeArray(t *testing.T) {
	e := NewEstimator()

	assert.Equal(t, e.Compute(9, 3, 1, 7), e.ComputeArray([4]int{9, 3, 1, 7}))
}
