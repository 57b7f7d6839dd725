package peak

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func tick(n int) time.Time {
	return epoch.Add(time.Duration(n) * 10 * time.Millisecond)
}

func TestDetector_RiseThenFall(t *testing.T) {
	d := NewDetector(Config{Threshold: 700})

	sequence := []int{100, 800, 900, 300, -50}
	wantState := []State{Idle, AwaitingFall, AwaitingFall, AwaitingFall, Idle}
	wantPeak := []bool{false, false, false, false, true}

	for i, roc := range sequence {
		got := d.Update(roc, tick(i))
		assert.Equalf(t, wantPeak[i], got, "peak at step %d (roc %d)", i, roc)
		assert.Equalf(t, wantState[i], d.State(), "state at step %d (roc %d)", i, roc)
	}

	armed, confirmed := d.Counts()
	assert.Equal(t, uint64(1), armed)
	assert.Equal(t, uint64(1), confirmed)
}

func TestDetector_ThresholdIsStrict(t *testing.T) {
	d := NewDetector(Config{Threshold: 700})

	assert.False(t, d.Update(700, tick(0)))
	assert.Equal(t, Idle, d.State())

	assert.False(t, d.Update(701, tick(1)))
	assert.Equal(t, AwaitingFall, d.State())
}

func TestDetector_ZeroDoesNotConfirm(t *testing.T) {
	d := NewDetector(Config{Threshold: 700})
	d.Update(900, tick(0))

	assert.False(t, d.Update(0, tick(1)))
	assert.Equal(t, AwaitingFall, d.State())

	assert.True(t, d.Update(-1, tick(2)))
}

func TestDetector_NeverConfirmsFromIdle(t *testing.T) {
	d := NewDetector(Config{Threshold: 700})

	for i, roc := range []int{-500, -1, 0, 300, -900} {
		assert.False(t, d.Update(roc, tick(i)))
		assert.Equal(t, Idle, d.State())
	}
}

func TestDetector_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	d := NewDetector(Config{Threshold: 700})

	for i := range 10000 {
		roc := rng.IntN(3000) - 1500
		before := d.State()

		peak := d.Update(roc, tick(i))
		after := d.State()

		if peak {
			require.Equal(t, AwaitingFall, before, "peak confirmed from Idle")
			require.Less(t, roc, 0)
			require.Equal(t, Idle, after)
		}
		if before == Idle && after == AwaitingFall {
			require.Greater(t, roc, 700, "entered AwaitingFall without crossing threshold")
		}
		if before == AwaitingFall && after == Idle {
			require.True(t, peak)
		}
	}
}

func TestDetector_StuckLatch(t *testing.T) {
	d := NewDetector(Config{Threshold: 700, StuckAfter: time.Second})

	assert.False(t, d.Stuck(tick(0)))
	assert.Zero(t, d.TimeInState(tick(0)))

	d.Update(1000, tick(0))

	// Rate of change never goes negative
	now := tick(0)
	for i := 1; i <= 200; i++ {
		now = tick(i)
		assert.False(t, d.Update(50, now))
	}

	assert.Equal(t, AwaitingFall, d.State())
	assert.Equal(t, 2*time.Second, d.TimeInState(now))
	assert.True(t, d.Stuck(now))

	// Still recoverable
	assert.True(t, d.Update(-10, now.Add(10*time.Millisecond)))
	assert.False(t, d.Stuck(now.Add(time.Hour)))
}

func TestDetector_StuckDisabled(t *testing.T) {
	d := NewDetector(Config{Threshold: 700})
	d.Update(1000, tick(0))

	assert.False(t, d.Stuck(tick(100000)))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "awaiting_fall", AwaitingFall.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{Idle, AwaitingFall} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("armed")))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 700, cfg.Threshold)
	assert.Equal(t, 5*time.Second, cfg.StuckAfter)
}
