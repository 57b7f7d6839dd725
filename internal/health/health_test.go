package health

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "1.0.0", status.Version)
	assert.GreaterOrEqual(t, status.UptimeSeconds, int64(0))
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("source", true, "usb")

	status := checker.GetStatus()
	require.Len(t, status.Components, 1)

	source, ok := status.Components["source"]
	require.True(t, ok, "expected source component")
	assert.True(t, source.Healthy)
	assert.Equal(t, "usb", source.Message)
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("source", true, "ok")
	checker.SetComponent("notify", false, "invalid notification URL")

	assert.Equal(t, "degraded", checker.GetStatus().Status)
}

func TestChecker_Recovery(t *testing.T) {
	checker := NewChecker("1.0.0")

	// Start unhealthy
	checker.SetComponent("source", false, "error")
	assert.Equal(t, "degraded", checker.GetStatus().Status)

	// Recover
	checker.SetComponent("source", true, "recovered")
	assert.Equal(t, "ok", checker.GetStatus().Status)
}

func TestChecker_RegisteredCheck(t *testing.T) {
	checker := NewChecker("1.0.0")

	var stuck atomic.Bool
	checker.Register("detector", func() (bool, string) {
		if stuck.Load() {
			return false, "latch stuck awaiting fall"
		}
		return true, "idle"
	})

	assert.Equal(t, "ok", checker.GetStatus().Status)

	stuck.Store(true)

	status := checker.GetStatus()
	assert.Equal(t, "degraded", status.Status)

	detector := status.Components["detector"]
	assert.False(t, detector.Healthy)
	assert.Equal(t, "latch stuck awaiting fall", detector.Message)
	assert.False(t, detector.LastCheck.IsZero(), "expected check time to be set")
}

func TestChecker_RegisteredCheckReplacesComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("source", false, "stale")
	checker.Register("source", func() (bool, string) { return true, "mock" })

	status := checker.GetStatus()
	require.Len(t, status.Components, 1)

	got := status.Components["source"]
	assert.True(t, got.Healthy)
	assert.Equal(t, "mock", got.Message)
}

func TestChecker_MultipleComponents(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("source", true, "")
	checker.SetComponent("session", true, "")
	checker.Register("sinks", func() (bool, string) { return true, "" })

	status := checker.GetStatus()

	assert.Len(t, status.Components, 3)
	assert.Equal(t, "ok", status.Status)
}
