package adc

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge answers control transfers from a per-pin table
type fakeBridge struct {
	mu     sync.Mutex
	values [NumPins]uint16
	status byte
	err    error
	short  bool
	closed bool
	wValue []uint16
}

func (f *fakeBridge) Control(_, _ uint8, val, idx uint16, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.wValue = append(f.wValue, val)
	if f.err != nil {
		return 0, f.err
	}
	if f.short {
		return 1, nil
	}
	if idx != adcResID {
		return 0, errors.New("unknown resource")
	}

	data[0] = f.status
	binary.LittleEndian.PutUint16(data[1:3], f.values[val&^readFlag])
	return responseLen, nil
}

func (f *fakeBridge) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testBackoff = time.Millisecond

func newFakeUSB(t *testing.T, bridges ...*fakeBridge) (*USBDevice, *int) {
	t.Helper()

	opens := 0
	cfg := DefaultUSBConfig()
	cfg.MaxConsecutiveErrors = 2
	cfg.InitialBackoff = testBackoff
	cfg.MaxBackoff = 4 * time.Millisecond

	d := newUSBDevice(cfg, discardLogger(), func() (controller, error) {
		if opens >= len(bridges) {
			opens++
			return nil, errors.New("not found")
		}
		b := bridges[opens]
		opens++
		return b, nil
	})
	require.NoError(t, d.openDevice())

	return d, &opens
}

func TestDefaultUSBConfig(t *testing.T) {
	cfg := DefaultUSBConfig()

	assert.Equal(t, uint16(VendorID), cfg.VendorID)
	assert.Equal(t, uint16(ProductID), cfg.ProductID)
	assert.Equal(t, 5, cfg.MaxConsecutiveErrors)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)

	assert.Equal(t, cfg, USBConfig{}.withDefaults())
}

func TestUSBDevice_ReadPin(t *testing.T) {
	bridge := &fakeBridge{values: [NumPins]uint16{10, 1000, 2048, 4095}}
	d, _ := newFakeUSB(t, bridge)

	for pin, want := range []int{10, 1000, 2048, 4095} {
		src, err := d.Pin(pin)
		require.NoError(t, err)

		got, err := src.ReadRaw()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	assert.Equal(t, []uint16{0x80, 0x81, 0x82, 0x83}, bridge.wValue)
	assert.Equal(t, uint64(4), d.Stats().Reads)
	assert.True(t, d.Healthy())
}

func TestUSBDevice_InvalidPin(t *testing.T) {
	d, _ := newFakeUSB(t, &fakeBridge{})

	_, err := d.Pin(4)
	assert.ErrorIs(t, err, ErrInvalidPin)

	_, err = d.Pin(-1)
	assert.ErrorIs(t, err, ErrInvalidPin)
}

func TestUSBDevice_ErrorStatus(t *testing.T) {
	d, _ := newFakeUSB(t, &fakeBridge{status: 3})
	src, err := d.Pin(0)
	require.NoError(t, err)

	_, err = src.ReadRaw()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error status: 3")
}

func TestUSBDevice_ShortRead(t *testing.T) {
	d, _ := newFakeUSB(t, &fakeBridge{short: true})
	src, err := d.Pin(0)
	require.NoError(t, err)

	_, err = src.ReadRaw()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short read")
}

func TestUSBDevice_ReconnectAfterErrors(t *testing.T) {
	broken := &fakeBridge{err: errors.New("pipe error")}
	good := &fakeBridge{values: [NumPins]uint16{42}}
	d, opens := newFakeUSB(t, broken, good)

	src, err := d.Pin(0)
	require.NoError(t, err)

	_, err = src.ReadRaw()
	require.Error(t, err)
	assert.True(t, d.Healthy(), "one error is tolerated")

	_, err = src.ReadRaw()
	require.Error(t, err)
	assert.False(t, d.Healthy())
	assert.True(t, broken.closed, "unhealthy device must be released")
	assert.False(t, d.Stats().DeviceConnected)

	time.Sleep(2 * testBackoff)

	got, err := src.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, *opens)

	stats := d.Stats()
	assert.True(t, stats.Healthy)
	assert.True(t, stats.DeviceConnected)
	assert.Zero(t, stats.ConsecutiveErrors)
}

func TestUSBDevice_ReconnectBackoff(t *testing.T) {
	broken := &fakeBridge{err: errors.New("pipe error")}
	d, opens := newFakeUSB(t, broken)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	src, err := d.Pin(0)
	require.NoError(t, err)

	// Two reads trip the device
	for range 2 {
		_, _ = src.ReadRaw()
	}
	delays := []time.Duration{d.nextReconnect.Sub(clock)}

	// Reads inside the backoff fail fast without touching the bus
	_, err = src.ReadRaw()
	assert.ErrorIs(t, err, ErrReconnectPending)
	assert.Equal(t, 1, *opens)

	for range 3 {
		clock = d.nextReconnect
		_, err := src.ReadRaw()
		require.Error(t, err)
		delays = append(delays, d.nextReconnect.Sub(clock))
	}

	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond,
	}, delays)
	assert.Equal(t, 4, *opens)
	assert.Contains(t, d.Stats().LastError, "not found")
}

func TestUSBDevice_BackoffDoesNotHoldLock(t *testing.T) {
	d, _ := newFakeUSB(t, &fakeBridge{err: errors.New("pipe error")})
	d.cfg.InitialBackoff = time.Hour
	d.reconnectBackoff = time.Hour

	src, err := d.Pin(0)
	require.NoError(t, err)
	for range 2 {
		_, _ = src.ReadRaw()
	}

	start := time.Now()
	_, err = src.ReadRaw()
	assert.ErrorIs(t, err, ErrReconnectPending)
	assert.False(t, d.Healthy())
	assert.Less(t, time.Since(start), time.Second)
}

func TestUSBDevice_Close(t *testing.T) {
	bridge := &fakeBridge{}
	d, _ := newFakeUSB(t, bridge)
	src, err := d.Pin(1)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, bridge.closed)
	assert.False(t, d.Healthy())

	_, err = src.ReadRaw()
	assert.ErrorIs(t, err, ErrClosed)
}
