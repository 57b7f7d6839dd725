package adc

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWAV writes interleaved 16-bit frames
func writeWAV(t *testing.T, channels int, frames [][]int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "capture.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var data []int
	for _, frame := range frames {
		require.Len(t, frame, channels)
		data = append(data, frame...)
	}

	enc := wav.NewEncoder(f, 16000, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: 16000, NumChannels: channels},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())

	return path
}

func TestScaleSample(t *testing.T) {
	tests := []struct {
		sample   int
		bitDepth int
		bits     int
		want     int
	}{
		{0, 16, 12, 2048},
		{-32768, 16, 12, 0},
		{32767, 16, 12, 4095},
		{16, 16, 12, 2049},
		{0, 24, 12, 2048},
		{-8388608, 24, 12, 0},
		{8388607, 24, 12, 4095},
		{0, 32, 12, 2048},
		{0, 16, 16, 32768},
		{-32768, 16, 16, 0},
		{32767, 16, 16, 65535},
		{8388607, 24, 16, 65535},
		{0, 24, 10, 512},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, scaleSample(tt.sample, tt.bitDepth, tt.bits),
			"sample %d @ %d bits -> %d bits", tt.sample, tt.bitDepth, tt.bits)
	}
}

func TestWAVDevice_ReadsChannelsPerPin(t *testing.T) {
	path := writeWAV(t, 4, [][]int{
		{0, 16, 32, 48},
		{-32768, 0, 32767, 0},
	})

	d, err := NewWAVDevice(path, false, 0, discardLogger())
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 2, d.Frames())
	assert.Equal(t, "wav", d.Name())

	want := [][NumPins]int{
		{2048, 2049, 2050, 2051},
		{0, 2048, 4095, 2048},
	}
	for _, frame := range want {
		for pin := range NumPins {
			src, err := d.Pin(pin)
			require.NoError(t, err)
			got, err := src.ReadRaw()
			require.NoError(t, err)
			assert.Equal(t, frame[pin], got, "pin %d", pin)
		}
	}

	assert.False(t, d.Healthy())

	src, err := d.Pin(0)
	require.NoError(t, err)
	_, err = src.ReadRaw()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestWAVDevice_ExhaustionLoggedOnce(t *testing.T) {
	path := writeWAV(t, 1, [][]int{{0}})

	var buf bytes.Buffer
	d, err := NewWAVDevice(path, false, 0, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)

	src, err := d.Pin(0)
	require.NoError(t, err)
	_, err = src.ReadRaw()
	require.NoError(t, err)

	for range 50 {
		_, err = src.ReadRaw()
		require.ErrorIs(t, err, ErrExhausted)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "WAV recording finished"))
}

func TestWAVDevice_Loop(t *testing.T) {
	path := writeWAV(t, 1, [][]int{{0}, {32767}})

	d, err := NewWAVDevice(path, true, 0, discardLogger())
	require.NoError(t, err)

	// Mono recordings feed every pin
	src, err := d.Pin(3)
	require.NoError(t, err)

	var got []int
	for range 5 {
		v, err := src.ReadRaw()
		require.NoError(t, err)
		got = append(got, v)
	}

	assert.Equal(t, []int{2048, 4095, 2048, 4095, 2048}, got)
	assert.True(t, d.Healthy())

	require.NoError(t, d.Close())
	_, err = src.ReadRaw()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWAVDevice_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a riff file"), 0o644))

	_, err := NewWAVDevice(path, false, 0, discardLogger())
	assert.Error(t, err)

	_, err = NewWAVDevice(filepath.Join(t.TempDir(), "missing.wav"), false, 0, discardLogger())
	assert.Error(t, err)
}

func TestWAVDevice_ScalesToConfiguredBits(t *testing.T) {
	path := writeWAV(t, 1, [][]int{{0}, {32767}, {-32768}})

	d, err := NewWAVDevice(path, false, 16, discardLogger())
	require.NoError(t, err)

	src, err := d.Pin(0)
	require.NoError(t, err)

	var got []int
	for range 3 {
		v, err := src.ReadRaw()
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{32768, 65535, 0}, got)

	_, err = NewWAVDevice(path, false, 20, discardLogger())
	assert.Error(t, err)
}
