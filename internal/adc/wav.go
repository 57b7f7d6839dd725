package adc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/teslashibe/go-micgrid/internal/mic"
)

// ErrExhausted is returned once a non-looping recording has been consumed
var ErrExhausted = errors.New("adc: recording exhausted")

// DefaultBits is the resolution of the original converter
const DefaultBits = 12

// WAVDevice replays a recording as analog input. Pin n reads channel
// n mod channels, scaled to the configured ADC resolution with silence at
// the midpoint.
type WAVDevice struct {
	path     string
	loop     bool
	channels int
	bitDepth int
	bits     int
	frames   int
	data     []int

	logger *slog.Logger

	mu        sync.Mutex
	cursors   [NumPins]int
	closed    bool
	exhausted bool
}

// NewWAVDevice loads a 16, 24 or 32 bit PCM recording and replays it as
// bits-wide ADC values (0 means DefaultBits)
func NewWAVDevice(path string, loop bool, bits int, logger *slog.Logger) (*WAVDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bits == 0 {
		bits = DefaultBits
	}
	if bits < 1 || bits > 16 {
		return nil, fmt.Errorf("unsupported ADC resolution: %d bits", bits)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}

	bitDepth := int(decoder.BitDepth)
	switch bitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}

	channels := int(decoder.NumChans)
	if channels < 1 {
		return nil, fmt.Errorf("unsupported number of channels: %d", channels)
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, 4096*channels),
		Format: &audio.Format{SampleRate: int(decoder.SampleRate), NumChannels: channels},
	}

	var data []int
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, fmt.Errorf("decode recording: %w", err)
		}
		if n == 0 {
			break
		}
		data = append(data, buf.Data[:n]...)
	}

	frames := len(data) / channels
	if frames == 0 {
		return nil, fmt.Errorf("%s contains no samples", path)
	}

	logger.Info("WAV ADC loaded",
		"path", path,
		"channels", channels,
		"bit_depth", bitDepth,
		"adc_bits", bits,
		"sample_rate", decoder.SampleRate,
		"frames", frames,
		"loop", loop,
	)

	return &WAVDevice{
		path:     path,
		loop:     loop,
		channels: channels,
		bitDepth: bitDepth,
		bits:     bits,
		frames:   frames,
		data:     data,
		logger:   logger,
	}, nil
}

// Pin binds an analog input
func (w *WAVDevice) Pin(n int) (mic.AnalogSource, error) {
	if err := checkPin(n); err != nil {
		return nil, err
	}
	return mic.AnalogSourceFunc(func() (int, error) {
		return w.read(n)
	}), nil
}

func (w *WAVDevice) read(pin int) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	frame := w.cursors[pin]
	if frame >= w.frames {
		if !w.loop {
			if !w.exhausted {
				w.exhausted = true
				w.logger.Info("WAV recording finished", "path", w.path, "frames", w.frames)
			}
			return 0, ErrExhausted
		}
		frame = 0
	}
	w.cursors[pin] = frame + 1

	sample := w.data[frame*w.channels+pin%w.channels]
	return scaleSample(sample, w.bitDepth, w.bits), nil
}

// scaleSample maps a signed PCM sample onto the unsigned ADC range
func scaleSample(sample, bitDepth, bits int) int {
	v := sample + 1<<(bitDepth-1)
	return v >> (bitDepth - bits)
}

// Frames returns the recording length in frames
func (w *WAVDevice) Frames() int {
	return w.frames
}

// Healthy returns true until the device is closed or a non-looping
// recording runs out
func (w *WAVDevice) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	if w.loop {
		return true
	}
	for _, c := range w.cursors {
		if c >= w.frames {
			return false
		}
	}
	return true
}

// Name returns the device type name
func (w *WAVDevice) Name() string {
	return string(KindWAV)
}

// Close releases the decoded samples
func (w *WAVDevice) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.data = nil
	return nil
}
