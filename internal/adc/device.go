// Package adc provides analog input devices that feed the microphone array
package adc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-micgrid/internal/mic"
)

// NumPins is the number of analog inputs on every device (A0..A3)
const NumPins = 4

var (
	// ErrClosed is returned by reads on a closed device
	ErrClosed = errors.New("adc: device closed")

	// ErrInvalidPin is returned when binding a pin the device does not have
	ErrInvalidPin = errors.New("adc: invalid pin")

	// ErrReconnectPending is returned while a lost device waits out its
	// reconnect backoff
	ErrReconnectPending = errors.New("adc: reconnect pending")
)

// Device is a bank of analog inputs
type Device interface {
	// Pin binds an analog input (0 = A0)
	Pin(n int) (mic.AnalogSource, error)

	// Healthy returns true if the device is operational
	Healthy() bool

	// Name returns the device type name
	Name() string

	// Close releases resources
	Close() error
}

// Kind selects a device implementation
type Kind string

const (
	KindUSB  Kind = "usb"
	KindMock Kind = "mock"
	KindWAV  Kind = "wav"
)

// Config selects and configures a device. Bits is the ADC resolution the
// WAV and mock devices emit (0 means DefaultBits).
type Config struct {
	Kind     Kind
	Bits     int
	Fallback bool
	WAVPath  string
	Loop     bool
	USB      USBConfig
	Mock     MockConfig
}

// NewDevice creates the configured device. A USB device that cannot be
// opened falls back to the mock when cfg.Fallback is set.
func NewDevice(cfg Config, logger *slog.Logger) (Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bits == 0 {
		cfg.Bits = DefaultBits
	}
	cfg.Mock.Bits = cfg.Bits

	switch cfg.Kind {
	case KindMock:
		return NewMockDevice(cfg.Mock), nil
	case KindWAV:
		return NewWAVDevice(cfg.WAVPath, cfg.Loop, cfg.Bits, logger)
	case KindUSB, "":
		usb, err := NewUSBDevice(cfg.USB, logger)
		if err == nil {
			return usb, nil
		}

		logger.Warn("USB ADC unavailable",
			"error", err,
			"hint", "ensure libusb is installed and the bridge is connected",
		)

		if !cfg.Fallback {
			return nil, err
		}

		logger.Warn("using mock ADC - no hardware available")
		return NewMockDevice(cfg.Mock), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// BindPins binds one pin per microphone position, indexed by mic.Position
func BindPins(d Device, pins [mic.NumChannels]int) ([mic.NumChannels]mic.AnalogSource, error) {
	var sources [mic.NumChannels]mic.AnalogSource

	for i, pin := range pins {
		src, err := d.Pin(pin)
		if err != nil {
			return sources, fmt.Errorf("bind %s to A%d: %w", mic.Position(i), pin, err)
		}
		sources[i] = src
	}

	return sources, nil
}

// DefaultPins is the board wiring: TL=A3, TR=A2, BL=A1, BR=A0
func DefaultPins() [mic.NumChannels]int {
	return [mic.NumChannels]int{3, 2, 1, 0}
}

func checkPin(n int) error {
	if n < 0 || n >= NumPins {
		return fmt.Errorf("%w: %d", ErrInvalidPin, n)
	}
	return nil
}
