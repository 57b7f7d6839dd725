package adc

import (
	"math/rand/v2"
	"sync"

	"github.com/teslashibe/go-micgrid/internal/mic"
)

// MockConfig shapes the synthetic signal. Each pin reads midpoint plus
// noise, with a decaying clap every ClapEvery samples scaled by the pin's
// gain. Readings are clamped to the Bits-wide ADC range.
type MockConfig struct {
	Bits          int
	Midpoint      int
	Noise         int
	ClapEvery     int
	ClapAmplitude int
	ClapDecay     int
	Gains         [NumPins]float64
	Seed          uint64
}

// DefaultMockConfig puts the clap nearest A3 (top left on the default
// wiring)
func DefaultMockConfig() MockConfig {
	return MockConfig{
		Bits:          DefaultBits,
		Midpoint:      2048,
		Noise:         8,
		ClapEvery:     300,
		ClapAmplitude: 1500,
		ClapDecay:     6,
		Gains:         [NumPins]float64{0.25, 0.5, 0.5, 1.0},
		Seed:          1,
	}
}

// MockDevice is a deterministic clap generator for development and tests
type MockDevice struct {
	mu      sync.Mutex
	cfg     MockConfig
	rng     *rand.Rand
	steps   [NumPins]int
	fail    [NumPins]error
	healthy bool
	closed  bool
}

// NewMockDevice creates a mock device. Zero fields take defaults.
func NewMockDevice(cfg MockConfig) *MockDevice {
	def := DefaultMockConfig()
	if cfg.Bits <= 0 {
		cfg.Bits = def.Bits
	}
	if cfg.Midpoint == 0 {
		cfg.Midpoint = 1 << (cfg.Bits - 1)
	}
	if cfg.ClapEvery <= 0 {
		cfg.ClapEvery = def.ClapEvery
	}
	if cfg.ClapDecay <= 0 {
		cfg.ClapDecay = def.ClapDecay
	}
	if cfg.Gains == ([NumPins]float64{}) {
		cfg.Gains = def.Gains
	}

	return &MockDevice{
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)),
		healthy: true,
	}
}

// Pin binds an analog input
func (m *MockDevice) Pin(n int) (mic.AnalogSource, error) {
	if err := checkPin(n); err != nil {
		return nil, err
	}
	return mic.AnalogSourceFunc(func() (int, error) {
		return m.read(n)
	}), nil
}

func (m *MockDevice) read(pin int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if err := m.fail[pin]; err != nil {
		return 0, err
	}

	step := m.steps[pin]
	m.steps[pin]++

	v := m.cfg.Midpoint
	if phase := step % m.cfg.ClapEvery; phase < m.cfg.ClapDecay {
		amp := float64(m.cfg.ClapAmplitude) * m.cfg.Gains[pin]
		amp = amp * float64(m.cfg.ClapDecay-phase) / float64(m.cfg.ClapDecay)
		// Alternate polarity like a real pressure wave
		if step%2 == 1 {
			amp = -amp
		}
		v += int(amp)
	}
	if m.cfg.Noise > 0 {
		v += m.rng.IntN(2*m.cfg.Noise+1) - m.cfg.Noise
	}

	return min(max(v, 0), 1<<m.cfg.Bits-1), nil
}

// FailPin makes reads on a pin return err (nil restores it)
func (m *MockDevice) FailPin(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[pin] = err
}

// SetHealthy sets the mock health state
func (m *MockDevice) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// Healthy returns true if the device is operational
func (m *MockDevice) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy && !m.closed
}

// Name returns the device type name
func (m *MockDevice) Name() string {
	return string(KindMock)
}

// Close releases resources
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
