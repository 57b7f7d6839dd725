package adc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/teslashibe/go-micgrid/internal/mic"
)

// Default USB identifiers of the ADC bridge (RP2040 vendor class firmware)
const (
	VendorID  = 0x2E8A
	ProductID = 0x000A
)

// Bridge control protocol: vendor IN request, wValue = 0x80 | pin,
// wIndex = resource. Response is a status byte and a little-endian uint16.
const (
	adcResID    = 1
	readFlag    = 0x80
	responseLen = 3
)

// controller is the part of *gousb.Device the bridge needs
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// USBConfig configures the USB bridge
type USBConfig struct {
	VendorID             uint16
	ProductID            uint16
	MaxConsecutiveErrors int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
}

// DefaultUSBConfig returns sensible defaults
func DefaultUSBConfig() USBConfig {
	return USBConfig{
		VendorID:             VendorID,
		ProductID:            ProductID,
		MaxConsecutiveErrors: 5,
		InitialBackoff:       100 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
	}
}

func (c USBConfig) withDefaults() USBConfig {
	def := DefaultUSBConfig()
	if c.VendorID == 0 {
		c.VendorID = def.VendorID
	}
	if c.ProductID == 0 {
		c.ProductID = def.ProductID
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	return c
}

// USBDevice reads the four analog inputs of a USB ADC bridge over control
// transfers
type USBDevice struct {
	logger *slog.Logger
	cfg    USBConfig
	open   func() (controller, error)
	now    func() time.Time

	mu     sync.Mutex
	usbCtx *gousb.Context
	dev    controller
	closed bool

	// Health tracking
	healthy           bool
	consecutiveErrors int
	lastError         error
	lastErrorTime     time.Time
	reads             uint64

	reconnectBackoff time.Duration
	nextReconnect    time.Time
}

// NewUSBDevice opens the bridge
func NewUSBDevice(cfg USBConfig, logger *slog.Logger) (*USBDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	usbCtx := gousb.NewContext()
	d := newUSBDevice(cfg, logger, func() (controller, error) {
		return openBridge(usbCtx, cfg, logger)
	})
	d.usbCtx = usbCtx

	if err := d.openDevice(); err != nil {
		usbCtx.Close()
		return nil, err
	}

	logger.Info("USB ADC initialized",
		"vendor_id", fmt.Sprintf("0x%04X", cfg.VendorID),
		"product_id", fmt.Sprintf("0x%04X", cfg.ProductID),
	)

	return d, nil
}

func newUSBDevice(cfg USBConfig, logger *slog.Logger, open func() (controller, error)) *USBDevice {
	return &USBDevice{
		logger:           logger,
		cfg:              cfg,
		open:             open,
		now:              time.Now,
		healthy:          true,
		reconnectBackoff: cfg.InitialBackoff,
	}
}

func openBridge(usbCtx *gousb.Context, cfg USBConfig, logger *slog.Logger) (controller, error) {
	dev, err := usbCtx.OpenDeviceWithVIDPID(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
	if err != nil {
		return nil, fmt.Errorf("failed to open ADC bridge: %w", err)
	}

	if dev == nil {
		return nil, fmt.Errorf("ADC bridge not found (VID=0x%04X PID=0x%04X)", cfg.VendorID, cfg.ProductID)
	}

	// Auto-detach kernel driver if attached
	if err := dev.SetAutoDetach(true); err != nil {
		logger.Debug("SetAutoDetach failed (non-fatal)", "error", err)
	}

	return dev, nil
}

func (u *USBDevice) openDevice() error {
	dev, err := u.open()
	if err != nil {
		return err
	}

	u.dev = dev
	u.healthy = true
	u.consecutiveErrors = 0

	return nil
}

// Pin binds an analog input
func (u *USBDevice) Pin(n int) (mic.AnalogSource, error) {
	if err := checkPin(n); err != nil {
		return nil, err
	}
	return mic.AnalogSourceFunc(func() (int, error) {
		return u.readPin(n)
	}), nil
}

func (u *USBDevice) readPin(pin int) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, ErrClosed
	}

	// Reconnect once the backoff has elapsed; until then fail fast so the
	// polling loop never blocks on the bus
	if u.dev == nil {
		if u.now().Before(u.nextReconnect) {
			return 0, ErrReconnectPending
		}
		if err := u.reconnect(); err != nil {
			return 0, err
		}
	}

	data := make([]byte, responseLen)

	n, err := u.dev.Control(
		gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice,
		0,                    // bRequest
		uint16(readFlag|pin), // wValue (read flag | pin)
		adcResID,             // wIndex
		data,
	)

	if err != nil {
		u.recordError(err)
		return 0, fmt.Errorf("USB control transfer failed: %w", err)
	}

	if n < responseLen {
		err := fmt.Errorf("short read: got %d bytes, expected %d", n, responseLen)
		u.recordError(err)
		return 0, err
	}

	if data[0] != 0 {
		err := fmt.Errorf("device returned error status: %d", data[0])
		u.recordError(err)
		return 0, err
	}

	u.recordSuccess()

	return int(binary.LittleEndian.Uint16(data[1:3])), nil
}

func (u *USBDevice) recordError(err error) {
	u.consecutiveErrors++
	u.lastError = err
	u.lastErrorTime = u.now()

	if u.consecutiveErrors >= u.cfg.MaxConsecutiveErrors {
		u.healthy = false
		u.logger.Warn("USB ADC marked unhealthy, will attempt reconnect",
			"consecutive_errors", u.consecutiveErrors,
			"last_error", err,
		)

		// Close device to force reconnect after the backoff
		if u.dev != nil {
			u.dev.Close()
			u.dev = nil
			u.scheduleReconnect()
		}
	}
}

// scheduleReconnect sets the next attempt and doubles the backoff
func (u *USBDevice) scheduleReconnect() {
	u.nextReconnect = u.now().Add(u.reconnectBackoff)

	u.reconnectBackoff *= 2
	if u.reconnectBackoff > u.cfg.MaxBackoff {
		u.reconnectBackoff = u.cfg.MaxBackoff
	}
}

func (u *USBDevice) recordSuccess() {
	if u.consecutiveErrors > 0 {
		u.logger.Info("USB ADC recovered",
			"previous_errors", u.consecutiveErrors,
		)
	}
	u.reads++
	u.consecutiveErrors = 0
	u.healthy = true
	u.reconnectBackoff = u.cfg.InitialBackoff
}

func (u *USBDevice) reconnect() error {
	u.logger.Info("attempting USB reconnect")

	if err := u.openDevice(); err != nil {
		u.lastError = err
		u.lastErrorTime = u.now()
		u.scheduleReconnect()
		u.logger.Warn("USB reconnect failed", "error", err, "retry_in", u.nextReconnect.Sub(u.lastErrorTime))
		return err
	}

	u.logger.Info("USB reconnect successful")
	return nil
}

// Close releases the USB device
func (u *USBDevice) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}

	u.closed = true

	var errs []error
	if u.dev != nil {
		errs = append(errs, u.dev.Close())
		u.dev = nil
	}

	if u.usbCtx != nil {
		errs = append(errs, u.usbCtx.Close())
		u.usbCtx = nil
	}

	u.logger.Info("USB ADC closed")

	return errors.Join(errs...)
}

// Healthy returns true if the device is operational
func (u *USBDevice) Healthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.healthy && !u.closed
}

// Name returns the device type name
func (u *USBDevice) Name() string {
	return string(KindUSB)
}

// Stats returns USB device statistics
func (u *USBDevice) Stats() USBStats {
	u.mu.Lock()
	defer u.mu.Unlock()

	var lastErr string
	if u.lastError != nil {
		lastErr = u.lastError.Error()
	}

	return USBStats{
		Healthy:           u.healthy,
		ConsecutiveErrors: u.consecutiveErrors,
		Reads:             u.reads,
		LastError:         lastErr,
		LastErrorTime:     u.lastErrorTime,
		DeviceConnected:   u.dev != nil,
	}
}

// USBStats contains USB device statistics
type USBStats struct {
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Reads             uint64    `json:"reads"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	DeviceConnected   bool      `json:"device_connected"`
}
