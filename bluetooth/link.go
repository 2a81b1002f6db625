package bluetooth

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func logger() zerolog.Logger {
	return log.With().Str("component", "link").Logger()
}

var (
	// ErrAlreadySubscribed is returned when a second notification handler is registered
	ErrAlreadySubscribed = errors.New("notification handler already registered")
	// ErrNotConnected is returned by operations on a closed handle
	ErrNotConnected = errors.New("link not connected")
	// ErrDeviceUnknown is returned when opening a device that was never discovered
	ErrDeviceUnknown = errors.New("device not discovered")
)

// Device is a discovered peripheral
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int16  `json:"rssi"`
}

// Handle is an open link to one device. At most one notification handler
// may be registered at a time.
type Handle interface {
	Write(ctx context.Context, data []byte) error
	Subscribe(handler func([]byte)) error
	Unsubscribe() error
	Active() bool
	Close() error
}

// Link is the device capability consumed by the session
type Link interface {
	// Scan reports discovered devices until onFound returns true or ctx ends
	Scan(ctx context.Context, onFound func(Device) bool) error
	Open(ctx context.Context, dev Device) (Handle, error)
}

// Config holds the identifiers and timeouts of the transport
type Config struct {
	Transport   string        `mapstructure:"transport"`    // "ble" or "serial"
	ServiceUUID string        `mapstructure:"service_uuid"` // GATT service
	WriteUUID   string        `mapstructure:"write_uuid"`   // outbound characteristic
	NotifyUUID  string        `mapstructure:"notify_uuid"`  // inbound characteristic
	SerialPort  string        `mapstructure:"serial_port"`  // empty: pick from the port list
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"` // serial read poll
}

// DefaultConfig returns the identifiers used by Daly BLE modules
func DefaultConfig() Config {
	return Config{
		Transport:   "ble",
		ServiceUUID: "0000fff0-0000-1000-8000-00805f9b34fb",
		NotifyUUID:  "0000fff1-0000-1000-8000-00805f9b34fb",
		WriteUUID:   "0000fff2-0000-1000-8000-00805f9b34fb",
		BaudRate:    9600,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// New returns the link selected by cfg.Transport
func New(cfg Config) (Link, error) {
	switch cfg.Transport {
	case "", "ble":
		return NewBLELink(cfg)
	case "serial":
		return NewSerialLink(cfg), nil
	default:
		return nil, errors.New("unknown transport " + cfg.Transport)
	}
}
