package bluetooth

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	tinyble "tinygo.org/x/bluetooth"
)

// BLELink talks to the BMS over GATT: writes go to one characteristic,
// responses arrive as notifications on another
type BLELink struct {
	adapter *tinyble.Adapter
	service tinyble.UUID
	write   tinyble.UUID
	notify  tinyble.UUID
	logger  zerolog.Logger

	enableOnce sync.Once
	enableErr  error

	mu   sync.Mutex
	seen map[string]tinyble.Address
}

// NewBLELink creates a link on the default host adapter
func NewBLELink(cfg Config) (*BLELink, error) {
	service, err := tinyble.ParseUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("service uuid: %w", err)
	}
	write, err := tinyble.ParseUUID(cfg.WriteUUID)
	if err != nil {
		return nil, fmt.Errorf("write uuid: %w", err)
	}
	notify, err := tinyble.ParseUUID(cfg.NotifyUUID)
	if err != nil {
		return nil, fmt.Errorf("notify uuid: %w", err)
	}
	return &BLELink{
		adapter: tinyble.DefaultAdapter,
		service: service,
		write:   write,
		notify:  notify,
		logger:  logger().With().Str("transport", "ble").Logger(),
		seen:    make(map[string]tinyble.Address),
	}, nil
}

func (l *BLELink) enable() error {
	l.enableOnce.Do(func() {
		l.enableErr = l.adapter.Enable()
	})
	return l.enableErr
}

// Scan runs until onFound accepts a device or ctx ends; an elapsed window is not an error
func (l *BLELink) Scan(ctx context.Context, onFound func(Device) bool) error {
	if err := l.enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.adapter.Scan(func(a *tinyble.Adapter, result tinyble.ScanResult) {
			dev := Device{Name: result.LocalName(), Address: result.Address.String(), RSSI: result.RSSI}
			l.mu.Lock()
			l.seen[dev.Address] = result.Address
			l.mu.Unlock()
			if onFound(dev) {
				a.StopScan()
			}
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if err := l.adapter.StopScan(); err != nil {
			l.logger.Debug().Err(err).Msg("stop scan")
		}
		<-done
		return nil
	}
}

// Open connects and resolves the write and notify characteristics
func (l *BLELink) Open(ctx context.Context, dev Device) (Handle, error) {
	l.mu.Lock()
	addr, ok := l.seen[dev.Address]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnknown, dev.Address)
	}

	type result struct {
		handle *bleHandle
		err    error
	}
	done := make(chan result, 1)
	go func() {
		h, err := l.connect(addr)
		done <- result{h, err}
	}()

	select {
	case r := <-done:
		return r.handle, r.err
	case <-ctx.Done():
		// the connect cannot be interrupted; release it once it returns
		go func() {
			if r := <-done; r.handle != nil {
				r.handle.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *BLELink) connect(addr tinyble.Address) (*bleHandle, error) {
	device, err := l.adapter.Connect(addr, tinyble.ConnectionParams{})
	if err != nil {
		return nil, err
	}

	services, err := device.DiscoverServices([]tinyble.UUID{l.service})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return nil, fmt.Errorf("service %s not found: %v", l.service, err)
	}

	chars, err := services[0].DiscoverCharacteristics([]tinyble.UUID{l.notify, l.write})
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	h := &bleHandle{device: device, logger: l.logger.With().Str("address", addr.String()).Logger()}
	var haveWrite, haveNotify bool
	for _, c := range chars {
		switch c.UUID() {
		case l.notify:
			h.notify = c
			haveNotify = true
		case l.write:
			h.write = c
			haveWrite = true
		}
	}
	if !haveWrite || !haveNotify {
		device.Disconnect()
		return nil, fmt.Errorf("characteristics missing (write=%t notify=%t)", haveWrite, haveNotify)
	}
	h.active = true
	h.logger.Info().Msg("GATT link established")
	return h, nil
}

type bleHandle struct {
	device tinyble.Device
	write  tinyble.DeviceCharacteristic
	notify tinyble.DeviceCharacteristic
	logger zerolog.Logger

	mu         sync.Mutex
	active     bool
	subscribed bool
}

func (h *bleHandle) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.Active() {
		return ErrNotConnected
	}
	_, err := h.write.WriteWithoutResponse(data)
	return err
}

// Subscribe copies each notification before handing it on; the stack reuses its buffer
func (h *bleHandle) Subscribe(handler func([]byte)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return ErrNotConnected
	}
	if h.subscribed {
		return ErrAlreadySubscribed
	}
	err := h.notify.EnableNotifications(func(buf []byte) {
		handler(append([]byte(nil), buf...))
	})
	if err != nil {
		return err
	}
	h.subscribed = true
	return nil
}

func (h *bleHandle) Unsubscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.subscribed {
		return nil
	}
	h.subscribed = false
	return h.notify.EnableNotifications(nil)
}

func (h *bleHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Close is idempotent
func (h *bleHandle) Close() error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return nil
	}
	h.active = false
	h.subscribed = false
	h.mu.Unlock()

	h.logger.Info().Msg("disconnecting")
	return h.device.Disconnect()
}
