package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// SerialLink reaches the BMS UART port, either wired or through a
// transparent radio bridge. Discovery lists the local serial ports.
type SerialLink struct {
	config Config
	logger zerolog.Logger

	// overridable in tests
	listPorts func() ([]string, error)
	openPort  func(name string, baud int) (io.ReadWriteCloser, error)
}

// NewSerialLink creates a serial link
func NewSerialLink(cfg Config) *SerialLink {
	return &SerialLink{
		config:    cfg,
		logger:    logger().With().Str("transport", "serial").Logger(),
		listPorts: serial.GetPortsList,
		openPort: func(name string, baud int) (io.ReadWriteCloser, error) {
			mode := &serial.Mode{
				BaudRate: baud,
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			}
			port, err := serial.Open(name, mode)
			if err != nil {
				return nil, fmt.Errorf("failed to open serial port %s: %v", name, err)
			}
			if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
				port.Close()
				return nil, err
			}
			return port, nil
		},
	}
}

// Scan reports the configured port, or every port the OS lists
func (l *SerialLink) Scan(ctx context.Context, onFound func(Device) bool) error {
	ports := []string{l.config.SerialPort}
	if l.config.SerialPort == "" {
		var err error
		if ports, err = l.listPorts(); err != nil {
			return fmt.Errorf("list ports: %w", err)
		}
	}
	for _, p := range ports {
		if ctx.Err() != nil {
			return nil
		}
		name := p
		if i := strings.LastIndex(p, "/"); i >= 0 {
			name = p[i+1:]
		}
		if onFound(Device{Name: name, Address: p}) {
			return nil
		}
	}
	return nil
}

// Open opens the port and starts the read loop
func (l *SerialLink) Open(ctx context.Context, dev Device) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := l.openPort(dev.Address, l.config.BaudRate)
	if err != nil {
		return nil, err
	}
	h := newSerialHandle(conn, l.logger.With().Str("port", dev.Address).Logger())
	h.start()
	return h, nil
}

type serialHandle struct {
	conn     io.ReadWriteCloser
	logger   zerolog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	handler func([]byte)
	active  bool
}

func newSerialHandle(conn io.ReadWriteCloser, l zerolog.Logger) *serialHandle {
	return &serialHandle{
		conn:     conn,
		logger:   l,
		stopChan: make(chan struct{}),
		active:   true,
	}
}

func (h *serialHandle) start() {
	h.wg.Add(1)
	go h.readLoop()
}

// readLoop hands every chunk read from the port to the current handler;
// chunks arriving with no handler are dropped
func (h *serialHandle) readLoop() {
	defer h.wg.Done()
	buf := make([]byte, 256)

	for {
		select {
		case <-h.stopChan:
			return
		default:
		}

		n, err := h.conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// read timeout on some drivers, closed port on others
				select {
				case <-h.stopChan:
					return
				case <-time.After(10 * time.Millisecond):
				}
				continue
			}
			h.logger.Warn().Err(err).Msg("read error, link lost")
			h.markLost()
			return
		}
		if n == 0 {
			continue
		}

		chunk := append([]byte(nil), buf[:n]...)
		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()
		if handler == nil {
			h.logger.Debug().Int("bytes", n).Msg("dropping unsolicited bytes")
			continue
		}
		handler(chunk)
	}
}

func (h *serialHandle) markLost() {
	h.mu.Lock()
	h.active = false
	h.handler = nil
	h.mu.Unlock()
}

func (h *serialHandle) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.Active() {
		return ErrNotConnected
	}
	if _, err := h.conn.Write(data); err != nil {
		h.markLost()
		return err
	}
	return nil
}

func (h *serialHandle) Subscribe(handler func([]byte)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return ErrNotConnected
	}
	if h.handler != nil {
		return ErrAlreadySubscribed
	}
	h.handler = handler
	return nil
}

func (h *serialHandle) Unsubscribe() error {
	h.mu.Lock()
	h.handler = nil
	h.mu.Unlock()
	return nil
}

func (h *serialHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Close stops the read loop and releases the port; safe to call twice
func (h *serialHandle) Close() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.markLost()
		err = h.conn.Close()
		h.wg.Wait()
		h.logger.Info().Msg("serial link closed")
	})
	return err
}
