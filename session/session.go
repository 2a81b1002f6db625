package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"daly-bms-bridge/bluetooth"
	"daly-bms-bridge/common"
	"daly-bms-bridge/protocol"
)

var (
	// ErrNoDeviceFound is returned when the scan window elapses without a candidate
	ErrNoDeviceFound = errors.New("no device found")
	// ErrConnectFailed is returned when the link cannot be opened or is not active
	ErrConnectFailed = errors.New("connect failed")
	// ErrTransport is returned when a write or subscription fails mid-cycle
	ErrTransport = errors.New("transport error")
)

// State is the link lifecycle state
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateScanning:     "scanning",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDisconnected: "disconnected",
	StateError:        "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config is injected at construction; nothing is read from globals
type Config struct {
	Address         string
	Name            string
	NameKeywords    []string
	Dialect         protocol.Dialect
	Decode          protocol.DecodeOptions
	ScanTimeout     time.Duration
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

// DefaultConfig returns the timeouts used against BLE modules
func DefaultConfig() Config {
	return Config{
		NameKeywords:    []string{"daly", "bms", "dl-"},
		Dialect:         protocol.DialectLegacy,
		Decode:          protocol.DefaultDecodeOptions(),
		ScanTimeout:     15 * time.Second,
		ConnectTimeout:  20 * time.Second,
		ResponseTimeout: 5 * time.Second,
	}
}

// Session owns one device link and runs command/response exchanges on it,
// one at a time
type Session struct {
	cfg    Config
	link   bluetooth.Link
	codec  protocol.Codec
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	device      bluetooth.Device
	handle      bluetooth.Handle
	connectedAt time.Time
}

// New creates an idle session
func New(cfg Config, link bluetooth.Link) *Session {
	if len(cfg.NameKeywords) == 0 {
		cfg.NameKeywords = DefaultConfig().NameKeywords
	}
	return &Session{
		cfg:    cfg,
		link:   link,
		codec:  protocol.CodecFor(cfg.Dialect, cfg.Decode),
		logger: log.With().Str("component", "session").Str("dialect", cfg.Dialect.String()).Logger(),
		now:    time.Now,
		state:  StateIdle,
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the connected device, if any
func (s *Session) Device() (bluetooth.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.handle != nil
}

// ConnectedAt returns when the current link was opened
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Connected reports whether a link is held and still active
func (s *Session) Connected() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	return h != nil && h.Active()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("state change")
	}
}

// Scan returns the first exact address or name match as soon as it is seen,
// otherwise the first keyword match once the window has elapsed
func (s *Session) Scan(ctx context.Context) (bluetooth.Device, error) {
	s.setState(StateScanning)
	s.logger.Info().Str("address", s.cfg.Address).Str("name", s.cfg.Name).Dur("window", s.cfg.ScanTimeout).Msg("scanning")

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		exact *bluetooth.Device
		fuzzy *bluetooth.Device
		seen  int
	)
	err := s.link.Scan(scanCtx, func(d bluetooth.Device) bool {
		mu.Lock()
		defer mu.Unlock()
		seen++
		if exact != nil {
			return true
		}
		if s.isExact(d) {
			exact = &d
			return true
		}
		if fuzzy == nil && s.isFuzzy(d) {
			fuzzy = &d
		}
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	if ctx.Err() != nil {
		s.setState(StateIdle)
		return bluetooth.Device{}, ctx.Err()
	}
	switch {
	case exact != nil:
		s.logger.Info().Str("device", exact.Name).Str("address", exact.Address).Msg("target found")
		return *exact, nil
	case fuzzy != nil:
		s.logger.Info().Str("device", fuzzy.Name).Str("address", fuzzy.Address).Msg("using name match")
		return *fuzzy, nil
	}

	s.setState(StateError)
	if err != nil {
		return bluetooth.Device{}, fmt.Errorf("%w: %v", ErrNoDeviceFound, err)
	}
	return bluetooth.Device{}, fmt.Errorf("%w after %s (%d devices seen)", ErrNoDeviceFound, s.cfg.ScanTimeout, seen)
}

func (s *Session) isExact(d bluetooth.Device) bool {
	if s.cfg.Address != "" && strings.EqualFold(d.Address, s.cfg.Address) {
		return true
	}
	return s.cfg.Name != "" && d.Name == s.cfg.Name
}

func (s *Session) isFuzzy(d bluetooth.Device) bool {
	name := strings.ToLower(d.Name)
	if name == "" {
		return false
	}
	for _, kw := range s.cfg.NameKeywords {
		if strings.Contains(name, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Connect opens the link, bounded by the connect timeout
func (s *Session) Connect(ctx context.Context, dev bluetooth.Device) error {
	s.setState(StateConnecting)
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	h, err := s.link.Open(cctx, dev)
	if err != nil {
		s.setState(StateError)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, dev.Address, err)
	}
	if !h.Active() {
		h.Close()
		s.setState(StateError)
		return fmt.Errorf("%w: %s: link not active", ErrConnectFailed, dev.Address)
	}

	s.mu.Lock()
	s.handle = h
	s.device = dev
	s.connectedAt = s.now()
	s.mu.Unlock()
	s.setState(StateConnected)
	s.logger.Info().Str("device", dev.Name).Str("address", dev.Address).Msg("connected")
	return nil
}

// Disconnect releases the link; calling it without a link is a no-op
func (s *Session) Disconnect() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		if s.State() != StateIdle {
			s.setState(StateDisconnected)
		}
		return nil
	}

	if err := h.Unsubscribe(); err != nil {
		s.logger.Debug().Err(err).Msg("unsubscribe on disconnect")
	}
	err := h.Close()
	s.setState(StateDisconnected)
	s.logger.Info().Msg("disconnected")
	return err
}

// PollOnce runs the dialect's command sequence and assembles one snapshot.
// A command that times out or returns only rejected frames leaves its fields
// empty; only a transport failure or cancellation aborts the cycle.
func (s *Session) PollOnce(ctx context.Context) (common.TelemetrySnapshot, error) {
	s.mu.Lock()
	dev := s.device
	connected := s.handle != nil
	s.mu.Unlock()

	snap := common.NewSnapshot(s.now())
	snap.DeviceName = dev.Name
	snap.Address = dev.Address
	snap.Dialect = s.codec.Dialect().String()
	if !connected {
		return snap, fmt.Errorf("%w: %v", ErrTransport, bluetooth.ErrNotConnected)
	}

	checksumWidth := 2
	if s.codec.Dialect() == protocol.DialectLegacy {
		checksumWidth = 4
	}

	primaryOK := false
	for _, id := range s.codec.Sequence() {
		frame, err := s.codec.BuildCommand(id)
		if err != nil {
			return snap, err
		}
		res, err := s.exchange(ctx, frame, s.codec.ExpectedFrames(id, &snap))

		diag := common.CommandDiagnostics{
			Command:          id.String(),
			CommandSent:      frame.Hex(),
			ResponseReceived: len(res.frames) > 0,
			ResponseData:     hex.EncodeToString(res.raw),
			Frames:           len(res.frames),
		}
		if err != nil {
			diag.Error = err.Error()
			snap.Diagnostics = append(snap.Diagnostics, diag)
			protocol.MarkValidity(&snap, false)
			if ctx.Err() != nil {
				return snap, ctx.Err()
			}
			s.setState(StateError)
			return snap, fmt.Errorf("%w: %s: %v", ErrTransport, id, err)
		}

		switch {
		case len(res.frames) > 0:
			diag.Checksum = res.frames[0].ChecksumHex(checksumWidth)
			diag.ChecksumOK = true
			for _, f := range res.frames {
				diag.ChecksumOK = diag.ChecksumOK && f.ChecksumOK
			}
		case len(res.rejected) > 0:
			diag.Error = res.rejected[0].Error()
		default:
			diag.Error = "no response"
		}
		for _, rej := range res.rejected {
			s.logger.Warn().Err(rej).Str("command", id.String()).Msg("frame rejected")
		}
		if len(res.frames) == 0 {
			s.logger.Warn().Str("command", id.String()).Dur("timeout", s.cfg.ResponseTimeout).Msg("no valid response")
		}

		for _, w := range s.codec.Apply(&snap, id, res.frames) {
			s.logger.Warn().Err(w).Str("command", id.String()).Msg("field omitted")
		}
		if id == s.codec.Primary() && len(res.frames) > 0 {
			primaryOK = true
		}
		snap.Diagnostics = append(snap.Diagnostics, diag)
	}

	protocol.MarkValidity(&snap, primaryOK)
	s.setState(StateConnected)
	s.logger.Debug().
		Bool("valid", snap.Valid).
		Float64("pack_voltage", snap.PackVoltage).
		Float64("soc", snap.SOC).
		Int("cells", len(snap.CellVoltages)).
		Msg("poll cycle complete")
	return snap, nil
}

type exchangeResult struct {
	frames   []protocol.ValidatedFrame
	rejected []error
	raw      []byte
}

// exchange sends one command and collects its frames. The notification
// handler lives only for this call and feeds a channel private to it.
func (s *Session) exchange(ctx context.Context, frame protocol.CommandFrame, want int) (exchangeResult, error) {
	var res exchangeResult

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return res, bluetooth.ErrNotConnected
	}

	chunks := make(chan []byte, 64)
	err := h.Subscribe(func(b []byte) {
		select {
		case chunks <- b:
		default:
			s.logger.Warn().Int("bytes", len(b)).Msg("notification queue full, dropping")
		}
	})
	if err != nil {
		return res, err
	}
	defer func() {
		if err := h.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Msg("unsubscribe")
		}
	}()

	s.logger.Debug().Str("command", frame.ID().String()).Str("frame", frame.Hex()).Msg("sending")
	if err := h.Write(ctx, frame.Bytes()); err != nil {
		return res, err
	}

	timer := time.NewTimer(s.cfg.ResponseTimeout)
	defer timer.Stop()

	var buf []byte
	for len(res.frames) < want {
		select {
		case chunk := <-chunks:
			res.raw = append(res.raw, chunk...)
			buf = append(buf, chunk...)
			var candidates [][]byte
			candidates, buf = s.codec.Split(buf)
			for _, c := range candidates {
				f, err := s.codec.Validate(c, frame.ID())
				if err != nil {
					res.rejected = append(res.rejected, err)
					continue
				}
				res.frames = append(res.frames, f)
			}
		case <-timer.C:
			if len(buf) > 0 {
				if _, err := s.codec.Validate(buf, frame.ID()); err != nil {
					res.rejected = append(res.rejected, err)
				}
			}
			return res, nil
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	return res, nil
}
