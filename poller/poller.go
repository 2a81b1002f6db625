package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"daly-bms-bridge/bluetooth"
	"daly-bms-bridge/common"
	"daly-bms-bridge/session"
)

// Error kinds carried in ErrorRecord.Kind
const (
	KindNoDevice      = "no_device"
	KindConnectFailed = "connect_failed"
	KindTransport     = "transport"
)

// Publisher receives everything the loop produces. Failures are logged and
// never stop the loop.
type Publisher interface {
	Name() string
	PublishSnapshot(snap common.TelemetrySnapshot) error
	PublishError(rec common.ErrorRecord) error
	PublishStatus(st common.ServiceStatus) error
}

// Session is the part of session.Session the loop drives
type Session interface {
	Scan(ctx context.Context) (bluetooth.Device, error)
	Connect(ctx context.Context, dev bluetooth.Device) error
	PollOnce(ctx context.Context) (common.TelemetrySnapshot, error)
	Disconnect() error
	Connected() bool
}

// Config for the polling loop
type Config struct {
	ServiceName   string        `mapstructure:"service_name"`
	Interval      time.Duration `mapstructure:"interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffWindow time.Duration `mapstructure:"backoff_window"`
	// Device identity used in error records before anything was found
	DeviceName string `mapstructure:"device_name"`
	Address    string `mapstructure:"address"`
	DataFile   string `mapstructure:"data_file"`
}

// DefaultConfig returns the intervals the bridge runs with out of the box
func DefaultConfig() Config {
	return Config{
		ServiceName:   "daly-bms-bridge",
		Interval:      5 * time.Second,
		MaxAttempts:   10,
		BackoffWindow: 30 * time.Second,
	}
}

// Poller is the single sequential driver of a session
type Poller struct {
	config     Config
	session    Session
	publishers []Publisher
	backoff    *session.Backoff
	trigger    chan struct{}
	now        func() time.Time
	runID      string
	logger     zerolog.Logger

	mu          sync.Mutex
	startedAt   time.Time
	status      common.ServiceStatus
	last        common.TelemetrySnapshot
	hasLast     bool
	lastSuccess int64
	device      bluetooth.Device
}

// New creates a poller over sess publishing to pubs
func New(config Config, sess Session, pubs ...Publisher) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultConfig().ServiceName
	}
	return &Poller{
		config:     config,
		session:    sess,
		publishers: pubs,
		backoff:    session.NewBackoff(config.MaxAttempts, config.BackoffWindow),
		trigger:    make(chan struct{}, 1),
		now:        time.Now,
		runID:      uuid.NewString(),
		logger:     log.With().Str("component", "poller").Logger(),
		device:     bluetooth.Device{Name: config.DeviceName, Address: config.Address},
	}
}

// AddPublisher appends pub to the fan-out. Call before Run.
func (p *Poller) AddPublisher(pub Publisher) {
	p.publishers = append(p.publishers, pub)
}

// Trigger cuts the current inter-cycle wait short. Repeated triggers while
// one is pending collapse into one.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Status returns the last status written
func (p *Poller) Status() common.ServiceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LastSnapshot returns the most recent snapshot, valid or not
func (p *Poller) LastSnapshot() (common.TelemetrySnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

// Run polls until ctx is cancelled, then disconnects and writes a final
// stopped status. Cycles never overlap.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	p.startedAt = p.now()
	p.mu.Unlock()

	p.logger.Info().
		Str("run_id", p.runID).
		Dur("interval", p.config.Interval).
		Int("max_attempts", p.config.MaxAttempts).
		Msg("polling loop started")
	p.publishStatus(common.ServiceStatus{
		Status:       common.StatusStarting,
		StartTime:    unixSeconds(p.startedAt),
		DataFile:     p.config.DataFile,
		ReadInterval: p.config.Interval.Seconds(),
	})

	for ctx.Err() == nil {
		p.Cycle(ctx)
		if ctx.Err() != nil {
			break
		}
		p.wait(ctx)
	}

	p.logger.Info().Msg("polling loop stopping")
	if err := p.session.Disconnect(); err != nil {
		p.logger.Warn().Err(err).Msg("disconnect on shutdown")
	}
	p.publishStatus(common.ServiceStatus{
		Status:    common.StatusStopped,
		StoppedAt: unixSeconds(p.now()),
	})
	return nil
}

func (p *Poller) wait(ctx context.Context) {
	t := time.NewTimer(p.config.Interval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.trigger:
		p.logger.Debug().Msg("poll triggered")
	case <-ctx.Done():
	}
}

// Cycle runs one scan/connect/poll step
func (p *Poller) Cycle(ctx context.Context) {
	if !p.session.Connected() {
		if !p.ensureConnected(ctx) {
			return
		}
	}

	snap, err := p.session.PollOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn().Err(err).Msg("poll cycle failed")
		p.publishError(KindTransport, fmt.Sprintf("Failed to read BMS data: %v", err))
		if errors.Is(err, session.ErrTransport) {
			p.logger.Warn().Msg("lost connection to BMS, rescanning")
			if err := p.session.Disconnect(); err != nil {
				p.logger.Debug().Err(err).Msg("disconnect after transport error")
			}
		}
		return
	}

	p.mu.Lock()
	p.last, p.hasLast = snap, true
	if snap.Valid {
		p.lastSuccess = snap.Timestamp
	}
	p.mu.Unlock()

	for _, pub := range p.publishers {
		if err := pub.PublishSnapshot(snap); err != nil {
			p.logger.Error().Err(err).Str("publisher", pub.Name()).Msg("publish snapshot")
		}
	}

	if !snap.Valid {
		p.logger.Warn().Int("responses", snap.ResponsesReceived()).Msg("incomplete snapshot")
		return
	}
	p.backoff.Success()

	pack, soc, current := snap.PackVoltage, snap.SOC, snap.Current
	p.publishStatus(common.ServiceStatus{
		Status:      common.StatusReading,
		Device:      snap.DeviceName,
		Address:     snap.Address,
		LastRead:    unixSeconds(p.now()),
		PackVoltage: &pack,
		SOC:         &soc,
		Current:     &current,
	})
	p.logger.Info().
		Float64("pack_voltage", pack).
		Float64("soc", soc).
		Float64("current", current).
		Msg("BMS data updated")
}

// ensureConnected scans and connects, applying the extended backoff window
// once the failure threshold is reached
func (p *Poller) ensureConnected(ctx context.Context) bool {
	if n := p.backoff.Failures(); p.backoff.MaxAttempts > 0 && n >= p.backoff.MaxAttempts {
		p.logger.Warn().Int("max_attempts", p.backoff.MaxAttempts).Dur("window", p.backoff.Window).Msg("max retry attempts reached, waiting longer")
	}
	if _, err := p.backoff.Wait(ctx); err != nil {
		return false
	}

	dev, err := p.session.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		n := p.backoff.Failure()
		p.logger.Warn().Err(err).Int("attempt", n).Msg("no BMS device found")
		p.publishError(KindNoDevice, "BMS device not found")
		return false
	}
	p.logger.Info().Str("device", dev.Name).Str("address", dev.Address).Msg("found BMS")

	if err := p.session.Connect(ctx, dev); err != nil {
		if ctx.Err() != nil {
			return false
		}
		n := p.backoff.Failure()
		p.logger.Warn().Err(err).Int("attempt", n).Msg("failed to connect to BMS")
		p.publishError(KindConnectFailed, "Connection failed")
		return false
	}

	p.mu.Lock()
	p.device = dev
	p.mu.Unlock()
	p.publishStatus(common.ServiceStatus{
		Status:      common.StatusConnected,
		Device:      dev.Name,
		Address:     dev.Address,
		ConnectedAt: unixSeconds(p.now()),
	})
	return true
}

func (p *Poller) publishError(kind, msg string) {
	p.mu.Lock()
	rec := common.ErrorRecord{
		Timestamp:     p.now().UnixMilli(),
		DeviceName:    p.device.Name,
		Address:       p.device.Address,
		Kind:          kind,
		Error:         msg,
		DataFound:     false,
		ServiceStatus: common.StatusError,
		RetryCount:    p.backoff.Failures(),
	}
	if p.lastSuccess > 0 {
		last := p.lastSuccess
		rec.LastSuccessfulRead = &last
	}
	p.mu.Unlock()

	for _, pub := range p.publishers {
		if err := pub.PublishError(rec); err != nil {
			p.logger.Error().Err(err).Str("publisher", pub.Name()).Msg("publish error record")
		}
	}

	// the status file must not keep saying "reading" through an outage
	p.publishStatus(common.ServiceStatus{
		Status:     common.StatusError,
		Device:     rec.DeviceName,
		Address:    rec.Address,
		Error:      msg,
		RetryCount: rec.RetryCount,
	})
}

func (p *Poller) publishStatus(st common.ServiceStatus) {
	st.Service = p.config.ServiceName
	st.RunID = p.runID

	p.mu.Lock()
	p.status = st
	p.mu.Unlock()

	for _, pub := range p.publishers {
		if err := pub.PublishStatus(st); err != nil {
			p.logger.Error().Err(err).Str("publisher", pub.Name()).Msg("publish status")
		}
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
