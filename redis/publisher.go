package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"daly-bms-bridge/common"
	"daly-bms-bridge/metrics"
)

// Config for the Redis publisher
type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`     // hash holding the latest values
	Channel  string        `mapstructure:"channel"` // pub/sub channel for full records
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default Redis settings
func DefaultConfig() Config {
	return Config{
		Addr:    "localhost:6379",
		Key:     "bms",
		Channel: "bms",
		Timeout: 2 * time.Second,
	}
}

// Publisher mirrors the latest reading into a hash and publishes every
// record on a channel
type Publisher struct {
	config     Config
	client     *redis.Client
	thresholds metrics.Thresholds
	logger     zerolog.Logger
}

// New connects to Redis and verifies the connection
func New(config Config, th metrics.Thresholds) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Publisher{
		config:     config,
		client:     client,
		thresholds: th,
		logger:     log.With().Str("component", "redis").Logger(),
	}, nil
}

// Name identifies the publisher
func (p *Publisher) Name() string {
	return "redis"
}

// PublishSnapshot writes the key values and publishes the snapshot JSON
func (p *Publisher) PublishSnapshot(snap common.TelemetrySnapshot) error {
	derived := metrics.Compute(snap, time.Now(), p.thresholds)
	return p.writeAndPublish(SnapshotFields(snap, derived), "snapshot", snap)
}

// PublishError marks the hash as not found and publishes the record
func (p *Publisher) PublishError(rec common.ErrorRecord) error {
	fields := map[string]interface{}{
		"data-found": 0,
		"error":      rec.Error,
		"error-kind": rec.Kind,
		"timestamp":  rec.Timestamp,
	}
	return p.writeAndPublish(fields, "error", rec)
}

// PublishStatus stores the lifecycle state
func (p *Publisher) PublishStatus(st common.ServiceStatus) error {
	return p.writeAndPublish(map[string]interface{}{"status": st.Status}, "status", st)
}

func (p *Publisher) writeAndPublish(fields map[string]interface{}, kind string, record interface{}) error {
	payload, err := json.Marshal(Envelope{Type: kind, Data: record})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, p.config.Key, fields)
	pipe.Publish(ctx, p.config.Channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis %s: %w", kind, err)
	}
	p.logger.Debug().Str("key", p.config.Key).Str("type", kind).Msg("published")
	return nil
}

// Close closes the connection
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Envelope tags records on the channel with their type
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SnapshotFields flattens a snapshot into hash fields, one per value
func SnapshotFields(snap common.TelemetrySnapshot, derived metrics.Derived) map[string]interface{} {
	fields := map[string]interface{}{
		"timestamp":          snap.Timestamp,
		"device":             snap.DeviceName,
		"mac-address":        snap.Address,
		"data-found":         boolInt(snap.Valid),
		"pack-voltage":       snap.PackVoltage,
		"current":            snap.Current,
		"soc":                snap.SOC,
		"remaining-capacity": snap.RemainingCapacity,
		"total-capacity":     snap.TotalCapacity,
		"cycle-count":        snap.Cycles,
		"charging-mos":       boolInt(snap.MosStatus.ChargingMos),
		"discharging-mos":    boolInt(snap.MosStatus.DischargingMos),
		"balancing":          boolInt(snap.MosStatus.Balancing),
		"power":              derived.PowerW,
		"cell-spread":        derived.Cells.Spread,
		"balance-status":     derived.Cells.Balance,
		"thermal-status":     derived.Temperatures.Thermal,
		"system-health":      derived.SystemHealth,
		"error":              "",
		"error-kind":         "",
	}
	for _, c := range snap.CellVoltages {
		fields["cell:"+strconv.Itoa(c.CellNumber)] = c.Voltage
	}
	for _, t := range snap.Temperatures {
		fields["temperature:"+t.Sensor] = t.Temperature
	}
	return fields
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
