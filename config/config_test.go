package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daly-bms-bridge/protocol"
)

const sample = `
bms:
  address: "41:18:12:01:18:9f"
  dialect: command
  interval: 10s
  invert_current: true
  link:
    transport: serial
    serial_port: /dev/ttyUSB0
retry:
  max_attempts: 5
  window: 1m
thresholds:
  max_age: 45s
cache:
  data_file: /run/bms/latest.json
mqtt:
  enabled: true
  broker: tcp://broker:1883
  format: cbor
logging:
  level: debug
`

func write(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(New(afero.NewMemMapFs()), "")
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.BMS.Interval, cfg.BMS.Interval)
	assert.Equal(t, 10, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.Window)
	assert.Equal(t, "legacy", cfg.BMS.Dialect)
	assert.Equal(t, "/tmp/bms_latest.json", cfg.Cache.DataFile)
	assert.Equal(t, 5000, cfg.API.Port)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, d.Thresholds, cfg.Thresholds)
}

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/etc/daly-bms-bridge/config.yaml", sample)

	cfg, err := Load(New(fs), "/etc/daly-bms-bridge/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "41:18:12:01:18:9f", cfg.BMS.Address)
	assert.Equal(t, 10*time.Second, cfg.BMS.Interval)
	assert.True(t, cfg.BMS.InvertCurrent)
	assert.Equal(t, "serial", cfg.BMS.Link.Transport)
	assert.Equal(t, "/dev/ttyUSB0", cfg.BMS.Link.SerialPort)
	assert.Equal(t, 9600, cfg.BMS.Link.BaudRate, "untouched keys keep defaults")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Retry.Window)
	assert.Equal(t, 45*time.Second, cfg.Thresholds.MaxAge)
	assert.Equal(t, 10*time.Second, cfg.Thresholds.Fresh)
	assert.Equal(t, "/run/bms/latest.json", cfg.Cache.DataFile)
	assert.Equal(t, "/tmp/bms_status.json", cfg.Cache.StatusFile)
	assert.Equal(t, "cbor", cfg.MQTT.Format)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.Validate(true))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(afero.NewMemMapFs()), "/nope/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BMS_BMS_ADDRESS", "AA:BB:CC:DD:EE:FF")
	t.Setenv("BMS_MQTT_BROKER", "tcp://env:1883")
	t.Setenv("BMS_RETRY_MAX_ATTEMPTS", "3")

	fs := afero.NewMemMapFs()
	write(t, fs, "/cfg/config.yaml", sample)
	cfg, err := Load(New(fs), "/cfg/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.BMS.Address)
	assert.Equal(t, "tcp://env:1883", cfg.MQTT.Broker)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.BMS.Address = "41:18:12:01:18:9F"
		return &c
	}
	require.NoError(t, valid().Validate(true))

	tests := []struct {
		name   string
		mutate func(c *Config)
		target bool
		errMsg string
	}{
		{"placeholder address", func(c *Config) { c.BMS.Address = "xx:xx:xx:xx:xx:xx" }, true, "placeholder"},
		{"no target", func(c *Config) { c.BMS.Address = "" }, true, "bms.address or bms.name"},
		{"unknown dialect", func(c *Config) { c.BMS.Dialect = "modbus" }, false, "unknown protocol dialect"},
		{"unknown transport", func(c *Config) { c.BMS.Link.Transport = "can" }, false, "transport"},
		{"zero interval", func(c *Config) { c.BMS.Interval = 0 }, false, "bms.interval"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, false, "retry.max_attempts"},
		{"bad mqtt format", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Format = "xml" }, false, "mqtt.format"},
		{"bad qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, false, "mqtt.qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate(tt.target)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	// the read API never needs a device
	c := Default()
	assert.NoError(t, c.Validate(false))
}

func TestSessionAndPoller(t *testing.T) {
	c := Default()
	c.BMS.Address = " 41:18:12:01:18:9f "
	c.BMS.Dialect = "command"
	c.BMS.InvertCurrent = true

	sc, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, "41:18:12:01:18:9F", sc.Address)
	assert.Equal(t, protocol.DialectCommand, sc.Dialect)
	assert.True(t, sc.Decode.InvertCurrent)
	assert.Equal(t, 230.0, sc.Decode.NominalCapacityAh)

	pc := c.Poller()
	assert.Equal(t, "daly-bms-bridge", pc.ServiceName)
	assert.Equal(t, 10, pc.MaxAttempts)
	assert.Equal(t, "41:18:12:01:18:9F", pc.Address)
	assert.Equal(t, "/tmp/bms_latest.json", pc.DataFile)
}
