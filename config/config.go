package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"daly-bms-bridge/api"
	"daly-bms-bridge/bluetooth"
	"daly-bms-bridge/metrics"
	"daly-bms-bridge/mqtt"
	"daly-bms-bridge/poller"
	"daly-bms-bridge/protocol"
	"daly-bms-bridge/redis"
	"daly-bms-bridge/session"
	"daly-bms-bridge/store"
)

// PlaceholderAddress ships in the sample config and must be replaced
const PlaceholderAddress = "XX:XX:XX:XX:XX:XX"

// EnvPrefix prefixes every environment override, e.g. BMS_BMS_ADDRESS
const EnvPrefix = "BMS"

// BMSConfig describes the target device and how to talk to it
type BMSConfig struct {
	Address           string           `mapstructure:"address"`
	Name              string           `mapstructure:"name"`
	NameKeywords      []string         `mapstructure:"name_keywords"`
	Dialect           string           `mapstructure:"dialect"` // legacy or command
	InvertCurrent     bool             `mapstructure:"invert_current"`
	NominalCapacityAh float64          `mapstructure:"nominal_capacity_ah"`
	Interval          time.Duration    `mapstructure:"interval"`
	ScanTimeout       time.Duration    `mapstructure:"scan_timeout"`
	ConnectTimeout    time.Duration    `mapstructure:"connect_timeout"`
	ResponseTimeout   time.Duration    `mapstructure:"response_timeout"`
	Link              bluetooth.Config `mapstructure:"link"`
}

// RetryConfig bounds reconnect attempts
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Window      time.Duration `mapstructure:"window"`
}

// LoggingConfig selects level and output format
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// Config is the whole application configuration
type Config struct {
	Service    string             `mapstructure:"service"`
	BMS        BMSConfig          `mapstructure:"bms"`
	Retry      RetryConfig        `mapstructure:"retry"`
	Thresholds metrics.Thresholds `mapstructure:"thresholds"`
	Cache      store.Config       `mapstructure:"cache"`
	API        api.Config         `mapstructure:"api"`
	MQTT       mqtt.Config        `mapstructure:"mqtt"`
	Redis      redis.Config       `mapstructure:"redis"`
	Logging    LoggingConfig      `mapstructure:"logging"`
}

// Default returns a configuration usable once the device address is set
func Default() Config {
	sess := session.DefaultConfig()
	pol := poller.DefaultConfig()
	mq := mqtt.DefaultConfig()
	mq.ClientID = ""

	return Config{
		Service: pol.ServiceName,
		BMS: BMSConfig{
			NameKeywords:      sess.NameKeywords,
			Dialect:           sess.Dialect.String(),
			InvertCurrent:     sess.Decode.InvertCurrent,
			NominalCapacityAh: sess.Decode.NominalCapacityAh,
			Interval:          pol.Interval,
			ScanTimeout:       sess.ScanTimeout,
			ConnectTimeout:    sess.ConnectTimeout,
			ResponseTimeout:   sess.ResponseTimeout,
			Link:              bluetooth.DefaultConfig(),
		},
		Retry: RetryConfig{
			MaxAttempts: pol.MaxAttempts,
			Window:      pol.BackoffWindow,
		},
		Thresholds: metrics.DefaultThresholds(),
		Cache:      store.DefaultConfig(),
		API:        api.DefaultConfig(),
		MQTT:       mq,
		Redis:      redis.DefaultConfig(),
		Logging:    LoggingConfig{Level: "info", Format: "console"},
	}
}

// SetDefaults registers every key so that environment overrides reach
// Unmarshal even when the file does not mention them
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("service", d.Service)

	v.SetDefault("bms.address", d.BMS.Address)
	v.SetDefault("bms.name", d.BMS.Name)
	v.SetDefault("bms.name_keywords", d.BMS.NameKeywords)
	v.SetDefault("bms.dialect", d.BMS.Dialect)
	v.SetDefault("bms.invert_current", d.BMS.InvertCurrent)
	v.SetDefault("bms.nominal_capacity_ah", d.BMS.NominalCapacityAh)
	v.SetDefault("bms.interval", d.BMS.Interval)
	v.SetDefault("bms.scan_timeout", d.BMS.ScanTimeout)
	v.SetDefault("bms.connect_timeout", d.BMS.ConnectTimeout)
	v.SetDefault("bms.response_timeout", d.BMS.ResponseTimeout)
	v.SetDefault("bms.link.transport", d.BMS.Link.Transport)
	v.SetDefault("bms.link.service_uuid", d.BMS.Link.ServiceUUID)
	v.SetDefault("bms.link.write_uuid", d.BMS.Link.WriteUUID)
	v.SetDefault("bms.link.notify_uuid", d.BMS.Link.NotifyUUID)
	v.SetDefault("bms.link.serial_port", d.BMS.Link.SerialPort)
	v.SetDefault("bms.link.baud_rate", d.BMS.Link.BaudRate)
	v.SetDefault("bms.link.read_timeout", d.BMS.Link.ReadTimeout)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.window", d.Retry.Window)

	th := d.Thresholds
	v.SetDefault("thresholds.balance_excellent", th.BalanceExcellent)
	v.SetDefault("thresholds.balance_good", th.BalanceGood)
	v.SetDefault("thresholds.temp_hot", th.TempHot)
	v.SetDefault("thresholds.temp_warm", th.TempWarm)
	v.SetDefault("thresholds.temp_cold", th.TempCold)
	v.SetDefault("thresholds.soc_critical", th.SOCCritical)
	v.SetDefault("thresholds.soc_low", th.SOCLow)
	v.SetDefault("thresholds.soc_medium", th.SOCMedium)
	v.SetDefault("thresholds.cycles_excellent", th.CyclesExcellent)
	v.SetDefault("thresholds.cycles_good", th.CyclesGood)
	v.SetDefault("thresholds.cycles_fair", th.CyclesFair)
	v.SetDefault("thresholds.fresh", th.Fresh)
	v.SetDefault("thresholds.recent", th.Recent)
	v.SetDefault("thresholds.stale", th.Stale)
	v.SetDefault("thresholds.max_age", th.MaxAge)

	v.SetDefault("cache.data_file", d.Cache.DataFile)
	v.SetDefault("cache.status_file", d.Cache.StatusFile)

	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.stream_interval", d.API.StreamInterval)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.data_topic", d.MQTT.DataTopic)
	v.SetDefault("mqtt.command_topic", d.MQTT.CommandTopic)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.keep_alive", d.MQTT.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", d.MQTT.ConnectTimeout)
	v.SetDefault("mqtt.auto_reconnect", d.MQTT.AutoReconnect)
	v.SetDefault("mqtt.retain", d.MQTT.Retain)
	v.SetDefault("mqtt.format", d.MQTT.Format)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key", d.Redis.Key)
	v.SetDefault("redis.channel", d.Redis.Channel)
	v.SetDefault("redis.timeout", d.Redis.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// New returns a viper instance reading from fs with defaults and
// environment overrides in place
func New(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/daly-bms-bridge")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads path, or config.yaml from the search paths when path is
// empty. A missing file is fine in the latter case.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects values the bridge cannot run with. requireTarget is
// set by commands that talk to the BMS.
func (c *Config) Validate(requireTarget bool) error {
	if requireTarget {
		addr := strings.TrimSpace(c.BMS.Address)
		if strings.EqualFold(addr, PlaceholderAddress) {
			return fmt.Errorf("bms.address is still the placeholder %s", PlaceholderAddress)
		}
		if addr == "" && c.BMS.Name == "" && c.BMS.Link.Transport != "serial" {
			return errors.New("either bms.address or bms.name must be set")
		}
	}
	if _, err := protocol.ParseDialect(c.BMS.Dialect); err != nil {
		return err
	}
	switch c.BMS.Link.Transport {
	case "", "ble", "serial":
	default:
		return fmt.Errorf("unknown bms.link.transport %q", c.BMS.Link.Transport)
	}
	if c.BMS.Interval <= 0 {
		return errors.New("bms.interval must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Thresholds.MaxAge <= 0 {
		return errors.New("thresholds.max_age must be positive")
	}
	if c.Cache.DataFile == "" || c.Cache.StatusFile == "" {
		return errors.New("cache.data_file and cache.status_file are required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		switch c.MQTT.Format {
		case mqtt.FormatJSON, mqtt.FormatCBOR:
		default:
			return fmt.Errorf("unknown mqtt.format %q", c.MQTT.Format)
		}
	}
	return nil
}

// Session maps the bms section onto the session settings
func (c *Config) Session() (session.Config, error) {
	dialect, err := protocol.ParseDialect(c.BMS.Dialect)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Address:      strings.ToUpper(strings.TrimSpace(c.BMS.Address)),
		Name:         c.BMS.Name,
		NameKeywords: c.BMS.NameKeywords,
		Dialect:      dialect,
		Decode: protocol.DecodeOptions{
			InvertCurrent:     c.BMS.InvertCurrent,
			NominalCapacityAh: c.BMS.NominalCapacityAh,
		},
		ScanTimeout:     c.BMS.ScanTimeout,
		ConnectTimeout:  c.BMS.ConnectTimeout,
		ResponseTimeout: c.BMS.ResponseTimeout,
	}, nil
}

// Poller maps the bms and retry sections onto the poller settings
func (c *Config) Poller() poller.Config {
	return poller.Config{
		ServiceName:   c.Service,
		Interval:      c.BMS.Interval,
		MaxAttempts:   c.Retry.MaxAttempts,
		BackoffWindow: c.Retry.Window,
		DeviceName:    c.BMS.Name,
		Address:       strings.ToUpper(strings.TrimSpace(c.BMS.Address)),
		DataFile:      c.Cache.DataFile,
	}
}
