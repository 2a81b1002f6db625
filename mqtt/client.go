package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"daly-bms-bridge/common"
)

// ErrNotConnected is returned by publishes while the broker is unreachable
var ErrNotConnected = errors.New("MQTT client not connected")

// Payload encodings
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Config is the MQTT publisher configuration
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`          // e.g. "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`        // optional
	Password       string        `mapstructure:"password"`        // optional
	ClientID       string        `mapstructure:"client_id"`       // generated when empty
	DataTopic      string        `mapstructure:"data_topic"`      // base topic for telemetry
	CommandTopic   string        `mapstructure:"command_topic"`   // base topic for commands
	QoS            byte          `mapstructure:"qos"`             // 0, 1 or 2
	KeepAlive      int           `mapstructure:"keep_alive"`      // seconds
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // broker connect timeout
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	Retain         bool          `mapstructure:"retain"`
	Format         string        `mapstructure:"format"` // json or cbor
}

func generateClientID() string {
	return "daly-bms-bridge-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// DefaultConfig returns the default MQTT configuration
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       generateClientID(),
		DataTopic:      "bms/telemetry",
		CommandTopic:   "bms/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		Format:         FormatJSON,
	}
}

// CommandMessage is an incoming command
type CommandMessage = common.CommandMessage

// CommandResponse is published in reply to a CommandMessage
type CommandResponse = common.CommandResponse

// CommandHandler is what remote commands act on
type CommandHandler interface {
	Trigger()
	Status() common.ServiceStatus
	LastSnapshot() (common.TelemetrySnapshot, bool)
}

// Client publishes telemetry and answers remote commands
type Client struct {
	config           Config
	mqttClient       mqttLib.Client
	handler          CommandHandler
	commandResponses chan commandReply
	stopChan         chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
	logger           zerolog.Logger

	mu     sync.Mutex
	device string // topic segment, follows the last published device
}

type commandReply struct {
	device   string
	response CommandResponse
}

// NewClient creates a client; handler may be nil when commands are not served
func NewClient(config Config, handler CommandHandler) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.Format == "" {
		config.Format = FormatJSON
	}
	return &Client{
		config:           config,
		handler:          handler,
		commandResponses: make(chan commandReply, 16),
		stopChan:         make(chan struct{}),
		logger:           log.With().Str("component", "mqtt").Logger(),
		device:           "unknown",
	}
}

// Name identifies the client among publishers
func (c *Client) Name() string {
	return "mqtt"
}

// Start connects to the broker
func (c *Client) Start() error {
	c.logger.Info().Str("broker", c.config.Broker).Str("client_id", c.config.ClientID).Msg("starting MQTT client")

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Info().Msg("MQTT authentication enabled")
	} else {
		c.logger.Info().Msg("MQTT authentication disabled (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = mqttLib.NewClient(opts)
	c.startLoops()

	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	c.logger.Info().Msg("MQTT client started")
	return nil
}

func (c *Client) startLoops() {
	c.wg.Add(1)
	go c.publishResponsesLoop()
}

// Stop drains the response loop and disconnects
func (c *Client) Stop() error {
	c.logger.Info().Msg("stopping MQTT client")
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()

	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		c.mqttClient.Disconnect(1000)
		c.logger.Info().Msg("MQTT client disconnected")
	}
	return nil
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// onConnectHandler (re)subscribes on every connect, including reconnects
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Info().Msg("connected to MQTT broker")
	if c.handler == nil {
		return
	}
	commandTopic := fmt.Sprintf("%s/+/request", c.config.CommandTopic)
	if token := client.Subscribe(commandTopic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Str("topic", commandTopic).Msg("failed to subscribe to command topic")
		return
	}
	c.logger.Info().Str("topic", commandTopic).Msg("subscribed to command topic")
}

func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Warn().Err(err).Msg("connection lost")
}

func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Info().Msg("attempting to reconnect to MQTT broker")
}

// onCommandReceived answers on <command_topic>/<device>/response where the
// device is the one named in the request topic
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Msg("received command")

	var cmd CommandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Warn().Err(err).Msg("failed to unmarshal command")
		return
	}

	device := deviceFromTopic(c.config.CommandTopic, msg.Topic())
	response := c.handleCommand(cmd)

	select {
	case c.commandResponses <- commandReply{device: device, response: response}:
	case <-time.After(time.Second):
		c.logger.Warn().Str("correlation_id", cmd.CorrelationID).Msg("timeout queueing command response")
	}
}

func (c *Client) handleCommand(cmd CommandMessage) CommandResponse {
	c.logger.Info().Str("command", cmd.Command).Str("correlation_id", cmd.CorrelationID).Msg("processing command")

	response := CommandResponse{
		CorrelationID: cmd.CorrelationID,
		Status:        "success",
		Timestamp:     time.Now(),
	}
	switch strings.ToLower(cmd.Command) {
	case "poll":
		c.handler.Trigger()
		if snap, ok := c.handler.LastSnapshot(); ok {
			response.Result = snap
		} else {
			response.Result = map[string]interface{}{"triggered": true}
		}
	case "status":
		response.Result = c.handler.Status()
	default:
		response.Status = "error"
		response.Error = fmt.Sprintf("unknown command %q", cmd.Command)
	}
	return response
}

func (c *Client) publishResponsesLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case reply := <-c.commandResponses:
			if err := c.publishCommandResponse(reply); err != nil {
				c.logger.Warn().Err(err).Msg("failed to publish command response")
			}
		}
	}
}

func (c *Client) publishCommandResponse(reply commandReply) error {
	payload, err := json.Marshal(reply.response)
	if err != nil {
		return fmt.Errorf("failed to marshal command response: %w", err)
	}
	topic := fmt.Sprintf("%s/%s/response", c.config.CommandTopic, reply.device)
	return c.publish(topic, payload)
}

// PublishSnapshot publishes to <data_topic>/<device>/snapshot
func (c *Client) PublishSnapshot(snap common.TelemetrySnapshot) error {
	device := c.trackDevice(snap.DeviceName)
	return c.publishEncoded(fmt.Sprintf("%s/%s/snapshot", c.config.DataTopic, device), snap)
}

// PublishError publishes to <data_topic>/<device>/error
func (c *Client) PublishError(rec common.ErrorRecord) error {
	device := c.trackDevice(rec.DeviceName)
	return c.publishEncoded(fmt.Sprintf("%s/%s/error", c.config.DataTopic, device), rec)
}

// PublishStatus publishes to <data_topic>/<device>/status
func (c *Client) PublishStatus(st common.ServiceStatus) error {
	device := c.trackDevice(st.Device)
	return c.publishEncoded(fmt.Sprintf("%s/%s/status", c.config.DataTopic, device), st)
}

func (c *Client) publishEncoded(topic string, v interface{}) error {
	payload, err := c.encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", topic, err)
	}
	return c.publish(topic, payload)
}

func (c *Client) encode(v interface{}) ([]byte, error) {
	if c.config.Format == FormatCBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

func (c *Client) publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.mqttClient.Publish(topic, c.config.QoS, c.config.Retain, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	c.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("published")
	return nil
}

// trackDevice keeps the last known device segment so status records that
// carry no device still land under the same topic
func (c *Client) trackDevice(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seg := topicSegment(name); seg != "" {
		c.device = seg
	}
	return c.device
}

func topicSegment(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
}

func deviceFromTopic(base, topic string) string {
	rest := strings.TrimPrefix(topic, strings.TrimSuffix(base, "/")+"/")
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return "unknown"
}
