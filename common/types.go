package common

import "time"

// CellVoltage is a single cell reading, numbered from 1
type CellVoltage struct {
	CellNumber int     `json:"cellNumber"`
	Voltage    float64 `json:"voltage"`
}

// Temperature is a single sensor reading in °C
type Temperature struct {
	Sensor      string  `json:"sensor"`
	Temperature float64 `json:"temperature"`
}

// MosStatus holds the MOSFET switch states reported by the BMS
type MosStatus struct {
	ChargingMos    bool `json:"chargingMos"`
	DischargingMos bool `json:"dischargingMos"`
	Balancing      bool `json:"balancing"`
}

// ExtremeReading is a highest or lowest value together with the cell or sensor that produced it
type ExtremeReading struct {
	Value  float64 `json:"value"`
	Source int     `json:"source"`
}

// Range is the BMS-reported spread for cells or temperature sensors
type Range struct {
	Max ExtremeReading `json:"max"`
	Min ExtremeReading `json:"min"`
}

// CommandDiagnostics keeps the raw exchange of one command for audit
type CommandDiagnostics struct {
	Command          string `json:"command"`
	CommandSent      string `json:"command_sent"`
	ResponseReceived bool   `json:"response_received"`
	ResponseData     string `json:"response_data"`
	Frames           int    `json:"frames"`
	Checksum         string `json:"checksum"`
	ChecksumOK       bool   `json:"checksum_ok"`
	Error            string `json:"error,omitempty"`
}

// TelemetrySnapshot is one complete reading produced by a single poll cycle
type TelemetrySnapshot struct {
	Timestamp         int64                `json:"timestamp"` // ms since epoch
	DeviceName        string               `json:"device"`
	Address           string               `json:"mac_address"`
	Dialect           string               `json:"dialect"`
	PackVoltage       float64              `json:"packVoltage"`
	Current           float64              `json:"current"`
	SOC               float64              `json:"soc"`
	RemainingCapacity float64              `json:"remainingCapacity"`
	TotalCapacity     float64              `json:"totalCapacity"`
	Cycles            int                  `json:"cycles"`
	ChargeState       string               `json:"chargeState,omitempty"`
	CellCount         int                  `json:"cellCount,omitempty"`
	SensorCount       int                  `json:"sensorCount,omitempty"`
	CellVoltages      []CellVoltage        `json:"cellVoltages"`
	Temperatures      []Temperature        `json:"temperatures"`
	MosStatus         MosStatus            `json:"mosStatus"`
	CellRange         *Range               `json:"cellRange,omitempty"`
	TemperatureRange  *Range               `json:"temperatureRange,omitempty"`
	Failures          []string             `json:"failures,omitempty"`
	Valid             bool                 `json:"data_valid"`
	Diagnostics       []CommandDiagnostics `json:"diagnostics"`
}

// NewSnapshot returns an empty snapshot stamped with the given capture time
func NewSnapshot(at time.Time) TelemetrySnapshot {
	return TelemetrySnapshot{
		Timestamp:    at.UnixMilli(),
		CellVoltages: []CellVoltage{},
		Temperatures: []Temperature{},
		Diagnostics:  []CommandDiagnostics{},
	}
}

// ResponsesReceived counts commands that got at least one valid frame
func (s TelemetrySnapshot) ResponsesReceived() int {
	n := 0
	for _, d := range s.Diagnostics {
		if d.ResponseReceived {
			n++
		}
	}
	return n
}

// ErrorRecord is published instead of a snapshot when the session itself failed
type ErrorRecord struct {
	Timestamp          int64  `json:"timestamp"`
	DeviceName         string `json:"device"`
	Address            string `json:"mac_address"`
	Kind               string `json:"error_kind"`
	Error              string `json:"error"`
	DataFound          bool   `json:"data_found"`
	ServiceStatus      string `json:"service_status"`
	LastSuccessfulRead *int64 `json:"last_successful_read"`
	RetryCount         int    `json:"retry_count"`
}

// Service lifecycle states written to the status file
const (
	StatusStarting  = "starting"
	StatusConnected = "connected"
	StatusReading   = "reading"
	StatusError     = "error"
	StatusStopped   = "stopped"
)

// ServiceStatus describes the poller lifecycle for liveness probing
type ServiceStatus struct {
	Service      string   `json:"service"`
	RunID        string   `json:"run_id,omitempty"`
	Status       string   `json:"status"`
	StartTime    float64  `json:"start_time,omitempty"`
	DataFile     string   `json:"data_file,omitempty"`
	ReadInterval float64  `json:"read_interval,omitempty"`
	Device       string   `json:"device,omitempty"`
	Address      string   `json:"mac_address,omitempty"`
	ConnectedAt  float64  `json:"connected_at,omitempty"`
	LastRead     float64  `json:"last_read,omitempty"`
	PackVoltage  *float64 `json:"pack_voltage,omitempty"`
	SOC          *float64 `json:"soc,omitempty"`
	Current      *float64 `json:"current,omitempty"`
	Error        string   `json:"error,omitempty"`
	RetryCount   int      `json:"retry_count,omitempty"`
	StoppedAt    float64  `json:"stopped_at,omitempty"`
}

// CommandMessage is an incoming remote command
type CommandMessage struct {
	Command       string `json:"command"`        // "poll" or "status"
	CorrelationID string `json:"correlation_id"` // used to match request and response
	Description   string `json:"description"`
}

// CommandResponse is the reply to a CommandMessage
type CommandResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Status        string      `json:"status"`          // "success", "error"
	Result        interface{} `json:"result"`          // command result
	Error         string      `json:"error,omitempty"` // set when status is "error"
	Timestamp     time.Time   `json:"timestamp"`
}
