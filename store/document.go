package store

import (
	"sort"

	"daly-bms-bridge/common"
	"daly-bms-bridge/metrics"
)

// ParsedData is the decoded telemetry attached to the primary command
type ParsedData struct {
	PackVoltage       float64              `json:"packVoltage"`
	Current           float64              `json:"current"`
	SOC               float64              `json:"soc"`
	RemainingCapacity float64              `json:"remainingCapacity"`
	TotalCapacity     float64              `json:"totalCapacity"`
	Cycles            int                  `json:"cycles"`
	ChargeState       string               `json:"chargeState,omitempty"`
	CellVoltages      []common.CellVoltage `json:"cellVoltages"`
	Temperatures      []common.Temperature `json:"temperatures"`
	MosStatus         common.MosStatus     `json:"mosStatus"`
	CellRange         *common.Range        `json:"cellRange,omitempty"`
	TemperatureRange  *common.Range        `json:"temperatureRange,omitempty"`
	Failures          []string             `json:"failures,omitempty"`
	Checksum          string               `json:"checksum,omitempty"`
	Valid             bool                 `json:"data_valid"`
}

// CommandEntry is the audit record of one command exchange
type CommandEntry struct {
	CommandSent      string      `json:"command_sent"`
	ResponseReceived bool        `json:"response_received"`
	ResponseData     string      `json:"response_data"`
	Frames           int         `json:"frames"`
	Checksum         string      `json:"checksum,omitempty"`
	ChecksumOK       bool        `json:"checksum_ok"`
	Error            string      `json:"error,omitempty"`
	ParsedData       *ParsedData `json:"parsed_data,omitempty"`
}

// Protocol groups the per-command records of one poll cycle
type Protocol struct {
	Dialect  string                  `json:"dialect"`
	Status   string                  `json:"status"`
	Primary  string                  `json:"primary_command"`
	Commands map[string]CommandEntry `json:"commands"`
}

// Document is the cache file layout. Error records share the top-level
// keys so readers can tell them apart by data_found alone.
type Document struct {
	Timestamp          int64            `json:"timestamp"`
	Device             string           `json:"device"`
	MacAddress         string           `json:"mac_address"`
	DataFound          bool             `json:"data_found"`
	Error              string           `json:"error,omitempty"`
	ErrorKind          string           `json:"error_kind,omitempty"`
	ServiceStatus      string           `json:"service_status,omitempty"`
	LastSuccessfulRead *int64           `json:"last_successful_read,omitempty"`
	RetryCount         int              `json:"retry_count,omitempty"`
	DalyProtocol       *Protocol        `json:"daly_protocol,omitempty"`
	Metrics            *metrics.Derived `json:"metrics,omitempty"`
}

// NewDocument lays a snapshot and its metrics out in the cache format
func NewDocument(snap common.TelemetrySnapshot, derived metrics.Derived) Document {
	doc := Document{
		Timestamp:  snap.Timestamp,
		Device:     snap.DeviceName,
		MacAddress: snap.Address,
		DataFound:  snap.Valid,
		Metrics:    &derived,
	}
	if !snap.Valid {
		doc.Error = "incomplete response from BMS"
	}

	proto := &Protocol{
		Dialect:  snap.Dialect,
		Status:   "no_response",
		Commands: make(map[string]CommandEntry, len(snap.Diagnostics)),
	}
	if snap.ResponsesReceived() > 0 {
		proto.Status = "success"
	}

	for i, d := range snap.Diagnostics {
		entry := CommandEntry{
			CommandSent:      d.CommandSent,
			ResponseReceived: d.ResponseReceived,
			ResponseData:     d.ResponseData,
			Frames:           d.Frames,
			Checksum:         d.Checksum,
			ChecksumOK:       d.ChecksumOK,
			Error:            d.Error,
		}
		// the first command of the sequence is the primary one
		if i == 0 {
			proto.Primary = d.Command
			entry.ParsedData = parsedFrom(snap, d.Checksum)
		}
		proto.Commands[d.Command] = entry
	}
	doc.DalyProtocol = proto
	return doc
}

func parsedFrom(snap common.TelemetrySnapshot, checksum string) *ParsedData {
	return &ParsedData{
		PackVoltage:       snap.PackVoltage,
		Current:           snap.Current,
		SOC:               snap.SOC,
		RemainingCapacity: snap.RemainingCapacity,
		TotalCapacity:     snap.TotalCapacity,
		Cycles:            snap.Cycles,
		ChargeState:       snap.ChargeState,
		CellVoltages:      snap.CellVoltages,
		Temperatures:      snap.Temperatures,
		MosStatus:         snap.MosStatus,
		CellRange:         snap.CellRange,
		TemperatureRange:  snap.TemperatureRange,
		Failures:          snap.Failures,
		Checksum:          checksum,
		Valid:             snap.Valid,
	}
}

// Parsed returns the decoded telemetry of the primary command, or nil
func (d *Document) Parsed() *ParsedData {
	if d == nil || d.DalyProtocol == nil {
		return nil
	}
	if e, ok := d.DalyProtocol.Commands[d.DalyProtocol.Primary]; ok && e.ParsedData != nil {
		return e.ParsedData
	}
	for _, e := range d.DalyProtocol.Commands {
		if e.ParsedData != nil {
			return e.ParsedData
		}
	}
	return nil
}

// Snapshot rebuilds the telemetry snapshot stored in the document
func (d *Document) Snapshot() (common.TelemetrySnapshot, bool) {
	p := d.Parsed()
	if p == nil {
		return common.TelemetrySnapshot{}, false
	}
	snap := common.TelemetrySnapshot{
		Timestamp:         d.Timestamp,
		DeviceName:        d.Device,
		Address:           d.MacAddress,
		Dialect:           d.DalyProtocol.Dialect,
		PackVoltage:       p.PackVoltage,
		Current:           p.Current,
		SOC:               p.SOC,
		RemainingCapacity: p.RemainingCapacity,
		TotalCapacity:     p.TotalCapacity,
		Cycles:            p.Cycles,
		ChargeState:       p.ChargeState,
		CellCount:         len(p.CellVoltages),
		CellVoltages:      p.CellVoltages,
		Temperatures:      p.Temperatures,
		MosStatus:         p.MosStatus,
		CellRange:         p.CellRange,
		TemperatureRange:  p.TemperatureRange,
		Failures:          p.Failures,
		Valid:             p.Valid,
	}
	names := make([]string, 0, len(d.DalyProtocol.Commands))
	for name := range d.DalyProtocol.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := d.DalyProtocol.Commands[name]
		snap.Diagnostics = append(snap.Diagnostics, common.CommandDiagnostics{
			Command:          name,
			CommandSent:      e.CommandSent,
			ResponseReceived: e.ResponseReceived,
			ResponseData:     e.ResponseData,
			Frames:           e.Frames,
			Checksum:         e.Checksum,
			ChecksumOK:       e.ChecksumOK,
			Error:            e.Error,
		})
	}
	return snap, true
}
