package api

import (
	"errors"
	"net/http"

	"daly-bms-bridge/common"
	"daly-bms-bridge/metrics"
	"daly-bms-bridge/store"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

var endpoints = map[string]string{
	"/":              "This help page",
	"/health":        "Service health check",
	"/status":        "Service status information",
	"/bms":           "Latest BMS data (JSON)",
	"/bms/raw":       "Raw BMS data with all details",
	"/bms/formatted": "Human-readable formatted data",
	"/bms/summary":   "Key BMS metrics only",
	"/bms/cells":     "Cell voltage information",
	"/bms/temps":     "Temperature information",
	"/bms/stream":    "WebSocket stream of cache updates",
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "BMS API Service",
		"version":     "1.0",
		"description": "REST API for Daly BMS data",
		"endpoints":   endpoints,
		"usage": map[string]string{
			"fast_polling": "Use /bms/summary for frequent updates",
			"full_data":    "Use /bms for complete information",
			"monitoring":   "Use /health for service monitoring",
			"push":         "Use /bms/stream to receive every update",
		},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "Endpoint not found", Message: "Check / for available endpoints"})
}

// readDocument treats an unreadable cache like a missing one
func (s *Server) readDocument() *store.Document {
	doc, err := s.store.ReadDocument()
	if err != nil {
		if !errors.Is(err, store.ErrNoData) {
			s.logger.Error().Err(err).Msg("failed to read data file")
		}
		return nil
	}
	if fresh := s.freshness(doc.Timestamp); !fresh.IsFresh {
		s.logger.Warn().Float64("age_seconds", fresh.AgeSeconds).Msg("data file is stale")
	}
	return doc
}

func (s *Server) readStatus() *common.ServiceStatus {
	st, err := s.store.ReadStatus()
	if err != nil {
		if !errors.Is(err, store.ErrNoData) {
			s.logger.Error().Err(err).Msg("failed to read status file")
		}
		return nil
	}
	return st
}

func (s *Server) freshness(timestampMs int64) metrics.Freshness {
	return metrics.ComputeFreshness(timestampMs, s.now(), s.thresholds)
}

type healthBody struct {
	Status         string      `json:"status"`
	Timestamp      int64       `json:"timestamp"`
	Uptime         interface{} `json:"uptime"`
	DataAvailable  bool        `json:"data_available"`
	ServiceRunning bool        `json:"service_running"`
	ServiceStatus  string      `json:"service_status,omitempty"`
	DataAge        *float64    `json:"data_age,omitempty"`
	DataFresh      *bool       `json:"data_fresh,omitempty"`
	LastReading    *int64      `json:"last_reading,omitempty"`
	Issue          string      `json:"issue,omitempty"`
}

// handleHealth answers 200 only when data exists, was found and is fresh
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := s.readDocument()
	st := s.readStatus()
	now := s.now()

	body := healthBody{
		Status:         "healthy",
		Timestamp:      now.UnixMilli(),
		Uptime:         "unknown",
		DataAvailable:  doc != nil,
		ServiceRunning: st != nil,
	}
	if st != nil {
		if st.StartTime > 0 {
			body.Uptime = round1(float64(now.UnixNano())/1e9 - st.StartTime)
		}
		body.ServiceStatus = st.Status
	}

	var fresh metrics.Freshness
	if doc != nil {
		fresh = s.freshness(doc.Timestamp)
		age, isFresh, ts := fresh.AgeSeconds, fresh.IsFresh, doc.Timestamp
		body.DataAge, body.DataFresh, body.LastReading = &age, &isFresh, &ts
	}

	switch {
	case doc == nil:
		body.Status, body.Issue = "unhealthy", "No data available"
	case !doc.DataFound:
		body.Status, body.Issue = "degraded", "BMS not responding"
	case !fresh.IsFresh:
		body.Status, body.Issue = "degraded", "Data is stale"
	}

	code := http.StatusOK
	if body.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

type lastReading struct {
	PackVoltage float64 `json:"pack_voltage"`
	SOC         float64 `json:"soc"`
	Current     float64 `json:"current"`
	CellCount   int     `json:"cell_count"`
	TempSensors int     `json:"temp_sensors"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := s.readDocument()
	st := s.readStatus()

	body := map[string]interface{}{
		"api_service": map[string]interface{}{
			"status":       "running",
			"data_file":    s.store.Config().DataFile,
			"status_file":  s.store.Config().StatusFile,
			"max_data_age": s.thresholds.MaxAge.Seconds(),
		},
	}
	if st != nil {
		body["background_service"] = st
	}
	if doc != nil {
		body["data_info"] = s.freshness(doc.Timestamp)
		body["bms_connected"] = doc.DataFound
		if p := doc.Parsed(); doc.DataFound && p != nil {
			body["last_reading"] = lastReading{
				PackVoltage: p.PackVoltage,
				SOC:         p.SOC,
				Current:     p.Current,
				CellCount:   len(p.CellVoltages),
				TempSensors: len(p.Temperatures),
			}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// readRaw keeps every key of the cache file and attaches freshness
func (s *Server) readRaw() map[string]interface{} {
	raw, err := s.store.ReadRaw()
	if err != nil {
		if !errors.Is(err, store.ErrNoData) {
			s.logger.Error().Err(err).Msg("failed to read data file")
		}
		return nil
	}
	var ts int64
	if v, ok := raw["timestamp"].(float64); ok {
		ts = int64(v)
	}
	raw["freshness"] = s.freshness(ts)
	return raw
}

func (s *Server) handleBMS(w http.ResponseWriter, r *http.Request) {
	raw := s.readRaw()
	if raw == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error:     "No BMS data available",
			Message:   "Background service may not be running",
			Timestamp: s.nowMs(),
		})
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	raw := s.readRaw()
	if raw == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "No BMS data available"})
		return
	}
	raw["api_info"] = map[string]interface{}{
		"endpoint":     "/bms/raw",
		"retrieved_at": s.nowMs(),
		"data_file":    s.store.Config().DataFile,
	}
	writeJSON(w, http.StatusOK, raw)
}

type disconnectedSummary struct {
	Connected  bool   `json:"connected"`
	Error      string `json:"error"`
	Timestamp  int64  `json:"timestamp"`
	Device     string `json:"device"`
	MacAddress string `json:"mac_address"`
}

type systemStatus struct {
	DataFreshness        metrics.Freshness `json:"data_freshness"`
	CommunicationQuality string            `json:"communication_quality"`
	SystemHealth         string            `json:"system_health"`
}

type summary struct {
	Connected          bool   `json:"connected"`
	Timestamp          int64  `json:"timestamp"`
	Device             string `json:"device"`
	MacAddress         string `json:"mac_address"`
	Dialect            string `json:"dialect"`
	ProtocolStatus     string `json:"protocol_status"`
	CommandSent        string `json:"command_sent"`
	ResponseReceived   bool   `json:"response_received"`
	ResponseDataLength int    `json:"response_data_length"`

	PackVoltage       float64 `json:"pack_voltage"`
	Current           float64 `json:"current"`
	Power             float64 `json:"power"`
	SOC               float64 `json:"soc"`
	RemainingCapacity float64 `json:"remaining_capacity"`
	TotalCapacity     float64 `json:"total_capacity"`
	Cycles            int     `json:"cycles"`
	ChargeState       string  `json:"charge_state,omitempty"`

	CellCount    int                  `json:"cell_count"`
	CellVoltages []common.CellVoltage `json:"cell_voltages"`
	TempCount    int                  `json:"temp_count"`
	Temperatures []common.Temperature `json:"temperatures"`

	MosStatus      common.MosStatus `json:"mos_status"`
	ChargingMos    bool             `json:"charging_mos"`
	DischargingMos bool             `json:"discharging_mos"`
	Balancing      bool             `json:"balancing"`
	Checksum       string           `json:"checksum"`
	Failures       []string         `json:"failures,omitempty"`

	CellStatistics        metrics.CellStats        `json:"cell_statistics"`
	TemperatureStatistics metrics.TemperatureStats `json:"temperature_statistics"`
	BatteryHealth         metrics.Health           `json:"battery_health"`
	SystemStatus          systemStatus             `json:"system_status"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	doc := s.readDocument()
	if doc == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "No BMS data available"})
		return
	}
	snap, ok := doc.Snapshot()
	if !doc.DataFound || !ok {
		msg := doc.Error
		if msg == "" {
			msg = "BMS not responding"
		}
		writeJSON(w, http.StatusOK, disconnectedSummary{
			Error:      msg,
			Timestamp:  doc.Timestamp,
			Device:     orUnknown(doc.Device),
			MacAddress: orUnknown(doc.MacAddress),
		})
		return
	}

	derived := metrics.Compute(snap, s.now(), s.thresholds)
	primary := doc.DalyProtocol.Commands[doc.DalyProtocol.Primary]
	p := doc.Parsed()

	writeJSON(w, http.StatusOK, summary{
		Connected:          true,
		Timestamp:          doc.Timestamp,
		Device:             orUnknown(doc.Device),
		MacAddress:         orUnknown(doc.MacAddress),
		Dialect:            doc.DalyProtocol.Dialect,
		ProtocolStatus:     doc.DalyProtocol.Status,
		CommandSent:        primary.CommandSent,
		ResponseReceived:   primary.ResponseReceived,
		ResponseDataLength: len(primary.ResponseData),

		PackVoltage:       snap.PackVoltage,
		Current:           snap.Current,
		Power:             derived.PowerW,
		SOC:               snap.SOC,
		RemainingCapacity: snap.RemainingCapacity,
		TotalCapacity:     snap.TotalCapacity,
		Cycles:            snap.Cycles,
		ChargeState:       snap.ChargeState,

		CellCount:    len(snap.CellVoltages),
		CellVoltages: snap.CellVoltages,
		TempCount:    len(snap.Temperatures),
		Temperatures: snap.Temperatures,

		MosStatus:      snap.MosStatus,
		ChargingMos:    snap.MosStatus.ChargingMos,
		DischargingMos: snap.MosStatus.DischargingMos,
		Balancing:      snap.MosStatus.Balancing,
		Checksum:       p.Checksum,
		Failures:       snap.Failures,

		CellStatistics:        derived.Cells,
		TemperatureStatistics: derived.Temperatures,
		BatteryHealth:         derived.Health,
		SystemStatus: systemStatus{
			DataFreshness:        derived.Freshness,
			CommunicationQuality: derived.Communication.Quality,
			SystemHealth:         derived.SystemHealth,
		},
	})
}

func (s *Server) handleFormatted(w http.ResponseWriter, r *http.Request) {
	doc := s.readDocument()
	if doc == nil {
		writeText(w, http.StatusNotFound, "No BMS data available")
		return
	}
	writeText(w, http.StatusOK, s.formatter.Document(doc))
}

func (s *Server) handleCells(w http.ResponseWriter, r *http.Request) {
	doc := s.readDocument()
	if doc == nil || !doc.DataFound {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "No BMS data available"})
		return
	}
	p := doc.Parsed()
	if p == nil || len(p.CellVoltages) == 0 {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "No cell voltage data"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":    doc.Timestamp,
		"cell_count":   len(p.CellVoltages),
		"cells":        p.CellVoltages,
		"pack_voltage": p.PackVoltage,
		"cell_range":   p.CellRange,
		"statistics":   metrics.ComputeCellStats(p.CellVoltages, s.thresholds),
	})
}

func (s *Server) handleTemps(w http.ResponseWriter, r *http.Request) {
	doc := s.readDocument()
	if doc == nil || !doc.DataFound {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "No BMS data available"})
		return
	}
	var temps []common.Temperature
	if p := doc.Parsed(); p != nil {
		temps = p.Temperatures
	}
	if temps == nil {
		temps = []common.Temperature{}
	}
	body := map[string]interface{}{
		"timestamp":    doc.Timestamp,
		"sensor_count": len(temps),
		"sensors":      temps,
	}
	if len(temps) > 0 {
		body["statistics"] = metrics.ComputeTemperatureStats(temps, s.thresholds)
	}
	writeJSON(w, http.StatusOK, body)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
