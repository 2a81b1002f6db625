package metrics

import (
	"math"
	"time"

	"daly-bms-bridge/common"
)

// Unknown is reported by every classification that has no input to work on
const Unknown = "unknown"

// Thresholds drive every classification below
type Thresholds struct {
	BalanceExcellent float64 `mapstructure:"balance_excellent"` // spread in volts
	BalanceGood      float64 `mapstructure:"balance_good"`

	TempHot  float64 `mapstructure:"temp_hot"` // °C
	TempWarm float64 `mapstructure:"temp_warm"`
	TempCold float64 `mapstructure:"temp_cold"`

	SOCCritical float64 `mapstructure:"soc_critical"` // percent
	SOCLow      float64 `mapstructure:"soc_low"`
	SOCMedium   float64 `mapstructure:"soc_medium"`

	CyclesExcellent int `mapstructure:"cycles_excellent"`
	CyclesGood      int `mapstructure:"cycles_good"`
	CyclesFair      int `mapstructure:"cycles_fair"`

	Fresh  time.Duration `mapstructure:"fresh"`
	Recent time.Duration `mapstructure:"recent"`
	Stale  time.Duration `mapstructure:"stale"`
	// MaxAge decides is_fresh, independently of the bands
	MaxAge time.Duration `mapstructure:"max_age"`
}

// DefaultThresholds returns the values the read API has always used
func DefaultThresholds() Thresholds {
	return Thresholds{
		BalanceExcellent: 0.01,
		BalanceGood:      0.02,
		TempHot:          50,
		TempWarm:         40,
		TempCold:         5,
		SOCCritical:      20,
		SOCLow:           50,
		SOCMedium:        80,
		CyclesExcellent:  100,
		CyclesGood:       500,
		CyclesFair:       1000,
		Fresh:            10 * time.Second,
		Recent:           30 * time.Second,
		Stale:            60 * time.Second,
		MaxAge:           30 * time.Second,
	}
}

// CellStats summarises the cell voltages
type CellStats struct {
	Count   int     `json:"cell_count"`
	Min     float64 `json:"min_voltage"`
	Max     float64 `json:"max_voltage"`
	Avg     float64 `json:"avg_voltage"`
	Spread  float64 `json:"voltage_diff"`
	MinCell int     `json:"min_cell,omitempty"`
	MaxCell int     `json:"max_cell,omitempty"`
	Balance string  `json:"balance_status"`
}

// TemperatureStats summarises the sensor readings
type TemperatureStats struct {
	Count   int     `json:"sensor_count"`
	Min     float64 `json:"min_temperature"`
	Max     float64 `json:"max_temperature"`
	Avg     float64 `json:"avg_temperature"`
	Diff    float64 `json:"temp_diff"`
	Thermal string  `json:"thermal_status"`
}

// Health is the coarse battery assessment
type Health struct {
	SOCLevel      string `json:"soc_level"`
	CycleHealth   string `json:"cycle_health"`
	OverallStatus string `json:"overall_status"`
}

// Freshness describes the age of a snapshot at evaluation time
type Freshness struct {
	AgeSeconds  float64 `json:"age_seconds"`
	AgeMs       int64   `json:"age_ms"`
	Freshness   string  `json:"freshness"`
	IsFresh     bool    `json:"is_fresh"`
	CurrentTime int64   `json:"current_time"`
}

// Communication rates how many commands of the cycle were answered
type Communication struct {
	CommandsSent      int    `json:"commands_sent"`
	ResponsesReceived int    `json:"responses_received"`
	Quality           string `json:"communication_quality"`
}

// Derived bundles everything computed from one snapshot
type Derived struct {
	Cells         CellStats        `json:"cell_statistics"`
	Temperatures  TemperatureStats `json:"temperature_statistics"`
	Health        Health           `json:"battery_health"`
	Freshness     Freshness        `json:"data_freshness"`
	Communication Communication    `json:"communication"`
	PowerW        float64          `json:"power"`
	SystemHealth  string           `json:"system_health"`
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// ComputeCellStats returns Count=0 and an unknown balance for no cells
func ComputeCellStats(cells []common.CellVoltage, th Thresholds) CellStats {
	if len(cells) == 0 {
		return CellStats{Balance: Unknown}
	}
	s := CellStats{
		Count:   len(cells),
		Min:     cells[0].Voltage,
		Max:     cells[0].Voltage,
		MinCell: cells[0].CellNumber,
		MaxCell: cells[0].CellNumber,
	}
	var sum float64
	for _, c := range cells {
		sum += c.Voltage
		if c.Voltage < s.Min {
			s.Min, s.MinCell = c.Voltage, c.CellNumber
		}
		if c.Voltage > s.Max {
			s.Max, s.MaxCell = c.Voltage, c.CellNumber
		}
	}
	s.Avg = round(sum/float64(len(cells)), 4)
	s.Spread = round(s.Max-s.Min, 4)

	switch {
	case s.Spread < th.BalanceExcellent:
		s.Balance = "excellent"
	case s.Spread < th.BalanceGood:
		s.Balance = "good"
	default:
		s.Balance = "needs_attention"
	}
	return s
}

// ComputeTemperatureStats returns Count=0 and an unknown thermal status for no sensors
func ComputeTemperatureStats(temps []common.Temperature, th Thresholds) TemperatureStats {
	if len(temps) == 0 {
		return TemperatureStats{Thermal: Unknown}
	}
	s := TemperatureStats{Count: len(temps), Min: temps[0].Temperature, Max: temps[0].Temperature}
	var sum float64
	for _, t := range temps {
		sum += t.Temperature
		s.Min = math.Min(s.Min, t.Temperature)
		s.Max = math.Max(s.Max, t.Temperature)
	}
	s.Avg = round(sum/float64(len(temps)), 2)
	s.Diff = round(s.Max-s.Min, 2)

	switch {
	case s.Max >= th.TempHot:
		s.Thermal = "hot"
	case s.Max >= th.TempWarm:
		s.Thermal = "warm"
	case s.Min > th.TempCold:
		s.Thermal = "normal"
	default:
		s.Thermal = "cold"
	}
	return s
}

// ComputeHealth bands SOC and cycle count; both MOSFETs on means operational
func ComputeHealth(snap common.TelemetrySnapshot, th Thresholds) Health {
	h := Health{SOCLevel: Unknown, CycleHealth: Unknown, OverallStatus: Unknown}
	if !snap.Valid {
		return h
	}

	switch soc := snap.SOC; {
	case soc < th.SOCCritical:
		h.SOCLevel = "critical"
	case soc < th.SOCLow:
		h.SOCLevel = "low"
	case soc < th.SOCMedium:
		h.SOCLevel = "medium"
	default:
		h.SOCLevel = "high"
	}

	switch c := snap.Cycles; {
	case c < th.CyclesExcellent:
		h.CycleHealth = "excellent"
	case c < th.CyclesGood:
		h.CycleHealth = "good"
	case c < th.CyclesFair:
		h.CycleHealth = "fair"
	default:
		h.CycleHealth = "aged"
	}

	m := snap.MosStatus
	switch {
	case m.ChargingMos && m.DischargingMos:
		h.OverallStatus = "operational"
	case m.ChargingMos || m.DischargingMos:
		h.OverallStatus = "partial_protection"
	default:
		h.OverallStatus = "protection_mode"
	}
	return h
}

// ComputeFreshness bands the age of timestampMs relative to now. A zero
// timestamp is reported as unknown and never fresh.
func ComputeFreshness(timestampMs int64, now time.Time, th Thresholds) Freshness {
	nowMs := now.UnixMilli()
	f := Freshness{CurrentTime: nowMs, Freshness: Unknown}
	if timestampMs <= 0 {
		return f
	}
	age := time.Duration(nowMs-timestampMs) * time.Millisecond
	f.AgeMs = nowMs - timestampMs
	f.AgeSeconds = round(age.Seconds(), 1)
	f.IsFresh = age < th.MaxAge

	switch {
	case age < th.Fresh:
		f.Freshness = "fresh"
	case age < th.Recent:
		f.Freshness = "recent"
	case age < th.Stale:
		f.Freshness = "stale"
	default:
		f.Freshness = "old"
	}
	return f
}

// ComputeCommunication rates the share of answered commands
func ComputeCommunication(snap common.TelemetrySnapshot) Communication {
	c := Communication{CommandsSent: len(snap.Diagnostics), ResponsesReceived: snap.ResponsesReceived(), Quality: Unknown}
	if c.CommandsSent == 0 {
		return c
	}
	switch ratio := float64(c.ResponsesReceived) / float64(c.CommandsSent); {
	case ratio == 1:
		c.Quality = "excellent"
	case ratio >= 0.5:
		c.Quality = "good"
	case ratio > 0:
		c.Quality = "poor"
	default:
		c.Quality = "none"
	}
	return c
}

// Power returns pack power in watts, signed like the current
func Power(snap common.TelemetrySnapshot) float64 {
	return round(snap.PackVoltage*snap.Current, 2)
}

// Compute derives all metrics of a snapshot
func Compute(snap common.TelemetrySnapshot, now time.Time, th Thresholds) Derived {
	d := Derived{
		Cells:         ComputeCellStats(snap.CellVoltages, th),
		Temperatures:  ComputeTemperatureStats(snap.Temperatures, th),
		Health:        ComputeHealth(snap, th),
		Freshness:     ComputeFreshness(snap.Timestamp, now, th),
		Communication: ComputeCommunication(snap),
		PowerW:        Power(snap),
		SystemHealth:  "degraded",
	}
	if d.Freshness.IsFresh && snap.Valid && d.Communication.ResponsesReceived > 0 {
		d.SystemHealth = "healthy"
	}
	return d
}
