package protocol

import (
	"fmt"
	"math"

	"daly-bms-bridge/common"
)

// Plausible temperature window; readings outside it are treated as absent sensors
const (
	TemperatureBias = 40
	MinPlausibleC   = 0
	MaxPlausibleC   = 80
)

// MaxCells is the highest cell number a Daly pack reports
const MaxCells = 16

// fieldSpec describes where a value lives in a payload and how to scale it:
// value = (raw - bias) * scale, rounded to digits
type fieldSpec struct {
	name   string
	offset int
	width  int
	scale  float64
	bias   float64
	digits int
}

// raw extracts the big-endian unsigned value, false when the payload is too short
func (f fieldSpec) raw(payload []byte) (uint64, bool) {
	if f.offset < 0 || f.offset+f.width > len(payload) {
		return 0, false
	}
	return be(payload[f.offset : f.offset+f.width]), true
}

// value applies bias and scale to the raw field
func (f fieldSpec) value(payload []byte) (float64, bool) {
	r, ok := f.raw(payload)
	if !ok {
		return 0, false
	}
	return round((float64(r)-f.bias)*f.scale, f.digits), true
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// DecodeWarning reports a field whose raw value was implausible; the field is omitted
type DecodeWarning struct {
	Command CommandID
	Field   string
	Raw     uint64
	Reason  string
}

func (w *DecodeWarning) Error() string {
	return fmt.Sprintf("%s.%s: raw=%d: %s", w.Command, w.Field, w.Raw, w.Reason)
}

// decodeTemperature converts a raw byte to °C, false outside the plausible range
func decodeTemperature(raw byte) (float64, bool) {
	c := float64(int(raw) - TemperatureBias)
	return c, c >= MinPlausibleC && c <= MaxPlausibleC
}

// MosfetFlags is the MOSFET status bitfield: bit 0 charging, bit 1 discharging, bit 2 balancing
type MosfetFlags byte

const (
	MosCharging MosfetFlags = 1 << iota
	MosDischarging
	MosBalancing
)

// Status converts the bitfield to the published structure
func (f MosfetFlags) Status() common.MosStatus {
	return common.MosStatus{
		ChargingMos:    f&MosCharging != 0,
		DischargingMos: f&MosDischarging != 0,
		Balancing:      f&MosBalancing != 0,
	}
}

// flagsOf converts the published structure back to the bitfield
func flagsOf(s common.MosStatus) MosfetFlags {
	var f MosfetFlags
	if s.ChargingMos {
		f |= MosCharging
	}
	if s.DischargingMos {
		f |= MosDischarging
	}
	if s.Balancing {
		f |= MosBalancing
	}
	return f
}
