package format

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daly-bms-bridge/common"
	"daly-bms-bridge/metrics"
	"daly-bms-bridge/store"
)

func cells(n int) []common.CellVoltage {
	out := make([]common.CellVoltage, n)
	for i := range out {
		out[i] = common.CellVoltage{CellNumber: i + 1, Voltage: 3.310 + float64(i)*0.001}
	}
	return out
}

func testDocument(cellCount int) *store.Document {
	snap := common.NewSnapshot(time.UnixMilli(1_700_000_000_000))
	snap.DeviceName = "DL-41181201189F"
	snap.Address = "41:18:12:01:18:9F"
	snap.Dialect = "legacy"
	snap.PackVoltage = 53.08
	snap.SOC = 90.4
	snap.TotalCapacity = 230
	snap.RemainingCapacity = 207.92
	snap.Cycles = 1234
	snap.CellVoltages = cells(cellCount)
	snap.Temperatures = []common.Temperature{{Sensor: "T1", Temperature: 30}, {Sensor: "T2", Temperature: 32}}
	snap.MosStatus = common.MosStatus{ChargingMos: true, DischargingMos: true}
	snap.Valid = true
	snap.Diagnostics = []common.CommandDiagnostics{{
		Command:          "main_info",
		CommandSent:      "D2030000003ED7B9",
		ResponseReceived: true,
		Checksum:         "B9D7",
		ChecksumOK:       true,
	}}
	doc := store.NewDocument(snap, metrics.Compute(snap, time.UnixMilli(1_700_000_001_000), metrics.DefaultThresholds()))
	return &doc
}

func newUTC(showRaw, showAll bool) *Formatter {
	f := New(showRaw, showAll)
	f.Location = time.UTC
	return f
}

func TestTimestamp(t *testing.T) {
	f := newUTC(false, false)
	assert.Equal(t, "2023-11-14 22:13:20", f.Timestamp(1_700_000_000_000))
	assert.Equal(t, "2023-11-14 22:13:20", f.Timestamp(1_700_000_000))
}

func TestDocument(t *testing.T) {
	out := newUTC(false, false).Document(testDocument(16))

	assert.Contains(t, out, "DALY BMS READER - 2023-11-14 22:13:20")
	assert.Contains(t, out, "Device: DL-41181201189F [41:18:12:01:18:9F]")
	assert.Contains(t, out, "State of Charge: 90.4% (HIGH)")
	assert.Contains(t, out, "Current: IDLE 0.00A")
	assert.Contains(t, out, "Cell Voltages (16 cells):")
	assert.Contains(t, out, "Difference: 0.015V (15.0mV)")
	assert.Contains(t, out, "Balance: GOOD")
	assert.Contains(t, out, "C 1: 3.310V  (first)")
	assert.Contains(t, out, "C16: 3.325V  (last)")
	assert.Contains(t, out, "      ...")
	assert.Contains(t, out, "Remaining: 207.9Ah (90.4%)")
	assert.Contains(t, out, "Charge Cycles: 1,234")
	assert.Contains(t, out, "Battery Health: AGED")
	assert.Contains(t, out, "Range: 30.0°C - 32.0°C")
	assert.Contains(t, out, "Overall: OPERATIONAL")
	assert.NotContains(t, out, "Protocol Information")
	assert.True(t, strings.HasPrefix(out, strings.Repeat("=", 80)))
}

func TestDocumentWithRaw(t *testing.T) {
	out := newUTC(true, false).Document(testDocument(4))
	assert.Contains(t, out, "Protocol Information:")
	assert.Contains(t, out, "Command Sent: D2030000003ED7B9")
	assert.Contains(t, out, "Response: Received")
	assert.Contains(t, out, "Checksum: B9D7")
	assert.NotContains(t, out, "...")
}

func TestAllCells(t *testing.T) {
	out := newUTC(false, true).CellVoltages(cells(6), 19.9)
	assert.Contains(t, out, "Individual Cells:")
	assert.Contains(t, out, "  C 1: 3.310V  C 2: 3.311V  C 3: 3.312V  C 4: 3.313V")
	assert.Contains(t, out, "  C 5: 3.314V  C 6: 3.315V")
}

func TestNoData(t *testing.T) {
	f := newUTC(false, false)
	assert.Equal(t, "No valid BMS data found", f.Document(nil))
	assert.Equal(t, "No valid BMS data found", f.Document(&store.Document{DataFound: false}))
	assert.Equal(t, "No parsed BMS data available", f.Document(&store.Document{DataFound: true}))
	assert.Equal(t, "No cell voltage data", f.CellVoltages(nil, 0))
	assert.Equal(t, "Temperature: No data available", f.Temperatures(nil))
}

func TestBatteryStatusBands(t *testing.T) {
	f := newUTC(false, false)
	assert.Contains(t, f.BatteryStatus(10, -5, 50), "(CRITICAL)")
	assert.Contains(t, f.BatteryStatus(10, -5, 50), "DISCHARGING -5.00A")
	assert.Contains(t, f.BatteryStatus(10, -5, 50), "Power: 250.00W")
	assert.Contains(t, f.BatteryStatus(25, 3, 50), "(LOW)")
	assert.Contains(t, f.BatteryStatus(25, 3, 50), "CHARGING 3.00A")
	assert.Contains(t, f.BatteryStatus(60, 0, 50), "(MEDIUM)")
}

func TestMosfetsAndTemperatures(t *testing.T) {
	f := newUTC(false, false)
	assert.Contains(t, f.Mosfets(common.MosStatus{}), "PROTECTION MODE")
	assert.Contains(t, f.Mosfets(common.MosStatus{ChargingMos: true}), "PARTIAL OPERATION")
	assert.Contains(t, f.Mosfets(common.MosStatus{Balancing: true}), "Cell Balancing: ACTIVE")

	hot := f.Temperatures([]common.Temperature{{Sensor: "T1", Temperature: 55}})
	assert.Contains(t, hot, "Status: HOT - WARNING")
	assert.NotContains(t, hot, "Average")
}

func TestThousands(t *testing.T) {
	assert.Equal(t, "0", thousands(0))
	assert.Equal(t, "999", thousands(999))
	assert.Equal(t, "1,000", thousands(1000))
	assert.Equal(t, "1,234,567", thousands(1234567))
	assert.Equal(t, "-12,345", thousands(-12345))
}

func TestStream(t *testing.T) {
	payload, err := json.Marshal(testDocument(4))
	require.NoError(t, err)
	in := strings.Join([]string{
		"starting reader",
		LinePrefix + string(payload),
		LinePrefix + "{broken",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, newUTC(false, false).Stream(strings.NewReader(in), &out, true))
	s := out.String()
	assert.Contains(t, s, "starting reader\n")
	assert.Contains(t, s, "DALY BMS READER")
	assert.Contains(t, s, "JSON parsing failed")

	out.Reset()
	require.NoError(t, newUTC(false, false).Stream(strings.NewReader(in), &out, false))
	assert.NotContains(t, out.String(), "starting reader")
}
