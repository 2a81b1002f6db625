package format

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"daly-bms-bridge/common"
	"daly-bms-bridge/metrics"
	"daly-bms-bridge/store"
)

// LinePrefix marks cache documents embedded in a log stream
const LinePrefix = "BMS_DATA:"

const ruleWidth = 80

// Formatter renders cache documents for humans
type Formatter struct {
	ShowRaw      bool
	ShowAllCells bool
	Thresholds   metrics.Thresholds
	Location     *time.Location
}

// New returns a formatter with default thresholds in local time
func New(showRaw, showAllCells bool) *Formatter {
	return &Formatter{
		ShowRaw:      showRaw,
		ShowAllCells: showAllCells,
		Thresholds:   metrics.DefaultThresholds(),
		Location:     time.Local,
	}
}

// Timestamp accepts seconds or milliseconds since epoch
func (f *Formatter) Timestamp(ts int64) string {
	var t time.Time
	if ts > 1_000_000_000_000 {
		t = time.UnixMilli(ts)
	} else {
		t = time.Unix(ts, 0)
	}
	if f.Location != nil {
		t = t.In(f.Location)
	}
	return t.Format("2006-01-02 15:04:05")
}

// Document renders a whole cache document
func (f *Formatter) Document(doc *store.Document) string {
	if doc == nil || !doc.DataFound {
		return "No valid BMS data found"
	}
	p := doc.Parsed()
	if p == nil {
		return "No parsed BMS data available"
	}

	rule := strings.Repeat("=", ruleWidth)
	sections := []string{
		rule,
		fmt.Sprintf("DALY BMS READER - %s", f.Timestamp(doc.Timestamp)),
		fmt.Sprintf("Device: %s [%s]", orUnknown(doc.Device), orUnknown(doc.MacAddress)),
		rule,
		f.BatteryStatus(p.SOC, p.Current, p.PackVoltage),
		"",
		f.CellVoltages(p.CellVoltages, p.PackVoltage),
		"",
		f.Capacity(p.RemainingCapacity, p.TotalCapacity, p.Cycles),
		"",
		f.Temperatures(p.Temperatures),
		"",
		f.Mosfets(p.MosStatus),
		"",
	}
	if len(p.Failures) > 0 {
		sections = append(sections, f.Failures(p.Failures), "")
	}
	if info := f.Protocol(doc); info != "" {
		sections = append(sections, info, "")
	}
	sections = append(sections, rule)
	return strings.Join(sections, "\n")
}

// BatteryStatus renders SOC, voltage, current and power
func (f *Formatter) BatteryStatus(soc, current, voltage float64) string {
	var socLabel string
	switch {
	case soc >= f.Thresholds.SOCMedium:
		socLabel = "HIGH"
	case soc >= f.Thresholds.SOCLow:
		socLabel = "MEDIUM"
	case soc >= f.Thresholds.SOCCritical:
		socLabel = "LOW"
	default:
		socLabel = "CRITICAL"
	}

	var currentLabel string
	switch {
	case math.Abs(current) < 0.1:
		currentLabel = "IDLE"
	case current > 0:
		currentLabel = "CHARGING"
	default:
		currentLabel = "DISCHARGING"
	}

	lines := []string{
		"Battery Status:",
		fmt.Sprintf("   State of Charge: %.1f%% (%s)", soc, socLabel),
		fmt.Sprintf("   Pack Voltage: %.3fV", voltage),
		fmt.Sprintf("   Current: %s %.2fA", currentLabel, current),
		fmt.Sprintf("   Power: %.2fW", voltage*math.Abs(current)),
	}
	return strings.Join(lines, "\n")
}

// CellVoltages renders cell statistics and either a sample or every cell
func (f *Formatter) CellVoltages(cells []common.CellVoltage, packVoltage float64) string {
	if len(cells) == 0 {
		return "No cell voltage data"
	}
	st := metrics.ComputeCellStats(cells, f.Thresholds)

	lines := []string{
		fmt.Sprintf("Cell Voltages (%d cells):", len(cells)),
		fmt.Sprintf("   Pack Total: %.3fV", packVoltage),
		fmt.Sprintf("   Average: %.3fV", st.Avg),
		fmt.Sprintf("   Min: %.3fV", st.Min),
		fmt.Sprintf("   Max: %.3fV", st.Max),
		fmt.Sprintf("   Difference: %.3fV (%.1fmV)", st.Spread, st.Spread*1000),
		fmt.Sprintf("   Balance: %s", strings.ToUpper(strings.ReplaceAll(st.Balance, "_", " "))),
	}

	if f.ShowAllCells {
		lines = append(lines, "   Individual Cells:")
		for i := 0; i < len(cells); i += 4 {
			end := i + 4
			if end > len(cells) {
				end = len(cells)
			}
			var row strings.Builder
			row.WriteString("   ")
			for _, c := range cells[i:end] {
				fmt.Fprintf(&row, "  C%2d: %.3fV", c.CellNumber, c.Voltage)
			}
			lines = append(lines, row.String())
		}
		return strings.Join(lines, "\n")
	}

	lines = append(lines, "   Sample Cells:")
	if len(cells) <= 8 {
		for _, c := range cells {
			lines = append(lines, fmt.Sprintf("      C%2d: %.3fV", c.CellNumber, c.Voltage))
		}
		return strings.Join(lines, "\n")
	}
	for i, c := range cells[:4] {
		line := fmt.Sprintf("      C%2d: %.3fV", c.CellNumber, c.Voltage)
		if i == 0 {
			line += "  (first)"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "      ...")
	tail := cells[len(cells)-4:]
	for i, c := range tail {
		line := fmt.Sprintf("      C%2d: %.3fV", c.CellNumber, c.Voltage)
		if i == len(tail)-1 {
			line += "  (last)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Capacity renders remaining capacity and cycle wear
func (f *Formatter) Capacity(remaining, total float64, cycles int) string {
	pct := 0.0
	if total > 0 {
		pct = remaining / total * 100
	}
	var health string
	switch {
	case cycles < f.Thresholds.CyclesExcellent:
		health = "EXCELLENT"
	case cycles < f.Thresholds.CyclesGood:
		health = "GOOD"
	case cycles < f.Thresholds.CyclesFair:
		health = "FAIR"
	default:
		health = "AGED"
	}
	lines := []string{
		"Capacity Information:",
		fmt.Sprintf("   Remaining: %.1fAh (%.1f%%)", remaining, pct),
		fmt.Sprintf("   Total Capacity: %.1fAh", total),
		fmt.Sprintf("   Charge Cycles: %s", thousands(cycles)),
		fmt.Sprintf("   Battery Health: %s", health),
	}
	return strings.Join(lines, "\n")
}

// Temperatures renders thermal status and each sensor
func (f *Formatter) Temperatures(temps []common.Temperature) string {
	if len(temps) == 0 {
		return "Temperature: No data available"
	}
	st := metrics.ComputeTemperatureStats(temps, f.Thresholds)
	status := strings.ToUpper(st.Thermal)
	if st.Thermal == "hot" {
		status += " - WARNING"
	}

	lines := []string{
		fmt.Sprintf("Temperature (%d sensors):", len(temps)),
		fmt.Sprintf("   Status: %s", status),
	}
	if len(temps) > 1 {
		lines = append(lines,
			fmt.Sprintf("   Average: %.1f°C", st.Avg),
			fmt.Sprintf("   Range: %.1f°C - %.1f°C", st.Min, st.Max))
	}
	for _, t := range temps {
		lines = append(lines, fmt.Sprintf("   %s: %.1f°C", orUnknown(t.Sensor), t.Temperature))
	}
	return strings.Join(lines, "\n")
}

// Mosfets renders switch states
func (f *Formatter) Mosfets(m common.MosStatus) string {
	overall := "PARTIAL OPERATION"
	switch {
	case m.ChargingMos && m.DischargingMos:
		overall = "OPERATIONAL"
	case !m.ChargingMos && !m.DischargingMos:
		overall = "PROTECTION MODE"
	}
	lines := []string{
		"MOS Status:",
		fmt.Sprintf("   Charging MOS: %s", onOff(m.ChargingMos)),
		fmt.Sprintf("   Discharging MOS: %s", onOff(m.DischargingMos)),
		fmt.Sprintf("   Cell Balancing: %s", activeInactive(m.Balancing)),
		fmt.Sprintf("   Overall: %s", overall),
	}
	return strings.Join(lines, "\n")
}

// Failures lists active failure codes
func (f *Formatter) Failures(failures []string) string {
	lines := []string{fmt.Sprintf("Failures (%d):", len(failures))}
	for _, fail := range failures {
		lines = append(lines, "   - "+fail)
	}
	return strings.Join(lines, "\n")
}

// Protocol renders the primary exchange; empty unless ShowRaw is set
func (f *Formatter) Protocol(doc *store.Document) string {
	if !f.ShowRaw || doc.DalyProtocol == nil {
		return ""
	}
	proto := doc.DalyProtocol
	lines := []string{
		"Protocol Information:",
		fmt.Sprintf("   Dialect: %s", orUnknown(proto.Dialect)),
		fmt.Sprintf("   Connection Status: %s", orUnknown(proto.Status)),
	}
	if entry, ok := proto.Commands[proto.Primary]; ok {
		response := "Failed"
		if entry.ResponseReceived {
			response = "Received"
		}
		lines = append(lines,
			fmt.Sprintf("   Command Sent: %s", entry.CommandSent),
			fmt.Sprintf("   Response: %s", response),
			fmt.Sprintf("   Checksum: %s", entry.Checksum))
	}
	return strings.Join(lines, "\n")
}

// Line formats one BMS_DATA line; ok is false for other lines
func (f *Formatter) Line(line string) (string, bool) {
	if !strings.HasPrefix(line, LinePrefix) {
		return "", false
	}
	var doc store.Document
	if err := json.Unmarshal([]byte(line[len(LinePrefix):]), &doc); err != nil {
		return fmt.Sprintf("JSON parsing failed: %v", err), true
	}
	return f.Document(&doc), true
}

// Stream formats every BMS_DATA line of r into w. Other lines are copied
// through when passthrough is set.
func (f *Formatter) Stream(r io.Reader, w io.Writer, passthrough bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if out, ok := f.Line(line); ok {
			if _, err := fmt.Fprintf(w, "%s\n\n", out); err != nil {
				return err
			}
			continue
		}
		if passthrough {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func activeInactive(b bool) string {
	if b {
		return "ACTIVE"
	}
	return "INACTIVE"
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// thousands groups digits with commas
func thousands(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
