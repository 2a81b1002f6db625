package protocol

import (
	"fmt"
	"strings"
)

// Dialect selects one of the two byte layouts spoken by Daly BMS boards
type Dialect int

const (
	// DialectLegacy is the single "dump-all" register read answered by one 129-byte frame
	DialectLegacy Dialect = iota
	// DialectCommand is the 0xA5 command-addressed protocol, one 13-byte frame per data category
	DialectCommand
)

// String returns the configuration name of the dialect
func (d Dialect) String() string {
	switch d {
	case DialectLegacy:
		return "legacy"
	case DialectCommand:
		return "command"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// ParseDialect converts a configuration value into a Dialect
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy", "dump", "":
		return DialectLegacy, nil
	case "command", "a5":
		return DialectCommand, nil
	}
	return DialectLegacy, fmt.Errorf("unknown protocol dialect %q", s)
}

// CommandID identifies a request understood by the BMS
type CommandID byte

// Command-addressed dialect requests
const (
	CmdPackMeasurements CommandID = 0x90 // total voltage, current, SOC
	CmdCellVoltageRange CommandID = 0x91 // highest/lowest cell voltage
	CmdTemperatureRange CommandID = 0x92 // highest/lowest temperature
	CmdMosfetStatus     CommandID = 0x93 // charge/discharge MOSFETs, cycles, remaining capacity
	CmdStatusInfo       CommandID = 0x94 // number of cells and sensors
	CmdCellVoltages     CommandID = 0x95 // per-cell voltages, 3 per frame
	CmdTemperatures     CommandID = 0x96 // per-sensor temperatures, 7 per frame
	CmdBalanceState     CommandID = 0x97 // balancing bitmap
	CmdFailureCodes     CommandID = 0x98 // failure bitmap
)

// CmdReadAll is the legacy dialect register dump (Modbus function 0x03)
const CmdReadAll CommandID = 0x03

// commandNames holds the names used in diagnostics and the cache document
var commandNames = map[CommandID]string{
	CmdPackMeasurements: "pack_measurements",
	CmdCellVoltageRange: "cell_voltage_range",
	CmdTemperatureRange: "temperature_range",
	CmdMosfetStatus:     "mosfet_status",
	CmdStatusInfo:       "status_info",
	CmdCellVoltages:     "cell_voltages",
	CmdTemperatures:     "temperatures",
	CmdBalanceState:     "balance_state",
	CmdFailureCodes:     "failure_codes",
	CmdReadAll:          "main_info",
}

// String returns the diagnostic name of the command
func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%02X", byte(c))
}
