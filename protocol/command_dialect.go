package protocol

import (
	"bytes"
	"fmt"
	"sort"

	"daly-bms-bridge/common"
)

// Command-addressed frame layout: A5 <addr> <cmd> 08 <8 data bytes> <sum>
const (
	commandMarker      = 0xA5
	commandHostAddress = 0x40
	commandDataLength  = 0x08
	commandFrameLen    = 13
	commandPayloadOff  = 4

	currentBias     = 30000
	cellsPerFrame   = 3
	sensorsPerFrame = 7
	maxCellFrames   = (MaxCells + cellsPerFrame - 1) / cellsPerFrame
)

// Field tables, offsets are relative to the 8-byte payload
var (
	fieldPackVoltage = fieldSpec{name: "pack_voltage", offset: 0, width: 2, scale: 0.1, digits: 1}
	fieldCurrent     = fieldSpec{name: "current", offset: 4, width: 2, scale: 0.1, bias: currentBias, digits: 1}
	fieldSOC         = fieldSpec{name: "soc", offset: 6, width: 2, scale: 0.1, digits: 1}

	fieldMaxCellVoltage = fieldSpec{name: "max_cell_voltage", offset: 0, width: 2, scale: 0.001, digits: 3}
	fieldMaxCellNumber  = fieldSpec{name: "max_cell", offset: 2, width: 1, scale: 1}
	fieldMinCellVoltage = fieldSpec{name: "min_cell_voltage", offset: 3, width: 2, scale: 0.001, digits: 3}
	fieldMinCellNumber  = fieldSpec{name: "min_cell", offset: 5, width: 1, scale: 1}

	fieldChargeState       = fieldSpec{name: "charge_state", offset: 0, width: 1, scale: 1}
	fieldChargeMos         = fieldSpec{name: "charging_mos", offset: 1, width: 1, scale: 1}
	fieldDischargeMos      = fieldSpec{name: "discharging_mos", offset: 2, width: 1, scale: 1}
	fieldRemainingCapacity = fieldSpec{name: "remaining_capacity", offset: 4, width: 4, scale: 0.001, digits: 3}

	fieldCellCount   = fieldSpec{name: "cell_count", offset: 0, width: 1, scale: 1}
	fieldSensorCount = fieldSpec{name: "sensor_count", offset: 1, width: 1, scale: 1}
	fieldCycles      = fieldSpec{name: "cycles", offset: 5, width: 2, scale: 1}
)

// commandSequence is the fixed order of one poll cycle; status info precedes
// the multi-frame commands because it sizes them
var commandSequence = []CommandID{
	CmdPackMeasurements,
	CmdCellVoltageRange,
	CmdTemperatureRange,
	CmdMosfetStatus,
	CmdStatusInfo,
	CmdCellVoltages,
	CmdTemperatures,
	CmdBalanceState,
	CmdFailureCodes,
}

type commandDecoder func(c *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error

// commandDecoders maps every command of the sequence to its payload decoder
var commandDecoders = map[CommandID]commandDecoder{
	CmdPackMeasurements: decodePackMeasurements,
	CmdCellVoltageRange: decodeCellVoltageRange,
	CmdTemperatureRange: decodeTemperatureRange,
	CmdMosfetStatus:     decodeMosfetStatus,
	CmdStatusInfo:       decodeStatusInfo,
	CmdCellVoltages:     decodeCellVoltages,
	CmdTemperatures:     decodeTemperatures,
	CmdBalanceState:     decodeBalanceState,
	CmdFailureCodes:     decodeFailureCodes,
}

type commandCodec struct {
	opts DecodeOptions
}

func (c *commandCodec) Dialect() Dialect { return DialectCommand }

func (c *commandCodec) MinLength() int { return commandFrameLen }

func (c *commandCodec) Primary() CommandID { return CmdPackMeasurements }

func (c *commandCodec) Sequence() []CommandID {
	return append([]CommandID(nil), commandSequence...)
}

// BuildCommand lays out A5 40 <id> 08, eight zero bytes and the 8-bit sum
func (c *commandCodec) BuildCommand(id CommandID) (CommandFrame, error) {
	if _, ok := commandDecoders[id]; !ok {
		return CommandFrame{}, fmt.Errorf("%w: 0x%02X in %s dialect", ErrUnknownCommand, byte(id), c.Dialect())
	}
	raw := make([]byte, commandFrameLen)
	raw[0] = commandMarker
	raw[1] = commandHostAddress
	raw[2] = byte(id)
	raw[3] = commandDataLength
	raw[commandFrameLen-1] = Checksum8(raw[:commandFrameLen-1])
	return CommandFrame{id: id, raw: raw}, nil
}

func (c *commandCodec) Validate(raw []byte, expected CommandID) (ValidatedFrame, error) {
	if len(raw) < commandFrameLen {
		return ValidatedFrame{}, &FrameError{Kind: ErrTooShort, Command: expected, Length: len(raw),
			Detail: fmt.Sprintf("need %d bytes", commandFrameLen)}
	}
	if raw[0] != commandMarker {
		return ValidatedFrame{}, &FrameError{Kind: ErrBadMarker, Command: expected, Length: len(raw),
			Detail: fmt.Sprintf("start byte 0x%02X, want 0x%02X", raw[0], commandMarker)}
	}
	if raw[2] != byte(expected) {
		return ValidatedFrame{}, &FrameError{Kind: ErrBadMarker, Command: expected, Length: len(raw),
			Detail: fmt.Sprintf("command echo 0x%02X, want 0x%02X", raw[2], byte(expected))}
	}

	frame := append([]byte(nil), raw[:commandFrameLen]...)
	received := frame[commandFrameLen-1]
	computed := Checksum8(frame[:commandFrameLen-1])
	if received != computed {
		l := logger()
		l.Warn().
			Str("command", expected.String()).
			Str("frame", fmt.Sprintf("%x", frame)).
			Msgf("checksum mismatch: received 0x%02X, computed 0x%02X (accepted)", received, computed)
	}

	return ValidatedFrame{
		Command:    expected,
		Payload:    frame[commandPayloadOff : commandFrameLen-1],
		Raw:        frame,
		Checksum:   uint16(received),
		ChecksumOK: received == computed,
	}, nil
}

// Split resynchronises on the 0xA5 marker; bytes before a marker are
// returned as their own candidate so validation reports them
func (c *commandCodec) Split(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for len(buf) > 0 {
		if buf[0] != commandMarker {
			next := bytes.IndexByte(buf, commandMarker)
			if next < 0 {
				return append(frames, buf), nil
			}
			frames = append(frames, buf[:next])
			buf = buf[next:]
			continue
		}
		if len(buf) < commandFrameLen {
			break
		}
		frames = append(frames, buf[:commandFrameLen])
		buf = buf[commandFrameLen:]
	}
	return frames, buf
}

func (c *commandCodec) ExpectedFrames(id CommandID, snap *common.TelemetrySnapshot) int {
	switch id {
	case CmdCellVoltages:
		if snap != nil && snap.CellCount > 0 {
			return min((snap.CellCount+cellsPerFrame-1)/cellsPerFrame, maxCellFrames)
		}
		return maxCellFrames
	case CmdTemperatures:
		if snap != nil && snap.SensorCount > 0 {
			return (snap.SensorCount + sensorsPerFrame - 1) / sensorsPerFrame
		}
		return 1
	default:
		return 1
	}
}

func (c *commandCodec) Apply(snap *common.TelemetrySnapshot, id CommandID, frames []ValidatedFrame) []error {
	decoder, ok := commandDecoders[id]
	if !ok {
		return []error{fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, byte(id))}
	}
	if len(frames) == 0 {
		if id == CmdTemperatures {
			// may still be filled from the 0x92 extremes
			return decoder(c, snap, nil)
		}
		return nil
	}
	return decoder(c, snap, frames)
}

// decodePackMeasurements handles 0x90: total voltage, current and SOC
func decodePackMeasurements(c *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	p := frames[0].Payload
	var warnings []error

	snap.PackVoltage, _ = fieldPackVoltage.value(p)

	current, _ := fieldCurrent.value(p)
	if c.opts.InvertCurrent && current != 0 {
		current = -current
	}
	snap.Current = current

	soc, _ := fieldSOC.value(p)
	if soc > 100 {
		raw, _ := fieldSOC.raw(p)
		warnings = append(warnings, &DecodeWarning{Command: CmdPackMeasurements, Field: fieldSOC.name, Raw: raw, Reason: "above 100%, clamped"})
		soc = 100
	}
	snap.SOC = soc
	snap.TotalCapacity = c.opts.NominalCapacityAh
	return warnings
}

// decodeCellVoltageRange handles 0x91
func decodeCellVoltageRange(_ *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	p := frames[0].Payload
	maxV, _ := fieldMaxCellVoltage.value(p)
	maxN, _ := fieldMaxCellNumber.raw(p)
	minV, _ := fieldMinCellVoltage.value(p)
	minN, _ := fieldMinCellNumber.raw(p)
	snap.CellRange = &common.Range{
		Max: common.ExtremeReading{Value: maxV, Source: int(maxN)},
		Min: common.ExtremeReading{Value: minV, Source: int(minN)},
	}
	return nil
}

// decodeTemperatureRange handles 0x92; implausible extremes are dropped
func decodeTemperatureRange(_ *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	p := frames[0].Payload
	maxC, maxOK := decodeTemperature(p[0])
	minC, minOK := decodeTemperature(p[2])
	if !maxOK || !minOK {
		return []error{&DecodeWarning{Command: CmdTemperatureRange, Field: "temperature_range",
			Raw: be(p[0:4]), Reason: "outside plausible range"}}
	}
	snap.TemperatureRange = &common.Range{
		Max: common.ExtremeReading{Value: maxC, Source: int(p[1])},
		Min: common.ExtremeReading{Value: minC, Source: int(p[3])},
	}
	return nil
}

var chargeStates = map[uint64]string{0: "stationary", 1: "charging", 2: "discharging"}

// decodeMosfetStatus handles 0x93; the two switch bytes are folded into the bitfield.
// Byte 3 is the BMS life counter, not the cycle count.
func decodeMosfetStatus(_ *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	p := frames[0].Payload
	var warnings []error

	state, _ := fieldChargeState.raw(p)
	if name, ok := chargeStates[state]; ok {
		snap.ChargeState = name
	} else {
		warnings = append(warnings, &DecodeWarning{Command: CmdMosfetStatus, Field: fieldChargeState.name, Raw: state, Reason: "unknown state"})
	}

	flags := flagsOf(snap.MosStatus) &^ (MosCharging | MosDischarging)
	if v, _ := fieldChargeMos.raw(p); v != 0 {
		flags |= MosCharging
	}
	if v, _ := fieldDischargeMos.raw(p); v != 0 {
		flags |= MosDischarging
	}
	snap.MosStatus = flags.Status()
	snap.RemainingCapacity, _ = fieldRemainingCapacity.value(p)
	return warnings
}

// decodeStatusInfo handles 0x94; the counts size the multi-frame commands
func decodeStatusInfo(_ *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	p := frames[0].Payload
	cells, _ := fieldCellCount.raw(p)
	sensors, _ := fieldSensorCount.raw(p)
	cycles, _ := fieldCycles.raw(p)
	snap.Cycles = int(cycles)
	if cells > MaxCells {
		snap.CellCount = 0
		return []error{&DecodeWarning{Command: CmdStatusInfo, Field: fieldCellCount.name, Raw: cells, Reason: "more cells than supported"}}
	}
	snap.CellCount = int(cells)
	snap.SensorCount = int(sensors)
	return nil
}

// decodeCellVoltages handles the 0x95 frames
func decodeCellVoltages(_ *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	var warnings []error
	byNumber := make(map[int]float64)
	for _, f := range frames {
		cells, err := DecodeCellFrame(f.Payload, snap.CellCount)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		for _, cell := range cells {
			byNumber[cell.CellNumber] = cell.Voltage
		}
	}
	snap.CellVoltages = sortedCells(byNumber)
	return warnings
}

// DecodeCellFrame decodes one 0x95 payload. The wire frame index is 1-based;
// frame k (0-based) carries cells 3k+1..3k+3. Cells above cellCount (when
// known) or above MaxCells are dropped; with an unknown count, zero readings
// are treated as unused slots.
func DecodeCellFrame(payload []byte, cellCount int) ([]common.CellVoltage, error) {
	if len(payload) < 1+2*cellsPerFrame {
		return nil, &DecodeWarning{Command: CmdCellVoltages, Field: "frame", Raw: uint64(len(payload)), Reason: "payload too short"}
	}
	index := int(payload[0])
	if index < 1 || index > maxCellFrames {
		return nil, &DecodeWarning{Command: CmdCellVoltages, Field: "frame_index", Raw: uint64(index), Reason: "out of range"}
	}
	k := index - 1
	limit := MaxCells
	if cellCount > 0 && cellCount < limit {
		limit = cellCount
	}

	var cells []common.CellVoltage
	for j := 0; j < cellsPerFrame; j++ {
		number := cellsPerFrame*k + j + 1
		if number > limit {
			break
		}
		raw := be(payload[1+2*j : 3+2*j])
		if raw == 0 && cellCount == 0 {
			continue
		}
		cells = append(cells, common.CellVoltage{CellNumber: number, Voltage: round(float64(raw)/1000, 3)})
	}
	return cells, nil
}

// decodeTemperatures handles the 0x96 frames: frame index then seven readings
func decodeTemperatures(_ *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	var warnings []error
	readings := make(map[int]float64)
	for _, f := range frames {
		p := f.Payload
		index := int(p[0])
		if index < 1 {
			warnings = append(warnings, &DecodeWarning{Command: CmdTemperatures, Field: "frame_index", Raw: uint64(index), Reason: "out of range"})
			continue
		}
		for j := 0; j < sensorsPerFrame && 1+j < len(p); j++ {
			sensor := sensorsPerFrame*(index-1) + j + 1
			if snap.SensorCount > 0 && sensor > snap.SensorCount {
				break
			}
			c, ok := decodeTemperature(p[1+j])
			if !ok {
				if snap.SensorCount > 0 {
					warnings = append(warnings, &DecodeWarning{Command: CmdTemperatures, Field: fmt.Sprintf("T%d", sensor), Raw: uint64(p[1+j]), Reason: "outside plausible range"})
				}
				continue
			}
			readings[sensor] = c
		}
	}

	if len(readings) == 0 && len(snap.Temperatures) == 0 && snap.TemperatureRange != nil {
		// fall back on the extremes reported by 0x92
		readings[snap.TemperatureRange.Max.Source] = snap.TemperatureRange.Max.Value
		readings[snap.TemperatureRange.Min.Source] = snap.TemperatureRange.Min.Value
	}

	sensors := make([]int, 0, len(readings))
	for s := range readings {
		sensors = append(sensors, s)
	}
	sort.Ints(sensors)
	snap.Temperatures = snap.Temperatures[:0]
	for _, s := range sensors {
		snap.Temperatures = append(snap.Temperatures, common.Temperature{Sensor: fmt.Sprintf("T%d", s), Temperature: readings[s]})
	}
	return warnings
}

// decodeBalanceState handles 0x97: any set bit means a cell is balancing
func decodeBalanceState(_ *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	flags := flagsOf(snap.MosStatus) &^ MosBalancing
	for _, b := range frames[0].Payload[:6] {
		if b != 0 {
			flags |= MosBalancing
			break
		}
	}
	snap.MosStatus = flags.Status()
	return nil
}

// decodeFailureCodes handles 0x98
func decodeFailureCodes(_ *commandCodec, snap *common.TelemetrySnapshot, frames []ValidatedFrame) []error {
	snap.Failures = DecodeFailures(frames[0].Payload)
	return nil
}

func sortedCells(byNumber map[int]float64) []common.CellVoltage {
	numbers := make([]int, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	cells := make([]common.CellVoltage, 0, len(numbers))
	for _, n := range numbers {
		cells = append(cells, common.CellVoltage{CellNumber: n, Voltage: byNumber[n]})
	}
	return cells
}
