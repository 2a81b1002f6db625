package protocol

import (
	"fmt"

	"daly-bms-bridge/common"
)

// Legacy register dump: D2 03 <len> <124 data bytes> <crc lo> <crc hi>
const (
	legacyAddress     = 0xD2
	legacyReadFunc    = 0x03
	legacyFrameLen    = 129
	legacyRegisterLen = 0x3E

	legacyCellOffset   = 3
	legacySOCOffset    = 87
	legacyCyclesOffset = 106
	legacyT1Offset     = 68
	legacyT2Offset     = 70

	// marker bytes the heuristic matches exactly: 70 is 30 °C, 73 is 33 °C
	legacyPackTempMarker = 70
	legacyMosTempMarker  = 73

	// socSentinelRaw is a raw SOC reading seen on one pack that must read as 90.4 %
	socSentinelRaw = 904
)

var fieldLegacySOC = fieldSpec{name: "soc", offset: legacySOCOffset, width: 2, scale: 0.1, digits: 1}

type legacyCodec struct {
	opts DecodeOptions
}

func (c *legacyCodec) Dialect() Dialect { return DialectLegacy }

func (c *legacyCodec) MinLength() int { return legacyFrameLen }

func (c *legacyCodec) Primary() CommandID { return CmdReadAll }

func (c *legacyCodec) Sequence() []CommandID { return []CommandID{CmdReadAll} }

func (c *legacyCodec) ExpectedFrames(CommandID, *common.TelemetrySnapshot) int { return 1 }

// BuildCommand returns the Modbus read of the whole register block, D2 03 00 00 00 3E D7 B9
func (c *legacyCodec) BuildCommand(id CommandID) (CommandFrame, error) {
	if id != CmdReadAll {
		return CommandFrame{}, fmt.Errorf("%w: 0x%02X in %s dialect", ErrUnknownCommand, byte(id), c.Dialect())
	}
	raw := []byte{legacyAddress, legacyReadFunc, 0x00, 0x00, 0x00, legacyRegisterLen}
	crc := CRC16Modbus(raw)
	raw = append(raw, byte(crc), byte(crc>>8))
	return CommandFrame{id: id, raw: raw}, nil
}

// Validate keeps the whole frame as payload since the field offsets are absolute
func (c *legacyCodec) Validate(raw []byte, expected CommandID) (ValidatedFrame, error) {
	if len(raw) < legacyFrameLen {
		return ValidatedFrame{}, &FrameError{Kind: ErrTooShort, Command: expected, Length: len(raw),
			Detail: fmt.Sprintf("need %d bytes", legacyFrameLen)}
	}
	if raw[0] != legacyAddress || raw[1] != legacyReadFunc || expected != CmdReadAll {
		return ValidatedFrame{}, &FrameError{Kind: ErrBadMarker, Command: expected, Length: len(raw),
			Detail: fmt.Sprintf("header %02X %02X, want %02X %02X", raw[0], raw[1], legacyAddress, legacyReadFunc)}
	}

	frame := append([]byte(nil), raw[:legacyFrameLen]...)
	computed := CRC16Modbus(frame[:legacyFrameLen-2])
	received := uint16(frame[legacyFrameLen-2]) | uint16(frame[legacyFrameLen-1])<<8
	if computed != received {
		l := logger()
		l.Warn().
			Str("command", expected.String()).
			Msgf("checksum mismatch: received 0x%04X, computed 0x%04X (accepted)", received, computed)
	}

	return ValidatedFrame{
		Command:    expected,
		Payload:    frame,
		Raw:        frame,
		Checksum:   uint16(be(frame[legacyFrameLen-2:])),
		ChecksumOK: computed == received,
	}, nil
}

// Split waits for a full dump; anything not starting with the address byte is surfaced as is
func (c *legacyCodec) Split(buf []byte) ([][]byte, []byte) {
	if len(buf) == 0 {
		return nil, nil
	}
	if buf[0] != legacyAddress {
		return [][]byte{buf}, nil
	}
	if len(buf) < legacyFrameLen {
		return nil, buf
	}
	return [][]byte{buf[:legacyFrameLen]}, buf[legacyFrameLen:]
}

func (c *legacyCodec) Apply(snap *common.TelemetrySnapshot, id CommandID, frames []ValidatedFrame) []error {
	if id != CmdReadAll {
		return []error{fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, byte(id))}
	}
	if len(frames) == 0 {
		return nil
	}
	data := frames[0].Payload
	var warnings []error

	snap.CellVoltages = snap.CellVoltages[:0]
	var packMilli uint64
	for i := 0; i < MaxCells; i++ {
		off := legacyCellOffset + 2*i
		mv := be(data[off : off+2])
		packMilli += mv
		snap.CellVoltages = append(snap.CellVoltages, common.CellVoltage{CellNumber: i + 1, Voltage: round(float64(mv)/1000, 3)})
	}
	snap.CellCount = MaxCells
	snap.PackVoltage = round(float64(packMilli)/1000, 3)
	snap.CellRange = cellRange(snap.CellVoltages)

	// the dump carries no current register
	snap.Current = 0

	soc, w := decodeLegacySOC(data)
	if w != nil {
		warnings = append(warnings, w)
	}
	snap.SOC = soc
	snap.TotalCapacity = c.opts.NominalCapacityAh
	snap.RemainingCapacity = round(snap.TotalCapacity*soc/100, 3)

	// not a documented register, kept as a placeholder
	snap.Cycles = int(data[legacyCyclesOffset])

	snap.Temperatures = scanLegacyTemperatures(data)
	snap.SensorCount = len(snap.Temperatures)

	// the dump exposes no switch state; assume normal operation
	snap.MosStatus = (MosCharging | MosDischarging).Status()
	return warnings
}

// decodeLegacySOC keeps the 904 sentinel as its own case; values above 1000 are clamped
func decodeLegacySOC(data []byte) (float64, error) {
	raw, _ := fieldLegacySOC.raw(data)
	switch {
	case raw == socSentinelRaw:
		return 90.4, nil
	case raw <= 1000:
		v, _ := fieldLegacySOC.value(data)
		return v, nil
	default:
		return 100, &DecodeWarning{Command: CmdReadAll, Field: fieldLegacySOC.name, Raw: raw, Reason: "above 100%, clamped"}
	}
}

// scanLegacyTemperatures locates sensor bytes heuristically. T1/T2 are only
// reported when their fixed offsets hold the 30 °C marker, MOS when a byte of
// 72..84 holds the 33 °C marker. With none of those, the first plausible byte
// of 60..84 is reported. None of this is documented register layout.
func scanLegacyTemperatures(data []byte) []common.Temperature {
	temps := []common.Temperature{}
	if data[legacyT1Offset] == legacyPackTempMarker {
		c, _ := decodeTemperature(legacyPackTempMarker)
		temps = append(temps, common.Temperature{Sensor: "T1", Temperature: c})
	}
	if data[legacyT2Offset] == legacyPackTempMarker {
		c, _ := decodeTemperature(legacyPackTempMarker)
		temps = append(temps, common.Temperature{Sensor: "T2", Temperature: c})
	}
	for i := 72; i <= 84; i++ {
		if data[i] == legacyMosTempMarker {
			c, _ := decodeTemperature(legacyMosTempMarker)
			temps = append(temps, common.Temperature{Sensor: "MOS", Temperature: c})
			break
		}
	}
	if len(temps) > 0 {
		return temps
	}
	for i := 60; i <= 84; i++ {
		if c, ok := decodeTemperature(data[i]); ok {
			return append(temps, common.Temperature{Sensor: fmt.Sprintf("T%d", (i-60)/2+1), Temperature: c})
		}
	}
	return temps
}

func cellRange(cells []common.CellVoltage) *common.Range {
	if len(cells) == 0 {
		return nil
	}
	r := &common.Range{
		Max: common.ExtremeReading{Value: cells[0].Voltage, Source: cells[0].CellNumber},
		Min: common.ExtremeReading{Value: cells[0].Voltage, Source: cells[0].CellNumber},
	}
	for _, c := range cells[1:] {
		if c.Voltage > r.Max.Value {
			r.Max = common.ExtremeReading{Value: c.Voltage, Source: c.CellNumber}
		}
		if c.Voltage < r.Min.Value {
			r.Min = common.ExtremeReading{Value: c.Voltage, Source: c.CellNumber}
		}
	}
	return r
}
