package protocol

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daly-bms-bridge/common"
)

// legacyGoldenFrame is a 129-byte dump from a 16S pack: all cells around
// 3.318 V, SOC register 0x0388, both temperature bytes 70 (30 °C)
func legacyGoldenFrame(t *testing.T) []byte {
	t.Helper()
	head, err := hex.DecodeString("d2037c0cf60cf60cf60cf70cf50cf60cf60cf60cf60cf50cf30cf60cf60cf60cf60cf4")
	require.NoError(t, err)
	require.Len(t, head, 35)

	frame := make([]byte, 129)
	copy(frame, head)
	frame[68] = 70
	frame[70] = 70
	frame[87] = 0x03
	frame[88] = 0x88
	frame[106] = 12
	crc := CRC16Modbus(frame[:127])
	frame[127] = byte(crc)
	frame[128] = byte(crc >> 8)
	return frame
}

// responseFrame builds a well-formed command dialect response
func responseFrame(id CommandID, payload ...byte) []byte {
	raw := make([]byte, 13)
	raw[0] = 0xA5
	raw[1] = 0x01
	raw[2] = byte(id)
	raw[3] = 0x08
	copy(raw[4:12], payload)
	raw[12] = Checksum8(raw[:12])
	return raw
}

func validated(t *testing.T, c Codec, id CommandID, payload ...byte) ValidatedFrame {
	t.Helper()
	f, err := c.Validate(responseFrame(id, payload...), id)
	require.NoError(t, err)
	return f
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": DialectLegacy, "legacy": DialectLegacy, "DUMP": DialectLegacy, "command": DialectCommand, " a5 ": DialectCommand} {
		d, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d, in)
	}
	_, err := ParseDialect("modbus-tcp")
	assert.Error(t, err)
}

func TestCommandIDString(t *testing.T) {
	assert.Equal(t, "pack_measurements", CmdPackMeasurements.String())
	assert.Equal(t, "main_info", CmdReadAll.String())
	assert.Equal(t, "unknown_D9", CommandID(0xD9).String())
}

func TestBuildCommandChecksumRoundTrip(t *testing.T) {
	c := CodecFor(DialectCommand, DefaultDecodeOptions())
	for _, id := range c.Sequence() {
		frame, err := c.BuildCommand(id)
		require.NoError(t, err)
		raw := frame.Bytes()
		require.Len(t, raw, 13)

		var sum int
		for _, b := range raw[:12] {
			sum += int(b)
		}
		assert.Equal(t, byte(sum%256), raw[12], id.String())
		assert.Equal(t, []byte{0xA5, 0x40, byte(id), 0x08}, raw[:4])

		again, err := c.BuildCommand(id)
		require.NoError(t, err)
		assert.Equal(t, raw, again.Bytes())
	}
}

func TestBuildCommandBytesAreCopied(t *testing.T) {
	c := CodecFor(DialectCommand, DefaultDecodeOptions())
	frame, err := c.BuildCommand(CmdPackMeasurements)
	require.NoError(t, err)
	b := frame.Bytes()
	b[0] = 0
	assert.Equal(t, byte(0xA5), frame.Bytes()[0])
	assert.Equal(t, "A540900800000000000000007D", frame.Hex())
}

func TestBuildCommandUnknown(t *testing.T) {
	_, err := CodecFor(DialectCommand, DefaultDecodeOptions()).BuildCommand(CmdReadAll)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = CodecFor(DialectLegacy, DefaultDecodeOptions()).BuildCommand(CmdPackMeasurements)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestLegacyRequestBytes(t *testing.T) {
	frame, err := CodecFor(DialectLegacy, DefaultDecodeOptions()).BuildCommand(CmdReadAll)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD2, 0x03, 0x00, 0x00, 0x00, 0x3E, 0xD7, 0xB9}, frame.Bytes())
	assert.Equal(t, "D2030000003ED7B9", frame.Hex())
}

func TestValidateTooShort(t *testing.T) {
	cases := []struct {
		codec  Codec
		id     CommandID
		marker byte
	}{
		{CodecFor(DialectCommand, DefaultDecodeOptions()), CmdPackMeasurements, 0xA5},
		{CodecFor(DialectLegacy, DefaultDecodeOptions()), CmdReadAll, 0xD2},
	}
	for _, tc := range cases {
		for n := 0; n < tc.codec.MinLength(); n++ {
			buf := make([]byte, n)
			if n > 0 {
				buf[0] = tc.marker
			}
			_, err := tc.codec.Validate(buf, tc.id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTooShort), "%s length %d: %v", tc.codec.Dialect(), n, err)
		}
	}
}

func TestValidateBadMarker(t *testing.T) {
	cmd := CodecFor(DialectCommand, DefaultDecodeOptions())
	legacy := CodecFor(DialectLegacy, DefaultDecodeOptions())
	for b := 0; b < 256; b++ {
		if b != 0xA5 {
			raw := responseFrame(CmdPackMeasurements)
			raw[0] = byte(b)
			_, err := cmd.Validate(raw, CmdPackMeasurements)
			assert.ErrorIs(t, err, ErrBadMarker, "command first byte 0x%02X", b)
		}
		if b != 0xD2 {
			raw := make([]byte, 129)
			raw[0] = byte(b)
			raw[1] = 0x03
			_, err := legacy.Validate(raw, CmdReadAll)
			assert.ErrorIs(t, err, ErrBadMarker, "legacy first byte 0x%02X", b)
		}
	}
}

func TestValidateCommandEchoMismatch(t *testing.T) {
	c := CodecFor(DialectCommand, DefaultDecodeOptions())
	_, err := c.Validate(responseFrame(CmdCellVoltageRange), CmdPackMeasurements)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrBadMarker, fe.Kind)
	assert.Equal(t, CmdPackMeasurements, fe.Command)
}

func TestValidateChecksumIsAdvisory(t *testing.T) {
	c := CodecFor(DialectCommand, DefaultDecodeOptions())
	raw := responseFrame(CmdPackMeasurements, 0x02, 0x14)
	raw[12]++
	f, err := c.Validate(raw, CmdPackMeasurements)
	require.NoError(t, err)
	assert.False(t, f.ChecksumOK)
	assert.Equal(t, []byte{0x02, 0x14, 0, 0, 0, 0, 0, 0}, f.Payload)

	raw[12]--
	f, err = c.Validate(append(raw, 0xFF, 0xFF), CmdPackMeasurements)
	require.NoError(t, err)
	assert.True(t, f.ChecksumOK)
	assert.Len(t, f.Raw, 13)
	assert.Equal(t, uint16(raw[12]), f.Checksum)
}

func TestLegacyGoldenVector(t *testing.T) {
	c := CodecFor(DialectLegacy, DefaultDecodeOptions())
	raw := legacyGoldenFrame(t)

	f, err := c.Validate(raw, CmdReadAll)
	require.NoError(t, err)
	assert.True(t, f.ChecksumOK)

	snap := common.NewSnapshot(time.Now())
	warnings := c.Apply(&snap, CmdReadAll, []ValidatedFrame{f})
	assert.Empty(t, warnings)
	MarkValidity(&snap, true)

	require.Len(t, snap.CellVoltages, 16)
	for i, cell := range snap.CellVoltages {
		assert.Equal(t, i+1, cell.CellNumber)
	}
	assert.Equal(t, 3.318, snap.CellVoltages[0].Voltage)
	assert.Equal(t, 3.315, snap.CellVoltages[10].Voltage)
	assert.Greater(t, snap.PackVoltage, 0.0)
	assert.InDelta(t, 53.082, snap.PackVoltage, 1e-9)
	assert.Equal(t, 90.4, snap.SOC)
	assert.Equal(t, 230.0, snap.TotalCapacity)
	assert.InDelta(t, 207.92, snap.RemainingCapacity, 1e-9)
	assert.Equal(t, 12, snap.Cycles)
	assert.Equal(t, []common.Temperature{{Sensor: "T1", Temperature: 30}, {Sensor: "T2", Temperature: 30}}, snap.Temperatures)
	assert.Equal(t, common.MosStatus{ChargingMos: true, DischargingMos: true}, snap.MosStatus)
	require.NotNil(t, snap.CellRange)
	assert.Equal(t, 4, snap.CellRange.Max.Source)
	assert.Equal(t, 11, snap.CellRange.Min.Source)
	assert.True(t, snap.Valid)
}

func TestLegacyChecksumDisplay(t *testing.T) {
	raw := legacyGoldenFrame(t)
	f, err := CodecFor(DialectLegacy, DefaultDecodeOptions()).Validate(raw, CmdReadAll)
	require.NoError(t, err)
	assert.Equal(t, uint16(raw[127])<<8|uint16(raw[128]), f.Checksum)
	assert.Len(t, f.ChecksumHex(4), 6)
}

func TestLegacySOC(t *testing.T) {
	data := make([]byte, 129)
	set := func(v uint16) {
		data[87] = byte(v >> 8)
		data[88] = byte(v)
	}

	set(904)
	soc, err := decodeLegacySOC(data)
	assert.NoError(t, err)
	assert.Equal(t, 90.4, soc)

	set(555)
	soc, err = decodeLegacySOC(data)
	assert.NoError(t, err)
	assert.Equal(t, 55.5, soc)

	set(1000)
	soc, _ = decodeLegacySOC(data)
	assert.Equal(t, 100.0, soc)

	set(1200)
	soc, err = decodeLegacySOC(data)
	var w *DecodeWarning
	require.ErrorAs(t, err, &w)
	assert.Equal(t, uint64(1200), w.Raw)
	assert.Equal(t, 100.0, soc)
}

func TestLegacyTemperatureFallback(t *testing.T) {
	data := make([]byte, 129)
	data[64] = 65
	temps := scanLegacyTemperatures(data)
	assert.Equal(t, []common.Temperature{{Sensor: "T3", Temperature: 25}}, temps)

	data[75] = 73
	temps = scanLegacyTemperatures(data)
	assert.Equal(t, []common.Temperature{{Sensor: "MOS", Temperature: 33}}, temps)

	assert.Empty(t, scanLegacyTemperatures(make([]byte, 129)))
}

func TestLegacyTemperatureExactMarkers(t *testing.T) {
	// plausible bytes at the sensor offsets that are not the markers
	data := make([]byte, 129)
	data[68] = 65
	data[72] = 50
	temps := scanLegacyTemperatures(data)
	assert.Equal(t, []common.Temperature{{Sensor: "T5", Temperature: 25}}, temps)

	data[70] = 70
	data[80] = 73
	temps = scanLegacyTemperatures(data)
	assert.Equal(t, []common.Temperature{{Sensor: "T2", Temperature: 30}, {Sensor: "MOS", Temperature: 33}}, temps)
}

func TestTemperaturePlausibility(t *testing.T) {
	cases := map[byte]bool{0: false, 39: false, 40: true, 70: true, 120: true, 121: false, 255: false}
	for raw, ok := range cases {
		c, got := decodeTemperature(raw)
		assert.Equal(t, ok, got, "raw %d", raw)
		if got {
			assert.Equal(t, float64(raw)-40, c)
		}
	}
}

func TestDecodeCellFrameNumbering(t *testing.T) {
	for k := 0; k <= 5; k++ {
		payload := []byte{byte(k + 1), 0x0C, 0xE4, 0x0C, 0xE5, 0x0C, 0xE6, 0x00}
		cells, err := DecodeCellFrame(payload, 0)
		require.NoError(t, err)

		want := []int{3*k + 1, 3*k + 2, 3*k + 3}
		for i, cell := range cells {
			assert.Equal(t, want[i], cell.CellNumber)
			assert.LessOrEqual(t, cell.CellNumber, MaxCells)
		}
		if k == 5 {
			assert.Len(t, cells, 1)
		} else {
			assert.Len(t, cells, 3)
		}
	}
}

func TestDecodeCellFrameLimits(t *testing.T) {
	cells, err := DecodeCellFrame([]byte{2, 0x0C, 0xE4, 0x0C, 0xE5, 0x0C, 0xE6, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, []common.CellVoltage{{CellNumber: 4, Voltage: 3.300}, {CellNumber: 5, Voltage: 3.301}}, cells)

	cells, err = DecodeCellFrame([]byte{1, 0x0C, 0xE4, 0, 0, 0, 0, 0}, 0)
	require.NoError(t, err)
	assert.Len(t, cells, 1)

	_, err = DecodeCellFrame([]byte{0, 0, 0, 0, 0, 0, 0, 0}, 0)
	var w *DecodeWarning
	assert.ErrorAs(t, err, &w)
	_, err = DecodeCellFrame([]byte{7, 0, 0, 0, 0, 0, 0, 0}, 0)
	assert.ErrorAs(t, err, &w)
	_, err = DecodeCellFrame([]byte{1, 0}, 0)
	assert.ErrorAs(t, err, &w)
}

func TestCommandDialectFullCycle(t *testing.T) {
	c := CodecFor(DialectCommand, DecodeOptions{InvertCurrent: true, NominalCapacityAh: 280})
	snap := common.NewSnapshot(time.Now())

	apply := func(id CommandID, frames ...ValidatedFrame) {
		assert.Empty(t, c.Apply(&snap, id, frames), id.String())
	}

	// 53.2 V, +5.2 A raw, 90.4 %
	apply(CmdPackMeasurements, validated(t, c, CmdPackMeasurements, 0x02, 0x14, 0x00, 0x00, 0x75, 0x64, 0x03, 0x88))
	apply(CmdCellVoltageRange, validated(t, c, CmdCellVoltageRange, 0x0C, 0xE6, 2, 0x0C, 0xE4, 1))
	apply(CmdTemperatureRange, validated(t, c, CmdTemperatureRange, 66, 1, 64, 2))
	apply(CmdMosfetStatus, validated(t, c, CmdMosfetStatus, 1, 1, 0, 7, 0x00, 0x03, 0x2C, 0x80))
	apply(CmdStatusInfo, validated(t, c, CmdStatusInfo, 4, 2, 0, 0, 0, 0x00, 0x21))

	assert.Equal(t, 2, c.ExpectedFrames(CmdCellVoltages, &snap))
	assert.Equal(t, 1, c.ExpectedFrames(CmdTemperatures, &snap))

	apply(CmdCellVoltages,
		validated(t, c, CmdCellVoltages, 1, 0x0C, 0xE4, 0x0C, 0xE6, 0x0C, 0xE5),
		validated(t, c, CmdCellVoltages, 2, 0x0C, 0xE5, 0x0C, 0xE5, 0x0C, 0xE5))
	apply(CmdTemperatures, validated(t, c, CmdTemperatures, 1, 66, 64, 0, 0, 0, 0, 0))
	apply(CmdBalanceState, validated(t, c, CmdBalanceState, 0, 0, 0, 0, 0, 0x02))
	apply(CmdFailureCodes, validated(t, c, CmdFailureCodes, 0x01, 0, 0, 0, 0, 0, 0x04))

	MarkValidity(&snap, true)

	assert.Equal(t, 53.2, snap.PackVoltage)
	assert.Equal(t, -5.2, snap.Current)
	assert.Equal(t, 90.4, snap.SOC)
	assert.Equal(t, 280.0, snap.TotalCapacity)
	assert.Equal(t, 208.0, snap.RemainingCapacity)
	assert.Equal(t, "charging", snap.ChargeState)
	assert.Equal(t, 33, snap.Cycles)
	assert.Equal(t, common.MosStatus{ChargingMos: true, DischargingMos: false, Balancing: true}, snap.MosStatus)
	require.Len(t, snap.CellVoltages, 4)
	assert.Equal(t, common.CellVoltage{CellNumber: 4, Voltage: 3.301}, snap.CellVoltages[3])
	assert.Equal(t, []common.Temperature{{Sensor: "T1", Temperature: 26}, {Sensor: "T2", Temperature: 24}}, snap.Temperatures)
	require.NotNil(t, snap.CellRange)
	assert.Equal(t, 3.302, snap.CellRange.Max.Value)
	assert.Equal(t, 2, snap.CellRange.Max.Source)
	require.NotNil(t, snap.TemperatureRange)
	assert.Equal(t, 24.0, snap.TemperatureRange.Min.Value)
	assert.Equal(t, []string{"cell voltage high level 1", "short circuit protection fault"}, snap.Failures)
	assert.True(t, snap.Valid)
}

func TestCommandDialectTemperatureFallback(t *testing.T) {
	c := CodecFor(DialectCommand, DefaultDecodeOptions())
	snap := common.NewSnapshot(time.Now())
	c.Apply(&snap, CmdTemperatureRange, []ValidatedFrame{validated(t, c, CmdTemperatureRange, 70, 1, 65, 2)})
	c.Apply(&snap, CmdTemperatures, []ValidatedFrame{validated(t, c, CmdTemperatures, 1, 0, 0, 0, 0, 0, 0, 0)})
	assert.Equal(t, []common.Temperature{{Sensor: "T1", Temperature: 30}, {Sensor: "T2", Temperature: 25}}, snap.Temperatures)
}

func TestCommandDialectPartialCycleIsInvalid(t *testing.T) {
	c := CodecFor(DialectCommand, DefaultDecodeOptions())
	snap := common.NewSnapshot(time.Now())
	c.Apply(&snap, CmdPackMeasurements, nil)
	c.Apply(&snap, CmdCellVoltages, []ValidatedFrame{validated(t, c, CmdCellVoltages, 1, 0x0C, 0xE4)})
	MarkValidity(&snap, false)
	assert.False(t, snap.Valid)
	assert.Len(t, snap.CellVoltages, 1)
	assert.Equal(t, 6, c.ExpectedFrames(CmdCellVoltages, &snap))
}

func TestMarkValidity(t *testing.T) {
	flat := common.NewSnapshot(time.Now())
	flat.PackVoltage = 40.0
	flat.SOC = 0
	flat.CellVoltages = []common.CellVoltage{{CellNumber: 1, Voltage: 2.5}}
	MarkValidity(&flat, true)
	assert.True(t, flat.Valid, "empty pack is still a reading")

	noCells := flat
	noCells.CellVoltages = nil
	MarkValidity(&noCells, true)
	assert.False(t, noCells.Valid)

	noVoltage := flat
	noVoltage.PackVoltage = 0
	MarkValidity(&noVoltage, true)
	assert.False(t, noVoltage.Valid)

	MarkValidity(&flat, false)
	assert.False(t, flat.Valid)
}

func TestSOCAboveRangeIsClamped(t *testing.T) {
	c := CodecFor(DialectCommand, DefaultDecodeOptions())
	snap := common.NewSnapshot(time.Now())
	warnings := c.Apply(&snap, CmdPackMeasurements, []ValidatedFrame{validated(t, c, CmdPackMeasurements, 0x02, 0x14, 0, 0, 0x75, 0x30, 0x04, 0xB0)})
	require.Len(t, warnings, 1)
	assert.Equal(t, 100.0, snap.SOC)
	assert.Equal(t, 0.0, snap.Current)
}

func TestSplitCommandFrames(t *testing.T) {
	c := CodecFor(DialectCommand, DefaultDecodeOptions())
	a := responseFrame(CmdCellVoltages, 1)
	b := responseFrame(CmdCellVoltages, 2)

	buf := append(append(append([]byte{}, a...), b...), b[:5]...)
	frames, rest := c.Split(buf)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
	assert.Equal(t, b[:5], rest)

	frames, rest = c.Split(append([]byte{0x00, 0x11}, a...))
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{0x00, 0x11}, frames[0])
	assert.Empty(t, rest)

	frames, rest = c.Split([]byte{0x01, 0x02})
	assert.Len(t, frames, 1)
	assert.Empty(t, rest)
}

func TestSplitLegacyFrames(t *testing.T) {
	c := CodecFor(DialectLegacy, DefaultDecodeOptions())
	raw := legacyGoldenFrame(t)

	frames, rest := c.Split(raw[:60])
	assert.Empty(t, frames)
	assert.Len(t, rest, 60)

	frames, rest = c.Split(raw)
	require.Len(t, frames, 1)
	assert.Empty(t, rest)

	frames, _ = c.Split([]byte{0xA5, 0x01})
	assert.Len(t, frames, 1)
}

func TestDecodeFailures(t *testing.T) {
	assert.Empty(t, DecodeFailures(make([]byte, 8)))
	assert.Equal(t, []string{"unknown failure byte=7 bit=0"}, DecodeFailures([]byte{0, 0, 0, 0, 0, 0, 0, 1}))
	assert.Equal(t, []string{"precharge failure"}, DecodeFailures([]byte{0, 0, 0, 0, 0, 0x20}))
}

func TestMosfetFlags(t *testing.T) {
	s := (MosCharging | MosBalancing).Status()
	assert.True(t, s.ChargingMos)
	assert.False(t, s.DischargingMos)
	assert.True(t, s.Balancing)
	assert.Equal(t, MosCharging|MosBalancing, flagsOf(s))
}
