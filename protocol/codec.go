package protocol

import (
	"daly-bms-bridge/common"
)

// DecodeOptions carries the conventions that are not derivable from the protocol
type DecodeOptions struct {
	// InvertCurrent flips the sign so that discharging reads positive
	InvertCurrent bool
	// NominalCapacityAh is reported as total capacity; the legacy frame has no such field
	NominalCapacityAh float64
}

// DefaultDecodeOptions returns the conventions observed on the reference pack
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		InvertCurrent:     false,
		NominalCapacityAh: 230.0,
	}
}

// Codec is the dialect strategy used by the session: frame layout, command
// sequencing and field decoding differ, the contract does not
type Codec interface {
	Dialect() Dialect
	// MinLength is the shortest acceptable response frame
	MinLength() int
	BuildCommand(id CommandID) (CommandFrame, error)
	// Validate checks length, marker and command echo; checksum mismatches are only logged
	Validate(raw []byte, expected CommandID) (ValidatedFrame, error)
	// Split cuts reassembled notification bytes into candidate frames and returns the unconsumed tail
	Split(buf []byte) (frames [][]byte, rest []byte)
	// Sequence lists the commands issued in one poll cycle, in order
	Sequence() []CommandID
	// Primary is the command whose success makes a snapshot valid
	Primary() CommandID
	// ExpectedFrames is how many frames to wait for, given what the cycle has learned so far
	ExpectedFrames(id CommandID, snap *common.TelemetrySnapshot) int
	// Apply decodes validated frames into the snapshot; returned errors are DecodeWarnings
	Apply(snap *common.TelemetrySnapshot, id CommandID, frames []ValidatedFrame) []error
}

// CodecFor returns the codec implementing the given dialect
func CodecFor(d Dialect, opts DecodeOptions) Codec {
	if opts.NominalCapacityAh <= 0 {
		opts.NominalCapacityAh = DefaultDecodeOptions().NominalCapacityAh
	}
	switch d {
	case DialectCommand:
		return &commandCodec{opts: opts}
	default:
		return &legacyCodec{opts: opts}
	}
}

// MarkValidity sets the validity flag: the primary command must have
// succeeded and pack voltage and at least one cell must be present. SOC is
// decoded from the primary frame in both dialects, so it is present whenever
// primaryOK holds; 0 % is a real reading of a flat pack.
func MarkValidity(snap *common.TelemetrySnapshot, primaryOK bool) {
	snap.Valid = primaryOK && snap.PackVoltage > 0 && len(snap.CellVoltages) > 0
}
