package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func logger() zerolog.Logger {
	return log.With().Str("component", "protocol").Logger()
}

var (
	// ErrTooShort is returned when a response is below the dialect minimum length
	ErrTooShort = errors.New("frame too short")
	// ErrBadMarker is returned when the leading marker or the command echo do not match
	ErrBadMarker = errors.New("bad frame marker")
	// ErrUnknownCommand is returned when a dialect cannot build the requested command
	ErrUnknownCommand = errors.New("unknown command")
)

// FrameError describes a rejected response frame
type FrameError struct {
	Kind    error
	Command CommandID
	Length  int
	Detail  string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %v (%d bytes): %s", e.Command, e.Kind, e.Length, e.Detail)
}

func (e *FrameError) Unwrap() error {
	return e.Kind
}

// CommandFrame is an immutable outbound request
type CommandFrame struct {
	id  CommandID
	raw []byte
}

// ID returns the command carried by the frame
func (f CommandFrame) ID() CommandID {
	return f.id
}

// Bytes returns a copy of the frame bytes
func (f CommandFrame) Bytes() []byte {
	return append([]byte(nil), f.raw...)
}

// Len returns the frame length in bytes
func (f CommandFrame) Len() int {
	return len(f.raw)
}

// Hex returns the frame as upper-case hex, the format kept in diagnostics
func (f CommandFrame) Hex() string {
	return strings.ToUpper(hex.EncodeToString(f.raw))
}

// ValidatedFrame is a response that passed length and marker checks
type ValidatedFrame struct {
	Command    CommandID
	Payload    []byte
	Raw        []byte
	Checksum   uint16
	ChecksumOK bool
}

// ChecksumHex formats the received checksum for diagnostics
func (f ValidatedFrame) ChecksumHex(width int) string {
	return fmt.Sprintf("0x%0*X", width, f.Checksum)
}

// Checksum8 returns the unsigned 8-bit sum of data modulo 256
func Checksum8(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// CRC16Modbus computes the Modbus RTU CRC (poly 0xA001 reflected, init 0xFFFF)
func CRC16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// be reads an unsigned big-endian integer of up to 8 bytes
func be(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
