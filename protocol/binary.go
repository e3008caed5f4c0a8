package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/c360/termstream/errors"
)

// Frame layout of ACCESS_BINARY_V1:
//
//	0xAA 0x55 | version(1) | kind(1) | length(2, big endian) | body(length) | checksum(1)
//
// checksum is the XOR of every byte from version through the end of body.
// A payload holds one or more frames back to back; all must share a kind.
const (
	frameMagic0     = 0xAA
	frameMagic1     = 0x55
	frameVersion    = 0x01
	frameHeaderSize = 6
)

// Frame kinds
const (
	FrameAccess      byte = 1
	FrameAttendance  byte = 2
	FrameConsumption byte = 3
)

type frameLayout struct {
	recordType RecordType
	size       int
	decode     func(body []byte) Fields
}

var frameLayouts = map[byte]frameLayout{
	FrameAccess: {
		recordType: RecordAccess,
		size:       14,
		decode: func(b []byte) Fields {
			return Fields{
				{Name: "cardno", Value: u32(b[0:4])},
				{Name: "door", Value: strconv.Itoa(int(b[4]))},
				{Name: "event", Value: strconv.Itoa(int(b[5]))},
				{Name: "time", Value: unixTime(b[6:10])},
				{Name: "pin", Value: u32(b[10:14])},
			}
		},
	},
	FrameAttendance: {
		recordType: RecordAttendance,
		size:       10,
		decode: func(b []byte) Fields {
			return Fields{
				{Name: "pin", Value: u32(b[0:4])},
				{Name: "time", Value: unixTime(b[4:8])},
				{Name: "status", Value: strconv.Itoa(int(b[8]))},
				{Name: "verify", Value: strconv.Itoa(int(b[9]))},
			}
		},
	},
	FrameConsumption: {
		recordType: RecordConsumption,
		size:       16,
		decode: func(b []byte) Fields {
			return Fields{
				{Name: "pin", Value: u32(b[0:4])},
				{Name: "time", Value: unixTime(b[4:8])},
				{Name: "amount", Value: u32(b[8:12])},
				{Name: "seq", Value: u32(b[12:16])},
			}
		},
	},
}

func u32(b []byte) string {
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b)), 10)
}

func unixTime(b []byte) string {
	return time.Unix(int64(binary.BigEndian.Uint32(b)), 0).UTC().Format(timeLayout)
}

// BinaryDecoder parses 0xAA55 framed binary records
type BinaryDecoder struct{}

// NewBinaryDecoder creates the framed binary decoder
func NewBinaryDecoder() *BinaryDecoder { return &BinaryDecoder{} }

// Code implements Decoder
func (d *BinaryDecoder) Code() string { return CodeAccessBinary }

// RecordType implements Decoder. The concrete type comes from the frames.
func (d *BinaryDecoder) RecordType() RecordType { return RecordUnknown }

// Decode implements Decoder
func (d *BinaryDecoder) Decode(payload []byte) (*Decoded, error) {
	out := &Decoded{RecordType: RecordUnknown}
	kind := byte(0)

	for offset := 0; offset < len(payload); {
		rest := payload[offset:]
		if len(rest) < frameHeaderSize+1 {
			return nil, d.fail(offset, "truncated frame header")
		}
		if rest[0] != frameMagic0 || rest[1] != frameMagic1 {
			return nil, d.fail(offset, fmt.Sprintf("bad magic %#02x%02x", rest[0], rest[1]))
		}
		if rest[2] != frameVersion {
			return nil, d.fail(offset, fmt.Sprintf("unsupported version %d", rest[2]))
		}

		layout, ok := frameLayouts[rest[3]]
		if !ok {
			return nil, d.fail(offset, fmt.Sprintf("unknown record kind %d", rest[3]))
		}
		if kind != 0 && rest[3] != kind {
			return nil, d.fail(offset, "mixed record kinds in one payload")
		}
		kind = rest[3]

		length := int(binary.BigEndian.Uint16(rest[4:6]))
		if length != layout.size {
			return nil, d.fail(offset, fmt.Sprintf("body length %d, want %d", length, layout.size))
		}
		end := frameHeaderSize + length
		if len(rest) < end+1 {
			return nil, d.fail(offset, "truncated frame body")
		}

		var sum byte
		for _, b := range rest[2:end] {
			sum ^= b
		}
		if sum != rest[end] {
			return nil, d.fail(offset, fmt.Sprintf("checksum %#02x, want %#02x", rest[end], sum))
		}

		record := layout.decode(rest[frameHeaderSize:end])
		if len(out.Records) == 0 {
			out.RecordType = layout.recordType
			if ts, ok := record.Get("time"); ok {
				out.OccurredAt, _ = parseTerminalTime(ts)
			}
		}
		out.Records = append(out.Records, record)
		offset += end + 1
	}

	if len(out.Records) == 0 {
		return nil, d.fail(0, "empty payload")
	}
	return out, nil
}

func (d *BinaryDecoder) fail(offset int, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: offset %d: %s", errors.ErrDecodeFailed, offset, reason),
		"BinaryDecoder", "Decode", "decode "+CodeAccessBinary)
}

// EncodeFrame builds a single frame. Terminal simulators and tests use it.
func EncodeFrame(kind byte, body []byte) []byte {
	frame := make([]byte, 0, frameHeaderSize+len(body)+1)
	frame = append(frame, frameMagic0, frameMagic1, frameVersion, kind)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(body)))
	frame = append(frame, body...)

	var sum byte
	for _, b := range frame[2:] {
		sum ^= b
	}
	return append(frame, sum)
}
