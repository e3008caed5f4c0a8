package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/c360/termstream/errors"
)

// maxLineBytes caps one text row. It matches the ingestion body limit.
const maxLineBytes = 1 << 20

// attendanceColumns names the positional columns of an attendance row.
// Terminals may send fewer trailing columns; pin and time are mandatory.
var attendanceColumns = []string{"pin", "time", "status", "verify", "workcode", "reserved1", "reserved2"}

// AttendanceDecoder parses tab separated attendance punch rows
type AttendanceDecoder struct{}

// NewAttendanceDecoder creates the attendance row decoder
func NewAttendanceDecoder() *AttendanceDecoder { return &AttendanceDecoder{} }

// Code implements Decoder
func (d *AttendanceDecoder) Code() string { return CodeAttendanceEntropy }

// RecordType implements Decoder
func (d *AttendanceDecoder) RecordType() RecordType { return RecordAttendance }

// Decode implements Decoder
func (d *AttendanceDecoder) Decode(payload []byte) (*Decoded, error) {
	out := &Decoded{RecordType: RecordAttendance}

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}

		cols := strings.Split(text, "\t")
		if len(cols) < 2 {
			return nil, d.fail(line, fmt.Sprintf("expected at least 2 columns, got %d", len(cols)))
		}
		if len(cols) > len(attendanceColumns) {
			return nil, d.fail(line, fmt.Sprintf("expected at most %d columns, got %d", len(attendanceColumns), len(cols)))
		}

		pin := strings.TrimSpace(cols[0])
		if pin == "" {
			return nil, d.fail(line, "empty pin")
		}
		ts, ok := parseTerminalTime(cols[1])
		if !ok {
			return nil, d.fail(line, fmt.Sprintf("bad time %q", cols[1]))
		}

		record := make(Fields, 0, len(cols))
		for i, col := range cols {
			record = append(record, Field{Name: attendanceColumns[i], Value: strings.TrimSpace(col)})
		}
		if len(out.Records) == 0 {
			out.OccurredAt = ts
		}
		out.Records = append(out.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, d.fail(line, err.Error())
	}
	if len(out.Records) == 0 {
		return nil, d.fail(0, "no records")
	}
	return out, nil
}

func (d *AttendanceDecoder) fail(line int, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: line %d: %s", errors.ErrDecodeFailed, line, reason),
		"AttendanceDecoder", "Decode", "decode "+CodeAttendanceEntropy)
}
