package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/c360/termstream/errors"
)

// KeyValueDecoder parses tab separated key=value text, one record per line.
// Keys are lower-cased; blank lines are skipped.
type KeyValueDecoder struct {
	code       string
	recordType RecordType
	required   []string
}

// NewKeyValueDecoder creates a key=value decoder. Every record must carry the
// required keys.
func NewKeyValueDecoder(code string, recordType RecordType, required ...string) *KeyValueDecoder {
	return &KeyValueDecoder{code: code, recordType: recordType, required: required}
}

// NewAccessDecoder decodes real-time access logs
func NewAccessDecoder() *KeyValueDecoder {
	return NewKeyValueDecoder(CodeAccessEntropy, RecordAccess, "time", "event")
}

// NewConsumeDecoder decodes consumption logs
func NewConsumeDecoder() *KeyValueDecoder {
	return NewKeyValueDecoder(CodeConsumeZKTeco, RecordConsumption, "time", "pin", "amount")
}

// Code implements Decoder
func (d *KeyValueDecoder) Code() string { return d.code }

// RecordType implements Decoder
func (d *KeyValueDecoder) RecordType() RecordType { return d.recordType }

// Decode implements Decoder
func (d *KeyValueDecoder) Decode(payload []byte) (*Decoded, error) {
	out := &Decoded{RecordType: d.recordType}

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}

		var record Fields
		for _, pair := range strings.Split(text, "\t") {
			if pair == "" {
				continue
			}
			key, value, ok := strings.Cut(pair, "=")
			key = strings.ToLower(strings.TrimSpace(key))
			if !ok || key == "" {
				return nil, d.fail(line, fmt.Sprintf("malformed pair %q", pair))
			}
			record = append(record, Field{Name: key, Value: strings.TrimSpace(value)})
		}

		for _, name := range d.required {
			if _, ok := record.Get(name); !ok {
				return nil, d.fail(line, "missing "+name)
			}
		}
		out.Records = append(out.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, d.fail(line, err.Error())
	}
	if len(out.Records) == 0 {
		return nil, d.fail(0, "no records")
	}

	if ts, ok := out.Records[0].Get("time"); ok {
		out.OccurredAt, _ = parseTerminalTime(ts)
	}
	return out, nil
}

func (d *KeyValueDecoder) fail(line int, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: line %d: %s", errors.ErrDecodeFailed, line, reason),
		"KeyValueDecoder", "Decode", "decode "+d.code)
}
