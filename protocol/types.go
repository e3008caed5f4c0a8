package protocol

import (
	"strings"
	"time"
)

// Protocol codes of the built-in dialects
const (
	CodeAccessEntropy     = "ACCESS_ENTROPY_V4_8"
	CodeAttendanceEntropy = "ATTENDANCE_ENTROPY_V4_0"
	CodeConsumeZKTeco     = "CONSUME_ZKTECO_V1_0"
	CodeAccessBinary      = "ACCESS_BINARY_V1"
)

// RecordType classifies what a decoded record describes
type RecordType string

// Record types
const (
	RecordAccess      RecordType = "access_event"
	RecordAttendance  RecordType = "attendance_punch"
	RecordConsumption RecordType = "consumption_event"
	RecordUnknown     RecordType = "unknown"
)

// Resolution tells consumers how Message.DeviceID was obtained
type Resolution string

// Device resolutions. ResolutionSentinel marks a placeholder id substituted
// because the serial number could not be resolved.
const (
	ResolutionExplicit  Resolution = "explicit"
	ResolutionCache     Resolution = "cache"
	ResolutionDirectory Resolution = "directory"
	ResolutionSentinel  Resolution = "sentinel"
)

// RawPush is one inbound terminal push as received at the boundary
type RawPush struct {
	ProtocolHint     string
	TableHint        string
	DeviceTypeHint   string
	ManufacturerHint string
	SerialNumber     string
	// DeviceID is the caller-supplied device id; zero means absent.
	DeviceID   int64
	Payload    []byte
	ReceivedAt time.Time
}

// Field is one decoded name/value pair
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Fields is an ordered set of decoded fields
type Fields []Field

// Get returns the first value stored under name
func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// Names returns the field names in order
func (f Fields) Names() []string {
	names := make([]string, len(f))
	for i, field := range f {
		names[i] = field.Name
	}
	return names
}

// Decoded is what a Decoder produces from a payload
type Decoded struct {
	RecordType RecordType
	Records    []Fields
	// OccurredAt is the event time of the first record, zero if the
	// dialect carries none or it did not parse.
	OccurredAt time.Time
}

// Message is the normalized form handed to business consumers
type Message struct {
	ID               string     `json:"id"`
	ProtocolCode     string     `json:"protocol_code"`
	DeviceID         int64      `json:"device_id"`
	DeviceResolution Resolution `json:"device_resolution"`
	SerialNumber     string     `json:"serial_number,omitempty"`
	RecordType       RecordType `json:"record_type"`
	// Fields holds the first record; Records holds all of them.
	Fields        Fields    `json:"fields"`
	Records       []Fields  `json:"records"`
	RawPayloadRef string    `json:"raw_payload_ref"`
	OccurredAt    time.Time `json:"occurred_at,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// IsSentinelDevice reports whether DeviceID is a placeholder
func (m *Message) IsSentinelDevice() bool {
	return m.DeviceResolution == ResolutionSentinel
}

// Decoder parses one wire dialect
type Decoder interface {
	Code() string
	RecordType() RecordType
	Decode(payload []byte) (*Decoded, error)
}

// CompositeKey joins device type and manufacturer the way the registry
// indexes them.
func CompositeKey(deviceType, manufacturer string) string {
	return strings.ToUpper(strings.TrimSpace(deviceType)) + ":" + strings.ToUpper(strings.TrimSpace(manufacturer))
}

// timeLayout is the wall clock format terminals report in.
const timeLayout = "2006-01-02 15:04:05"

func parseTerminalTime(s string) (time.Time, bool) {
	t, err := time.ParseInLocation(timeLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
