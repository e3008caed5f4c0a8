package router

import (
	"time"

	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/buffer"
	"github.com/c360/termstream/pkg/codec"
)

// PayloadRecord is a retained raw push, looked up by its reference
type PayloadRecord struct {
	Ref          string    `json:"ref"`
	ProtocolHint string    `json:"protocol_hint,omitempty"`
	TableHint    string    `json:"table_hint,omitempty"`
	Serial       string    `json:"serial_number,omitempty"`
	DeviceID     int64     `json:"device_id,omitempty"`
	Payload      []byte    `json:"payload"`
	ReceivedAt   time.Time `json:"received_at"`
	Error        string    `json:"error,omitempty"`
}

// payloadLog keeps the most recent raw payloads for diagnosis
type payloadLog struct {
	ring *buffer.Ring[PayloadRecord]
}

func newPayloadLog(capacity int, registry *metric.MetricsRegistry) (*payloadLog, error) {
	var opts []buffer.Option[PayloadRecord]
	if registry != nil {
		opts = append(opts, buffer.WithMetrics[PayloadRecord](registry, "router_payloads"))
	}
	ring, err := buffer.NewRing[PayloadRecord](capacity, opts...)
	if err != nil {
		return nil, err
	}
	return &payloadLog{ring: ring}, nil
}

// payloadRef is a digest prefix of the payload plus a unique id
func payloadRef(payload []byte, id string) string {
	return codec.ShortDigest(payload)[:12] + "-" + id
}

func (l *payloadLog) put(rec PayloadRecord) {
	if l == nil {
		return
	}
	l.ring.Put(rec.Ref, rec)
}

func (l *payloadLog) markFailed(ref string, err error) {
	if l == nil {
		return
	}
	if rec, ok := l.ring.Get(ref); ok {
		rec.Error = err.Error()
		l.ring.Put(ref, rec)
	}
}

func (l *payloadLog) get(ref string) (PayloadRecord, bool) {
	if l == nil {
		return PayloadRecord{}, false
	}
	return l.ring.Get(ref)
}
