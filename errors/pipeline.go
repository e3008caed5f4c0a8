package errors

import (
	"fmt"
	"strings"
)

// Stage identifies where in the ingestion pipeline a failure happened.
type Stage string

// Pipeline stages
const (
	StageAdmission Stage = "admission"
	StageClassify  Stage = "classify"
	StageDecode    Stage = "decode"
	StageIdentity  Stage = "identity"
	StageDispatch  Stage = "dispatch"
)

// PipelineError carries the diagnostic context of a rejected or failed push.
// It wraps the underlying cause so errors.Is/As keep working through it.
type PipelineError struct {
	Stage        Stage
	ProtocolHint string
	TableHint    string
	DeviceHint   string
	Serial       string
	PayloadSize  int
	PayloadRef   string
	Err          error
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Stage)

	attrs := make([]string, 0, 6)
	if e.ProtocolHint != "" {
		attrs = append(attrs, "protocol="+e.ProtocolHint)
	}
	if e.TableHint != "" {
		attrs = append(attrs, "table="+e.TableHint)
	}
	if e.DeviceHint != "" {
		attrs = append(attrs, "device="+e.DeviceHint)
	}
	if e.Serial != "" {
		attrs = append(attrs, "sn="+e.Serial)
	}
	attrs = append(attrs, fmt.Sprintf("payload_size=%d", e.PayloadSize))
	if e.PayloadRef != "" {
		attrs = append(attrs, "payload_ref="+e.PayloadRef)
	}
	fmt.Fprintf(&b, " [%s]", strings.Join(attrs, " "))

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// LogAttrs returns the context as slog-compatible key/value pairs.
func (e *PipelineError) LogAttrs() []any {
	return []any{
		"stage", string(e.Stage),
		"protocol_hint", e.ProtocolHint,
		"table_hint", e.TableHint,
		"device_hint", e.DeviceHint,
		"sn", e.Serial,
		"payload_size", e.PayloadSize,
		"payload_ref", e.PayloadRef,
	}
}

// StageOf returns the pipeline stage of err, or "" when err carries none.
func StageOf(err error) Stage {
	var pe *PipelineError
	if As(err, &pe) {
		return pe.Stage
	}
	return ""
}
