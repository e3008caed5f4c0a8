// Package errors provides the error taxonomy shared by the ingestion pipeline.
//
// Errors are classified for handling purposes (transient, invalid, fatal) and
// wrapped with the "component.method: action failed: %w" convention so log lines
// read the same everywhere. Pipeline failures additionally carry a PipelineError
// with the protocol hint, device hint and payload size an operator needs to
// diagnose a rejected push without replaying it.
//
// Stages map onto the rejection taxonomy:
//
//	StageClassify  protocol code or table hint cannot be resolved to a decoder
//	StageDecode    payload does not match the selected dialect's framing
//	StageIdentity  serial number resolution degraded (never fatal, logged only)
//	StageDispatch  a business consumer rejected the normalized message
//	StageAdmission rate limit or full worker queue, rejected before any work
package errors
