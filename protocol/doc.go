// Package protocol turns raw terminal pushes into normalized messages.
//
// Each wire dialect has a Decoder identified by a protocol code. The
// Registry maps codes, and (device type, manufacturer) composite keys, to
// decoders; TableMap maps vendor table tags such as ATTLOG to codes. Both
// lookups fail with errors.ErrUnresolvableProtocol rather than guessing.
//
// Built-in dialects:
//
//	ACCESS_ENTROPY_V4_8      key=value pairs, tab separated, one record per line
//	ATTENDANCE_ENTROPY_V4_0  positional tab separated rows
//	CONSUME_ZKTECO_V1_0      key=value pairs, tab separated, one record per line
//	ACCESS_BINARY_V1         0xAA55 framed binary records, XOR checksum
//
// A decoder only parses. Device identity and message ids are attached by the
// router, which owns the Message once decoding succeeds.
package protocol
