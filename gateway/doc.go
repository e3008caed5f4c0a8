// Package gateway is the network-facing boundary of the ingestion pipeline.
//
// It exposes three push shapes that all funnel into the router and wait for
// the routed message before answering:
//
//	POST /api/v1/device/push/binary?protocolType=X&deviceId=N   explicit protocol
//	POST /api/v1/device/push/auto?deviceType=T&manufacturer=M&deviceId=N
//	POST /iclock/cdata?SN=S&table=ATTLOG[&protocolType=X][&deviceId=N]
//
// Binary and auto pushes answer with a JSON envelope. Text pushes answer with
// the literal acknowledgement token terminal firmware expects ("OK"), or
// "ERROR:<status>" on failure. Text pushes share one token bucket for the
// whole endpoint; an exhausted bucket is answered before the router is
// touched.
//
// The biometric verbs (register, verify, match, delete, modalities,
// statistics, cleanup) call the matcher directly. GET /healthz reports the
// aggregated dependency status and GET /api/v1/diagnostics/payloads/{ref}
// returns a retained raw payload.
package gateway
