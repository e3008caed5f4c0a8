// Package router classifies terminal pushes, decodes them, attaches device
// identity and hands the result to a dispatcher.
//
// Route returns a Future immediately. Classification happens on the calling
// goroutine because it is a map lookup; decode, identity and dispatch run on
// a bounded worker pool. When the pool queue is full the future fails with
// errors.ErrResourceExhausted instead of blocking the caller.
//
// A job runs on a context detached from the caller's cancellation and bounded
// by the dispatch timeout, so a terminal that hangs up does not abort a
// dispatch that is already under way.
//
// When a push carries only a serial number that no identity tier knows, the
// message is still dispatched under the configured sentinel device id with
// DeviceResolution set to "sentinel".
package router
