package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/c360/termstream/dispatch"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/identity"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/worker"
	"github.com/c360/termstream/protocol"
)

// DeviceResolver is the part of identity.Resolver the router needs
type DeviceResolver interface {
	Resolve(ctx context.Context, serial string) (*identity.DeviceIdentity, identity.Tier)
}

// Config holds router settings
type Config struct {
	Workers          int
	QueueSize        int
	DispatchTimeout  time.Duration
	SentinelDeviceID int64
	PayloadCapacity  int
	NodeID           int64
}

// DefaultConfig returns the router defaults
func DefaultConfig() Config {
	return Config{
		Workers:          16,
		QueueSize:        1024,
		DispatchTimeout:  5 * time.Second,
		SentinelDeviceID: 1,
		PayloadCapacity:  256,
	}
}

// Stats are cumulative router counters
type Stats struct {
	Routed      int64
	Dispatched  int64
	Failed      int64
	Sentinel    int64
	Rejected    int64
	QueueDepth  int
	QueueSize   int
	WorkerCount int
}

type job struct {
	ctx     context.Context
	push    protocol.RawPush
	code    string
	decoder protocol.Decoder
	ref     string
	id      snowflake.ID
	future  *worker.Future[*protocol.Message]
}

// Router turns RawPush values into dispatched Messages
type Router struct {
	cfg        Config
	decoders   *protocol.Registry
	tables     *protocol.TableMap
	resolver   DeviceResolver
	dispatcher dispatch.Dispatcher
	pool       *worker.Pool[*job]
	ids        *snowflake.Node
	payloads   *payloadLog
	logger     *slog.Logger
	registry   *metric.MetricsRegistry
	metrics    *metric.Metrics

	mu      sync.Mutex
	started bool

	routed     atomic.Int64
	dispatched atomic.Int64
	failed     atomic.Int64
	sentinel   atomic.Int64
	rejected   atomic.Int64
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolver sets the device resolver. Without one every serial-only push
// gets the sentinel device id.
func WithResolver(resolver DeviceResolver) Option {
	return func(r *Router) { r.resolver = resolver }
}

// WithMetrics records degradations and pool metrics in registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Router) {
		if registry != nil {
			r.registry = registry
			r.metrics = registry.CoreMetrics()
		}
	}
}

// New creates a router. decoders must hold every protocol code the table map
// refers to.
func New(cfg Config, decoders *protocol.Registry, tables *protocol.TableMap,
	dispatcher dispatch.Dispatcher, opts ...Option,
) (*Router, error) {
	if decoders == nil || tables == nil || dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New", "decoders, tables and dispatcher are required")
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaults.DispatchTimeout
	}
	if cfg.PayloadCapacity <= 0 {
		cfg.PayloadCapacity = defaults.PayloadCapacity
	}
	if cfg.SentinelDeviceID <= 0 {
		cfg.SentinelDeviceID = defaults.SentinelDeviceID
	}

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Router", "New", "snowflake node "+strconv.FormatInt(cfg.NodeID, 10))
	}

	r := &Router{
		cfg:        cfg,
		decoders:   decoders,
		tables:     tables,
		dispatcher: dispatcher,
		ids:        ids,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")

	poolOpts := []worker.Option[*job]{worker.WithDropHandler(r.abandon)}
	if r.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*job](r.registry, "router"))
	}

	r.payloads, err = newPayloadLog(cfg.PayloadCapacity, r.registry)
	if err != nil {
		return nil, err
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, r.process, poolOpts...)
	return r, nil
}

// Start launches the worker pool
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.ErrAlreadyStarted
	}
	if err := r.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Router", "Start", "start pool")
	}
	r.started = true
	r.logger.Info("Router started", "workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
	return nil
}

// Stop lets queued jobs finish within timeout. Jobs still queued after that
// fail with errors.ErrShuttingDown.
func (r *Router) Stop(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false
	if err := r.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "Router", "Stop", "drain pool")
	}
	r.logger.Info("Router stopped", "routed", r.routed.Load(), "failed", r.failed.Load())
	return nil
}

// SetTables swaps the table to protocol map
func (r *Router) SetTables(tables map[string]string) {
	r.tables.Replace(tables)
	r.logger.Info("Table map updated", "tables", len(tables))
}

// Route classifies push and schedules the rest of the pipeline. The returned
// future completes with the dispatched message or a *errors.PipelineError.
func (r *Router) Route(ctx context.Context, push protocol.RawPush) *worker.Future[*protocol.Message] {
	future := worker.NewFuture[*protocol.Message]()
	r.routed.Add(1)

	if push.ReceivedAt.IsZero() {
		push.ReceivedAt = time.Now().UTC()
	}

	id := r.ids.Generate()
	ref := payloadRef(push.Payload, id.String())
	r.payloads.put(PayloadRecord{
		Ref:          ref,
		ProtocolHint: push.ProtocolHint,
		TableHint:    push.TableHint,
		Serial:       push.SerialNumber,
		DeviceID:     push.DeviceID,
		Payload:      append([]byte(nil), push.Payload...),
		ReceivedAt:   push.ReceivedAt,
	})

	code, decoder, err := r.classify(push)
	if err != nil {
		r.fail(future, r.pipelineError(errors.StageClassify, push, ref, err))
		return future
	}

	j := &job{
		ctx:     context.WithoutCancel(ctx),
		push:    push,
		code:    code,
		decoder: decoder,
		ref:     ref,
		id:      id,
		future:  future,
	}
	if err := r.pool.Submit(j); err != nil {
		r.rejected.Add(1)
		r.fail(future, r.pipelineError(errors.StageAdmission, push, ref,
			errors.WrapTransient(err, "Router", "Route", "enqueue")))
	}
	return future
}

// Process routes push and waits for the outcome
func (r *Router) Process(ctx context.Context, push protocol.RawPush) (*protocol.Message, error) {
	return r.Route(ctx, push).Wait(ctx)
}

// Payload returns a retained raw payload by reference
func (r *Router) Payload(ref string) (PayloadRecord, bool) {
	return r.payloads.get(ref)
}

// Stats returns cumulative counters
func (r *Router) Stats() Stats {
	ps := r.pool.Stats()
	return Stats{
		Routed:      r.routed.Load(),
		Dispatched:  r.dispatched.Load(),
		Failed:      r.failed.Load(),
		Sentinel:    r.sentinel.Load(),
		Rejected:    r.rejected.Load(),
		QueueDepth:  ps.QueueDepth,
		QueueSize:   ps.QueueSize,
		WorkerCount: ps.Workers,
	}
}

// classify picks a decoder: explicit code first, then table hint, then
// device type and manufacturer.
func (r *Router) classify(push protocol.RawPush) (string, protocol.Decoder, error) {
	var code string
	var err error

	switch {
	case push.ProtocolHint != "":
		code = push.ProtocolHint
	case push.TableHint != "":
		code, err = r.tables.Resolve(push.TableHint)
	case push.DeviceTypeHint != "" || push.ManufacturerHint != "":
		code, err = r.decoders.ResolveComposite(push.DeviceTypeHint, push.ManufacturerHint)
	default:
		err = errors.WrapInvalid(errors.ErrUnresolvableProtocol, "Router", "classify", "push carries no protocol selector")
	}
	if err != nil {
		return "", nil, err
	}

	decoder, err := r.decoders.Lookup(code)
	if err != nil {
		return "", nil, err
	}
	return decoder.Code(), decoder, nil
}

func (r *Router) process(_ context.Context, j *job) (err error) {
	ctx, cancel := context.WithTimeout(j.ctx, r.cfg.DispatchTimeout)
	defer cancel()

	stage := errors.StageDecode
	defer func() {
		if p := recover(); p != nil {
			cause := fmt.Errorf("%w: %v", worker.ErrProcessorPanic, p)
			switch stage {
			case errors.StageDecode:
				cause = errors.Join(errors.ErrDecodeFailed, cause)
			case errors.StageDispatch:
				cause = errors.Join(errors.ErrDispatchFailed, cause)
			}
			err = r.fail(j.future, r.pipelineError(stage, j.push, j.ref,
				errors.WrapFatal(cause, "Router", "process", string(stage)+" "+j.id.String())))
		}
	}()

	decoded, err := j.decoder.Decode(j.push.Payload)
	if err == nil && len(decoded.Records) == 0 {
		err = errors.WrapInvalid(errors.ErrDecodeFailed, "Router", "process", j.code+" produced no records")
	}
	if err != nil {
		return r.fail(j.future, r.pipelineError(errors.StageDecode, j.push, j.ref, err))
	}

	stage = errors.StageIdentity
	deviceID, resolution := r.identify(ctx, j.push, j.code, j.ref)

	msg := &protocol.Message{
		ID:               j.id.String(),
		ProtocolCode:     j.code,
		DeviceID:         deviceID,
		DeviceResolution: resolution,
		SerialNumber:     j.push.SerialNumber,
		RecordType:       decoded.RecordType,
		Fields:           decoded.Records[0],
		Records:          decoded.Records,
		RawPayloadRef:    j.ref,
		OccurredAt:       decoded.OccurredAt,
		ReceivedAt:       j.push.ReceivedAt,
	}

	stage = errors.StageDispatch
	if err := r.dispatcher.Dispatch(ctx, msg); err != nil {
		if !errors.Is(err, errors.ErrDispatchFailed) {
			err = errors.Wrap(errors.Join(errors.ErrDispatchFailed, err), "Router", "process", "dispatch "+msg.ID)
		}
		return r.fail(j.future, r.pipelineError(errors.StageDispatch, j.push, j.ref, err))
	}

	r.dispatched.Add(1)
	j.future.Complete(msg, nil)
	return nil
}

// identify picks the device id for a push. It never fails: an unresolved
// serial yields the sentinel id.
func (r *Router) identify(ctx context.Context, push protocol.RawPush, code, ref string) (int64, protocol.Resolution) {
	if push.DeviceID != 0 {
		return push.DeviceID, protocol.ResolutionExplicit
	}

	if push.SerialNumber != "" && r.resolver != nil {
		device, tier := r.resolver.Resolve(ctx, push.SerialNumber)
		if device != nil {
			if tier == identity.TierDirectory {
				return device.DeviceID, protocol.ResolutionDirectory
			}
			return device.DeviceID, protocol.ResolutionCache
		}
	}

	r.sentinel.Add(1)
	if r.metrics != nil {
		r.metrics.IdentityDegradations.Inc()
	}
	r.logger.Warn("Device unresolved, using sentinel device id",
		"sentinel_device_id", r.cfg.SentinelDeviceID,
		"protocol", code,
		"table_hint", push.TableHint,
		"sn", push.SerialNumber,
		"payload_size", len(push.Payload),
		"payload_ref", ref)
	return r.cfg.SentinelDeviceID, protocol.ResolutionSentinel
}

func (r *Router) pipelineError(stage errors.Stage, push protocol.RawPush, ref string, err error) *errors.PipelineError {
	pe := &errors.PipelineError{
		Stage:        stage,
		ProtocolHint: push.ProtocolHint,
		TableHint:    push.TableHint,
		Serial:       push.SerialNumber,
		PayloadSize:  len(push.Payload),
		PayloadRef:   ref,
		Err:          err,
	}
	switch {
	case push.DeviceID != 0:
		pe.DeviceHint = strconv.FormatInt(push.DeviceID, 10)
	case push.DeviceTypeHint != "" || push.ManufacturerHint != "":
		pe.DeviceHint = protocol.CompositeKey(push.DeviceTypeHint, push.ManufacturerHint)
	}
	return pe
}

func (r *Router) fail(future *worker.Future[*protocol.Message], pe *errors.PipelineError) error {
	r.failed.Add(1)
	r.payloads.markFailed(pe.PayloadRef, pe)

	attrs := append(pe.LogAttrs(), "error", pe.Err)
	if pe.Stage == errors.StageDispatch {
		r.logger.Error("Push dispatch failed", attrs...)
	} else {
		r.logger.Warn("Push rejected", attrs...)
	}

	future.Fail(pe)
	return pe
}

// abandon fails a job the pool dropped during shutdown
func (r *Router) abandon(j *job) {
	r.fail(j.future, r.pipelineError(errors.StageAdmission, j.push, j.ref,
		errors.WrapTransient(errors.ErrShuttingDown, "Router", "abandon", "drain queue")))
}
