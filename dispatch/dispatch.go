package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/protocol"
)

// ErrConsumerPanic marks a consumer that panicked while handling a message
var ErrConsumerPanic = errors.New("consumer panicked")

// Dispatcher delivers a decoded message downstream
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *protocol.Message) error
}

// Consumer is a business module receiving messages
type Consumer interface {
	Name() string
	Consume(ctx context.Context, msg *protocol.Message) error
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc struct {
	ID string
	Fn func(ctx context.Context, msg *protocol.Message) error
}

// Name implements Consumer
func (c ConsumerFunc) Name() string { return c.ID }

// Consume implements Consumer
func (c ConsumerFunc) Consume(ctx context.Context, msg *protocol.Message) error { return c.Fn(ctx, msg) }

// Fanout delivers each message to every consumer subscribed to its record
// type. Delivery fails if any consumer fails.
type Fanout struct {
	mu        sync.RWMutex
	consumers map[protocol.RecordType][]Consumer
	logger    *slog.Logger
}

// NewFanout creates an empty fanout
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		consumers: make(map[protocol.RecordType][]Consumer),
		logger:    logger.With("component", "fanout"),
	}
}

// Subscribe registers c for the given record types
func (f *Fanout) Subscribe(c Consumer, types ...protocol.RecordType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rt := range types {
		f.consumers[rt] = append(f.consumers[rt], c)
	}
}

// Dispatch implements Dispatcher. Messages nobody subscribed to are dropped
// with a debug log.
func (f *Fanout) Dispatch(ctx context.Context, msg *protocol.Message) error {
	f.mu.RLock()
	consumers := f.consumers[msg.RecordType]
	f.mu.RUnlock()

	if len(consumers) == 0 {
		f.logger.Debug("No consumer for record type", "record_type", msg.RecordType, "message_id", msg.ID)
		return nil
	}

	var errs []error
	for _, c := range consumers {
		if err := consume(ctx, c, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrDispatchFailed, errors.Join(errs...)),
			"Fanout", "Dispatch", "deliver "+msg.ID)
	}
	return nil
}

// consume runs one consumer, turning a panic into ErrConsumerPanic so the
// remaining consumers still receive msg.
func consume(ctx context.Context, c Consumer, msg *protocol.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrConsumerPanic, p)
		}
	}()
	return c.Consume(ctx, msg)
}

// Log is a Dispatcher that only logs
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging dispatcher
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "dispatch-log")}
}

// Dispatch implements Dispatcher
func (l *Log) Dispatch(_ context.Context, msg *protocol.Message) error {
	l.logger.Info("Message dispatched",
		"message_id", msg.ID,
		"protocol", msg.ProtocolCode,
		"record_type", msg.RecordType,
		"device_id", msg.DeviceID,
		"device_resolution", msg.DeviceResolution,
		"records", len(msg.Records))
	return nil
}

// Subject returns the outbox subject for msg under prefix
func Subject(prefix string, msg *protocol.Message) string {
	return prefix + "." + string(msg.RecordType) + "." + strings.ToLower(msg.ProtocolCode)
}
