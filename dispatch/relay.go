package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/protocol"
)

// Relay drains the outbox stream into a Dispatcher with a durable consumer.
// A failed delivery is nacked and redelivered by the server, so consumers
// must tolerate duplicates.
type Relay struct {
	stream  jetstream.Stream
	durable string
	target  Dispatcher
	logger  *slog.Logger

	mu      sync.Mutex
	consume jetstream.ConsumeContext
}

// NewRelay creates a relay from stream to target
func NewRelay(stream jetstream.Stream, durable string, target Dispatcher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		stream:  stream,
		durable: durable,
		target:  target,
		logger:  logger.With("component", "relay", "durable", durable),
	}
}

// Start begins consuming
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consume != nil {
		return errors.ErrAlreadyStarted
	}

	consumer, err := r.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    r.durable,
		AckPolicy:  jetstream.AckExplicitPolicy,
		MaxDeliver: 5,
	})
	if err != nil {
		return errors.WrapTransient(err, "Relay", "Start", "create consumer "+r.durable)
	}

	// Deliveries outlive the Start call; they stop with Stop.
	deliverCtx := context.WithoutCancel(ctx)
	cc, err := consumer.Consume(func(m jetstream.Msg) {
		r.handle(deliverCtx, m)
	})
	if err != nil {
		return errors.WrapTransient(err, "Relay", "Start", "consume")
	}
	r.consume = cc
	return nil
}

func (r *Relay) handle(ctx context.Context, m jetstream.Msg) {
	msg, err := DecodeMessage(m.Data())
	if err != nil {
		r.logger.Error("Dropping undecodable outbox entry", "subject", m.Subject(), "error", err)
		_ = m.Term()
		return
	}

	if err := r.deliver(ctx, msg); err != nil {
		r.logger.Warn("Delivery failed, requesting redelivery", "message_id", msg.ID, "error", err)
		_ = m.Nak()
		return
	}
	if err := m.Ack(); err != nil {
		r.logger.Warn("Ack failed", "message_id", msg.ID, "error", err)
	}
}

// deliver keeps a panicking target off the nats.go consume goroutine
func (r *Relay) deliver(ctx context.Context, msg *protocol.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrConsumerPanic, p)
		}
	}()
	return r.target.Dispatch(ctx, msg)
}

// Stop halts consumption
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consume != nil {
		r.consume.Stop()
		r.consume = nil
	}
}
