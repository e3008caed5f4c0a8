package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/natsclient"
	"github.com/c360/termstream/pkg/codec"
	"github.com/c360/termstream/pkg/retry"
	"github.com/c360/termstream/protocol"
)

// StreamPublisher is the JetStream half of the NATS client
type StreamPublisher interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStream(ctx context.Context, subject, msgID string, data []byte) (uint64, error)
}

var _ StreamPublisher = (*natsclient.Client)(nil)

// OutboxConfig names the stream and its retention
type OutboxConfig struct {
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	Duplicates    time.Duration

	// Publish backs off on transient publish failures. Retries reuse the
	// message ID so the stream drops duplicates inside the Duplicates window.
	Publish retry.Config
}

// StreamConfig returns the JetStream stream the outbox writes to
func (c OutboxConfig) StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        c.Stream,
		Description: "termstream normalized terminal pushes",
		Subjects:    []string{c.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      c.MaxAge,
		Duplicates:  c.Duplicates,
	}
}

// Outbox is a Dispatcher that durably enqueues messages on JetStream
type Outbox struct {
	client StreamPublisher
	cfg    OutboxConfig
	logger *slog.Logger
}

// NewOutbox creates an outbox publisher
func NewOutbox(client StreamPublisher, cfg OutboxConfig, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Publish.MaxAttempts == 0 {
		cfg.Publish = retry.DefaultConfig()
	}
	return &Outbox{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "outbox", "stream", cfg.Stream),
	}
}

// Start creates or updates the stream
func (o *Outbox) Start(ctx context.Context) error {
	if _, err := o.client.EnsureStream(ctx, o.cfg.StreamConfig()); err != nil {
		return errors.Wrap(err, "Outbox", "Start", "ensure stream "+o.cfg.Stream)
	}
	o.logger.Info("Outbox stream ready", "subjects", o.cfg.SubjectPrefix+".>")
	return nil
}

// Dispatch implements Dispatcher. It returns after the server acked the write.
func (o *Outbox) Dispatch(ctx context.Context, msg *protocol.Message) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDispatchFailed, err), "Outbox", "Dispatch", "encode "+msg.ID)
	}

	subject := Subject(o.cfg.SubjectPrefix, msg)
	seq, err := retry.DoWithResult(ctx, o.cfg.Publish, func(ctx context.Context) (uint64, error) {
		return o.client.PublishToStream(ctx, subject, msg.ID, data)
	})
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrDispatchFailed, err), "Outbox", "Dispatch", "publish "+subject)
	}

	o.logger.Debug("Message enqueued", "message_id", msg.ID, "subject", subject, "seq", seq)
	return nil
}

// DecodeMessage reverses the outbox wire encoding
func DecodeMessage(data []byte) (*protocol.Message, error) {
	var msg protocol.Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, errors.WrapInvalid(errors.ErrDataCorrupted, "Outbox", "DecodeMessage", "decode CBOR")
	}
	return &msg, nil
}
