package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"signals-backend/internal/events"
)

const (
	RawStream        = "SIGNALS_RAW"
	rawSubjectFilter = events.TopicRaw + ".>"
)

func RawSubject(e events.Envelope) string {
	return events.TopicRaw + "." + e.EventType
}

// EnsureRawStream creates the envelope stream when it does not exist yet.
func EnsureRawStream(js nats.JetStreamContext, maxAge time.Duration) error {
	_, err := js.StreamInfo(RawStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       RawStream,
		Subjects:   []string{rawSubjectFilter},
		Retention:  nats.LimitsPolicy,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

type EventPublisher struct {
	js nats.JetStreamContext
}

func NewEventPublisher(conn *nats.Conn) (*EventPublisher, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &EventPublisher{js: js}, nil
}

// PublishEnvelope writes an envelope to the raw stream. The event id doubles as
// the JetStream message id so publisher retries are dropped server side.
func (p *EventPublisher) PublishEnvelope(ctx context.Context, e events.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(RawSubject(e))
	msg.Data = data
	msg.Header.Set(HeaderPartitionKey, events.PartitionKey(e))
	msg.Header.Set(nats.MsgIdHdr, e.EventID)
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish envelope %s: %w", e.EventID, err)
	}
	return nil
}

type EnvelopeHandler func(ctx context.Context, data []byte)

type EventConsumer struct {
	js      nats.JetStreamContext
	durable string
	timeout time.Duration
	logger  *slog.Logger
	sub     *nats.Subscription
}

func NewEventConsumer(conn *nats.Conn, durable string, timeout time.Duration, logger *slog.Logger) (*EventConsumer, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EventConsumer{js: js, durable: durable, timeout: timeout, logger: logger}, nil
}

func (c *EventConsumer) JetStream() nats.JetStreamContext {
	return c.js
}

// Start binds a durable queue consumer. Every message is acked once handler
// returns; the handler owns logging of per-event failures.
func (c *EventConsumer) Start(handler EnvelopeHandler) error {
	sub, err := c.js.QueueSubscribe(rawSubjectFilter, c.durable, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		handler(ctx, msg.Data)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("ack failed", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		}
	},
		nats.Durable(c.durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.AckWait(2*c.timeout),
		nats.BindStream(RawStream),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", rawSubjectFilter, err)
	}
	c.sub = sub
	return nil
}

func (c *EventConsumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
}
