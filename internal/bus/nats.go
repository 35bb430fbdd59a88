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
	"signals-backend/internal/jobs"
)

const (
	HeaderPartitionKey = "Partition-Key"
	HeaderKey          = "Key"
)

// Connect dials NATS with reconnect handling that logs through logger.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{Conn: conn}
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if key != "" {
		msg.Header.Set(HeaderKey, key)
	}
	return p.Conn.PublishMsg(msg)
}

// NotifyJob publishes the advisory job notification keyed by incident id.
func (p *Publisher) NotifyJob(ctx context.Context, key string, n jobs.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.Publish(events.TopicAIJobs, key, n)
}

var _ jobs.Notifier = (*Publisher)(nil)

type Subscriber struct {
	Conn *nats.Conn
}

func NewSubscriber(conn *nats.Conn) *Subscriber {
	return &Subscriber{Conn: conn}
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		_ = s.Conn.Drain()
		s.Conn.Close()
	}
}

// SubscribeJobs delivers job notifications to handler. Undecodable messages are
// still delivered as a zero Notification since they only serve as a wake signal.
func (s *Subscriber) SubscribeJobs(queue string, handler func(jobs.Notification)) (*nats.Subscription, error) {
	cb := func(msg *nats.Msg) {
		var n jobs.Notification
		_ = json.Unmarshal(msg.Data, &n)
		handler(n)
	}
	if queue == "" {
		return s.Conn.Subscribe(events.TopicAIJobs, cb)
	}
	return s.Conn.QueueSubscribe(events.TopicAIJobs, queue, cb)
}

// Health reports the connection state as a ping for the admin health check.
type Health struct {
	Conn *nats.Conn
}

func (h Health) Ping(ctx context.Context) error {
	if h.Conn == nil || !h.Conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return ctx.Err()
}
