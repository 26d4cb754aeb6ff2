package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sessionbroker/broker/internal/common/logger"
)

// NATSConfig configures the NATS-backed queue.
type NATSConfig struct {
	URL           string
	Subject       string
	ClientID      string
	MaxReconnects int
}

// NATS is a Queue backed by a NATS JetStream work-queue stream with a
// durable pull consumer, so queued task ids persist and are shared when the
// broker runs as more than one instance. Pop acks each message as soon as it
// is fetched, so a popped id is not redelivered.
type NATS struct {
	conn     *nats.Conn
	js       nats.JetStreamContext
	sub      *nats.Subscription
	subject  string
	log      *logger.Logger
	inflight map[*nats.Msg]struct{}
}

var _ Queue = (*NATS)(nil)

// NewNATS connects to NATS, provisions the stream and a pull consumer for
// cfg.Subject, and returns a ready-to-use queue.
func NewNATS(cfg NATSConfig, log *logger.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats queue disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats queue reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats queue error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	streamName := "SESSIONBROKER_TASKS"
	if _, err := js.StreamInfo(streamName); err != nil {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{cfg.Subject},
			Storage:  nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	sub, err := js.PullSubscribe(cfg.Subject, "sessionbroker-dispatch", nats.ManualAck())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create pull subscription: %w", err)
	}

	log.Info("connected to NATS task queue", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))

	return &NATS{
		conn:     conn,
		js:       js,
		sub:      sub,
		subject:  cfg.Subject,
		log:      log,
		inflight: make(map[*nats.Msg]struct{}),
	}, nil
}

// Conn exposes the underlying connection so other components (e.g. the
// outbox notifier) can share it instead of opening a second one.
func (n *NATS) Conn() *nats.Conn {
	return n.conn
}

func (n *NATS) Push(ctx context.Context, taskID string) error {
	_, err := n.js.Publish(n.subject, []byte(taskID))
	if err != nil {
		return fmt.Errorf("failed to publish task id: %w", err)
	}
	return nil
}

// Pop fetches a single message with a short wait and acks it immediately:
// the broker's own at-most-once send guarantee lives in the store's
// PENDING->SENT compare-and-set, not in NATS redelivery, so the queue only
// needs to hand off task ids reliably, not track them once popped.
func (n *NATS) Pop(ctx context.Context) (string, error) {
	msgs, err := n.sub.Fetch(1, nats.MaxWait(200*time.Millisecond))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return "", ErrEmpty
		}
		return "", fmt.Errorf("failed to fetch from queue: %w", err)
	}
	if len(msgs) == 0 {
		return "", ErrEmpty
	}

	msg := msgs[0]
	if err := msg.Ack(); err != nil {
		n.log.Warn("failed to ack queue message", zap.Error(err))
	}
	return string(msg.Data), nil
}

func (n *NATS) Len() int {
	info, err := n.sub.ConsumerInfo()
	if err != nil {
		return 0
	}
	return int(info.NumPending)
}

func (n *NATS) Close() error {
	if n.conn != nil {
		return n.conn.Drain()
	}
	return nil
}
