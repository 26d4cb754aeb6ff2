// Package notify drains the outbox of pending human-notification events:
// every side effect produced by preemption, transfer, or a gap-opened
// session is written to the outbox inside the transaction that caused it,
// and a separate Dispatcher delivers it here on a poll loop.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/store"
)

// Notifier publishes a single outbox payload to whatever transport backs a
// human-notification channel.
type Notifier interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// NATSNotifier publishes outbox payloads to a NATS subject.
type NATSNotifier struct {
	conn *nats.Conn
}

var _ Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier wraps an already-connected NATS client.
func NewNATSNotifier(conn *nats.Conn) *NATSNotifier {
	return &NATSNotifier{conn: conn}
}

func (n *NATSNotifier) Publish(_ context.Context, subject string, payload []byte) error {
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// LogNotifier is the fallback Notifier used when no NATS connection is
// configured: it logs the notification instead of delivering it, so the
// outbox drain loop still has somewhere to send events in local/dev setups.
type LogNotifier struct {
	log *logger.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier constructs the logging fallback notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Publish(_ context.Context, subject string, payload []byte) error {
	n.log.Info("notification", zap.String("subject", subject), zap.ByteString("payload", payload))
	return nil
}

// Dispatcher polls the outbox and delivers pending rows through a Notifier,
// marking them delivered on success. Delivery failures are logged and left
// for the next tick; they are never fatal to the request that produced them.
type Dispatcher struct {
	store    store.Store
	notifier Notifier
	subject  string
	interval time.Duration
	batch    int
	log      *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an outbox Dispatcher.
func New(st store.Store, notifier Notifier, subject string, interval time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		notifier: notifier,
		subject:  subject,
		interval: interval,
		batch:    50,
		log:      log.With(zap.String("component", "notify-dispatcher")),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background drain loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.loop(ctx)
}

// Stop halts the drain loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if n, err := d.DispatchOnce(ctx); err != nil {
				d.log.Error("outbox dispatch pass failed", zap.Error(err))
			} else if n > 0 {
				d.log.Debug("delivered outbox notifications", zap.Int("count", n))
			}
		}
	}
}

// DispatchOnce delivers one batch of pending outbox rows.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.store.ListPendingOutbox(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("listing pending outbox rows: %w", err)
	}

	delivered := 0
	for _, entry := range pending {
		if err := d.notifier.Publish(ctx, d.subject, []byte(entry.Payload)); err != nil {
			d.log.Warn("failed to deliver notification, retrying next tick",
				zap.Int64("outbox_id", entry.ID), zap.String("session_id", entry.SessionID), zap.Error(err))
			continue
		}
		if err := d.store.MarkOutboxDelivered(ctx, entry.ID, time.Now().UTC()); err != nil {
			d.log.Warn("failed to mark outbox row delivered", zap.Int64("outbox_id", entry.ID), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, nil
}
