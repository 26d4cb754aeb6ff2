// Package dispatch implements the send-task dispatcher: it couples the
// durable SendTask record with the advisory Queue, handing out the next
// task id to RPA workers and reconciling tasks the Queue lost.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sessionbroker/broker/internal/common/errors"
	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/manager"
	"github.com/sessionbroker/broker/internal/session/queue"
	"github.com/sessionbroker/broker/internal/session/store"
)

// SendInfo is the payload a worker needs to perform a send.
type SendInfo struct {
	SendContent string `json:"send_content"`
	SendURL     string `json:"send_url"`
	ShopName    string `json:"shop_name"`
}

// Dispatcher hands out send-task ids and reconciles the Queue against the
// store's PENDING SendTasks.
type Dispatcher struct {
	store   store.Store
	queue   queue.Queue
	manager *manager.Manager
	log     *logger.Logger

	pendingGrace      time.Duration
	reconcileInterval time.Duration
	stopCh            chan struct{}
	wg                sync.WaitGroup
}

// New constructs a TaskDispatcher.
func New(st store.Store, q queue.Queue, mgr *manager.Manager, pendingGrace, reconcileInterval time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:             st,
		queue:             q,
		manager:           mgr,
		log:               log.With(zap.String("component", "task-dispatcher")),
		pendingGrace:      pendingGrace,
		reconcileInterval: reconcileInterval,
		stopCh:            make(chan struct{}),
	}
}

// Push enqueues a newly created SendTask's id, called by the admission path
// right after a bot session and its task are accepted.
func (d *Dispatcher) Push(ctx context.Context, taskID int64) error {
	return d.queue.Push(ctx, strconv.FormatInt(taskID, 10))
}

// NextTaskID performs a non-blocking pop from the Queue.
func (d *Dispatcher) NextTaskID(ctx context.Context) (int64, bool, error) {
	raw, err := d.queue.Pop(ctx)
	if err != nil {
		if err == queue.ErrEmpty {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("popping queue: %w", err)
	}
	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed queue entry %q: %w", raw, err)
	}
	return taskID, true, nil
}

// GetSendInfo fetches a task's payload and marks it SENT, the conditional
// PENDING->SENT flip that guarantees at-most-once hand-off.
func (d *Dispatcher) GetSendInfo(ctx context.Context, taskID int64) (*SendInfo, error) {
	task, err := d.store.GetSendTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetching send task: %w", err)
	}
	if task == nil {
		return nil, apperrors.TaskNotFound(strconv.FormatInt(taskID, 10))
	}

	if _, err := d.store.MarkSent(ctx, taskID); err != nil {
		return nil, fmt.Errorf("marking task sent: %w", err)
	}

	return &SendInfo{SendContent: task.SendContent, SendURL: task.SendURL, ShopName: task.ShopName}, nil
}

// Complete flips the session's most recent SendTask to COMPLETED (or to
// FAILED when success is false), activating a PENDING session only on
// success, and then calls SessionManager.Complete in either case. A session
// left PENDING by a failed send therefore fails that call with INVALID_STATE.
func (d *Dispatcher) Complete(ctx context.Context, sessionID string, success bool, errorMessage string) error {
	if err := d.store.CompleteSendTaskAndActivateSession(ctx, sessionID, success); err != nil {
		return fmt.Errorf("completing send task: %w", err)
	}
	return d.manager.Complete(ctx, sessionID, success, errorMessage)
}

// Start launches the background reconciler loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.reconcileLoop(ctx)
}

// Stop halts the reconciler loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) reconcileLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if n, err := d.Reconcile(ctx); err != nil {
				d.log.Error("reconcile pass failed", zap.Error(err))
			} else if n > 0 {
				d.log.Info("reconciled stale pending tasks", zap.Int("requeued", n))
			}
		}
	}
}

// Reconcile re-pushes SendTasks stuck PENDING past the grace window, making
// the Queue's own durability guarantees advisory rather than load-bearing.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	stale, err := d.store.ListStalePending(ctx, time.Now().UTC().Add(-d.pendingGrace))
	if err != nil {
		return 0, fmt.Errorf("listing stale pending tasks: %w", err)
	}

	requeued := 0
	for _, task := range stale {
		if err := d.Push(ctx, task.TaskID); err != nil {
			d.log.Warn("failed to requeue stale task", zap.Int64("task_id", task.TaskID), zap.Error(err))
			continue
		}
		requeued++
	}
	return requeued, nil
}
