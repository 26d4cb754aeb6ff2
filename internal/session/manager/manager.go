// Package manager owns the session state machine: creating sessions is
// AdmissionController's job, but every transition after that, completion,
// transfer, timeout, release of a preempted sibling, goes through Manager
// so the allowed-transition graph is enforced in one place. The background
// reaper loop follows the usual Start/Stop/reapLoop goroutine idiom.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sessionbroker/broker/internal/common/errors"
	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/store"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

// Manager owns the session state machine and the periodic reaper.
type Manager struct {
	store store.Store
	log   *logger.Logger

	reapInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New constructs a SessionManager.
func New(st store.Store, reapInterval time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		store:        st,
		log:          log.With(zap.String("component", "session-manager")),
		reapInterval: reapInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the background reaper loop (SPEC_FULL.md §4.2 Reap).
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.reapLoop(ctx)
}

// Stop halts the reaper loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Reap(ctx, time.Now().UTC()); err != nil {
				m.log.Error("reap pass failed", zap.Error(err))
			}
		}
	}
}

// Complete transitions a session to COMPLETED from ACTIVE or TRANSFERRED.
func (m *Manager) Complete(ctx context.Context, sessionID string, success bool, errorMessage string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetching session: %w", err)
	}
	if sess == nil {
		return apperrors.SessionNotFound(sessionID)
	}

	applied, err := m.store.SetState(ctx, sessionID,
		[]v1.SessionState{v1.SessionActive, v1.SessionTransferred}, v1.SessionCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	if !applied {
		return apperrors.InvalidState(fmt.Sprintf("session %s cannot complete from state %s", sessionID, sess.State))
	}

	detail := "success"
	if !success {
		detail = "failure:" + errorMessage
	}
	if err := m.store.RecordOperation(ctx, &v1.SessionOperation{
		SessionID: sessionID, Operation: v1.OpCompleted, Detail: detail, OccurredAt: time.Now().UTC(),
	}); err != nil {
		m.log.Warn("failed to record completed operation", zap.Error(err))
	}

	m.releaseSibling(ctx, sess)
	return nil
}

// Transfer moves a session ACTIVE -> TRANSFERRED, recording a TransferRecord
// and an outbox notification.
func (m *Manager) Transfer(ctx context.Context, sessionID, reason, urgency string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetching session: %w", err)
	}
	if sess == nil {
		return apperrors.SessionNotFound(sessionID)
	}

	now := time.Now().UTC()
	record := &v1.TransferRecord{
		SessionID:     sessionID,
		FromType:      string(sess.TaskType),
		ToType:        "human",
		Reason:        reason,
		Urgency:       urgency,
		TransferredAt: now,
	}

	applied, err := m.store.SetStateWithTransfer(ctx, sessionID,
		[]v1.SessionState{v1.SessionActive}, v1.SessionTransferred, record)
	if err != nil {
		return fmt.Errorf("transferring session: %w", err)
	}
	if !applied {
		return apperrors.InvalidState(fmt.Sprintf("session %s cannot transfer from state %s", sessionID, sess.State))
	}

	if err := m.store.RecordOperation(ctx, &v1.SessionOperation{
		SessionID: sessionID, Operation: v1.OpTransferred, Detail: reason, OccurredAt: now,
	}); err != nil {
		m.log.Warn("failed to record transferred operation", zap.Error(err))
	}
	if err := m.store.AppendOutbox(ctx, &store.OutboxEntry{
		SessionID: sessionID,
		Kind:      "session.transferred",
		Payload:   fmt.Sprintf(`{"session_id":%q,"reason":%q,"urgency":%q}`, sessionID, reason, urgency),
		CreatedAt: now,
	}); err != nil {
		m.log.Warn("failed to append transfer outbox entry", zap.Error(err))
	}

	return nil
}

// Touch advances last_activity_at monotonically.
func (m *Manager) Touch(ctx context.Context, sessionID string, at time.Time) error {
	return m.store.TouchActivity(ctx, sessionID, at)
}

// Release resumes a PAUSED session to ACTIVE, used when the preempting
// session that paused it reaches a terminal state.
func (m *Manager) Release(ctx context.Context, sessionID string) (bool, error) {
	return m.store.SetState(ctx, sessionID, []v1.SessionState{v1.SessionPaused}, v1.SessionActive, time.Now().UTC())
}

// Cancel transitions a session PENDING or PAUSED -> CANCELLED.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetching session: %w", err)
	}
	if sess == nil {
		return apperrors.SessionNotFound(sessionID)
	}

	applied, err := m.store.SetState(ctx, sessionID,
		[]v1.SessionState{v1.SessionPending, v1.SessionPaused}, v1.SessionCancelled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancelling session: %w", err)
	}
	if !applied {
		return apperrors.InvalidState(fmt.Sprintf("session %s cannot cancel from state %s", sessionID, sess.State))
	}

	if err := m.store.CancelPendingTask(ctx, sessionID); err != nil {
		m.log.Warn("failed to cancel pending task on cancel", zap.Error(err))
	}
	if err := m.store.RecordOperation(ctx, &v1.SessionOperation{
		SessionID: sessionID, Operation: v1.OpCancelled, OccurredAt: time.Now().UTC(),
	}); err != nil {
		m.log.Warn("failed to record cancelled operation", zap.Error(err))
	}

	m.releaseSibling(ctx, sess)
	return nil
}

// Reap scans for non-terminal sessions past their inactivity deadline and
// transitions them to TIMEOUT, cancelling any PENDING SendTask they own.
// Idempotent: re-running with the same now only touches rows still past
// the threshold.
func (m *Manager) Reap(ctx context.Context, now time.Time) (int, error) {
	timedOut, err := m.store.ListTimedOut(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing timed out sessions: %w", err)
	}

	reaped := 0
	for _, sess := range timedOut {
		applied, err := m.store.SetState(ctx, sess.ID,
			[]v1.SessionState{sess.State}, v1.SessionTimeout, now)
		if err != nil {
			m.log.Error("failed to timeout session", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		reaped++

		if err := m.store.CancelPendingTask(ctx, sess.ID); err != nil {
			m.log.Warn("failed to cancel pending task on timeout", zap.String("session_id", sess.ID), zap.Error(err))
		}
		if err := m.store.RecordOperation(ctx, &v1.SessionOperation{
			SessionID: sess.ID, Operation: v1.OpTimeout, OccurredAt: now,
		}); err != nil {
			m.log.Warn("failed to record timeout operation", zap.Error(err))
		}

		m.releaseSibling(ctx, sess)
	}
	return reaped, nil
}

// releaseSibling resumes a PAUSED sibling for the same (account, shop) slot
// once sess has reached a terminal state, the explicit trigger the
// distillation names but leaves unspecified.
func (m *Manager) releaseSibling(ctx context.Context, sess *v1.Session) {
	sibling, err := m.store.FindPausedSibling(ctx, sess.AccountID, sess.ShopID)
	if err != nil {
		m.log.Warn("failed to look up paused sibling", zap.Error(err))
		return
	}
	if sibling == nil {
		return
	}
	if _, err := m.Release(ctx, sibling.ID); err != nil {
		m.log.Warn("failed to release paused sibling", zap.String("session_id", sibling.ID), zap.Error(err))
	}
}
