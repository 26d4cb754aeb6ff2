// Package store persists sessions, send-tasks, messages, transfer records,
// and the audit/outbox rows that back them. It is the single shared mutable
// resource in the service (see SPEC_FULL.md §5): every invariant the rest of
// the broker relies on is enforced here, either via a transaction or via a
// conditional update pushed into the SQL itself.
package store

import (
	"context"
	"time"

	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

// OutboxEntry is a pending side-effect notification, written in the same
// transaction as the state change that produced it and drained later by
// notify.Dispatcher.
type OutboxEntry struct {
	ID          int64
	SessionID   string
	Kind        string
	Payload     string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// CreateSessionInput bundles a new session together with its optional
// initial SendTask so the two rows can be written atomically.
type CreateSessionInput struct {
	Session *v1.Session
	Task    *v1.SendTask // nil for sessions opened by message ingestion
}

// Store is the abstract persistence capability. Two concrete backends are
// provided: PostgreSQL (pgx) and SQLite (mattn/go-sqlite3), both accessed
// through jmoiron/sqlx.
type Store interface {
	// Admission / session lookup.

	// FindActiveSession returns the current non-terminal session for
	// (accountID, shopID), or nil if there is none. When a PAUSED session
	// coexists with the session that preempted it, the latter is returned.
	FindActiveSession(ctx context.Context, accountID, shopID string) (*v1.Session, error)

	// FindByExternalTaskID returns the session created for a given
	// external_task_id, or nil. Used to satisfy P5 (create idempotency).
	FindByExternalTaskID(ctx context.Context, externalTaskID string) (*v1.Session, error)

	// GetSession fetches a session by id.
	GetSession(ctx context.Context, sessionID string) (*v1.Session, error)

	// CreateSession admits a new session (and optional SendTask) atomically.
	// ok=false (with err=nil) means the partial-unique-index on
	// (account_id, shop_id) restricted to PENDING, ACTIVE and TRANSFERRED
	// sessions rejected the
	// insert because a concurrent writer won the race; the caller should
	// re-read FindActiveSession and retry the decision.
	CreateSession(ctx context.Context, in CreateSessionInput, op *v1.SessionOperation, outbox *OutboxEntry) (ok bool, err error)

	// PreemptAndCreate atomically transitions pausedSessionID to PAUSED with
	// the given transfer reason and inserts the new session (and its task,
	// if any) in one transaction.
	PreemptAndCreate(ctx context.Context, pausedSessionID, pauseReason string, in CreateSessionInput, op *v1.SessionOperation, outbox *OutboxEntry) error

	// RecordOperation appends a standalone audit row (used for CONFLICT and
	// DUPLICATE decisions, which do not mutate any session).
	RecordOperation(ctx context.Context, op *v1.SessionOperation) error

	// Session state machine primitives (SessionManager is the only caller).

	// SetState performs a compare-and-set state transition: the update only
	// applies if the session's current state is in fromStates. ok=false
	// means the row was not in an expected state (stale read / concurrent
	// transition elsewhere).
	SetState(ctx context.Context, sessionID string, fromStates []v1.SessionState, to v1.SessionState, at time.Time) (ok bool, err error)

	// SetStateWithTransfer is SetState plus an append to session_transfers,
	// used for the ACTIVE->TRANSFERRED edge.
	SetStateWithTransfer(ctx context.Context, sessionID string, fromStates []v1.SessionState, to v1.SessionState, record *v1.TransferRecord) (ok bool, err error)

	// TouchActivity advances last_activity_at monotonically
	// (last_activity_at = GREATEST(current, at)).
	TouchActivity(ctx context.Context, sessionID string, at time.Time) error

	// ListTimedOut returns non-terminal sessions whose last_activity_at is
	// older than now minus their own max_inactive_minutes.
	ListTimedOut(ctx context.Context, now time.Time) ([]*v1.Session, error)

	// FindPausedSibling finds a PAUSED session for (accountID, shopID),
	// used to resume a preempted session once the preempting one finishes.
	FindPausedSibling(ctx context.Context, accountID, shopID string) (*v1.Session, error)

	// SendTask operations.

	// GetSendTask fetches a send task by id.
	GetSendTask(ctx context.Context, taskID int64) (*v1.SendTask, error)

	// LatestSendTaskForSession returns the most recently created SendTask
	// bound to a session.
	LatestSendTaskForSession(ctx context.Context, sessionID string) (*v1.SendTask, error)

	// MarkSent performs the conditional PENDING->SENT flip. ok=false means
	// another caller already flipped it (or it never existed).
	MarkSent(ctx context.Context, taskID int64) (ok bool, err error)

	// CompleteSendTaskAndActivateSession flips the session's latest SendTask
	// SENT->COMPLETED (or ->FAILED) and, on first success, activates the
	// owning session (PENDING->ACTIVE) in one transaction.
	CompleteSendTaskAndActivateSession(ctx context.Context, sessionID string, success bool) error

	// CancelPendingTask cancels (marks FAILED) any PENDING SendTask owned by
	// a session, used when the reaper times a PENDING session out.
	CancelPendingTask(ctx context.Context, sessionID string) error

	// ListStalePending returns SendTasks still PENDING past the grace
	// window, for TaskDispatcher.Reconcile to re-enqueue.
	ListStalePending(ctx context.Context, olderThan time.Time) ([]*v1.SendTask, error)

	// HasRecentMatchingSend reports whether a SendTask belonging to
	// sessionID with matching content was created within the given window
	// before `at`, the default human-intervention matcher's primitive.
	HasRecentMatchingSend(ctx context.Context, sessionID, content string, at time.Time, window time.Duration) (bool, error)

	// Messages.

	// FilterNewMessageIDs returns the subset of the given message ids that
	// are not yet present in the store (I.e. not duplicates).
	FilterNewMessageIDs(ctx context.Context, messageIDs []string) (map[string]bool, error)

	// InsertMessages persists a batch of messages, skipping any whose
	// message_id already exists. Returns the number actually inserted.
	InsertMessages(ctx context.Context, messages []*v1.Message) (inserted int, err error)

	// LatestMessageSentAt returns the sent_at of the most recent message
	// previously stored for (accountID, shopID), or nil if there is none.
	LatestMessageSentAt(ctx context.Context, accountID, shopID string) (*time.Time, error)

	// Outbox.

	// ListPendingOutbox returns undelivered outbox rows, oldest first.
	ListPendingOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error)

	// MarkOutboxDelivered marks an outbox row delivered.
	MarkOutboxDelivered(ctx context.Context, id int64, at time.Time) error

	// AppendOutbox appends a standalone outbox row outside of a session
	// mutation (e.g. the transfer notification written by
	// SessionManager.Transfer after the transfer commits).
	AppendOutbox(ctx context.Context, entry *OutboxEntry) error

	// Close releases underlying connections.
	Close() error
}
