package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/sessionbroker/broker/internal/db/dialect"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

// SQLStore implements Store on top of jmoiron/sqlx, supporting both the
// PostgreSQL (pgx) and SQLite (mattn/go-sqlite3) drivers from one code path.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// New wraps an already-open *sqlx.DB and ensures the schema exists.
func New(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: db.DriverName()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) isPostgres() bool { return dialect.IsPostgres(s.driver) }

func (s *SQLStore) initSchema() error {
	pk := dialect.AutoIncrementPK(s.driver)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			shop_id TEXT NOT NULL,
			shop_name TEXT NOT NULL,
			platform TEXT NOT NULL,
			task_type TEXT NOT NULL,
			priority INTEGER NOT NULL,
			state TEXT NOT NULL,
			max_inactive_minutes INTEGER NOT NULL,
			external_task_id TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL,
			transferred_at TIMESTAMP,
			transfer_reason TEXT DEFAULT ''
		)`,
		// At most one PENDING, ACTIVE or TRANSFERRED session per
		// (account_id, shop_id). PAUSED is left out so that a preempted
		// session can coexist with the session that preempted it.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_slot
			ON sessions(account_id, shop_id)
			WHERE state IN ('PENDING','ACTIVE','TRANSFERRED')`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_account_shop ON sessions(account_id, shop_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_tasks (
			task_id %s,
			session_id TEXT NOT NULL,
			external_task_id TEXT NOT NULL UNIQUE,
			send_content TEXT NOT NULL,
			send_url TEXT NOT NULL,
			shop_name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_session_tasks_session ON session_tasks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_tasks_status ON session_tasks(status)`,

		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_nick TEXT NOT NULL,
			from_source TEXT NOT NULL,
			sent_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_transfers (
			id %s,
			session_id TEXT NOT NULL,
			from_type TEXT NOT NULL,
			to_type TEXT NOT NULL,
			reason TEXT NOT NULL,
			urgency TEXT NOT NULL,
			transferred_at TIMESTAMP NOT NULL,
			accepted_at TIMESTAMP
		)`, pk),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_operations (
			id %s,
			session_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			detail TEXT DEFAULT '',
			occurred_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_session_operations_session ON session_operations(session_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS notification_outbox (
			id %s,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			delivered_at TIMESTAMP
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON notification_outbox(delivered_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *SQLStore) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializableOpts returns the strictest isolation level the dialect
// supports for the admission decision path (SPEC_FULL.md §4.1, §5).
func (s *SQLStore) serializableOpts() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// --- Admission / session lookup -------------------------------------------------

const sessionColumns = `id, account_id, shop_id, shop_name, platform, task_type, priority,
	state, max_inactive_minutes, external_task_id, created_at, last_activity_at,
	transferred_at, transfer_reason`

func scanSession(row interface {
	Scan(dest ...interface{}) error
}) (*v1.Session, error) {
	var sess v1.Session
	var transferredAt sql.NullTime
	var transferReason sql.NullString
	err := row.Scan(&sess.ID, &sess.AccountID, &sess.ShopID, &sess.ShopName, &sess.Platform,
		&sess.TaskType, &sess.Priority, &sess.State, &sess.MaxInactiveMinutes, &sess.ExternalTaskID,
		&sess.CreatedAt, &sess.LastActivityAt, &transferredAt, &transferReason)
	if err != nil {
		return nil, err
	}
	if transferredAt.Valid {
		t := transferredAt.Time
		sess.TransferredAt = &t
	}
	sess.TransferReason = transferReason.String
	return &sess, nil
}

func (s *SQLStore) FindActiveSession(ctx context.Context, accountID, shopID string) (*v1.Session, error) {
	query := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE account_id = ? AND shop_id = ?
		AND state IN ('PENDING','ACTIVE','PAUSED','TRANSFERRED')
		ORDER BY CASE WHEN state = 'PAUSED' THEN 1 ELSE 0 END LIMIT 1`)
	row := s.db.QueryRowContext(ctx, query, accountID, shopID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLStore) FindByExternalTaskID(ctx context.Context, externalTaskID string) (*v1.Session, error) {
	query := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE external_task_id = ?`)
	row := s.db.QueryRowContext(ctx, query, externalTaskID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	query := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLStore) insertSessionTx(ctx context.Context, tx *sqlx.Tx, sess *v1.Session) error {
	query := tx.Rebind(`INSERT INTO sessions
		(id, account_id, shop_id, shop_name, platform, task_type, priority, state,
		 max_inactive_minutes, external_task_id, created_at, last_activity_at,
		 transferred_at, transfer_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		sess.ID, sess.AccountID, sess.ShopID, sess.ShopName, sess.Platform, sess.TaskType,
		sess.Priority, sess.State, sess.MaxInactiveMinutes, sess.ExternalTaskID,
		sess.CreatedAt, sess.LastActivityAt, sess.TransferredAt, sess.TransferReason)
	return err
}

func (s *SQLStore) insertTaskTx(ctx context.Context, tx *sqlx.Tx, task *v1.SendTask) error {
	query := tx.Rebind(`INSERT INTO session_tasks
		(session_id, external_task_id, send_content, send_url, shop_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	var err error
	if s.isPostgres() {
		row := tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO session_tasks
			(session_id, external_task_id, send_content, send_url, shop_name, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING task_id`),
			task.SessionID, task.ExternalTaskID, task.SendContent, task.SendURL, task.ShopName,
			task.Status, task.CreatedAt, task.UpdatedAt)
		err = row.Scan(&task.TaskID)
		return err
	}
	res, err := tx.ExecContext(ctx, query,
		task.SessionID, task.ExternalTaskID, task.SendContent, task.SendURL, task.ShopName,
		task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	task.TaskID = id
	return nil
}

func (s *SQLStore) insertOperationTx(ctx context.Context, tx *sqlx.Tx, op *v1.SessionOperation) error {
	query := tx.Rebind(`INSERT INTO session_operations (session_id, operation, detail, occurred_at)
		VALUES (?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query, op.SessionID, op.Operation, op.Detail, op.OccurredAt)
	return err
}

func (s *SQLStore) insertOutboxTx(ctx context.Context, tx *sqlx.Tx, entry *OutboxEntry) error {
	query := tx.Rebind(`INSERT INTO notification_outbox (session_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query, entry.SessionID, entry.Kind, entry.Payload, entry.CreatedAt)
	return err
}

func (s *SQLStore) CreateSession(ctx context.Context, in CreateSessionInput, op *v1.SessionOperation, outbox *OutboxEntry) (bool, error) {
	accepted := true
	errSlotTaken := errors.New("active slot already taken")
	err := s.withTx(ctx, s.serializableOpts(), func(tx *sqlx.Tx) error {
		if err := s.insertSessionTx(ctx, tx, in.Session); err != nil {
			if isUniqueViolation(err) {
				accepted = false
				// Roll back instead of committing: on PostgreSQL the failed
				// insert has already aborted the transaction.
				return errSlotTaken
			}
			return err
		}
		if in.Task != nil {
			if err := s.insertTaskTx(ctx, tx, in.Task); err != nil {
				return err
			}
		}
		if op != nil {
			if err := s.insertOperationTx(ctx, tx, op); err != nil {
				return err
			}
		}
		if outbox != nil {
			if err := s.insertOutboxTx(ctx, tx, outbox); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errSlotTaken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return accepted, nil
}

func (s *SQLStore) PreemptAndCreate(ctx context.Context, pausedSessionID, pauseReason string, in CreateSessionInput, op *v1.SessionOperation, outbox *OutboxEntry) error {
	return s.withTx(ctx, s.serializableOpts(), func(tx *sqlx.Tx) error {
		updateQuery := tx.Rebind(`UPDATE sessions SET state = ?, transfer_reason = ? WHERE id = ? AND state IN ('PENDING','ACTIVE','PAUSED','TRANSFERRED')`)
		res, err := tx.ExecContext(ctx, updateQuery, v1.SessionPaused, pauseReason, pausedSessionID)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("session %s was not in a preemptable state at preemption time", pausedSessionID)
		}

		if err := s.insertSessionTx(ctx, tx, in.Session); err != nil {
			return err
		}
		if in.Task != nil {
			if err := s.insertTaskTx(ctx, tx, in.Task); err != nil {
				return err
			}
		}
		if op != nil {
			if err := s.insertOperationTx(ctx, tx, op); err != nil {
				return err
			}
		}
		if outbox != nil {
			if err := s.insertOutboxTx(ctx, tx, outbox); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) RecordOperation(ctx context.Context, op *v1.SessionOperation) error {
	query := s.db.Rebind(`INSERT INTO session_operations (session_id, operation, detail, occurred_at)
		VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, op.SessionID, op.Operation, op.Detail, op.OccurredAt)
	return err
}

// --- Session state machine primitives --------------------------------------------

func (s *SQLStore) SetState(ctx context.Context, sessionID string, fromStates []v1.SessionState, to v1.SessionState, at time.Time) (bool, error) {
	if len(fromStates) == 0 {
		return false, fmt.Errorf("fromStates must not be empty")
	}
	placeholders := make([]string, len(fromStates))
	args := make([]interface{}, 0, len(fromStates)+3)
	args = append(args, to, at)
	for i, st := range fromStates {
		placeholders[i] = "?"
		args = append(args, st)
	}
	args = append(args, sessionID)

	query := s.db.Rebind(fmt.Sprintf(
		`UPDATE sessions SET state = ?, last_activity_at = ? WHERE state IN (%s) AND id = ?`,
		strings.Join(placeholders, ",")))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLStore) SetStateWithTransfer(ctx context.Context, sessionID string, fromStates []v1.SessionState, to v1.SessionState, record *v1.TransferRecord) (bool, error) {
	ok := false
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		placeholders := make([]string, len(fromStates))
		args := make([]interface{}, 0, len(fromStates)+5)
		args = append(args, to, record.TransferredAt, record.TransferredAt, record.Reason)
		for i, st := range fromStates {
			placeholders[i] = "?"
			args = append(args, st)
		}
		args = append(args, sessionID)

		query := tx.Rebind(fmt.Sprintf(
			`UPDATE sessions SET state = ?, last_activity_at = ?, transferred_at = ?, transfer_reason = ?
			 WHERE state IN (%s) AND id = ?`,
			strings.Join(placeholders, ",")))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		ok = true

		insertQuery := tx.Rebind(`INSERT INTO session_transfers
			(session_id, from_type, to_type, reason, urgency, transferred_at, accepted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, insertQuery, record.SessionID, record.FromType, record.ToType,
			record.Reason, record.Urgency, record.TransferredAt, record.AcceptedAt)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *SQLStore) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	var query string
	if s.isPostgres() {
		query = s.db.Rebind(`UPDATE sessions SET last_activity_at = GREATEST(last_activity_at, ?) WHERE id = ?`)
	} else {
		query = s.db.Rebind(`UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`)
	}
	_, err := s.db.ExecContext(ctx, query, at, sessionID)
	return err
}

func (s *SQLStore) ListTimedOut(ctx context.Context, now time.Time) ([]*v1.Session, error) {
	query := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE state IN ('PENDING','ACTIVE','PAUSED','TRANSFERRED')`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		deadline := sess.LastActivityAt.Add(time.Duration(sess.MaxInactiveMinutes) * time.Minute)
		if now.After(deadline) {
			out = append(out, sess)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) FindPausedSibling(ctx context.Context, accountID, shopID string) (*v1.Session, error) {
	query := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE account_id = ? AND shop_id = ? AND state = 'PAUSED'`)
	row := s.db.QueryRowContext(ctx, query, accountID, shopID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// --- SendTask operations ----------------------------------------------------------

const taskColumns = `task_id, session_id, external_task_id, send_content, send_url, shop_name,
	status, created_at, updated_at`

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*v1.SendTask, error) {
	var t v1.SendTask
	err := row.Scan(&t.TaskID, &t.SessionID, &t.ExternalTaskID, &t.SendContent, &t.SendURL,
		&t.ShopName, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) GetSendTask(ctx context.Context, taskID int64) (*v1.SendTask, error) {
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM session_tasks WHERE task_id = ?`)
	row := s.db.QueryRowContext(ctx, query, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) LatestSendTaskForSession(ctx context.Context, sessionID string) (*v1.SendTask, error) {
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM session_tasks
		WHERE session_id = ? ORDER BY task_id DESC LIMIT 1`)
	row := s.db.QueryRowContext(ctx, query, sessionID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) MarkSent(ctx context.Context, taskID int64) (bool, error) {
	query := s.db.Rebind(`UPDATE session_tasks SET status = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, v1.SendTaskSent, time.Now().UTC(), taskID, v1.SendTaskPending)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLStore) CompleteSendTaskAndActivateSession(ctx context.Context, sessionID string, success bool) error {
	return s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, tx.Rebind(`SELECT `+taskColumns+` FROM session_tasks
			WHERE session_id = ? ORDER BY task_id DESC LIMIT 1`), sessionID)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		newStatus := v1.SendTaskCompleted
		if !success {
			newStatus = v1.SendTaskFailed
		}
		updTask := tx.Rebind(`UPDATE session_tasks SET status = ?, updated_at = ? WHERE task_id = ?`)
		if _, err := tx.ExecContext(ctx, updTask, newStatus, time.Now().UTC(), task.TaskID); err != nil {
			return err
		}

		if success {
			activate := tx.Rebind(`UPDATE sessions SET state = ?, last_activity_at = ?
				WHERE id = ? AND state IN (?, ?)`)
			_, err := tx.ExecContext(ctx, activate, v1.SessionActive, time.Now().UTC(), sessionID,
				v1.SessionPending, v1.SessionActive)
			return err
		}
		return nil
	})
}

func (s *SQLStore) CancelPendingTask(ctx context.Context, sessionID string) error {
	query := s.db.Rebind(`UPDATE session_tasks SET status = ?, updated_at = ?
		WHERE session_id = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, query, v1.SendTaskFailed, time.Now().UTC(), sessionID, v1.SendTaskPending)
	return err
}

func (s *SQLStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]*v1.SendTask, error) {
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM session_tasks
		WHERE status = ? AND created_at < ?`)
	rows, err := s.db.QueryContext(ctx, query, v1.SendTaskPending, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.SendTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) HasRecentMatchingSend(ctx context.Context, sessionID, content string, at time.Time, window time.Duration) (bool, error) {
	since := at.Add(-window)
	query := s.db.Rebind(`SELECT COUNT(*) FROM session_tasks
		WHERE session_id = ? AND send_content = ? AND created_at >= ? AND created_at <= ?`)
	var count int
	if err := s.db.GetContext(ctx, &count, query, sessionID, content, since, at); err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Messages ----------------------------------------------------------------------

func (s *SQLStore) FilterNewMessageIDs(ctx context.Context, messageIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		result[id] = true
	}
	if len(messageIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT message_id FROM messages WHERE message_id IN (?)`, messageIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		delete(result, id)
	}
	return result, rows.Err()
}

func (s *SQLStore) InsertMessages(ctx context.Context, messages []*v1.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO messages
			(message_id, session_id, content, sender_nick, from_source, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id) DO NOTHING`)
		now := time.Now().UTC()
		for _, m := range messages {
			res, err := tx.ExecContext(ctx, query, m.MessageID, m.SessionID, m.Content,
				m.SenderNick, m.FromSource, m.SentAt, now)
			if err != nil {
				if isUniqueViolation(err) {
					continue // duplicate message_id: no-op per spec
				}
				return err
			}
			rows, _ := res.RowsAffected()
			inserted += int(rows)
		}
		return nil
	})
	return inserted, err
}

func (s *SQLStore) LatestMessageSentAt(ctx context.Context, accountID, shopID string) (*time.Time, error) {
	// Selecting the column itself (not MAX of it) keeps its declared
	// TIMESTAMP type, which the SQLite driver needs to return a time.Time.
	query := s.db.Rebind(`SELECT m.sent_at FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.account_id = ? AND s.shop_id = ?
		ORDER BY m.sent_at DESC LIMIT 1`)
	var sentAt time.Time
	err := s.db.QueryRowContext(ctx, query, accountID, shopID).Scan(&sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sentAt, nil
}

// --- Outbox --------------------------------------------------------------------

func (s *SQLStore) ListPendingOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	query := s.db.Rebind(`SELECT id, session_id, kind, payload, created_at, delivered_at
		FROM notification_outbox WHERE delivered_at IS NULL ORDER BY id ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var delivered sql.NullTime
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Payload, &e.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time
			e.DeliveredAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkOutboxDelivered(ctx context.Context, id int64, at time.Time) error {
	query := s.db.Rebind(`UPDATE notification_outbox SET delivered_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, at, id)
	return err
}

func (s *SQLStore) AppendOutbox(ctx context.Context, entry *OutboxEntry) error {
	query := s.db.Rebind(`INSERT INTO notification_outbox (session_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, entry.SessionID, entry.Kind, entry.Payload, entry.CreatedAt)
	return err
}
