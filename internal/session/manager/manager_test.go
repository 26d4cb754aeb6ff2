package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/store"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(st, time.Minute, logger.Default()), st
}

func seedSession(t *testing.T, st store.Store, id, accountID, shopID string, state v1.SessionState, maxInactive int) *v1.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &v1.Session{
		ID: id, AccountID: accountID, ShopID: shopID, ShopName: "acme", Platform: "whatsapp",
		TaskType: v1.TaskTypeAutoBargain, Priority: v1.Priority(v1.TaskTypeAutoBargain),
		State: state, MaxInactiveMinutes: maxInactive, ExternalTaskID: "ext-" + id,
		CreatedAt: now, LastActivityAt: now,
	}
	ok, err := st.CreateSession(context.Background(), store.CreateSessionInput{Session: sess}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	return sess
}

func TestComplete_FromActive(t *testing.T) {
	m, st := newTestManager(t)
	sess := seedSession(t, st, "sess-1", "acct-1", "shop-1", v1.SessionActive, 60)

	require.NoError(t, m.Complete(context.Background(), sess.ID, true, ""))

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionCompleted, got.State)
}

func TestComplete_InvalidFromPending(t *testing.T) {
	m, st := newTestManager(t)
	sess := seedSession(t, st, "sess-1", "acct-1", "shop-1", v1.SessionPending, 60)

	err := m.Complete(context.Background(), sess.ID, true, "")
	assert.Error(t, err)
}

func TestTransfer_WritesRecordAndOutbox(t *testing.T) {
	m, st := newTestManager(t)
	sess := seedSession(t, st, "sess-1", "acct-1", "shop-1", v1.SessionActive, 60)

	require.NoError(t, m.Transfer(context.Background(), sess.ID, "human_intervention_detected", "normal"))

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionTransferred, got.State)
	require.NotNil(t, got.TransferredAt)

	pending, err := st.ListPendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "session.transferred", pending[0].Kind)
}

func TestCancel_ReleasesPausedSibling(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	paused := seedSession(t, st, "sess-bot", "acct-1", "shop-1", v1.SessionPaused, 60)
	human := &v1.Session{
		ID: "sess-human", AccountID: "acct-1", ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp",
		TaskType: v1.TaskTypeManualUrgent, Priority: v1.Priority(v1.TaskTypeManualUrgent),
		State: v1.SessionPending, MaxInactiveMinutes: 480, ExternalTaskID: "ext-human",
		CreatedAt: time.Now().UTC(), LastActivityAt: time.Now().UTC(),
	}
	err := st.PreemptAndCreate(ctx, paused.ID, "preempted_by:MANUAL_URGENT", store.CreateSessionInput{Session: human}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, human.ID))

	got, err := st.GetSession(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionActive, got.State, "cancelling the preempting session must release its paused sibling")
}

func seedStaleSession(t *testing.T, st store.Store, id, accountID, shopID string, maxInactive int) *v1.Session {
	t.Helper()
	stale := time.Now().UTC().Add(-time.Hour)
	sess := &v1.Session{
		ID: id, AccountID: accountID, ShopID: shopID, ShopName: "acme", Platform: "whatsapp",
		TaskType: v1.TaskTypeAutoBargain, Priority: v1.Priority(v1.TaskTypeAutoBargain),
		State: v1.SessionActive, MaxInactiveMinutes: maxInactive, ExternalTaskID: "ext-" + id,
		CreatedAt: stale, LastActivityAt: stale,
	}
	ok, err := st.CreateSession(context.Background(), store.CreateSessionInput{Session: sess}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	return sess
}

func TestReap_TimesOutStaleSessions(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	sess := seedStaleSession(t, st, "sess-1", "acct-1", "shop-1", 1)

	n, err := m.Reap(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionTimeout, got.State)
}

func TestReap_Idempotent(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	seedStaleSession(t, st, "sess-1", "acct-1", "shop-1", 1)

	now := time.Now().UTC()
	n, err := m.Reap(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Reap(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a second reap pass over the same rows must be a no-op")
}
