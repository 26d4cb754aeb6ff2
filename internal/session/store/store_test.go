package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(id, accountID, shopID string, taskType v1.TaskType, state v1.SessionState) *v1.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &v1.Session{
		ID:                 id,
		AccountID:          accountID,
		ShopID:             shopID,
		ShopName:           "acme-shop",
		Platform:           "whatsapp",
		TaskType:           taskType,
		Priority:           v1.Priority(taskType),
		State:              state,
		MaxInactiveMinutes: 60,
		ExternalTaskID:     "ext-" + id,
		CreatedAt:          now,
		LastActivityAt:     now,
	}
}

func TestCreateSession_RejectsConcurrentSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess1 := newSession("sess-1", "acct-1", "shop-1", v1.TaskTypeAutoBargain, v1.SessionPending)
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: sess1}, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	sess2 := newSession("sess-2", "acct-1", "shop-1", v1.TaskTypeAutoFollowUp, v1.SessionPending)
	ok, err = s.CreateSession(ctx, CreateSessionInput{Session: sess2}, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok, "second insert into the same (account, shop) active slot must be rejected")

	found, err := s.FindActiveSession(ctx, "acct-1", "shop-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "sess-1", found.ID)
}

func TestCreateSession_AllowsReuseAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess1 := newSession("sess-1", "acct-1", "shop-1", v1.TaskTypeAutoBargain, v1.SessionCompleted)
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: sess1}, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	sess2 := newSession("sess-2", "acct-1", "shop-1", v1.TaskTypeAutoFollowUp, v1.SessionPending)
	ok, err = s.CreateSession(ctx, CreateSessionInput{Session: sess2}, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok, "a terminal session must not occupy the active slot")
}

func TestPreemptAndCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := newSession("sess-bot", "acct-1", "shop-1", v1.TaskTypeAutoBargain, v1.SessionActive)
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: active}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	human := newSession("sess-human", "acct-1", "shop-1", v1.TaskTypeManualUrgent, v1.SessionPending)
	err = s.PreemptAndCreate(ctx, active.ID, "higher priority human task", CreateSessionInput{Session: human}, nil, nil)
	require.NoError(t, err)

	paused, err := s.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionPaused, paused.State)

	sibling, err := s.FindPausedSibling(ctx, "acct-1", "shop-1")
	require.NoError(t, err)
	require.NotNil(t, sibling)
	assert.Equal(t, active.ID, sibling.ID)
}

func TestSetState_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("sess-1", "acct-1", "shop-1", v1.TaskTypeAutoBargain, v1.SessionActive)
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: sess}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	applied, err := s.SetState(ctx, sess.ID, []v1.SessionState{v1.SessionActive}, v1.SessionCompleted, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.SetState(ctx, sess.ID, []v1.SessionState{v1.SessionActive}, v1.SessionCompleted, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied, "a second transition from a now-stale state must be rejected")
}

func TestTouchActivity_Monotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("sess-1", "acct-1", "shop-1", v1.TaskTypeAutoBargain, v1.SessionActive)
	later := sess.LastActivityAt.Add(time.Minute)
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: sess}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.TouchActivity(ctx, sess.ID, later))
	earlier := sess.LastActivityAt.Add(-time.Minute)
	require.NoError(t, s.TouchActivity(ctx, sess.ID, earlier))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastActivityAt, time.Second)
}

func TestListTimedOut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := newSession("sess-stale", "acct-1", "shop-1", v1.TaskTypeAutoBargain, v1.SessionActive)
	stale.MaxInactiveMinutes = 1
	stale.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: stale}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	fresh := newSession("sess-fresh", "acct-2", "shop-2", v1.TaskTypeAutoBargain, v1.SessionActive)
	fresh.MaxInactiveMinutes = 60
	ok, err = s.CreateSession(ctx, CreateSessionInput{Session: fresh}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := s.ListTimedOut(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "sess-stale", out[0].ID)
}

func TestSendTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("sess-1", "acct-1", "shop-1", v1.TaskTypeAutoBargain, v1.SessionPending)
	task := &v1.SendTask{
		SessionID:      sess.ID,
		ExternalTaskID: sess.ExternalTaskID,
		SendContent:    "hello",
		SendURL:        "https://example.test/send",
		ShopName:       sess.ShopName,
		Status:         v1.SendTaskPending,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: sess, Task: task}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, task.TaskID)

	applied, err := s.MarkSent(ctx, task.TaskID)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.MarkSent(ctx, task.TaskID)
	require.NoError(t, err)
	assert.False(t, applied, "a second MarkSent on an already-sent task must be a no-op")

	require.NoError(t, s.CompleteSendTaskAndActivateSession(ctx, sess.ID, true))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionActive, got.State)

	latest, err := s.LatestSendTaskForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, v1.SendTaskCompleted, latest.Status)
}

func TestMessages_DeduplicateByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("sess-1", "acct-1", "shop-1", v1.TaskTypeManualCustomerService, v1.SessionActive)
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: sess}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	msgs := []*v1.Message{
		{MessageID: "m1", SessionID: sess.ID, Content: "hi", SenderNick: "buyer", FromSource: v1.FromAccount, SentAt: time.Now().UTC()},
		{MessageID: "m2", SessionID: sess.ID, Content: "hello", SenderNick: "shop", FromSource: v1.FromShop, SentAt: time.Now().UTC()},
	}
	n, err := s.InsertMessages(ctx, msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.InsertMessages(ctx, msgs)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-inserting the same message ids must be a no-op")

	newIDs, err := s.FilterNewMessageIDs(ctx, []string{"m1", "m3"})
	require.NoError(t, err)
	assert.False(t, newIDs["m1"])
	assert.True(t, newIDs["m3"])
}

func TestOutbox_PendingAndDelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("sess-1", "acct-1", "shop-1", v1.TaskTypeAutoBargain, v1.SessionActive)
	ok, err := s.CreateSession(ctx, CreateSessionInput{Session: sess}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.AppendOutbox(ctx, &OutboxEntry{
		SessionID: sess.ID,
		Kind:      "session.created",
		Payload:   `{"session_id":"sess-1"}`,
		CreatedAt: time.Now().UTC(),
	}))

	pending, err := s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkOutboxDelivered(ctx, pending[0].ID, time.Now().UTC()))

	pending, err = s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
