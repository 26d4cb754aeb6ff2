package ingest

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
	"github.com/sessionbroker/broker/internal/session/manager"
	"github.com/sessionbroker/broker/internal/session/store"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

func newTestIngestor(t *testing.T) (*Ingestor, store.Store) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr := manager.New(st, time.Minute, logger.Default())
	return New(st, mgr, 30*time.Minute, 120*time.Second, logger.Default()), st
}

func TestIngest_OpensNewSessionWhenNoneExists(t *testing.T) {
	ig, _ := newTestIngestor(t)
	now := time.Now().UTC()

	res, err := ig.Ingest(context.Background(), IngestRequest{
		ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp", MaxInactiveMinutes: 480,
		Messages: []InboundMessage{
			{MessageID: "m1", Content: "hi there", SenderNick: "t-bot1", SentAt: now},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, SummaryCreated, res.SessionOperation)
	assert.NotEmpty(t, res.ActiveSessionID)
}

func TestIngest_NoAccountWithoutNickOrOverride(t *testing.T) {
	ig, _ := newTestIngestor(t)
	_, err := ig.Ingest(context.Background(), IngestRequest{
		ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp",
		Messages: []InboundMessage{{MessageID: "m1", Content: "hi", SenderNick: "customer42", SentAt: time.Now().UTC()}},
	})
	assert.Error(t, err)
}

func TestIngest_DedupIsIdempotent(t *testing.T) {
	ig, _ := newTestIngestor(t)
	req := IngestRequest{
		ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp", MaxInactiveMinutes: 480,
		Messages: []InboundMessage{
			{MessageID: "m1", Content: "hi", SenderNick: "t-bot1", SentAt: time.Now().UTC()},
		},
	}
	first, err := ig.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Processed)

	second, err := ig.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 1, second.Skipped)
}

func TestIngest_AttachesToExistingSession(t *testing.T) {
	ig, st := newTestIngestor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess := &v1.Session{
		ID: "sess-1", AccountID: "bot1", ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp",
		TaskType: v1.TaskTypeAutoBargain, Priority: v1.Priority(v1.TaskTypeAutoBargain),
		State: v1.SessionActive, MaxInactiveMinutes: 60, ExternalTaskID: "ext-1",
		CreatedAt: now.Add(-time.Minute), LastActivityAt: now.Add(-time.Minute),
	}
	ok, err := st.CreateSession(ctx, store.CreateSessionInput{Session: sess}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := ig.Ingest(ctx, IngestRequest{
		ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp", MaxInactiveMinutes: 60,
		Messages: []InboundMessage{{MessageID: "m1", Content: "hi", SenderNick: "t-bot1", SentAt: now}},
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.ActiveSessionID)
	assert.Equal(t, SummaryUpdated, res.SessionOperation)
}

func TestIngest_DetectsHumanIntervention(t *testing.T) {
	ig, st := newTestIngestor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess := &v1.Session{
		ID: "sess-1", AccountID: "bot1", ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp",
		TaskType: v1.TaskTypeAutoBargain, Priority: v1.Priority(v1.TaskTypeAutoBargain),
		State: v1.SessionActive, MaxInactiveMinutes: 60, ExternalTaskID: "ext-1",
		CreatedAt: now.Add(-time.Hour), LastActivityAt: now.Add(-time.Hour),
	}
	ok, err := st.CreateSession(ctx, store.CreateSessionInput{Session: sess}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := ig.Ingest(ctx, IngestRequest{
		ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp", MaxInactiveMinutes: 60,
		Messages: []InboundMessage{{MessageID: "m1", Content: "unexpected human reply", SenderNick: "t-bot1", SentAt: now}},
	})
	require.NoError(t, err)
	assert.Equal(t, SummaryTransferred, res.SessionOperation)

	got, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionTransferred, got.State)
}

func TestIngest_MatchingBotSendDoesNotTransfer(t *testing.T) {
	ig, st := newTestIngestor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess := &v1.Session{
		ID: "sess-1", AccountID: "bot1", ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp",
		TaskType: v1.TaskTypeAutoBargain, Priority: v1.Priority(v1.TaskTypeAutoBargain),
		State: v1.SessionActive, MaxInactiveMinutes: 60, ExternalTaskID: "ext-1",
		CreatedAt: now.Add(-time.Minute), LastActivityAt: now.Add(-time.Minute),
	}
	task := &v1.SendTask{
		SessionID: sess.ID, ExternalTaskID: sess.ExternalTaskID, SendContent: "expected bot reply",
		ShopName: "acme", Status: v1.SendTaskSent, CreatedAt: now.Add(-30 * time.Second), UpdatedAt: now,
	}
	ok, err := st.CreateSession(ctx, store.CreateSessionInput{Session: sess, Task: task}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := ig.Ingest(ctx, IngestRequest{
		ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp", MaxInactiveMinutes: 60,
		Messages: []InboundMessage{{MessageID: "m1", Content: "expected bot reply", SenderNick: "t-bot1", SentAt: now}},
	})
	require.NoError(t, err)
	assert.Equal(t, SummaryUpdated, res.SessionOperation)

	got, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionActive, got.State)
}

func TestIngest_GapOpensNewSession(t *testing.T) {
	ig, st := newTestIngestor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &v1.Session{
		ID: "sess-old", AccountID: "bot1", ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp",
		TaskType: v1.TaskTypeManualCustomerService, Priority: v1.Priority(v1.TaskTypeManualCustomerService),
		State: v1.SessionActive, MaxInactiveMinutes: 480, ExternalTaskID: "ext-old",
		CreatedAt: now.Add(-2 * time.Hour), LastActivityAt: now.Add(-2 * time.Hour),
	}
	ok, err := st.CreateSession(ctx, store.CreateSessionInput{Session: old}, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.InsertMessages(ctx, []*v1.Message{
		{MessageID: "m0", SessionID: old.ID, Content: "old chat", SenderNick: "t-bot1",
			FromSource: v1.FromAccount, SentAt: now.Add(-2 * time.Hour), CreatedAt: now.Add(-2 * time.Hour)},
	})
	require.NoError(t, err)

	res, err := ig.Ingest(ctx, IngestRequest{
		ShopID: "shop-1", ShopName: "acme", Platform: "whatsapp", MaxInactiveMinutes: 480,
		Messages: []InboundMessage{{MessageID: "m1", Content: "new chat after long gap", SenderNick: "t-bot1", SentAt: now}},
	})
	require.NoError(t, err)
	assert.Equal(t, SummaryCreated, res.SessionOperation)
	assert.NotEqual(t, old.ID, res.ActiveSessionID)

	gotOld, err := st.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionCompleted, gotOld.State)
}
