package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/store"
)

type fakeNotifier struct {
	published [][]byte
	failNext  bool
}

func (f *fakeNotifier) Publish(_ context.Context, _ string, payload []byte) error {
	if f.failNext {
		f.failNext = false
		return errors.New("transport unavailable")
	}
	f.published = append(f.published, payload)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, store.Store, *fakeNotifier) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fn := &fakeNotifier{}
	return New(st, fn, "sessionbroker.notifications", time.Minute, logger.Default()), st, fn
}

func TestDispatchOnce_DeliversAndMarks(t *testing.T) {
	d, st, fn := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.AppendOutbox(ctx, &store.OutboxEntry{
		SessionID: "sess-1", Kind: "session.preempted", Payload: `{"session_id":"sess-1"}`, CreatedAt: time.Now().UTC(),
	}))

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, fn.published, 1)

	pending, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatchOnce_LeavesFailedForNextTick(t *testing.T) {
	d, st, fn := newTestDispatcher(t)
	ctx := context.Background()
	fn.failNext = true

	require.NoError(t, st.AppendOutbox(ctx, &store.OutboxEntry{
		SessionID: "sess-1", Kind: "session.transferred", Payload: `{"session_id":"sess-1"}`, CreatedAt: time.Now().UTC(),
	}))

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	pending, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a retried delivery on the next tick must succeed")
}
