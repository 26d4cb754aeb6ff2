package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/admission"
	"github.com/sessionbroker/broker/internal/session/dispatch"
	"github.com/sessionbroker/broker/internal/session/ingest"
	"github.com/sessionbroker/broker/internal/session/manager"
	"github.com/sessionbroker/broker/internal/session/queue"
	"github.com/sessionbroker/broker/internal/session/store"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Default()
	mgr := manager.New(st, time.Hour, log)
	q := queue.NewMemory()
	disp := dispatch.New(st, q, mgr, time.Minute, time.Hour, log)
	ig := ingest.New(st, mgr, 30*time.Minute, 2*time.Minute, log)
	adm := admission.New(st, admission.Config{
		DefaultMaxInactiveBot:   60,
		DefaultMaxInactiveHuman: 480,
		SendURLTemplates:        map[string]string{"whatsapp": "https://wa.example/{shop_id}"},
	}, log)

	return NewRouter(st, adm, mgr, disp, ig, log, RouterConfig{})
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateSession_AcceptAndFetch(t *testing.T) {
	router := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/create", CreateSessionRequest{
		AccountID: "bot1", ShopID: "shop-1", ShopName: "acme", TaskType: "AUTO_BARGAIN",
		ExternalTaskID: "ext-1", SendContent: "hello", Platform: "whatsapp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)

	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	sessionID, _ := data["session_id"].(string)
	require.NotEmpty(t, sessionID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSession_ConflictOnBotDuplicateSlot(t *testing.T) {
	router := setupTestRouter(t)

	first := CreateSessionRequest{
		AccountID: "bot1", ShopID: "shop-1", ShopName: "acme", TaskType: "AUTO_BARGAIN",
		ExternalTaskID: "ext-1", SendContent: "hello", Platform: "whatsapp",
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/create", first)
	require.Equal(t, http.StatusCreated, rec.Code)

	second := first
	second.ExternalTaskID = "ext-2"
	rec = doJSON(t, router, http.MethodPost, "/api/v1/sessions/create", second)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, "UNAVAILABLE", env.ErrorCode)
}

func TestGetSession_NotFound(t *testing.T) {
	router := setupTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTasksNextID_EmptyQueue(t *testing.T) {
	router := setupTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks/next_id", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
}

func TestMessageBatch_OpensSession(t *testing.T) {
	router := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/messages/batch", MessageBatchRequest{
		ShopID: "shop-2", ShopName: "acme", Platform: "whatsapp", MaxInactiveMinutes: 480,
		Messages: []InboundMessageRequest{
			{MessageID: "m1", Content: "hi", SenderNick: "t-bot1", SentAt: time.Now().UTC()},
		},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
}

func TestHealth_OK(t *testing.T) {
	router := setupTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
