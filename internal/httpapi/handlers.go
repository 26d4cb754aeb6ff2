package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/sessionbroker/broker/internal/common/errors"
	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/admission"
	"github.com/sessionbroker/broker/internal/session/dispatch"
	"github.com/sessionbroker/broker/internal/session/ingest"
	"github.com/sessionbroker/broker/internal/session/manager"
	"github.com/sessionbroker/broker/internal/session/store"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

// Handler wires the HTTP surface to the session broker's components.
type Handler struct {
	store      store.Store
	admission  *admission.Controller
	manager    *manager.Manager
	dispatcher *dispatch.Dispatcher
	ingestor   *ingest.Ingestor
	log        *logger.Logger
}

// NewHandler constructs the HTTP handler set.
func NewHandler(st store.Store, adm *admission.Controller, mgr *manager.Manager, disp *dispatch.Dispatcher, ig *ingest.Ingestor, log *logger.Logger) *Handler {
	return &Handler{store: st, admission: adm, manager: mgr, dispatcher: disp, ingestor: ig, log: log}
}

// CreateSession handles POST /api/v1/sessions/create.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.admission.Create(c.Request.Context(), admission.CreateRequest{
		AccountID:          req.AccountID,
		ShopID:             req.ShopID,
		ShopName:           req.ShopName,
		TaskType:           v1.TaskType(req.TaskType),
		ExternalTaskID:     req.ExternalTaskID,
		SendContent:        req.SendContent,
		Platform:           req.Platform,
		MaxInactiveMinutes: req.MaxInactiveMinutes,
	})
	if err != nil {
		fail(c, err)
		return
	}

	switch result.Decision {
	case admission.DecisionAccept, admission.DecisionPreempt, admission.DecisionDuplicate:
		if result.Task != nil && result.Decision != admission.DecisionDuplicate {
			if err := h.dispatcher.Push(c.Request.Context(), result.Task.TaskID); err != nil {
				h.log.Warn("failed to enqueue new send task", zap.Error(err))
			}
		}
		status := http.StatusCreated
		if result.Decision == admission.DecisionDuplicate {
			status = http.StatusOK
		}
		ok(c, status, string(result.Decision), sessionToResponse(result.Session))
	case admission.DecisionConflict:
		writeErrorEnvelope(c, apperrors.Unavailable("an active session already holds this slot"), gin.H{
			"conflict_session_id": result.ConflictSessionID,
			"conflict_task_type":  result.ConflictTaskType,
		})
	default:
		fail(c, apperrors.Internal("unrecognized admission decision", nil))
	}
}

// GetSession handles GET /api/v1/sessions/:session_id.
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	sess, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, apperrors.Internal("fetching session", err))
		return
	}
	if sess == nil {
		fail(c, apperrors.SessionNotFound(sessionID))
		return
	}
	ok(c, http.StatusOK, "", sess)
}

// CompleteSession handles POST /api/v1/sessions/:session_id/complete.
func (h *Handler) CompleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req CompleteSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.dispatcher.Complete(c.Request.Context(), sessionID, req.Success, req.ErrorMessage); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "session completed", nil)
}

// TransferSession handles POST /api/v1/sessions/:session_id/transfer.
func (h *Handler) TransferSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req TransferSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.manager.Transfer(c.Request.Context(), sessionID, req.Reason, req.Urgency); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "session transferred", nil)
}

// CancelSession handles POST /api/v1/sessions/:session_id/cancel.
func (h *Handler) CancelSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.manager.Cancel(c.Request.Context(), sessionID); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "session cancelled", nil)
}

// NextTaskID handles GET /api/v1/tasks/next_id.
func (h *Handler) NextTaskID(c *gin.Context) {
	taskID, found, err := h.dispatcher.NextTaskID(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		ok(c, http.StatusOK, "queue is empty", NextTaskResponse{TaskID: nil, Timestamp: time.Now().UTC()})
		return
	}
	ok(c, http.StatusOK, "", NextTaskResponse{TaskID: &taskID, Timestamp: time.Now().UTC()})
}

// SendInfo handles GET /api/v1/tasks/:task_id/send_info.
func (h *Handler) SendInfo(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
	if err != nil {
		badRequest(c, "task_id must be numeric")
		return
	}

	info, err := h.dispatcher.GetSendInfo(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "", info)
}

// MessageBatch handles POST /api/v1/messages/batch.
func (h *Handler) MessageBatch(c *gin.Context) {
	var req MessageBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	messages := make([]ingest.InboundMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ingest.InboundMessage{
			MessageID:  m.MessageID,
			Content:    m.Content,
			SenderNick: m.SenderNick,
			SentAt:     m.SentAt,
		}
	}

	result, err := h.ingestor.Ingest(c.Request.Context(), ingest.IngestRequest{
		AccountID:          req.AccountID,
		ShopID:             req.ShopID,
		ShopName:           req.ShopName,
		Platform:           req.Platform,
		MaxInactiveMinutes: req.MaxInactiveMinutes,
		Messages:           messages,
	})
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, http.StatusOK, "", MessageBatchResponse{
		Processed:        result.Processed,
		Skipped:          result.Skipped,
		ActiveSessionID:  result.ActiveSessionID,
		SessionOperation: string(result.SessionOperation),
	})
}

// Root handles GET /.
func (h *Handler) Root(c *gin.Context) {
	ok(c, http.StatusOK, "sessionbroker", gin.H{"service": "sessionbroker"})
}

// Health handles GET /health. It reports Store reachability only; the
// Queue and the NATS connection are not checked.
func (h *Handler) Health(c *gin.Context) {
	// GetSession on an id that can never match exercises the connection
	// without relying on a dedicated ping method in the Store interface.
	if _, err := h.store.GetSession(c.Request.Context(), ""); err != nil {
		writeErrorEnvelope(c, &apperrors.AppError{
			Code: apperrors.CodeUnavailable, Message: "store unreachable", HTTPStatus: http.StatusServiceUnavailable,
		}, nil)
		return
	}
	ok(c, http.StatusOK, "healthy", gin.H{"store": "ok"})
}
