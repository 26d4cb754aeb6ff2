package httpapi

import (
	"time"

	"github.com/sessionbroker/broker/internal/session/dispatch"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

// CreateSessionResponse is the data payload of a successful sessions/create.
type CreateSessionResponse struct {
	SessionID      string    `json:"session_id"`
	ExternalTaskID string    `json:"external_task_id"`
	TaskType       v1.TaskType `json:"task_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// NextTaskResponse is the data payload of tasks/next_id.
type NextTaskResponse struct {
	TaskID    *int64    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SendInfoResponse mirrors dispatch.SendInfo on the wire.
type SendInfoResponse = dispatch.SendInfo

// MessageBatchResponse is the data payload of messages/batch.
type MessageBatchResponse struct {
	Processed        int    `json:"processed"`
	Skipped          int    `json:"skipped"`
	ActiveSessionID  string `json:"active_session_id"`
	SessionOperation string `json:"session_operation"`
}

func sessionToResponse(sess *v1.Session) *CreateSessionResponse {
	return &CreateSessionResponse{
		SessionID:      sess.ID,
		ExternalTaskID: sess.ExternalTaskID,
		TaskType:       sess.TaskType,
		CreatedAt:      sess.CreatedAt,
	}
}
