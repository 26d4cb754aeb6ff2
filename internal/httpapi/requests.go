package httpapi

import "time"

// CreateSessionRequest is the body of POST /api/v1/sessions/create.
type CreateSessionRequest struct {
	AccountID          string `json:"account_id" binding:"required"`
	ShopID             string `json:"shop_id" binding:"required"`
	ShopName           string `json:"shop_name" binding:"required"`
	TaskType           string `json:"task_type" binding:"required"`
	ExternalTaskID     string `json:"external_task_id" binding:"required"`
	SendContent        string `json:"send_content"`
	Platform           string `json:"platform" binding:"required"`
	MaxInactiveMinutes int    `json:"max_inactive_minutes"`
}

// CompleteSessionRequest is the body of POST /api/v1/sessions/:session_id/complete.
type CompleteSessionRequest struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

// TransferSessionRequest is the body of POST /api/v1/sessions/:session_id/transfer.
type TransferSessionRequest struct {
	Reason  string `json:"reason" binding:"required"`
	Urgency string `json:"urgency"`
}

// InboundMessageRequest is one entry in MessageBatchRequest.Messages.
type InboundMessageRequest struct {
	MessageID  string    `json:"message_id" binding:"required"`
	Content    string    `json:"content"`
	SenderNick string    `json:"sender_nick" binding:"required"`
	SentAt     time.Time `json:"sent_at" binding:"required"`
}

// MessageBatchRequest is the body of POST /api/v1/messages/batch.
type MessageBatchRequest struct {
	AccountID          string                  `json:"account_id"`
	ShopID             string                  `json:"shop_id" binding:"required"`
	ShopName           string                  `json:"shop_name" binding:"required"`
	Platform           string                  `json:"platform" binding:"required"`
	MaxInactiveMinutes int                     `json:"max_inactive_minutes"`
	Messages           []InboundMessageRequest `json:"messages" binding:"required"`
}
