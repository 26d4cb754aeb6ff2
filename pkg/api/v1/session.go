// Package v1 defines the wire types shared between the HTTP API, the store,
// and the background components of the session broker.
package v1

import "time"

// TaskType identifies the kind of work a session was opened for.
type TaskType string

const (
	TaskTypeAutoBargain           TaskType = "AUTO_BARGAIN"
	TaskTypeAutoFollowUp          TaskType = "AUTO_FOLLOW_UP"
	TaskTypeManualCustomerService TaskType = "MANUAL_CUSTOMER_SERVICE"
	TaskTypeManualComplaint       TaskType = "MANUAL_COMPLAINT"
	TaskTypeManualUrgent          TaskType = "MANUAL_URGENT"
)

// Priority returns the numeric priority for a task type: 1 is highest
// (EMERGENCY), 4 is lowest. Lower numbers preempt higher numbers.
func Priority(t TaskType) int {
	switch t {
	case TaskTypeManualUrgent:
		return 1
	case TaskTypeAutoBargain, TaskTypeAutoFollowUp:
		return 2
	case TaskTypeManualComplaint:
		return 3
	case TaskTypeManualCustomerService:
		return 4
	default:
		return 4
	}
}

// IsBot reports whether a task type belongs to a bot session (AUTO_*).
func IsBot(t TaskType) bool {
	switch t {
	case TaskTypeAutoBargain, TaskTypeAutoFollowUp:
		return true
	default:
		return false
	}
}

// SessionState is the session lifecycle state.
type SessionState string

const (
	SessionPending     SessionState = "PENDING"
	SessionActive      SessionState = "ACTIVE"
	SessionCompleted   SessionState = "COMPLETED"
	SessionTransferred SessionState = "TRANSFERRED"
	SessionPaused      SessionState = "PAUSED"
	SessionCancelled   SessionState = "CANCELLED"
	SessionTimeout     SessionState = "TIMEOUT"
)

// IsTerminal reports whether the state is a terminal (read-only) state.
func IsTerminal(s SessionState) bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionTimeout:
		return true
	default:
		return false
	}
}

// IsNonTerminal reports whether the state is non-terminal: PENDING, ACTIVE,
// PAUSED, TRANSFERRED.
func IsNonTerminal(s SessionState) bool {
	return !IsTerminal(s)
}

// SendTaskStatus is the lifecycle state of a SendTask.
type SendTaskStatus string

const (
	SendTaskPending   SendTaskStatus = "PENDING"
	SendTaskSent      SendTaskStatus = "SENT"
	SendTaskCompleted SendTaskStatus = "COMPLETED"
	SendTaskFailed    SendTaskStatus = "FAILED"
)

// FromSource identifies which side of the conversation sent a message.
type FromSource string

const (
	FromAccount FromSource = "account"
	FromShop    FromSource = "shop"
)

// SessionOperationKind enumerates the audit-log entries the broker writes.
type SessionOperationKind string

const (
	OpCreated     SessionOperationKind = "created"
	OpPreempted   SessionOperationKind = "preempted"
	OpConflict    SessionOperationKind = "conflict"
	OpDuplicate   SessionOperationKind = "duplicate"
	OpTransferred SessionOperationKind = "transferred"
	OpCompleted   SessionOperationKind = "completed"
	OpCancelled   SessionOperationKind = "cancelled"
	OpTimeout     SessionOperationKind = "timeout"
)

// Session is the wire representation of a conversation binding.
type Session struct {
	ID                  string       `json:"session_id"`
	AccountID           string       `json:"account_id"`
	ShopID              string       `json:"shop_id"`
	ShopName            string       `json:"shop_name"`
	Platform            string       `json:"platform"`
	TaskType            TaskType     `json:"task_type"`
	Priority            int          `json:"priority"`
	State               SessionState `json:"state"`
	MaxInactiveMinutes  int          `json:"max_inactive_minutes"`
	ExternalTaskID      string       `json:"external_task_id"`
	CreatedAt           time.Time    `json:"created_at"`
	LastActivityAt      time.Time    `json:"last_activity_at"`
	TransferredAt       *time.Time   `json:"transferred_at,omitempty"`
	TransferReason      string       `json:"transfer_reason,omitempty"`
}

// SendTask is the wire representation of the single outbound send unit bound
// to a bot session at creation.
type SendTask struct {
	TaskID         int64          `json:"task_id"`
	SessionID      string         `json:"session_id"`
	ExternalTaskID string         `json:"external_task_id"`
	SendContent    string         `json:"send_content"`
	SendURL        string         `json:"send_url"`
	ShopName       string         `json:"shop_name"`
	Status         SendTaskStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Message is the wire representation of a persisted inbound message.
type Message struct {
	MessageID  string     `json:"message_id"`
	SessionID  string     `json:"session_id"`
	Content    string     `json:"content"`
	SenderNick string     `json:"sender_nick"`
	FromSource FromSource `json:"from_source"`
	SentAt     time.Time  `json:"sent_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TransferRecord is the wire representation of an immutable bot->human
// transfer event.
type TransferRecord struct {
	ID            int64      `json:"id"`
	SessionID     string     `json:"session_id"`
	FromType      string     `json:"from_type"`
	ToType        string     `json:"to_type"`
	Reason        string     `json:"reason"`
	Urgency       string     `json:"urgency"`
	TransferredAt time.Time  `json:"transferred_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
}

// SessionOperation is an immutable audit-log row.
type SessionOperation struct {
	ID         int64                `json:"id"`
	SessionID  string               `json:"session_id"`
	Operation  SessionOperationKind `json:"operation"`
	Detail     string               `json:"detail,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}
