// Package admission implements the conflict/admission controller: the
// decision of whether a new session may be opened for an (account_id,
// shop_id) pair, including priority-based preemption between bot and human
// sessions. The single-active-session rule is pushed into the store's
// serializable transaction and partial unique index rather than an
// in-process lock, since the service is horizontally scaled.
package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/store"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

// Decision is the outcome of a create-session request.
type Decision string

const (
	DecisionAccept    Decision = "ACCEPT"
	DecisionPreempt   Decision = "PREEMPT"
	DecisionConflict  Decision = "CONFLICT"
	DecisionDuplicate Decision = "DUPLICATE"
)

// CreateRequest is the input to Create, mirroring POST /api/v1/sessions/create.
type CreateRequest struct {
	AccountID          string
	ShopID             string
	ShopName           string
	TaskType           v1.TaskType
	ExternalTaskID     string
	SendContent        string
	Platform           string
	MaxInactiveMinutes int // 0 means "apply the configured default for this task type"
}

// Result is the outcome of Create.
type Result struct {
	Decision          Decision
	Session           *v1.Session // the new session (ACCEPT/PREEMPT), or the pre-existing one (DUPLICATE)
	Task              *v1.SendTask
	ConflictSessionID string
	ConflictTaskType  v1.TaskType
}

// Config carries the defaults and tuning knobs used to resolve a request's
// max_inactive_minutes and to bound the admission retry loop.
type Config struct {
	DefaultMaxInactiveBot   int
	DefaultMaxInactiveHuman int
	// SendURLTemplates maps platform to a URL template containing a single
	// "{shop_id}" placeholder, the sole site where send_url is computed
	// (SPEC_FULL.md §4.3): the value is persisted on the SendTask at
	// creation and never recomputed by the dispatcher.
	SendURLTemplates map[string]string
}

func (cfg Config) resolveSendURL(platform, shopID string) string {
	tmpl, ok := cfg.SendURLTemplates[platform]
	if !ok {
		return ""
	}
	return strings.ReplaceAll(tmpl, "{shop_id}", shopID)
}

const maxSlotRaceRetries = 3

// Controller evaluates create-session requests.
type Controller struct {
	store store.Store
	cfg   Config
	log   *logger.Logger
}

// New constructs an admission controller over the given store.
func New(st store.Store, cfg Config, log *logger.Logger) *Controller {
	return &Controller{store: st, cfg: cfg, log: log}
}

// Create evaluates req against the single-active-session invariant and
// priority rules, per SPEC_FULL.md §4.1.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	if existing, err := c.store.FindByExternalTaskID(ctx, req.ExternalTaskID); err != nil {
		return nil, fmt.Errorf("looking up external_task_id: %w", err)
	} else if existing != nil {
		if err := c.store.RecordOperation(ctx, &v1.SessionOperation{
			SessionID:  existing.ID,
			Operation:  v1.OpDuplicate,
			Detail:     "external_task_id:" + req.ExternalTaskID,
			OccurredAt: time.Now().UTC(),
		}); err != nil {
			c.log.Warn("failed to record duplicate operation", zap.Error(err))
		}
		return &Result{Decision: DecisionDuplicate, Session: existing}, nil
	}

	for attempt := 0; attempt < maxSlotRaceRetries; attempt++ {
		result, retry, err := c.attempt(ctx, req)
		if err != nil {
			return nil, err
		}
		if !retry {
			return result, nil
		}
	}
	return nil, fmt.Errorf("admission slot contention exceeded %d retries for (%s, %s)", maxSlotRaceRetries, req.AccountID, req.ShopID)
}

func (c *Controller) attempt(ctx context.Context, req CreateRequest) (*Result, bool, error) {
	cur, err := c.store.FindActiveSession(ctx, req.AccountID, req.ShopID)
	if err != nil {
		return nil, false, fmt.Errorf("looking up active session: %w", err)
	}

	if cur == nil {
		return c.acceptFreeSlot(ctx, req)
	}

	if v1.IsBot(req.TaskType) {
		return c.conflict(ctx, req, cur)
	}

	newPriority := v1.Priority(req.TaskType)
	if newPriority < cur.Priority {
		return c.preempt(ctx, req, cur)
	}
	return c.conflict(ctx, req, cur)
}

func (c *Controller) acceptFreeSlot(ctx context.Context, req CreateRequest) (*Result, bool, error) {
	sess, task := c.buildSession(req)
	op := &v1.SessionOperation{
		SessionID:  sess.ID,
		Operation:  v1.OpCreated,
		Detail:     "task_type:" + string(req.TaskType),
		OccurredAt: sess.CreatedAt,
	}

	ok, err := c.store.CreateSession(ctx, store.CreateSessionInput{Session: sess, Task: task}, op, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating session: %w", err)
	}
	if !ok {
		// A concurrent request won the (account_id, shop_id) active slot
		// between our read and our insert; re-evaluate against the winner.
		return nil, true, nil
	}
	return &Result{Decision: DecisionAccept, Session: sess, Task: task}, false, nil
}

func (c *Controller) preempt(ctx context.Context, req CreateRequest, cur *v1.Session) (*Result, bool, error) {
	sess, task := c.buildSession(req)
	reason := "preempted_by:" + string(req.TaskType)
	op := &v1.SessionOperation{
		SessionID:  sess.ID,
		Operation:  v1.OpPreempted,
		Detail:     fmt.Sprintf("preempted:%s", cur.ID),
		OccurredAt: sess.CreatedAt,
	}
	outbox := &store.OutboxEntry{
		SessionID: cur.ID,
		Kind:      "session.preempted",
		Payload:   fmt.Sprintf(`{"session_id":%q,"preempted_by":%q,"reason":%q}`, cur.ID, sess.ID, reason),
		CreatedAt: sess.CreatedAt,
	}

	err := c.store.PreemptAndCreate(ctx, cur.ID, reason, store.CreateSessionInput{Session: sess, Task: task}, op, outbox)
	if err != nil {
		if isSlotRaceErr(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("preempting session %s: %w", cur.ID, err)
	}
	return &Result{Decision: DecisionPreempt, Session: sess, Task: task, ConflictSessionID: cur.ID, ConflictTaskType: cur.TaskType}, false, nil
}

func (c *Controller) conflict(ctx context.Context, req CreateRequest, cur *v1.Session) (*Result, bool, error) {
	if err := c.store.RecordOperation(ctx, &v1.SessionOperation{
		SessionID:  cur.ID,
		Operation:  v1.OpConflict,
		Detail:     "rejected_task_type:" + string(req.TaskType),
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		c.log.Warn("failed to record conflict operation", zap.Error(err))
	}
	return &Result{
		Decision:          DecisionConflict,
		ConflictSessionID: cur.ID,
		ConflictTaskType:  cur.TaskType,
	}, false, nil
}

func (c *Controller) buildSession(req CreateRequest) (*v1.Session, *v1.SendTask) {
	now := time.Now().UTC()
	maxInactive := req.MaxInactiveMinutes
	if maxInactive <= 0 {
		if v1.IsBot(req.TaskType) {
			maxInactive = c.cfg.DefaultMaxInactiveBot
		} else {
			maxInactive = c.cfg.DefaultMaxInactiveHuman
		}
	}

	sess := &v1.Session{
		ID:                 uuid.NewString(),
		AccountID:          req.AccountID,
		ShopID:             req.ShopID,
		ShopName:           req.ShopName,
		Platform:           req.Platform,
		TaskType:           req.TaskType,
		Priority:           v1.Priority(req.TaskType),
		State:              v1.SessionPending,
		MaxInactiveMinutes: maxInactive,
		ExternalTaskID:     req.ExternalTaskID,
		CreatedAt:          now,
		LastActivityAt:     now,
	}

	if !v1.IsBot(req.TaskType) {
		return sess, nil
	}

	task := &v1.SendTask{
		SessionID:      sess.ID,
		ExternalTaskID: req.ExternalTaskID,
		SendContent:    req.SendContent,
		SendURL:        c.cfg.resolveSendURL(req.Platform, req.ShopID),
		ShopName:       req.ShopName,
		Status:         v1.SendTaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return sess, task
}

// isSlotRaceErr reports whether err is the store's "not in a preemptable
// state at preemption time" signal, raised when a concurrent writer already
// moved the current session to a terminal state.
func isSlotRaceErr(err error) bool {
	return err != nil && containsSlotRaceMarker(err.Error())
}

func containsSlotRaceMarker(msg string) bool {
	const marker = "was not in a preemptable state at preemption time"
	for i := 0; i+len(marker) <= len(msg); i++ {
		if msg[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
