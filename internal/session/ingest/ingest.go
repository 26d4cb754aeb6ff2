// Package ingest implements the message-batch ingestion pipeline:
// deduplication, session attribution, human-intervention detection, and
// the state transitions and notifications that follow from it.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/sessionbroker/broker/internal/common/errors"
	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/manager"
	"github.com/sessionbroker/broker/internal/session/store"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

// accountNickPrefix marks a nick as belonging to the bot/account side of the
// conversation rather than the shop's customer.
const accountNickPrefix = "t-"

// InboundMessage is one message in a POST /api/v1/messages/batch request.
type InboundMessage struct {
	MessageID  string
	Content    string
	SenderNick string
	SentAt     time.Time
}

// IngestRequest is the full input to Ingest.
type IngestRequest struct {
	AccountID          string // override, used only if no t-* nick appears in the batch
	ShopID             string
	ShopName           string
	Platform           string
	MaxInactiveMinutes int
	Messages           []InboundMessage
}

// SessionOperationSummary names the resolution outcome reported back to the
// caller, distinct from the audit-log SessionOperationKind enum.
type SessionOperationSummary string

const (
	SummaryCreated     SessionOperationSummary = "created"
	SummaryUpdated     SessionOperationSummary = "updated"
	SummaryTransferred SessionOperationSummary = "transferred"
)

// IngestResult summarizes what Ingest did with a batch.
type IngestResult struct {
	Processed        int
	Skipped          int
	ActiveSessionID  string
	SessionOperation SessionOperationSummary
}

// Ingestor implements the attribution algorithm in SPEC_FULL.md §4.4.
type Ingestor struct {
	store           store.Store
	manager         *manager.Manager
	classifier      Classifier
	sessionGap      time.Duration
	sendMatchWindow time.Duration
	log             *logger.Logger
}

// New constructs a MessageIngestor with the default windowed-content
// classifier; callers may swap it via SetClassifier.
func New(st store.Store, mgr *manager.Manager, sessionGap, sendMatchWindow time.Duration, log *logger.Logger) *Ingestor {
	return &Ingestor{
		store:           st,
		manager:         mgr,
		classifier:      NewWindowedMatcher(st),
		sessionGap:      sessionGap,
		sendMatchWindow: sendMatchWindow,
		log:             log.With(zap.String("component", "message-ingestor")),
	}
}

// SetClassifier swaps the human-intervention classifier, e.g. for a semantic
// implementation.
func (ig *Ingestor) SetClassifier(c Classifier) {
	ig.classifier = c
}

// Ingest processes one batch of inbound messages addressed to a single
// (account, shop) pair.
func (ig *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if len(req.Messages) == 0 {
		return &IngestResult{}, nil
	}

	accountID, err := resolveAccountID(req.Messages, req.AccountID)
	if err != nil {
		return nil, err
	}

	fresh, skipped, err := ig.dedupe(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return &IngestResult{Skipped: skipped}, nil
	}

	sort.Slice(fresh, func(i, j int) bool {
		if !fresh[i].SentAt.Equal(fresh[j].SentAt) {
			return fresh[i].SentAt.Before(fresh[j].SentAt)
		}
		return fresh[i].MessageID < fresh[j].MessageID
	})

	session, opSummary, err := ig.resolveSession(ctx, accountID, req, fresh[0].SentAt)
	if err != nil {
		return nil, err
	}

	messages := toWireMessages(fresh, session.ID)
	inserted, err := ig.store.InsertMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("inserting messages: %w", err)
	}

	latest := fresh[len(fresh)-1].SentAt
	if err := ig.manager.Touch(ctx, session.ID, latest); err != nil {
		ig.log.Warn("failed to touch session activity", zap.Error(err))
	}

	if v1.IsBot(session.TaskType) && session.State == v1.SessionActive {
		result, err := ig.classifier.Classify(ctx, messages, SessionContext{Session: session, Window: ig.sendMatchWindow})
		if err != nil {
			ig.log.Warn("classifier failed", zap.Error(err))
		} else if result.HumanIntervention {
			if err := ig.manager.Transfer(ctx, session.ID, result.Reason, "normal"); err != nil {
				ig.log.Warn("failed to transfer on human intervention", zap.Error(err))
			} else {
				opSummary = SummaryTransferred
			}
		}
	}

	return &IngestResult{
		Processed:        inserted,
		Skipped:          skipped + (len(fresh) - inserted),
		ActiveSessionID:  session.ID,
		SessionOperation: opSummary,
	}, nil
}

func resolveAccountID(messages []InboundMessage, override string) (string, error) {
	for _, m := range messages {
		if strings.HasPrefix(m.SenderNick, accountNickPrefix) {
			return strings.TrimPrefix(m.SenderNick, accountNickPrefix), nil
		}
	}
	if override != "" {
		return override, nil
	}
	return "", apperrors.NoAccount("batch contains no t-* nick and no account_id override was provided")
}

func (ig *Ingestor) dedupe(ctx context.Context, messages []InboundMessage) ([]InboundMessage, int, error) {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.MessageID
	}
	isNew, err := ig.store.FilterNewMessageIDs(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("filtering duplicate message ids: %w", err)
	}

	fresh := make([]InboundMessage, 0, len(messages))
	skipped := 0
	for _, m := range messages {
		if isNew[m.MessageID] {
			fresh = append(fresh, m)
		} else {
			skipped++
		}
	}
	return fresh, skipped, nil
}

func (ig *Ingestor) resolveSession(ctx context.Context, accountID string, req IngestRequest, firstNewSentAt time.Time) (*v1.Session, SessionOperationSummary, error) {
	existing, err := ig.store.FindActiveSession(ctx, accountID, req.ShopID)
	if err != nil {
		return nil, "", fmt.Errorf("looking up active session: %w", err)
	}

	gapExceeded := false
	if existing != nil {
		latest, err := ig.store.LatestMessageSentAt(ctx, accountID, req.ShopID)
		if err != nil {
			return nil, "", fmt.Errorf("looking up latest message time: %w", err)
		}
		if latest != nil && firstNewSentAt.Sub(*latest) > ig.sessionGap {
			gapExceeded = true
		}
	}

	if existing != nil && !gapExceeded {
		return existing, SummaryUpdated, nil
	}

	if existing != nil && gapExceeded {
		// A gap this large closes out the old binding even though it never
		// reached its own inactivity deadline, so a fresh session can open
		// without violating the single-active-session invariant. Session.state
		// only ever changes through SessionManager, so the close goes through
		// Complete rather than a direct store write.
		if err := ig.manager.Complete(ctx, existing.ID, true, "session_gap_exceeded"); err != nil {
			return nil, "", fmt.Errorf("closing gapped session: %w", err)
		}
	}

	return ig.openGapSession(ctx, accountID, req)
}

func (ig *Ingestor) openGapSession(ctx context.Context, accountID string, req IngestRequest) (*v1.Session, SessionOperationSummary, error) {
	now := time.Now().UTC()
	maxInactive := req.MaxInactiveMinutes
	if maxInactive <= 0 {
		maxInactive = 480
	}

	sessionID := uuid.NewString()
	sess := &v1.Session{
		ID:                 sessionID,
		AccountID:          accountID,
		ShopID:             req.ShopID,
		ShopName:           req.ShopName,
		Platform:           req.Platform,
		TaskType:           v1.TaskTypeManualCustomerService,
		Priority:           v1.Priority(v1.TaskTypeManualCustomerService),
		State:              v1.SessionTransferred,
		MaxInactiveMinutes: maxInactive,
		ExternalTaskID:     "ingest:" + sessionID,
		CreatedAt:          now,
		LastActivityAt:     now,
	}

	op := &v1.SessionOperation{
		SessionID: sess.ID, Operation: v1.OpCreated, Detail: "opened_from_message_batch", OccurredAt: now,
	}
	outbox := &store.OutboxEntry{
		SessionID: sess.ID,
		Kind:      "session.opened",
		Payload:   fmt.Sprintf(`{"session_id":%q,"account_id":%q,"shop_id":%q}`, sess.ID, accountID, req.ShopID),
		CreatedAt: now,
	}

	ok, err := ig.store.CreateSession(ctx, store.CreateSessionInput{Session: sess}, op, outbox)
	if err != nil {
		return nil, "", fmt.Errorf("opening gap session: %w", err)
	}
	if !ok {
		// Lost a race to another concurrent batch for the same pair; attach
		// to whichever session won instead of erroring the whole batch.
		winner, err := ig.store.FindActiveSession(ctx, accountID, req.ShopID)
		if err != nil {
			return nil, "", fmt.Errorf("re-reading active session after race: %w", err)
		}
		if winner == nil {
			return nil, "", fmt.Errorf("no active session found after failed gap-session insert for (%s, %s)", accountID, req.ShopID)
		}
		return winner, SummaryUpdated, nil
	}
	return sess, SummaryCreated, nil
}

func toWireMessages(in []InboundMessage, sessionID string) []*v1.Message {
	out := make([]*v1.Message, len(in))
	for i, m := range in {
		from := v1.FromShop
		if strings.HasPrefix(m.SenderNick, accountNickPrefix) {
			from = v1.FromAccount
		}
		out[i] = &v1.Message{
			MessageID:  m.MessageID,
			SessionID:  sessionID,
			Content:    m.Content,
			SenderNick: m.SenderNick,
			FromSource: from,
			SentAt:     m.SentAt,
			CreatedAt:  time.Now().UTC(),
		}
	}
	return out
}
