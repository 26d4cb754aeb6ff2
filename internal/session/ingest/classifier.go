package ingest

import (
	"context"
	"time"

	"github.com/sessionbroker/broker/internal/session/store"
	v1 "github.com/sessionbroker/broker/pkg/api/v1"
)

// SessionContext is the slice of session state a Classifier needs to judge
// whether an account-side message was an expected bot send or human
// intervention.
type SessionContext struct {
	Session *v1.Session
	Window  time.Duration
}

// ClassifyResult reports whether a batch of account-side messages looks
// like human intervention rather than the bot's own expected sends.
type ClassifyResult struct {
	HumanIntervention bool
	Reason            string
}

// Classifier is the pluggable human-intervention detector named in
// SPEC_FULL.md §9. The default implementation is the deterministic
// windowed-content matcher in §4.4 step 6; a semantic (LLM-based)
// implementation can replace it without touching MessageIngestor.
type Classifier interface {
	Classify(ctx context.Context, messages []v1.Message, sc SessionContext) (ClassifyResult, error)
}

// WindowedMatcher is the default Classifier: an account-side message counts
// as an expected bot send only if a SendTask with matching content was
// created for the session within sc.Window before the message's sent_at.
type WindowedMatcher struct {
	store store.Store
}

var _ Classifier = (*WindowedMatcher)(nil)

// NewWindowedMatcher constructs the default classifier.
func NewWindowedMatcher(st store.Store) *WindowedMatcher {
	return &WindowedMatcher{store: st}
}

func (w *WindowedMatcher) Classify(ctx context.Context, messages []v1.Message, sc SessionContext) (ClassifyResult, error) {
	for _, msg := range messages {
		if msg.FromSource != v1.FromAccount {
			continue
		}
		matched, err := w.store.HasRecentMatchingSend(ctx, sc.Session.ID, msg.Content, msg.SentAt, sc.Window)
		if err != nil {
			return ClassifyResult{}, err
		}
		if !matched {
			return ClassifyResult{HumanIntervention: true, Reason: "human_intervention_detected"}, nil
		}
	}
	return ClassifyResult{}, nil
}
