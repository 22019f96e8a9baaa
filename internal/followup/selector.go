package followup

import (
	"context"
	"time"

	"github.com/waboard/waboard/internal/domain"
	"go.uber.org/zap"
)

// Selector produces the candidate set for one dispatcher tick. It never
// mutates state and is safe to call concurrently.
type Selector struct {
	conversations ConversationStore
}

func NewSelector(conversations ConversationStore) *Selector {
	return &Selector{conversations: conversations}
}

// SelectDue returns conversations eligible for a follow-up at now:
// due_at <= now, not yet sent, open, last message from the agent,
// followup_count zero and the per-thread agent switch on.
func (s *Selector) SelectDue(ctx context.Context, now time.Time) ([]*domain.Conversation, error) {
	due, err := s.conversations.SelectDue(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(due) > 0 {
		zap.L().Info("followup: candidates selected", zap.Int("count", len(due)), zap.Time("now", now))
	}
	return due, nil
}
