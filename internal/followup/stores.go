package followup

import (
	"context"
	"time"

	"github.com/waboard/waboard/internal/domain"
)

// ErrNotFound is returned by store implementations when a row does not exist.
var ErrNotFound = domain.ErrNotFound

// ConversationStore is the dispatcher's view of the shared conversation table.
type ConversationStore interface {
	// SelectDue returns every conversation satisfying the eligibility
	// predicate at the given instant. Read-only.
	SelectDue(ctx context.Context, now time.Time) ([]*domain.Conversation, error)

	// ClearDue nulls followup_due_at so a policy-disabled conversation is
	// not reconsidered every tick.
	ClearDue(ctx context.Context, conversationID int64) error

	// ResetOnLeadReply records that the lead answered after selection:
	// followup_due_at=null, followup_sent=false, last_message_from=lead.
	ResetOnLeadReply(ctx context.Context, conversationID int64) error

	// MarkFollowupSent durably records a successful send. The multi-field
	// conversation update and the message insert happen in one transaction;
	// no partial state is ever visible to a concurrent tick. The claimed
	// result is false when another tick recorded the send first, in which
	// case nothing was written.
	MarkFollowupSent(ctx context.Context, conversationID int64, text string, now time.Time) (claimed bool, err error)
}

// MessageStore exposes the per-conversation message log.
type MessageStore interface {
	// LatestByConversation returns the most recently created message row,
	// or ErrNotFound for an empty conversation.
	LatestByConversation(ctx context.Context, conversationID int64) (*domain.Message, error)
}

// AgentStore resolves conversation owners.
type AgentStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Agent, error)
}

// PolicyStore resolves the optional per-agent follow-up policy.
type PolicyStore interface {
	// GetByAgentID returns ErrNotFound when the agent has no policy row;
	// callers must treat that as enabled with defaults.
	GetByAgentID(ctx context.Context, agentID int64) (*domain.FollowupSettings, error)
}

// InstanceStore resolves the per-agent gateway connection record.
type InstanceStore interface {
	GetByAgentID(ctx context.Context, agentID int64) (*domain.Instance, error)
}

// TextSender delivers a text message through the channel gateway.
type TextSender interface {
	SendText(ctx context.Context, instanceName, number, text string) error
}
