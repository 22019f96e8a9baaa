package domain

import "time"

// Conversation status values.
const (
	ConversationOpen     = "open"
	ConversationClosed   = "closed"
	ConversationArchived = "archived"
)

// Message sender attribution values.
const (
	SenderAI     = "ai"
	SenderLead   = "lead"
	SenderClient = "client"
	SenderHuman  = "human"
)

// Conversation is one chat thread between an agent and a remote contact,
// keyed by the contact's channel address (e.g. "55119999@s.whatsapp.net").
type Conversation struct {
	ID           int64  `json:"id,string" gorm:"primaryKey"`
	AgentID      int64  `json:"agent_id,string" gorm:"index;uniqueIndex:idx_agent_chat"`
	ChatJID      string `json:"chat_jid" gorm:"uniqueIndex:idx_agent_chat"`
	ContactName  string `json:"contact_name"`
	ContactPhone string `json:"contact_phone"`
	Status       string `json:"status" gorm:"index"`
	// AgentEnabled is the per-conversation human-takeover switch; when false
	// no automated message of any kind goes out on this thread.
	AgentEnabled bool `json:"agent_enabled"`

	LastMessageAt   *time.Time `json:"last_message_at"`
	LastMessage     string     `json:"last_message"`
	LastMessageFrom string     `json:"last_message_from"` // ai | lead | ""

	// Follow-up scheduling state. FollowupDueAt is nil unless a re-engagement
	// nudge is pending for this thread.
	FollowupDueAt *time.Time `json:"followup_due_at" gorm:"index"`
	FollowupSent  bool       `json:"followup_sent"`
	FollowupCount int        `json:"followup_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "whatsapp_conversations"
}
