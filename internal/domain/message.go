package domain

import "time"

// Message types observed from the gateway.
const (
	MessageTypeText  = "text"
	MessageTypeMedia = "media"
)

// Message is a single inbound or outbound unit of conversation content.
// Ordering within a conversation is by CreatedAt.
type Message struct {
	ID             int64  `json:"id,string" gorm:"primaryKey"`
	ConversationID int64  `json:"conversation_id,string" gorm:"index"`
	ProviderID     string `json:"provider_id"` // gateway-assigned message id, may be empty
	Content        string `json:"content"`
	IsFromMe       bool   `json:"is_from_me"`
	MessageType    string `json:"message_type"`
	SenderType     string `json:"sender_type"` // client | ai | human

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (Message) TableName() string {
	return "whatsapp_messages"
}
