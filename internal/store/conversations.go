package store

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/waboard/waboard/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConversationRepository is the gorm implementation of the conversation
// store contracts used by the dispatcher and the ingestor.
type ConversationRepository struct {
	db  *gorm.DB
	ids *snowflake.Node
}

func NewConversationRepository(db *gorm.DB, ids *snowflake.Node) *ConversationRepository {
	return &ConversationRepository{db: db, ids: ids}
}

func (r *ConversationRepository) SelectDue(ctx context.Context, now time.Time) ([]*domain.Conversation, error) {
	var convs []*domain.Conversation
	err := r.db.WithContext(ctx).
		Where("followup_due_at IS NOT NULL AND followup_due_at <= ?", now).
		Where("followup_sent = ?", false).
		Where("followup_count = 0").
		Where("status = ?", domain.ConversationOpen).
		Where("last_message_from = ?", domain.SenderAI).
		Where("agent_enabled = ?", true).
		Find(&convs).Error
	return convs, err
}

func (r *ConversationRepository) GetByAgentAndJID(ctx context.Context, agentID int64, chatJID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND chat_jid = ?", agentID, chatJID).
		First(&conv).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &conv, nil
}

func (r *ConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == 0 {
		conv.ID = r.ids.Generate().Int64()
	}
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *ConversationRepository) Update(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *ConversationRepository) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == 0 {
		msg.ID = r.ids.Generate().Int64()
	}
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *ConversationRepository) ClearDue(ctx context.Context, conversationID int64) error {
	return r.Update(ctx, conversationID, map[string]interface{}{"followup_due_at": nil})
}

func (r *ConversationRepository) ResetOnLeadReply(ctx context.Context, conversationID int64) error {
	return r.Update(ctx, conversationID, map[string]interface{}{
		"followup_due_at":   nil,
		"followup_sent":     false,
		"last_message_from": domain.SenderLead,
	})
}

// MarkFollowupSent records a successful send in one transaction: a single
// conditional multi-field update plus the outbound message row. The update's
// WHERE clause re-asserts the unsent state, so a second tick that raced past
// selection claims zero rows and writes nothing.
func (r *ConversationRepository) MarkFollowupSent(ctx context.Context, conversationID int64, text string, now time.Time) (bool, error) {
	claimed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Conversation{}).
			Where("id = ? AND followup_sent = ? AND followup_count = 0", conversationID, false).
			Updates(map[string]interface{}{
				"followup_sent":     true,
				"followup_count":    1,
				"followup_due_at":   nil,
				"last_message_at":   now,
				"last_message":      text,
				"last_message_from": domain.SenderAI,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			zap.L().Warn("store: followup already claimed by a concurrent tick",
				zap.Int64("conversation_id", conversationID))
			return nil
		}
		claimed = true
		return tx.Create(&domain.Message{
			ID:             r.ids.Generate().Int64(),
			ConversationID: conversationID,
			Content:        text,
			IsFromMe:       true,
			MessageType:    domain.MessageTypeText,
			SenderType:     domain.SenderAI,
			CreatedAt:      now,
		}).Error
	})
	return claimed, err
}
