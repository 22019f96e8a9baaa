package store

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/waboard/waboard/internal/domain"
	"gorm.io/gorm"
)

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// MessageRepository reads the per-conversation message log.
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) LatestByConversation(ctx context.Context, conversationID int64) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		First(&msg).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &msg, nil
}

// AgentRepository resolves agents.
type AgentRepository struct {
	db *gorm.DB
}

func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) GetByID(ctx context.Context, id int64) (*domain.Agent, error) {
	var agent domain.Agent
	err := r.db.WithContext(ctx).First(&agent, id).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &agent, nil
}

// PolicyRepository manages the optional per-agent follow-up policy rows.
type PolicyRepository struct {
	db  *gorm.DB
	ids *snowflake.Node
}

func NewPolicyRepository(db *gorm.DB, ids *snowflake.Node) *PolicyRepository {
	return &PolicyRepository{db: db, ids: ids}
}

func (r *PolicyRepository) GetByAgentID(ctx context.Context, agentID int64) (*domain.FollowupSettings, error) {
	var policy domain.FollowupSettings
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&policy).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &policy, nil
}

// Upsert keeps the one-policy-per-agent invariant with a read-then-branch
// write; the unique index on agent_id backs it at the storage layer.
func (r *PolicyRepository) Upsert(ctx context.Context, policy *domain.FollowupSettings) error {
	existing, err := r.GetByAgentID(ctx, policy.AgentID)
	if errors.Is(err, domain.ErrNotFound) {
		policy.ID = r.ids.Generate().Int64()
		return r.db.WithContext(ctx).Create(policy).Error
	}
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&domain.FollowupSettings{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"enabled":        policy.Enabled,
			"delay_type":     policy.DelayType,
			"custom_message": policy.CustomMessage,
			"updated_at":     time.Now(),
		}).Error
}

// InstanceRepository manages the per-agent instance registry.
type InstanceRepository struct {
	db  *gorm.DB
	ids *snowflake.Node
}

func NewInstanceRepository(db *gorm.DB, ids *snowflake.Node) *InstanceRepository {
	return &InstanceRepository{db: db, ids: ids}
}

func (r *InstanceRepository) GetByAgentID(ctx context.Context, agentID int64) (*domain.Instance, error) {
	var inst domain.Instance
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&inst).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &inst, nil
}

func (r *InstanceRepository) GetByName(ctx context.Context, instanceName string) (*domain.Instance, error) {
	var inst domain.Instance
	err := r.db.WithContext(ctx).Where("instance_name = ?", instanceName).First(&inst).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &inst, nil
}

func (r *InstanceRepository) Update(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&domain.Instance{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// Upsert keeps the one-instance-per-agent invariant.
func (r *InstanceRepository) Upsert(ctx context.Context, inst *domain.Instance) error {
	existing, err := r.GetByAgentID(ctx, inst.AgentID)
	if errors.Is(err, domain.ErrNotFound) {
		inst.ID = r.ids.Generate().Int64()
		return r.db.WithContext(ctx).Create(inst).Error
	}
	if err != nil {
		return err
	}
	return r.Update(ctx, existing.ID, map[string]interface{}{
		"instance_name": inst.InstanceName,
		"status":        inst.Status,
		"phone":         inst.Phone,
		"qr_code":       inst.QRCode,
		"qr_expires_at": inst.QRExpiresAt,
	})
}

func (r *InstanceRepository) DeleteByAgentID(ctx context.Context, agentID int64) error {
	return r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Delete(&domain.Instance{}).Error
}

// SweepExpiredQR clears QR payloads whose validity window has passed. Runs
// from the daily maintenance job.
func (r *InstanceRepository) SweepExpiredQR(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Instance{}).
		Where("qr_expires_at IS NOT NULL AND qr_expires_at < ?", now).
		Updates(map[string]interface{}{"qr_code": "", "qr_expires_at": nil})
	return res.RowsAffected, res.Error
}
