package reconciler

import (
	"context"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bwmarrin/snowflake"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/waboard/waboard/internal/domain"
	"github.com/waboard/waboard/internal/followup"
	"go.uber.org/zap"
)

// ConversationLog is the ingestor's view of the conversation store.
type ConversationLog interface {
	GetByAgentAndJID(ctx context.Context, agentID int64, chatJID string) (*domain.Conversation, error)
	Create(ctx context.Context, conv *domain.Conversation) error
	Update(ctx context.Context, id int64, fields map[string]interface{}) error
	AppendMessage(ctx context.Context, msg *domain.Message) error
}

// Ingestor folds messages.upsert webhook events into the conversation store.
// It is the producer of the follow-up scheduling fields: an outbound agent
// message arms followup_due_at, an inbound lead message clears it.
type Ingestor struct {
	instances     InstanceRegistry
	conversations ConversationLog
	policies      followup.PolicyStore
	ids           *snowflake.Node
	now           func() time.Time
}

func NewIngestor(instances InstanceRegistry, conversations ConversationLog, policies followup.PolicyStore, ids *snowflake.Node) *Ingestor {
	return &Ingestor{
		instances:     instances,
		conversations: conversations,
		policies:      policies,
		ids:           ids,
		now:           time.Now,
	}
}

// messageUpsert covers the message payload shape the gateway delivers.
type messageUpsert struct {
	Key struct {
		RemoteJID string `mapstructure:"remoteJid"`
		FromMe    bool   `mapstructure:"fromMe"`
		ID        string `mapstructure:"id"`
	} `mapstructure:"key"`
	PushName         string                 `mapstructure:"pushName"`
	Message          map[string]interface{} `mapstructure:"message"`
	MessageType      string                 `mapstructure:"messageType"`
	MessageTimestamp interface{}            `mapstructure:"messageTimestamp"`
}

// textFieldPaths lists where gateway versions nest the plain message text.
var textFieldPaths = [][]string{
	{"conversation"},
	{"extendedTextMessage", "text"},
	{"text"},
}

func (m *messageUpsert) text() string {
	if m.Message == nil {
		return ""
	}
	for _, path := range textFieldPaths {
		if val, ok := lookupPath(m.Message, path); ok {
			return val
		}
	}
	return ""
}

// timestamp resolves the provider timestamp: unix seconds, a parseable date
// string, or fall back to now.
func (m *messageUpsert) timestamp(now time.Time) time.Time {
	switch v := m.MessageTimestamp.(type) {
	case nil:
		return now
	case string:
		if ts, err := dateparse.ParseAny(v); err == nil {
			return ts
		}
		return now
	default:
		if secs := cast.ToInt64(v); secs > 0 {
			return time.Unix(secs, 0)
		}
		return now
	}
}

// HandleMessageUpsert records one gateway message for the named instance.
// Group chats and broadcast channels are skipped; the dashboard only manages
// direct conversations.
func (i *Ingestor) HandleMessageUpsert(ctx context.Context, instanceName string, data map[string]interface{}) error {
	inst, err := i.instances.GetByName(ctx, instanceName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			zap.L().Debug("ingest: message for unknown instance, discarding",
				zap.String("instance", instanceName))
			return nil
		}
		return errors.Wrap(err, "resolve instance")
	}

	var upsert messageUpsert
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &upsert,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(data); err != nil {
		zap.L().Warn("ingest: malformed message payload, ignoring",
			zap.String("instance", instanceName), zap.Error(err))
		return nil
	}

	jid := upsert.Key.RemoteJID
	if jid == "" || strings.Contains(jid, "@g.us") || strings.Contains(jid, "@broadcast") {
		return nil
	}

	now := i.now()
	ts := upsert.timestamp(now)
	conv, err := i.conversations.GetByAgentAndJID(ctx, inst.AgentID, jid)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// First contact on this thread; only inbound messages open one.
		if upsert.Key.FromMe {
			return nil
		}
		conv = &domain.Conversation{
			ID:           i.ids.Generate().Int64(),
			AgentID:      inst.AgentID,
			ChatJID:      jid,
			ContactName:  upsert.PushName,
			ContactPhone: strings.SplitN(jid, "@", 2)[0],
			Status:       domain.ConversationOpen,
			AgentEnabled: true,
		}
		if err := i.conversations.Create(ctx, conv); err != nil {
			return errors.Wrap(err, "create conversation")
		}
	case err != nil:
		return errors.Wrap(err, "resolve conversation")
	}

	text := upsert.text()
	msgType := upsert.MessageType
	if msgType == "" || msgType == "conversation" || msgType == "extendedTextMessage" {
		msgType = domain.MessageTypeText
	}
	senderType := domain.SenderClient
	from := domain.SenderLead
	if upsert.Key.FromMe {
		senderType = domain.SenderAI
		from = domain.SenderAI
	}
	msg := &domain.Message{
		ID:             i.ids.Generate().Int64(),
		ConversationID: conv.ID,
		ProviderID:     upsert.Key.ID,
		Content:        text,
		IsFromMe:       upsert.Key.FromMe,
		MessageType:    msgType,
		SenderType:     senderType,
		CreatedAt:      ts,
	}
	if err := i.conversations.AppendMessage(ctx, msg); err != nil {
		return errors.Wrap(err, "append message")
	}

	fields := map[string]interface{}{
		"last_message_at":   ts,
		"last_message":      text,
		"last_message_from": from,
	}
	if upsert.Key.FromMe {
		if due := i.armDueAt(ctx, conv, ts); due != nil {
			fields["followup_due_at"] = due
		}
	} else {
		// Lead answered: disarm any pending nudge for this thread.
		fields["followup_due_at"] = nil
		fields["followup_sent"] = false
		if upsert.PushName != "" && conv.ContactName == "" {
			fields["contact_name"] = upsert.PushName
		}
	}
	if err := i.conversations.Update(ctx, conv.ID, fields); err != nil {
		return errors.Wrap(err, "update conversation")
	}
	return nil
}

// armDueAt computes the follow-up due time for an outbound agent message.
// Threads that already consumed their one follow-up stay disarmed until an
// external process resets them; disabled policies never arm.
func (i *Ingestor) armDueAt(ctx context.Context, conv *domain.Conversation, sentAt time.Time) *time.Time {
	if conv.FollowupSent || conv.FollowupCount > 0 || !conv.AgentEnabled {
		return nil
	}
	policy, err := i.policies.GetByAgentID(ctx, conv.AgentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		zap.L().Warn("ingest: policy lookup failed, arming with default delay",
			zap.Int64("agent_id", conv.AgentID), zap.Error(err))
		policy = nil
	}
	delayType := followup.DefaultDelayType
	if policy != nil {
		if !policy.Enabled {
			return nil
		}
		delayType = policy.DelayType
	}
	due := sentAt.Add(followup.DelayDuration(delayType))
	return &due
}
