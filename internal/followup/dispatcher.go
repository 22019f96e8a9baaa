package followup

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/waboard/waboard/internal/domain"
	"go.uber.org/zap"
)

// TopicDispatched is published on the event bus after every successful send.
const TopicDispatched = "followup.dispatched"

// DispatchedEvent is the bus payload for TopicDispatched.
type DispatchedEvent struct {
	ConversationID int64     `json:"conversation_id"`
	AgentID        int64     `json:"agent_id"`
	ChatJID        string    `json:"chat_jid"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

// TickResult aggregates one dispatcher batch.
type TickResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Total     int `json:"total"`
}

// Publisher is the slice of the event bus the dispatcher needs.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

// Dispatcher sends at most one re-engagement message per eligible
// conversation per tick. Candidates are re-validated immediately before the
// send, so overlapping ticks and racing webhook writes cannot produce a
// duplicate follow-up.
type Dispatcher struct {
	selector      *Selector
	conversations ConversationStore
	messages      MessageStore
	agents        AgentStore
	policies      PolicyStore
	instances     InstanceStore
	sender        TextSender
	bus           Publisher
}

func NewDispatcher(
	conversations ConversationStore,
	messages MessageStore,
	agents AgentStore,
	policies PolicyStore,
	instances InstanceStore,
	sender TextSender,
	bus Publisher,
) *Dispatcher {
	return &Dispatcher{
		selector:      NewSelector(conversations),
		conversations: conversations,
		messages:      messages,
		agents:        agents,
		policies:      policies,
		instances:     instances,
		sender:        sender,
		bus:           bus,
	}
}

// ProcessTick runs one batch at now. Per-conversation failures are isolated;
// only a failing eligibility query aborts the batch.
func (d *Dispatcher) ProcessTick(ctx context.Context, now time.Time) (TickResult, error) {
	candidates, err := d.selector.SelectDue(ctx, now)
	if err != nil {
		return TickResult{}, errors.Wrap(err, "followup: eligibility query failed")
	}

	result := TickResult{Total: len(candidates)}
	for _, conv := range candidates {
		sent, err := d.processOne(ctx, conv, now)
		if err != nil {
			result.Errors++
			zap.L().Error("followup: dispatch failed",
				zap.Int64("conversation_id", conv.ID),
				zap.Int64("agent_id", conv.AgentID),
				zap.Error(err))
			continue
		}
		if sent {
			result.Processed++
		}
	}

	if result.Total > 0 {
		zap.L().Info("followup: tick finished",
			zap.Int("processed", result.Processed),
			zap.Int("errors", result.Errors),
			zap.Int("total", result.Total))
	}
	return result, nil
}

// processOne re-validates one candidate and sends its follow-up. It returns
// (false, nil) for the skip outcomes: orphaned conversation, disabled policy,
// unavailable instance, or a lead reply detected by the race guard.
func (d *Dispatcher) processOne(ctx context.Context, conv *domain.Conversation, now time.Time) (bool, error) {
	// Orphaned conversations are logged and never retried.
	if _, err := d.agents.GetByID(ctx, conv.AgentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			zap.L().Warn("followup: conversation has no owning agent, skipping",
				zap.Int64("conversation_id", conv.ID), zap.Int64("agent_id", conv.AgentID))
			return false, nil
		}
		return false, errors.Wrap(err, "resolve agent")
	}

	// A missing policy row means enabled with defaults; silence here must
	// never suppress follow-ups.
	policy, err := d.policies.GetByAgentID(ctx, conv.AgentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, errors.Wrap(err, "resolve policy")
	}
	if policy != nil && !policy.Enabled {
		if err := d.conversations.ClearDue(ctx, conv.ID); err != nil {
			return false, errors.Wrap(err, "clear due for disabled policy")
		}
		zap.L().Debug("followup: policy disabled, cleared due time",
			zap.Int64("conversation_id", conv.ID))
		return false, nil
	}

	// The send needs a connected instance; otherwise leave the conversation
	// untouched and let the next tick retry after reconnection.
	inst, err := d.instances.GetByAgentID(ctx, conv.AgentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			zap.L().Debug("followup: agent has no instance, skipping",
				zap.Int64("conversation_id", conv.ID))
			return false, nil
		}
		return false, errors.Wrap(err, "resolve instance")
	}
	if inst.Status != domain.InstanceConnected {
		zap.L().Debug("followup: instance not connected, skipping",
			zap.Int64("conversation_id", conv.ID), zap.String("status", inst.Status))
		return false, nil
	}

	// Race guard: the lead may have replied between selection and now.
	last, err := d.messages.LatestByConversation(ctx, conv.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, errors.Wrap(err, "read latest message")
	}
	if last != nil && !last.IsFromMe {
		if err := d.conversations.ResetOnLeadReply(ctx, conv.ID); err != nil {
			return false, errors.Wrap(err, "reset after lead reply")
		}
		zap.L().Info("followup: lead replied after selection, not sending",
			zap.Int64("conversation_id", conv.ID))
		return false, nil
	}

	text := ComposeText(policy)
	number := strings.SplitN(conv.ChatJID, "@", 2)[0]
	if err := d.sender.SendText(ctx, inst.InstanceName, number, text); err != nil {
		// No state mutated: due_at is still set, so the conversation stays
		// eligible and retries next tick.
		return false, errors.Wrap(err, "gateway send")
	}

	// The single transaction below is the durable record of the send. A
	// failure here must surface as a dispatch error, never be assumed done.
	claimed, err := d.conversations.MarkFollowupSent(ctx, conv.ID, text, now)
	if err != nil {
		return false, errors.Wrap(err, "mark followup sent")
	}
	if !claimed {
		// A concurrent tick recorded the send first; it already published
		// the event, so this tick stays silent.
		return false, nil
	}

	if d.bus != nil {
		d.bus.Publish(TopicDispatched, DispatchedEvent{
			ConversationID: conv.ID,
			AgentID:        conv.AgentID,
			ChatJID:        conv.ChatJID,
			Text:           text,
			SentAt:         now,
		})
	}
	zap.L().Info("followup: re-engagement sent",
		zap.Int64("conversation_id", conv.ID),
		zap.Int64("agent_id", conv.AgentID),
		zap.String("instance", inst.InstanceName))
	return true, nil
}
