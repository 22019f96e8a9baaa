package followup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waboard/waboard/internal/domain"
)

type sentCall struct {
	instance string
	number   string
	text     string
}

// memStore implements every store contract with the same semantics the gorm
// layer has, so tick-over-tick properties can be exercised in memory.
type memStore struct {
	convs     map[int64]*domain.Conversation
	latest    map[int64]*domain.Message
	agents    map[int64]*domain.Agent
	policies  map[int64]*domain.FollowupSettings
	instances map[int64]*domain.Instance

	sent     []sentCall
	messages []*domain.Message

	sendErr error
	markErr error
	// claimLost makes MarkFollowupSent report a concurrent winner.
	claimLost bool
}

func newMemStore() *memStore {
	return &memStore{
		convs:     map[int64]*domain.Conversation{},
		latest:    map[int64]*domain.Message{},
		agents:    map[int64]*domain.Agent{},
		policies:  map[int64]*domain.FollowupSettings{},
		instances: map[int64]*domain.Instance{},
	}
}

func (m *memStore) SelectDue(_ context.Context, now time.Time) ([]*domain.Conversation, error) {
	var due []*domain.Conversation
	for _, c := range m.convs {
		if c.FollowupDueAt != nil && !c.FollowupDueAt.After(now) &&
			!c.FollowupSent && c.FollowupCount == 0 &&
			c.Status == domain.ConversationOpen &&
			c.LastMessageFrom == domain.SenderAI &&
			c.AgentEnabled {
			copied := *c
			due = append(due, &copied)
		}
	}
	return due, nil
}

func (m *memStore) ClearDue(_ context.Context, id int64) error {
	m.convs[id].FollowupDueAt = nil
	return nil
}

func (m *memStore) ResetOnLeadReply(_ context.Context, id int64) error {
	c := m.convs[id]
	c.FollowupDueAt = nil
	c.FollowupSent = false
	c.LastMessageFrom = domain.SenderLead
	return nil
}

func (m *memStore) MarkFollowupSent(_ context.Context, id int64, text string, now time.Time) (bool, error) {
	if m.markErr != nil {
		return false, m.markErr
	}
	c := m.convs[id]
	if m.claimLost || c.FollowupSent || c.FollowupCount != 0 {
		return false, nil
	}
	c.FollowupSent = true
	c.FollowupCount = 1
	c.FollowupDueAt = nil
	c.LastMessageAt = &now
	c.LastMessage = text
	c.LastMessageFrom = domain.SenderAI
	msg := &domain.Message{
		ConversationID: id,
		Content:        text,
		IsFromMe:       true,
		MessageType:    domain.MessageTypeText,
		SenderType:     domain.SenderAI,
		CreatedAt:      now,
	}
	m.messages = append(m.messages, msg)
	m.latest[id] = msg
	return true, nil
}

func (m *memStore) LatestByConversation(_ context.Context, id int64) (*domain.Message, error) {
	msg, ok := m.latest[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*domain.Agent, error) {
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *memStore) GetByAgentID(_ context.Context, agentID int64) (*domain.FollowupSettings, error) {
	p, ok := m.policies[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *memStore) instanceByAgent(agentID int64) (*domain.Instance, error) {
	i, ok := m.instances[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return i, nil
}

func (m *memStore) SendText(_ context.Context, instance, number, text string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentCall{instance: instance, number: number, text: text})
	return nil
}

type instanceStoreFunc func(ctx context.Context, agentID int64) (*domain.Instance, error)

func (f instanceStoreFunc) GetByAgentID(ctx context.Context, agentID int64) (*domain.Instance, error) {
	return f(ctx, agentID)
}

type eventRecorder struct {
	events []DispatchedEvent
}

func (r *eventRecorder) Publish(_ string, args ...interface{}) {
	for _, a := range args {
		if evt, ok := a.(DispatchedEvent); ok {
			r.events = append(r.events, evt)
		}
	}
}

func newTestDispatcher(m *memStore) *Dispatcher {
	return newTestDispatcherWithBus(m, nil)
}

func newTestDispatcherWithBus(m *memStore, bus Publisher) *Dispatcher {
	return NewDispatcher(m, m, m,
		policyStoreFunc(m.GetByAgentID),
		instanceStoreFunc(func(_ context.Context, agentID int64) (*domain.Instance, error) {
			return m.instanceByAgent(agentID)
		}),
		m, bus)
}

type policyStoreFunc func(ctx context.Context, agentID int64) (*domain.FollowupSettings, error)

func (f policyStoreFunc) GetByAgentID(ctx context.Context, agentID int64) (*domain.FollowupSettings, error) {
	return f(ctx, agentID)
}

func dueAt(t time.Time) *time.Time { return &t }

// eligibleFixture builds the standard test conversation: due in the past,
// open, last message from the agent, no policy row, connected instance.
func eligibleFixture() (*memStore, time.Time) {
	due := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m := newMemStore()
	m.agents[7] = &domain.Agent{ID: 7, Name: "sales-bot"}
	m.instances[7] = &domain.Instance{ID: 1, AgentID: 7, InstanceName: "agent_7", Status: domain.InstanceConnected}
	m.convs[100] = &domain.Conversation{
		ID:              100,
		AgentID:         7,
		ChatJID:         "5511999887766@s.whatsapp.net",
		Status:          domain.ConversationOpen,
		AgentEnabled:    true,
		LastMessageFrom: domain.SenderAI,
		FollowupDueAt:   dueAt(due),
	}
	m.latest[100] = &domain.Message{ConversationID: 100, IsFromMe: true, SenderType: domain.SenderAI}
	return m, due.Add(5 * time.Minute)
}

func TestProcessTickSendsFollowupWithDefaultPolicy(t *testing.T) {
	m, now := eligibleFixture()
	d := newTestDispatcher(m)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, TickResult{Processed: 1, Errors: 0, Total: 1}, result)

	require.Len(t, m.sent, 1)
	require.Equal(t, "agent_7", m.sent[0].instance)
	require.Equal(t, "5511999887766", m.sent[0].number)
	require.Contains(t, DefaultTemplates, m.sent[0].text)

	conv := m.convs[100]
	require.True(t, conv.FollowupSent)
	require.Equal(t, 1, conv.FollowupCount)
	require.Nil(t, conv.FollowupDueAt)
	require.Equal(t, domain.SenderAI, conv.LastMessageFrom)
	require.Equal(t, m.sent[0].text, conv.LastMessage)

	require.Len(t, m.messages, 1)
	require.Equal(t, domain.SenderAI, m.messages[0].SenderType)
	require.True(t, m.messages[0].IsFromMe)
}

func TestProcessTickUsesCustomMessage(t *testing.T) {
	m, now := eligibleFixture()
	m.policies[7] = &domain.FollowupSettings{AgentID: 7, Enabled: true, DelayType: "1h", CustomMessage: "  oi, posso ajudar?  "}
	d := newTestDispatcher(m)

	_, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, m.sent, 1)
	require.Equal(t, "oi, posso ajudar?", m.sent[0].text)
}

func TestProcessTickAtMostOnceAcrossTicks(t *testing.T) {
	m, now := eligibleFixture()
	d := newTestDispatcher(m)

	for i := 0; i < 5; i++ {
		_, err := d.ProcessTick(context.Background(), now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	require.Len(t, m.sent, 1)
	require.Equal(t, 1, m.convs[100].FollowupCount)
	require.Len(t, m.messages, 1)
}

func TestProcessTickRaceGuardOnLeadReply(t *testing.T) {
	m, now := eligibleFixture()
	// The lead answered between selection and dispatch.
	m.latest[100] = &domain.Message{ConversationID: 100, IsFromMe: false, SenderType: domain.SenderClient}
	d := newTestDispatcher(m)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, TickResult{Processed: 0, Errors: 0, Total: 1}, result)

	require.Empty(t, m.sent)
	conv := m.convs[100]
	require.False(t, conv.FollowupSent)
	require.Nil(t, conv.FollowupDueAt)
	require.Equal(t, domain.SenderLead, conv.LastMessageFrom)
}

func TestProcessTickDisabledPolicyClearsDue(t *testing.T) {
	m, now := eligibleFixture()
	m.policies[7] = &domain.FollowupSettings{AgentID: 7, Enabled: false, DelayType: "24h"}
	d := newTestDispatcher(m)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, TickResult{Processed: 0, Errors: 0, Total: 1}, result)
	require.Empty(t, m.sent)
	require.Nil(t, m.convs[100].FollowupDueAt)

	// With due_at cleared the conversation never comes back.
	result, err = d.ProcessTick(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, result.Total)
}

func TestProcessTickSkipsDisconnectedInstance(t *testing.T) {
	m, now := eligibleFixture()
	m.instances[7].Status = domain.InstanceDisconnected
	d := newTestDispatcher(m)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, TickResult{Processed: 0, Errors: 0, Total: 1}, result)
	require.Empty(t, m.sent)
	// State untouched: the conversation retries once the instance is back.
	require.NotNil(t, m.convs[100].FollowupDueAt)
	require.False(t, m.convs[100].FollowupSent)
}

func TestProcessTickSkipsOrphanedConversation(t *testing.T) {
	m, now := eligibleFixture()
	delete(m.agents, 7)
	d := newTestDispatcher(m)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, TickResult{Processed: 0, Errors: 0, Total: 1}, result)
	require.Empty(t, m.sent)
}

func TestProcessTickSendFailureLeavesStateForRetry(t *testing.T) {
	m, now := eligibleFixture()
	m.sendErr = errors.New("gateway timeout")
	d := newTestDispatcher(m)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, TickResult{Processed: 0, Errors: 1, Total: 1}, result)

	conv := m.convs[100]
	require.False(t, conv.FollowupSent)
	require.NotNil(t, conv.FollowupDueAt)

	// Next tick retries and succeeds.
	m.sendErr = nil
	result, err = d.ProcessTick(context.Background(), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, TickResult{Processed: 1, Errors: 0, Total: 1}, result)
}

func TestProcessTickPublishesEventOnlyForClaimedSend(t *testing.T) {
	m, now := eligibleFixture()
	bus := &eventRecorder{}
	d := newTestDispatcherWithBus(m, bus)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Len(t, bus.events, 1)
	require.Equal(t, int64(100), bus.events[0].ConversationID)
	require.Equal(t, now, bus.events[0].SentAt)
}

func TestProcessTickConcurrentClaimStaysSilent(t *testing.T) {
	m, now := eligibleFixture()
	m.claimLost = true
	bus := &eventRecorder{}
	d := newTestDispatcherWithBus(m, bus)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	// The overlapping tick that won the claim owns the event; this one
	// reports nothing sent and nothing failed.
	require.Equal(t, TickResult{Processed: 0, Errors: 0, Total: 1}, result)
	require.Empty(t, bus.events)
	require.Empty(t, m.messages)
}

func TestProcessTickMarkSentFailureSurfacesError(t *testing.T) {
	m, now := eligibleFixture()
	m.markErr = errors.New("datastore unavailable")
	d := newTestDispatcher(m)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.Errors)
	require.Equal(t, 0, result.Processed)
}

func TestProcessTickIsolatesPerConversationFailures(t *testing.T) {
	m, now := eligibleFixture()
	// Second, orphaned conversation must not poison the batch.
	m.convs[200] = &domain.Conversation{
		ID:              200,
		AgentID:         99,
		ChatJID:         "5511000000000@s.whatsapp.net",
		Status:          domain.ConversationOpen,
		AgentEnabled:    true,
		LastMessageFrom: domain.SenderAI,
		FollowupDueAt:   dueAt(now.Add(-time.Minute)),
	}
	d := newTestDispatcher(m)

	result, err := d.ProcessTick(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)
	require.Equal(t, 1, result.Processed)
	require.Len(t, m.sent, 1)
}
