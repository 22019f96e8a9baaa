package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waboard/waboard/internal/domain"
)

type fakeRegistry struct {
	instances map[string]*domain.Instance
	updates   []map[string]interface{}
}

func (f *fakeRegistry) GetByName(_ context.Context, name string) (*domain.Instance, error) {
	inst, ok := f.instances[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *inst
	return &copied, nil
}

func (f *fakeRegistry) Update(_ context.Context, id int64, fields map[string]interface{}) error {
	f.updates = append(f.updates, fields)
	for _, inst := range f.instances {
		if inst.ID != id {
			continue
		}
		if v, ok := fields["status"]; ok {
			inst.Status = v.(string)
		}
		if v, ok := fields["qr_code"]; ok {
			inst.QRCode = v.(string)
		}
		if v, ok := fields["qr_expires_at"]; ok {
			if v == nil {
				inst.QRExpiresAt = nil
			} else {
				inst.QRExpiresAt = v.(*time.Time)
			}
		}
	}
	return nil
}

type busRecorder struct {
	events []StatusEvent
}

func (b *busRecorder) Publish(_ string, args ...interface{}) {
	for _, a := range args {
		if evt, ok := a.(StatusEvent); ok {
			b.events = append(b.events, evt)
		}
	}
}

func newTestReconciler(status string) (*Reconciler, *fakeRegistry, *busRecorder) {
	reg := &fakeRegistry{instances: map[string]*domain.Instance{
		"agent_7": {ID: 1, AgentID: 7, InstanceName: "agent_7", Status: status},
	}}
	bus := &busRecorder{}
	r := New(reg, []int{408, 428, 515}, bus)
	r.now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	return r, reg, bus
}

func TestHandleEventUnknownInstanceIsNoOp(t *testing.T) {
	r, reg, _ := newTestReconciler(domain.InstanceConnected)
	err := r.HandleEvent(context.Background(), "agent_404", EventConnectionUpdate,
		map[string]interface{}{"state": "close"})
	require.NoError(t, err)
	require.Empty(t, reg.updates)
}

func TestConnectionUpdateAppliesCanonicalStatus(t *testing.T) {
	r, reg, bus := newTestReconciler(domain.InstanceConnecting)
	err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
		map[string]interface{}{"state": "open"})
	require.NoError(t, err)

	inst := reg.instances["agent_7"]
	require.Equal(t, domain.InstanceConnected, inst.Status)
	require.Len(t, bus.events, 1)
	require.Equal(t, StatusEvent{InstanceName: "agent_7", AgentID: 7, Status: domain.InstanceConnected}, bus.events[0])
}

func TestConnectionUpdateAcceptsAlternateFieldNames(t *testing.T) {
	for _, field := range []string{"state", "status", "connection"} {
		r, reg, _ := newTestReconciler(domain.InstanceConnecting)
		err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
			map[string]interface{}{field: "open"})
		require.NoError(t, err)
		require.Equal(t, domain.InstanceConnected, reg.instances["agent_7"].Status, "field=%s", field)
	}
}

func TestTransientDisconnectWhileConnectedIsSuppressed(t *testing.T) {
	for _, code := range []int{408, 428, 515} {
		r, reg, bus := newTestReconciler(domain.InstanceConnected)
		err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
			map[string]interface{}{"state": "close", "statusReason": code})
		require.NoError(t, err)
		require.Empty(t, reg.updates, "reason=%d", code)
		require.Empty(t, bus.events)
		require.Equal(t, domain.InstanceConnected, reg.instances["agent_7"].Status)
	}
}

func TestNonTransientDisconnectIsApplied(t *testing.T) {
	r, reg, _ := newTestReconciler(domain.InstanceConnected)
	// 401 = logged out on the phone, a real drop.
	err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
		map[string]interface{}{"state": "close", "statusReason": 401})
	require.NoError(t, err)
	require.Equal(t, domain.InstanceDisconnected, reg.instances["agent_7"].Status)
}

func TestTransientDisconnectWhileConnectingIsApplied(t *testing.T) {
	// Suppression only holds when the registry believes the session is up.
	r, reg, _ := newTestReconciler(domain.InstanceConnecting)
	err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
		map[string]interface{}{"state": "close", "statusReason": 515})
	require.NoError(t, err)
	require.Equal(t, domain.InstanceDisconnected, reg.instances["agent_7"].Status)
}

func TestConnectionUpdateReasonCodeSpelling(t *testing.T) {
	r, reg, _ := newTestReconciler(domain.InstanceConnected)
	err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
		map[string]interface{}{"state": "close", "reasonCode": 428})
	require.NoError(t, err)
	require.Empty(t, reg.updates)
}

func TestSettledStatusClearsQRFields(t *testing.T) {
	exp := time.Date(2024, 1, 1, 9, 59, 0, 0, time.UTC)
	for _, state := range []string{"open", "close"} {
		r, reg, _ := newTestReconciler(domain.InstanceQRPending)
		reg.instances["agent_7"].QRCode = "2@stale"
		reg.instances["agent_7"].QRExpiresAt = &exp

		err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
			map[string]interface{}{"state": state})
		require.NoError(t, err)

		inst := reg.instances["agent_7"]
		require.Empty(t, inst.QRCode, "state=%s", state)
		require.Nil(t, inst.QRExpiresAt, "state=%s", state)
		require.Len(t, reg.updates, 1)
	}
}

func TestConnectionUpdateIdempotentReplay(t *testing.T) {
	r, reg, _ := newTestReconciler(domain.InstanceConnecting)
	data := map[string]interface{}{"state": "open"}
	require.NoError(t, r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate, data))
	require.NoError(t, r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate, data))
	require.Equal(t, domain.InstanceConnected, reg.instances["agent_7"].Status)
	// Both deliveries write the same fields; the row converges either way.
	require.Len(t, reg.updates, 2)
	require.Equal(t, reg.updates[0], reg.updates[1])
}

func TestUnknownProviderStateIsIgnored(t *testing.T) {
	r, reg, _ := newTestReconciler(domain.InstanceConnected)
	err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
		map[string]interface{}{"state": "hibernating"})
	require.NoError(t, err)
	require.Empty(t, reg.updates)
}

func TestMalformedConnectionPayloadIsIgnored(t *testing.T) {
	r, reg, _ := newTestReconciler(domain.InstanceConnected)
	err := r.HandleEvent(context.Background(), "agent_7", EventConnectionUpdate,
		map[string]interface{}{"state": map[string]interface{}{"nested": true}})
	require.NoError(t, err)
	require.Empty(t, reg.updates)
}

func TestQRUpdatedStoresCodeWithValidityWindow(t *testing.T) {
	r, reg, _ := newTestReconciler(domain.InstanceConnecting)
	err := r.HandleEvent(context.Background(), "agent_7", EventQRUpdated,
		map[string]interface{}{"qrcode": map[string]interface{}{"base64": "data:image/png;base64,QQ"}})
	require.NoError(t, err)

	inst := reg.instances["agent_7"]
	require.Equal(t, domain.InstanceQRPending, inst.Status)
	require.Equal(t, "data:image/png;base64,QQ", inst.QRCode)
	require.NotNil(t, inst.QRExpiresAt)
	require.Equal(t, r.now().Add(QRValidity), *inst.QRExpiresAt)
}

func TestQRUpdatedWithoutCodeIsIgnored(t *testing.T) {
	r, reg, _ := newTestReconciler(domain.InstanceConnecting)
	err := r.HandleEvent(context.Background(), "agent_7", EventQRUpdated,
		map[string]interface{}{"count": 3})
	require.NoError(t, err)
	require.Empty(t, reg.updates)
}
