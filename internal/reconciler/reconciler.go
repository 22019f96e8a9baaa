package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/waboard/waboard/internal/domain"
	"go.uber.org/zap"
)

// QRValidity is how long a received QR payload is presented as scannable.
const QRValidity = 45 * time.Second

// TopicInstanceStatus is published on the event bus after every applied
// connection-state transition.
const TopicInstanceStatus = "instance.status"

// StatusEvent is the bus payload for TopicInstanceStatus.
type StatusEvent struct {
	InstanceName string `json:"instance_name"`
	AgentID      int64  `json:"agent_id"`
	Status       string `json:"status"`
}

// InstanceRegistry is the reconciler's view of the instance table.
type InstanceRegistry interface {
	// GetByName returns domain.ErrNotFound for identifiers the system never
	// recorded; providers replay events for those.
	GetByName(ctx context.Context, instanceName string) (*domain.Instance, error)
	// Update applies a single update statement to one instance row.
	Update(ctx context.Context, id int64, fields map[string]interface{}) error
}

// Publisher is the slice of the event bus the reconciler needs.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

// Reconciler folds asynchronous gateway webhook events into the instance
// registry. It makes no outbound calls and applies at most one registry
// update per handled event; every event is idempotently re-derivable from
// provider state, so a dropped one self-corrects on the next delivery.
type Reconciler struct {
	instances InstanceRegistry
	// transient holds disconnect reason codes treated as connection flaps.
	transient map[int]bool
	bus       Publisher
	now       func() time.Time
}

func New(instances InstanceRegistry, transientReasonCodes []int, bus Publisher) *Reconciler {
	transient := make(map[int]bool, len(transientReasonCodes))
	for _, code := range transientReasonCodes {
		transient[code] = true
	}
	return &Reconciler{
		instances: instances,
		transient: transient,
		bus:       bus,
		now:       time.Now,
	}
}

// HandleEvent processes one webhook event for the named instance. Unknown
// instances and unknown event kinds are logged no-ops, never errors.
func (r *Reconciler) HandleEvent(ctx context.Context, instanceName string, kind EventKind, data map[string]interface{}) error {
	inst, err := r.instances.GetByName(ctx, instanceName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			zap.L().Debug("reconciler: event for unknown instance, discarding",
				zap.String("instance", instanceName), zap.String("event", kind.String()))
			return nil
		}
		return errors.Wrap(err, "resolve instance")
	}

	switch kind {
	case EventConnectionUpdate:
		return r.handleConnectionUpdate(ctx, inst, data)
	case EventQRUpdated:
		return r.handleQRUpdated(ctx, inst, data)
	default:
		zap.L().Info("reconciler: ignoring unhandled event kind",
			zap.String("instance", instanceName), zap.String("event", kind.String()))
		return nil
	}
}

func (r *Reconciler) handleConnectionUpdate(ctx context.Context, inst *domain.Instance, data map[string]interface{}) error {
	upd, err := decodeConnectionUpdate(data)
	if err != nil {
		zap.L().Warn("reconciler: malformed connection update payload, ignoring",
			zap.String("instance", inst.InstanceName), zap.Error(err))
		return nil
	}

	status := MapProviderState(upd.rawState())
	if status == "" {
		zap.L().Warn("reconciler: unknown provider state, ignoring",
			zap.String("instance", inst.InstanceName), zap.String("state", upd.rawState()))
		return nil
	}

	// Flap suppression: a transient-coded disconnect while we believe the
	// instance is connected is a brief reconnect cycle, not a real drop.
	if status == domain.InstanceDisconnected &&
		r.transient[upd.reason()] &&
		inst.Status == domain.InstanceConnected {
		zap.L().Info("reconciler: suppressed transient disconnect",
			zap.String("instance", inst.InstanceName), zap.Int("reason", upd.reason()))
		return nil
	}

	fields := map[string]interface{}{"status": status}
	if status == domain.InstanceConnected || status == domain.InstanceDisconnected {
		// The pairing QR is meaningless once the session settles either way.
		fields["qr_code"] = ""
		fields["qr_expires_at"] = nil
	}

	if err := r.instances.Update(ctx, inst.ID, fields); err != nil {
		// The event is dropped; the provider re-asserts state on the next
		// transition, which self-corrects the registry.
		return errors.Wrap(err, "update instance status")
	}

	if r.bus != nil {
		r.bus.Publish(TopicInstanceStatus, StatusEvent{
			InstanceName: inst.InstanceName,
			AgentID:      inst.AgentID,
			Status:       status,
		})
	}
	zap.L().Info("reconciler: instance status updated",
		zap.String("instance", inst.InstanceName),
		zap.String("from", inst.Status),
		zap.String("to", status))
	return nil
}

func (r *Reconciler) handleQRUpdated(ctx context.Context, inst *domain.Instance, data map[string]interface{}) error {
	code, ok := ExtractQRCode(data)
	if !ok {
		zap.L().Warn("reconciler: qr event without extractable code, ignoring",
			zap.String("instance", inst.InstanceName))
		return nil
	}

	expires := r.now().Add(QRValidity)
	fields := map[string]interface{}{
		"status":        domain.InstanceQRPending,
		"qr_code":       code,
		"qr_expires_at": &expires,
	}
	if err := r.instances.Update(ctx, inst.ID, fields); err != nil {
		return errors.Wrap(err, "store qr code")
	}
	zap.L().Info("reconciler: qr code refreshed",
		zap.String("instance", inst.InstanceName), zap.Time("expires_at", expires))
	return nil
}
