package webserver

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/waboard/waboard/internal/reconciler"
	"go.uber.org/zap"
)

// handleGatewayWebhook ingests { event, instance, data } pushes from the
// channel gateway. Except for transport-level malformed requests it always
// acknowledges with 200: failing here only provokes provider retry storms,
// and connection state is re-asserted on every subsequent transition anyway.
func (s *Server) handleGatewayWebhook(c echo.Context) error {
	if !s.limiter.Allow(c.RealIP()) {
		return fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many webhook calls", nil)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_BODY", "unable to read request body", nil)
	}
	evt, err := reconciler.ParseWebhookEvent(body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "BAD_JSON", "unable to parse webhook body", nil)
	}

	instanceName := c.Param("instance")
	if instanceName == "" {
		instanceName = evt.Instance
	}
	kind := evt.Kind()
	ctx := c.Request().Context()

	switch kind {
	case reconciler.EventConnectionUpdate, reconciler.EventQRUpdated:
		if err := s.reconciler.HandleEvent(ctx, instanceName, kind, evt.Data); err != nil {
			// Acknowledged anyway; the provider redelivers state on the
			// next transition.
			zap.L().Error("webhook: reconcile failed",
				zap.String("instance", instanceName),
				zap.String("event", kind.String()),
				zap.Error(err))
		}
	case reconciler.EventMessageUpsert:
		if err := s.ingestor.HandleMessageUpsert(ctx, instanceName, evt.Data); err != nil {
			zap.L().Error("webhook: message ingest failed",
				zap.String("instance", instanceName), zap.Error(err))
		}
	default:
		zap.L().Info("webhook: ignoring unknown event",
			zap.String("instance", instanceName), zap.String("event", evt.Event))
	}

	return ok(c, map[string]interface{}{"received": true})
}
