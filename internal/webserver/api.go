package webserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/waboard/waboard/internal/domain"
	"github.com/waboard/waboard/internal/reconciler"
	"go.uber.org/zap"
)

// runFollowupTick triggers one dispatcher batch immediately, outside the
// cron cadence. Used by operators and by the external scheduler trigger.
func (s *Server) runFollowupTick(c echo.Context) error {
	result, err := s.dispatcher.ProcessTick(c.Request().Context(), time.Now())
	if err != nil {
		zap.L().Error("api: followup tick failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "TICK_FAILED", "follow-up batch failed", err.Error())
	}
	return ok(c, result)
}

type followupSettingsPayload struct {
	Enabled       *bool  `json:"enabled" validate:"required"`
	DelayType     string `json:"delay_type" validate:"required,oneof=10min 1h 3h 24h 3d 5d"`
	CustomMessage string `json:"custom_message" validate:"omitempty,max=1000"`
}

func (s *Server) upsertFollowupSettings(c echo.Context) error {
	agentID, err := agentIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "invalid agent id", nil)
	}
	var payload followupSettingsPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid settings payload", err.Error())
	}

	policy := &domain.FollowupSettings{
		AgentID:       agentID,
		Enabled:       *payload.Enabled,
		DelayType:     payload.DelayType,
		CustomMessage: payload.CustomMessage,
	}
	if err := s.policies.Upsert(c.Request().Context(), policy); err != nil {
		return fail(c, http.StatusInternalServerError, "SAVE_FAILED", "unable to save settings", err.Error())
	}
	return ok(c, policy)
}

// createInstance registers a gateway instance for the agent and starts
// pairing; the returned QR is also refreshed asynchronously via webhooks.
func (s *Server) createInstance(c echo.Context) error {
	agentID, err := agentIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "invalid agent id", nil)
	}
	ctx := c.Request().Context()
	name := fmt.Sprintf("agent_%d", agentID)

	if err := s.gw.CreateInstance(ctx, name); err != nil {
		zap.L().Error("api: instance create failed", zap.Int64("agent_id", agentID), zap.Error(err))
		return fail(c, http.StatusBadGateway, "GATEWAY_ERROR", "gateway refused instance create", err.Error())
	}
	connect, err := s.gw.Connect(ctx, name)
	if err != nil {
		return fail(c, http.StatusBadGateway, "GATEWAY_ERROR", "gateway connect failed", err.Error())
	}

	inst := &domain.Instance{
		AgentID:      agentID,
		InstanceName: name,
		Status:       domain.InstanceConnecting,
	}
	if qr := firstNonEmpty(connect.Base64, connect.Code); qr != "" {
		expires := time.Now().Add(45 * time.Second)
		inst.Status = domain.InstanceQRPending
		inst.QRCode = qr
		inst.QRExpiresAt = &expires
	}
	if err := s.instances.Upsert(ctx, inst); err != nil {
		return fail(c, http.StatusInternalServerError, "SAVE_FAILED", "unable to save instance", err.Error())
	}
	return ok(c, inst)
}

func (s *Server) getInstance(c echo.Context) error {
	agentID, err := agentIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "invalid agent id", nil)
	}
	ctx := c.Request().Context()
	inst, err := s.instances.GetByAgentID(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "agent has no instance", nil)
		}
		return fail(c, http.StatusInternalServerError, "LOOKUP_FAILED", "unable to load instance", err.Error())
	}
	s.refreshInstanceStatus(ctx, inst)
	return ok(c, inst)
}

// refreshInstanceStatus asks the gateway for the live session state and
// folds it into the registry row, so a poll sees drift the webhooks missed.
// Best-effort: on gateway error the stored row stands.
func (s *Server) refreshInstanceStatus(ctx context.Context, inst *domain.Instance) {
	state, err := s.gw.ConnectionState(ctx, inst.InstanceName)
	if err != nil {
		zap.L().Debug("api: live state check failed, serving stored status",
			zap.String("instance", inst.InstanceName), zap.Error(err))
		return
	}
	status := reconciler.MapProviderState(state)
	if status == "" || status == inst.Status {
		return
	}

	fields := map[string]interface{}{"status": status}
	if status == domain.InstanceConnected || status == domain.InstanceDisconnected {
		fields["qr_code"] = ""
		fields["qr_expires_at"] = nil
	}
	if err := s.instances.Update(ctx, inst.ID, fields); err != nil {
		zap.L().Warn("api: state reconcile failed",
			zap.String("instance", inst.InstanceName), zap.Error(err))
		return
	}
	zap.L().Info("api: instance status reconciled from gateway",
		zap.String("instance", inst.InstanceName),
		zap.String("from", inst.Status),
		zap.String("to", status))
	inst.Status = status
	if _, ok := fields["qr_code"]; ok {
		inst.QRCode = ""
		inst.QRExpiresAt = nil
	}
}

func (s *Server) logoutInstance(c echo.Context) error {
	agentID, err := agentIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "invalid agent id", nil)
	}
	ctx := c.Request().Context()
	inst, err := s.instances.GetByAgentID(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "agent has no instance", nil)
		}
		return fail(c, http.StatusInternalServerError, "LOOKUP_FAILED", "unable to load instance", err.Error())
	}
	if err := s.gw.Logout(ctx, inst.InstanceName); err != nil {
		return fail(c, http.StatusBadGateway, "GATEWAY_ERROR", "gateway logout failed", err.Error())
	}
	err = s.instances.Update(ctx, inst.ID, map[string]interface{}{
		"status":        domain.InstanceDisconnected,
		"qr_code":       "",
		"qr_expires_at": nil,
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "SAVE_FAILED", "unable to update instance", err.Error())
	}
	return ok(c, map[string]interface{}{"logged_out": true})
}

func (s *Server) deleteInstance(c echo.Context) error {
	agentID, err := agentIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "invalid agent id", nil)
	}
	ctx := c.Request().Context()
	inst, err := s.instances.GetByAgentID(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "agent has no instance", nil)
		}
		return fail(c, http.StatusInternalServerError, "LOOKUP_FAILED", "unable to load instance", err.Error())
	}
	if err := s.gw.Delete(ctx, inst.InstanceName); err != nil {
		zap.L().Warn("api: gateway delete failed, removing registry row anyway",
			zap.String("instance", inst.InstanceName), zap.Error(err))
	}
	if err := s.instances.DeleteByAgentID(ctx, agentID); err != nil {
		return fail(c, http.StatusInternalServerError, "SAVE_FAILED", "unable to delete instance", err.Error())
	}
	return ok(c, map[string]interface{}{"deleted": true})
}

type metaValidatePayload struct {
	PhoneNumberID string `json:"phone_number_id" validate:"required"`
	WabaID        string `json:"waba_id"`
	AccessToken   string `json:"access_token" validate:"required"`
}

// validateMetaCredentials checks the official-API connection credentials
// before the dashboard persists them.
func (s *Server) validateMetaCredentials(c echo.Context) error {
	var payload metaValidatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "missing credentials", err.Error())
	}
	ctx := c.Request().Context()

	phone, err := s.meta.ValidatePhoneNumber(ctx, payload.PhoneNumberID, payload.AccessToken)
	if err != nil {
		return fail(c, http.StatusBadGateway, "META_ERROR", "phone number validation failed", err.Error())
	}
	resp := map[string]interface{}{"phone_number": phone}
	if payload.WabaID != "" {
		waba, err := s.meta.ValidateBusinessAccount(ctx, payload.WabaID, payload.AccessToken)
		if err != nil {
			return fail(c, http.StatusBadGateway, "META_ERROR", "business account validation failed", err.Error())
		}
		resp["business_account"] = waba
	}
	return ok(c, resp)
}

func agentIDParam(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
