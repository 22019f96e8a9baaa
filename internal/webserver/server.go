package webserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/waboard/waboard/config"
	"github.com/waboard/waboard/internal/followup"
	"github.com/waboard/waboard/internal/gateway"
	"github.com/waboard/waboard/internal/ratelimit"
	"github.com/waboard/waboard/internal/reconciler"
	"github.com/waboard/waboard/internal/store"
	"go.uber.org/zap"
)

// TickRunner triggers one dispatcher batch.
type TickRunner interface {
	ProcessTick(ctx context.Context, now time.Time) (followup.TickResult, error)
}

// Server hosts the webhook ingress and the operational API.
type Server struct {
	echo       *echo.Echo
	cfg        config.WebConfig
	reconciler *reconciler.Reconciler
	ingestor   *reconciler.Ingestor
	dispatcher TickRunner
	gw         *gateway.Client
	meta       *gateway.MetaClient
	instances  *store.InstanceRepository
	policies   *store.PolicyRepository
	limiter    *ratelimit.Limiter
}

type payloadValidator struct {
	validate *validator.Validate
}

func (v *payloadValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func New(
	cfg config.WebConfig,
	rec *reconciler.Reconciler,
	ing *reconciler.Ingestor,
	dispatcher TickRunner,
	gw *gateway.Client,
	meta *gateway.MetaClient,
	instances *store.InstanceRepository,
	policies *store.PolicyRepository,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &payloadValidator{validate: validator.New()}
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		cfg:        cfg,
		reconciler: rec,
		ingestor:   ing,
		dispatcher: dispatcher,
		gw:         gw,
		meta:       meta,
		instances:  instances,
		policies:   policies,
		limiter:    ratelimit.New(cfg.WebhookRate, time.Minute),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.POST("/webhooks/gateway/:instance", s.handleGatewayWebhook)

	api := s.echo.Group("/api")
	api.POST("/followups/run", s.runFollowupTick)
	api.PUT("/agents/:id/followup-settings", s.upsertFollowupSettings)
	api.POST("/agents/:id/instance", s.createInstance)
	api.GET("/agents/:id/instance", s.getInstance)
	api.POST("/agents/:id/instance/logout", s.logoutInstance)
	api.DELETE("/agents/:id/instance", s.deleteInstance)
	api.POST("/meta/validate", s.validateMetaCredentials)
}

// Echo exposes the router for handler tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"code": 0, "data": data})
}

func fail(c echo.Context, status int, code, msg string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    code,
		"message": msg,
		"detail":  detail,
	})
}
