package webserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/waboard/waboard/config"
	"github.com/waboard/waboard/internal/domain"
	"github.com/waboard/waboard/internal/gateway"
	"github.com/waboard/waboard/internal/reconciler"
	"github.com/waboard/waboard/internal/store"
)

func newInstanceFixture(t *testing.T, gatewayState string, gatewayStatus int) (*Server, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))

	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	instances := store.NewInstanceRepository(db, ids)

	expires := time.Now().Add(30 * time.Second)
	require.NoError(t, db.Create(&domain.Instance{
		ID:           1,
		AgentID:      7,
		InstanceName: "agent_7",
		Status:       domain.InstanceConnecting,
		QRCode:       "2@stale",
		QRExpiresAt:  &expires,
	}).Error)

	gwServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/instance/connectionState/agent_7", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(gatewayStatus)
		fmt.Fprintf(w, `{"instance":{"state":%q}}`, gatewayState)
	}))
	t.Cleanup(gwServer.Close)

	gw := gateway.NewClient(gwServer.URL, "apik-test", time.Second)
	rec := reconciler.New(instances, nil, nil)
	cfg := config.WebConfig{WebhookRate: 1000}
	return New(cfg, rec, nil, &stubTicker{}, gw, nil, instances, nil), db
}

func TestGetInstanceReconcilesLiveGatewayState(t *testing.T) {
	s, db := newInstanceFixture(t, "open", http.StatusOK)

	rr := doRequest(s, http.MethodGet, "/api/agents/7/instance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"connected"`)

	var got domain.Instance
	require.NoError(t, db.First(&got, int64(1)).Error)
	require.Equal(t, domain.InstanceConnected, got.Status)
	require.Empty(t, got.QRCode)
	require.Nil(t, got.QRExpiresAt)
}

func TestGetInstanceKeepsStoredStatusOnGatewayError(t *testing.T) {
	s, db := newInstanceFixture(t, "", http.StatusInternalServerError)

	rr := doRequest(s, http.MethodGet, "/api/agents/7/instance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"connecting"`)

	var got domain.Instance
	require.NoError(t, db.First(&got, int64(1)).Error)
	require.Equal(t, domain.InstanceConnecting, got.Status)
	require.Equal(t, "2@stale", got.QRCode)
}

func TestGetInstanceUnknownAgent(t *testing.T) {
	s, _ := newInstanceFixture(t, "open", http.StatusOK)
	rr := doRequest(s, http.MethodGet, "/api/agents/999/instance", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}
