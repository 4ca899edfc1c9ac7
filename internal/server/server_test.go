package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/metergate/internal/apikey/domain"
	apikeyrepository "github.com/smallbiznis/metergate/internal/apikey/repository"
	apikeyservice "github.com/smallbiznis/metergate/internal/apikey/service"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/counter"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	"github.com/smallbiznis/metergate/internal/webhook/breaker"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	webhookrepository "github.com/smallbiznis/metergate/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/metergate/internal/webhook/service"
	"github.com/smallbiznis/metergate/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	server *Server
	engine *gin.Engine
	conn   *gorm.DB
	clock  *clock.FakeClock
	orgID  snowflake.ID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&apikeydomain.APIKey{},
		&webhookdomain.WebhookEndpoint{},
		&webhookdomain.WebhookDelivery{},
		&eventdomain.EntitlementEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{HTTPAddr: ":0"}
	cfg.Webhook.MaxAttempts = 5

	apiKeyRepo := apikeyrepository.Provide()
	apiKeySvc := apikeyservice.New(apikeyservice.Params{
		DB: conn, Log: log, Clock: fc, GenID: node, Repo: apiKeyRepo,
	})

	endpoints := webhookrepository.ProvideEndpointRepository()
	b := breaker.New(conn, endpoints, breaker.NewLocalLocker(), fc, log, nil, breaker.Config{})
	webhookSvc := webhookservice.New(webhookservice.Params{
		DB: conn, Log: log, Clock: fc, GenID: node, Config: cfg,
		Endpoints: endpoints, Delivs: webhookrepository.ProvideDeliveryRepository(), Breaker: b,
	})

	evaluator := ratelimit.NewEvaluator(counter.NewMemoryStore(), fc, log, true)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:        engine,
		Cfg:        cfg,
		DB:         conn,
		Log:        log,
		Clock:      fc,
		GenID:      node,
		APIKeyRepo: apiKeyRepo,
		APIKeySvc:  apiKeySvc,
		WebhookSvc: webhookSvc,
		Evaluator:  evaluator,
	})
	srv.RegisterAPIRoutes()

	return &testEnv{server: srv, engine: engine, conn: conn, clock: fc, orgID: snowflake.ID(42)}
}

func (e *testEnv) createKey(t *testing.T, scopes []string, serverScopes []string) *apikeydomain.SecretResponse {
	t.Helper()
	secret, err := e.server.apiKeySvc.Create(context.Background(), e.orgID, apikeydomain.CreateRequest{
		Name:         "test key",
		Scopes:       scopes,
		ServerScopes: serverScopes,
	})
	require.NoError(t, err)
	return secret
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Type
}

// denialCode reads the flat 403 body and checks the message rides along.
func denialCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp scopeDenialResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Message)
	return resp.Error
}

func TestAuthRejectsMissingOrUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/api-keys", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/v1/api-keys", "mg_live_key_bogus", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestScopeGateMethodTable(t *testing.T) {
	env := newTestEnv(t)
	readOnly := env.createKey(t, []string{"read"}, nil)

	w := env.do(t, http.MethodGet, "/v1/api-keys", readOnly.APIKey, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/v1/check", readOnly.APIKey, checkRateLimitRequest{
		LimitKey: "api.requests", Limit: 10, WindowSeconds: 60,
	}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "insufficient_scope", denialCode(t, w))

	w = env.do(t, http.MethodDelete, "/v1/api-keys/key_X", readOnly.APIKey, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "insufficient_scope", denialCode(t, w))
}

func TestScopeGateDenialOrder(t *testing.T) {
	env := newTestEnv(t)
	key := env.createKey(t, []string{"read"}, nil)

	// Expire AND revoke the key: expiry must win.
	expired := env.clock.Now().Add(-time.Hour)
	require.NoError(t, env.conn.Model(&apikeydomain.APIKey{}).
		Where("key_id = ?", key.KeyID).
		Updates(map[string]any{"expires_at": expired, "is_active": false, "revoked_at": expired}).Error)

	w := env.do(t, http.MethodGet, "/v1/api-keys", key.APIKey, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "expired", denialCode(t, w))

	// Only revoked: revoked.
	require.NoError(t, env.conn.Model(&apikeydomain.APIKey{}).
		Where("key_id = ?", key.KeyID).
		Update("expires_at", nil).Error)
	w = env.do(t, http.MethodGet, "/v1/api-keys", key.APIKey, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "revoked", denialCode(t, w))
}

func TestScopeGateServerScopes(t *testing.T) {
	env := newTestEnv(t)
	key := env.createKey(t, []string{"read", "write"}, []string{"srv-1"})

	w := env.do(t, http.MethodGet, "/v1/api-keys", key.APIKey, nil, map[string]string{"X-Server-Id": "srv-1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/api-keys", key.APIKey, nil, map[string]string{"X-Server-Id": "srv-2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "server_not_permitted", denialCode(t, w))

	// No server header: unrestricted operation.
	w = env.do(t, http.MethodGet, "/v1/api-keys", key.APIKey, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckRateLimitHeadersAndDenial(t *testing.T) {
	env := newTestEnv(t)
	key := env.createKey(t, []string{"read", "write"}, nil)

	body := checkRateLimitRequest{LimitKey: "api.requests", Limit: 3, WindowSeconds: 60}

	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/v1/check", key.APIKey, body, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	}

	w := env.do(t, http.MethodPost, "/v1/check", key.APIKey, body, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var resp rateLimitExceededResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rate_limit_exceeded", resp.Error)
	assert.Equal(t, int64(3), resp.Limit)
	assert.Positive(t, resp.RetryAfter)

	// New window: allowed again.
	env.clock.Advance(time.Minute)
	w = env.do(t, http.MethodPost, "/v1/check", key.APIKey, body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"))
}

func TestCheckRateLimitValidation(t *testing.T) {
	env := newTestEnv(t)
	key := env.createKey(t, []string{"write"}, nil)

	w := env.do(t, http.MethodPost, "/v1/check", key.APIKey, checkRateLimitRequest{
		LimitKey: "", Limit: 10, WindowSeconds: 60,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorType(t, w))

	w = env.do(t, http.MethodPost, "/v1/check", key.APIKey, checkRateLimitRequest{
		LimitKey: "api.requests", Limit: 0, WindowSeconds: 60,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorType(t, w))
}

func TestPublishEventEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	key := env.createKey(t, []string{"read", "write"}, nil)

	w := env.do(t, http.MethodPost, "/v1/webhook-endpoints", key.APIKey, webhookdomain.CreateEndpointRequest{
		URL:              "https://example.com/hooks",
		SubscribedEvents: []string{eventdomain.EventLimitExceeded},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created webhookdomain.EndpointSecretResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Secret)

	w = env.do(t, http.MethodPost, "/v1/events", key.APIKey, publishEventRequest{
		EventName: eventdomain.EventLimitExceeded,
		Data:      json.RawMessage(`{"limit_key":"api.requests","limit":100,"window_seconds":60,"retry_after":30}`),
	}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var deliveries []webhookdomain.WebhookDelivery
	require.NoError(t, env.conn.Find(&deliveries).Error)
	require.Len(t, deliveries, 1)
	assert.Equal(t, webhookdomain.DeliveryPending, deliveries[0].Status)

	// Unknown event name is rejected.
	w = env.do(t, http.MethodPost, "/v1/events", key.APIKey, publishEventRequest{
		EventName: "entitlement.bogus",
		Data:      json.RawMessage(`{}`),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeliveryRoutes(t *testing.T) {
	env := newTestEnv(t)
	key := env.createKey(t, []string{"read", "write", "delete"}, nil)

	w := env.do(t, http.MethodPost, "/v1/webhook-endpoints", key.APIKey, webhookdomain.CreateEndpointRequest{
		URL:              "https://example.com/hooks",
		SubscribedEvents: []string{eventdomain.EventLimitWarning},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created webhookdomain.EndpointSecretResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(t, http.MethodPost, "/v1/events", key.APIKey, publishEventRequest{
		EventName: eventdomain.EventLimitWarning,
		Data:      json.RawMessage(`{"limit_key":"api.requests","limit":100,"used":80,"window_seconds":60,"threshold":0.8}`),
	}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodGet, "/v1/deliveries", key.APIKey, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Data []webhookdomain.DeliveryResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Data, 1)
	deliveryID := listResp.Data[0].ID

	w = env.do(t, http.MethodGet, "/v1/deliveries/"+deliveryID.String(), key.APIKey, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/deliveries/999999", key.APIKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/deliveries/"+deliveryID.String()+"/retry", key.APIKey, nil, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodPost, "/v1/webhook-endpoints/"+created.ID.String()+"/breaker/reset", key.APIKey, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/webhook-endpoints/"+created.ID.String(), key.APIKey, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
