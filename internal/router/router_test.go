package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franzego/notifygateway/internal/config"
	"github.com/franzego/notifygateway/internal/handlers"
	"github.com/franzego/notifygateway/internal/idempotency"
	"github.com/franzego/notifygateway/internal/models"
	"github.com/franzego/notifygateway/internal/services"
	"github.com/franzego/notifygateway/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingQueue struct {
	mu   sync.Mutex
	msgs []models.QueueMessage
}

func (q *recordingQueue) Publish(_ context.Context, msg models.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func setup(t *testing.T, opts Options) (*gin.Engine, *recordingQueue) {
	t.Helper()
	s, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	q := &recordingQueue{}
	intake := services.NewIntake(idempotency.NewStoreGuard(s, time.Second), s, q, time.Second, zerolog.Nop())
	reconciler := services.NewReconciler(s, time.Second, zerolog.Nop())
	h := handlers.NewNotificationHandler(intake, reconciler, zerolog.Nop())
	return New(h, opts, zerolog.Nop()), q
}

type envelope struct {
	Success bool            `json:"success"`
	Outcome string          `json:"outcome"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func call(t *testing.T, r *gin.Engine, method, path, body string, header map[string]string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decodeRecord(t *testing.T, raw json.RawMessage) models.Notification {
	t.Helper()
	var n models.Notification
	require.NoError(t, json.Unmarshal(raw, &n))
	return n
}

func TestWelcomeEmailScenario(t *testing.T) {
	r, q := setup(t, Options{BasePath: "/api/v1"})
	body := `{"request_id":"r1","user_id":"u1","notification_type":"email","template_code":"welcome","variables":{"name":"Ada"}}`

	code, env := call(t, r, http.MethodPost, "/api/v1/notifications", body, nil)
	require.Equal(t, http.StatusAccepted, code, env.Error)
	assert.Equal(t, "queued", env.Outcome)
	first := decodeRecord(t, env.Data)
	assert.Equal(t, models.StatusQueued, first.Status)

	require.Len(t, q.msgs, 1)
	assert.Equal(t, models.TypeEmail, q.msgs[0].NotificationType)
	assert.Equal(t, "r1", q.msgs[0].RequestID)
	assert.Equal(t, 0, q.msgs[0].Attempt)
	assert.NotEmpty(t, q.msgs[0].CorrelationID)

	code, env = call(t, r, http.MethodPost, "/api/v1/notifications", body, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", env.Outcome)
	assert.Equal(t, first.ID, decodeRecord(t, env.Data).ID)
	assert.Len(t, q.msgs, 1)

	code, env = call(t, r, http.MethodPost, "/api/v1/notifications/status", `{"notification_id":"r1","status":"sent"}`, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = call(t, r, http.MethodPost, "/api/v1/notifications/status",
		`{"notification_id":"r1","status":"failed","error":"bounced"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	var report models.StatusReportResponse
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, models.StatusSent, report.Notification.Status)

	code, env = call(t, r, http.MethodGet, "/api/v1/notifications/r1", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatusSent, decodeRecord(t, env.Data).Status)
}

func TestPushRoutingAndUnknownReport(t *testing.T) {
	r, q := setup(t, Options{BasePath: "/api/v1"})

	code, _ := call(t, r, http.MethodPost, "/api/v1/notifications",
		`{"request_id":"p1","user_id":"u1","notification_type":"push","template_code":"promo","variables":{},"priority":5}`,
		map[string]string{"X-Correlation-ID": "corr-9"})
	require.Equal(t, http.StatusAccepted, code)
	require.Len(t, q.msgs, 1)
	assert.Equal(t, models.TypePush, q.msgs[0].NotificationType)
	assert.Equal(t, 5, q.msgs[0].Priority)
	assert.Equal(t, "corr-9", q.msgs[0].CorrelationID)

	code, _ = call(t, r, http.MethodPost, "/api/v1/notifications/status", `{"notification_id":"ghost","status":"sent"}`, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, r, http.MethodGet, "/api/v1/notifications/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusEndpointAuth(t *testing.T) {
	const secret = "consumer-secret"
	r, _ := setup(t, Options{BasePath: "/api/v1", JWTSecret: secret})

	code, _ := call(t, r, http.MethodPost, "/api/v1/notifications",
		`{"request_id":"r1","user_id":"u1","notification_type":"email","template_code":"welcome","variables":{}}`, nil)
	require.Equal(t, http.StatusAccepted, code)

	code, _ = call(t, r, http.MethodPost, "/api/v1/notifications/status", `{"notification_id":"r1","status":"sent"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "email-consumer",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	code, _ = call(t, r, http.MethodPost, "/api/v1/notifications/status", `{"notification_id":"r1","status":"sent"}`,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, code)
}
