package notifications

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/workout-notify/internal/auth"
	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/bissquit/workout-notify/internal/pkg/httputil"
	"github.com/bissquit/workout-notify/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	openAPISpecPath = "../../api/openapi/openapi.yaml"
	testSecret      = "handler-test-secret"
)

type handlerEnv struct {
	server    *httptest.Server
	repo      *fakeRepository
	registrar *Registrar
	broker *fakeChannel
	fcm    *fakeChannel
}

func newHandlerEnv(t *testing.T, brokerAppID string) *handlerEnv {
	t.Helper()

	repo := clubDirectory()
	broker := &fakeChannel{kind: domain.ChannelBroker, report: Report{Sent: 4}}
	fcm := &fakeChannel{kind: domain.ChannelFCM, report: Report{Sent: 2}}
	dispatcher := NewDispatcher(DispatcherConfig{Guard: newFakeGuard()}, NewAudienceResolver(repo), broker, fcm)
	registrar := NewRegistrar(repo)
	h := NewHandler(dispatcher, registrar, brokerAppID)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		h.RegisterPublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(auth.NewJWTValidator(auth.Config{SecretKey: testSecret})))
			h.RegisterRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleStaff))
				h.RegisterStaffRoutes(r)
			})
		})
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &handlerEnv{server: server, repo: repo, registrar: registrar, broker: broker, fcm: fcm}
}

func (e *handlerEnv) client(t *testing.T, userID string, role domain.Role) *testutil.Client {
	t.Helper()
	c := testutil.NewClientWithValidation(t, e.server.URL, openAPISpecPath)
	if userID != "" {
		c.LoginAs(t, testSecret, userID, role)
	}
	return c
}

func dispatchBody() map[string]any {
	return map[string]any{
		"type":         "new_workout",
		"workoutId":    "w1",
		"workoutTitle": "Yoga",
	}
}

func TestHandler_Dispatch(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	c := env.client(t, "s1", domain.RoleStaff)

	resp, err := c.POST("/api/v1/notifications/dispatch", dispatchBody())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body DispatchResponse
	testutil.DecodeJSON(t, resp, &body)
	assert.True(t, body.Success)
	assert.Equal(t, 4, body.Recipients)
	require.Len(t, body.Outcomes, 2)
	assert.Len(t, env.broker.calls(), 1)
	assert.Len(t, env.fcm.calls(), 1)
}

func TestHandler_Dispatch_ChannelFailureStillSucceeds(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	env.broker.err = NewRetryableError(domain.ChannelBroker, 502, "bad gateway")
	c := env.client(t, "s1", domain.RoleStaff)

	resp, err := c.POST("/api/v1/notifications/dispatch", dispatchBody())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body DispatchResponse
	testutil.DecodeJSON(t, resp, &body)
	assert.True(t, body.Success)
	assert.False(t, body.Outcomes[0].Success)
	assert.True(t, body.Outcomes[1].Success)
}

func TestHandler_Dispatch_IdempotencyKeyHeader(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	c := env.client(t, "s1", domain.RoleStaff)
	c.Headers["Idempotency-Key"] = "new-w1"

	resp, err := c.POST("/api/v1/notifications/dispatch", dispatchBody())
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = c.POST("/api/v1/notifications/dispatch", dispatchBody())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body DispatchResponse
	testutil.DecodeJSON(t, resp, &body)
	assert.True(t, body.Duplicate)
	assert.Len(t, env.broker.calls(), 1)
}

func TestHandler_Dispatch_Errors(t *testing.T) {
	env := newHandlerEnv(t, "app-1")

	tests := []struct {
		name       string
		userID     string
		role       domain.Role
		body       any
		wantStatus int
	}{
		{"no token", "", "", dispatchBody(), http.StatusUnauthorized},
		{"member", "m1", domain.RoleMember, dispatchBody(), http.StatusForbidden},
		{"missing title", "s1", domain.RoleStaff, map[string]any{"type": "new_workout", "workoutId": "w1"}, http.StatusBadRequest},
		{"invalid json", "s1", domain.RoleStaff, "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := env.client(t, tt.userID, tt.role)

			resp, err := c.POST("/api/v1/notifications/dispatch", tt.body)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
	assert.Empty(t, env.broker.calls())
}

func TestHandler_DispatchChannel(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	c := env.client(t, "a1", domain.RoleAdmin)

	resp, err := c.POST("/api/v1/notifications/dispatch/fcm", dispatchBody())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body DispatchResponse
	testutil.DecodeJSON(t, resp, &body)
	require.Len(t, body.Outcomes, 1)
	assert.Equal(t, domain.ChannelFCM, body.Outcomes[0].Channel)
	assert.Empty(t, env.broker.calls())

	resp, err = c.POST("/api/v1/notifications/dispatch/sms", dispatchBody())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_DispatchChannel_Misconfigured(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	env.broker.configErr = &ConfigurationError{Channel: domain.ChannelBroker, Reason: "api key not set"}
	c := env.client(t, "s1", domain.RoleStaff)

	resp, err := c.POST("/api/v1/notifications/dispatch/broker", dispatchBody())
	require.NoError(t, err)
	body := testutil.ReadBody(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "api key not set")
}

func TestHandler_GetBrokerConfig(t *testing.T) {
	env := newHandlerEnv(t, "app-1")

	resp, err := env.client(t, "", "").GET("/api/v1/notifications/broker/config")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			AppID string `json:"app_id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, "app-1", body.Data.AppID)
}

func TestHandler_GetBrokerConfig_Unset(t *testing.T) {
	env := newHandlerEnv(t, "")

	resp, err := env.client(t, "", "").GET("/api/v1/notifications/broker/config")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandler_Subscriptions(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	c := env.client(t, "m1", domain.RoleMember)

	resp, err := c.POST("/api/v1/me/push-subscriptions", map[string]string{
		"channel":    "fcm",
		"token":      "device-token",
		"permission": "granted",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created struct {
		Data SubscriptionResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &created)
	assert.Equal(t, "m1", created.Data.UserID)
	assert.Equal(t, StateSubscribed, created.Data.State)

	resp, err = c.GET("/api/v1/me/push-subscriptions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Data []SubscriptionResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, domain.ChannelFCM, list.Data[0].Channel)

	resp, err = c.DELETE("/api/v1/me/push-subscriptions/fcm")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	subs, err := env.repo.ListUserSubscriptions(t.Context(), "m1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestHandler_Subscribe_Errors(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	c := env.client(t, "m1", domain.RoleMember)

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"denied", map[string]string{"channel": "fcm", "permission": "denied"}, http.StatusForbidden},
		{"no token", map[string]string{"channel": "fcm"}, http.StatusBadRequest},
		{"unknown channel", map[string]string{"channel": "sms", "token": "t"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.WithoutValidation().POST("/api/v1/me/push-subscriptions", tt.body)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestHandler_Unsubscribe_UnknownChannel(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	c := env.client(t, "m1", domain.RoleMember)

	resp, err := c.DELETE("/api/v1/me/push-subscriptions/sms")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_ListSubscriptions_ReportsTransitionInProgress(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	c := env.client(t, "m1", domain.RoleMember)

	_, err := env.registrar.Subscribe(t.Context(), "m1", domain.ChannelFCM, PresentedToken{Value: "old-token"})
	require.NoError(t, err)

	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := env.registrar.Subscribe(context.Background(), "m1", domain.ChannelFCM, src)
		assert.NoError(t, err)
	}()
	<-src.entered

	resp, err := c.GET("/api/v1/me/push-subscriptions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Data []SubscriptionResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, StateRegistering, list.Data[0].State)

	close(src.release)
	<-done
}

func TestHandler_Subscribe_BrokerRegistrationIsListed(t *testing.T) {
	env := newHandlerEnv(t, "app-1")
	c := env.client(t, "m1", domain.RoleMember)

	resp, err := c.POST("/api/v1/me/push-subscriptions", map[string]string{
		"channel": "broker",
		"token":   "m1",
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sub, err := env.repo.GetSubscription(t.Context(), "m1", domain.ChannelBroker)
	require.NoError(t, err)
	assert.Equal(t, "broker://token/m1", sub.Endpoint)

	resp, err = c.GET("/api/v1/me/push-subscriptions")
	require.NoError(t, err)
	var list struct {
		Data []SubscriptionResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, domain.ChannelBroker, list.Data[0].Channel)
	assert.Equal(t, StateSubscribed, list.Data[0].State)
}
