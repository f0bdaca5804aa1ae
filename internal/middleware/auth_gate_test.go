package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/bizdesk/internal/auth"
	"github.com/hitoshi/bizdesk/internal/model"
)

// stubDecider は固定の判定を返すGateDecider。
type stubDecider struct {
	decision auth.Decision
	gotReq   []auth.Requirement
}

func (s *stubDecider) Decide(_ *http.Request, req auth.Requirement) auth.Decision {
	s.gotReq = append(s.gotReq, req)
	return s.decision
}

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) RecordGateDecision(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

func TestAuthGate_Denied_APIRoute_Returns401JSON(t *testing.T) {
	observer := &recordingObserver{}
	gate := NewAuthGate(&stubDecider{decision: auth.Decision{Outcome: auth.Denied, Reason: "no_cookie"}}, observer)

	handler := gate.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "/login", body["redirectTo"])
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, []string{"denied"}, observer.outcomes)
}

func TestAuthGate_Denied_BrowserRoute_RedirectsToLogin(t *testing.T) {
	gate := NewAuthGate(&stubDecider{decision: auth.Decision{Outcome: auth.Denied}}, nil)

	handler := gate.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestAuthGate_Admitted_InjectsPrincipal(t *testing.T) {
	identity := &model.Identity{ID: "identity-1", Email: "a@b.com"}
	decider := &stubDecider{decision: auth.Decision{Outcome: auth.Admitted, Principal: model.Authenticated(identity)}}
	gate := NewAuthGate(decider, nil)

	var got model.Principal
	handler := gate.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		got = p
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "identity-1", got.OwnerID())
	assert.Equal(t, []auth.Requirement{auth.Required}, decider.gotReq)
}

func TestAuthGate_Optional_Unauthenticated_ProceedsWithoutPrincipal(t *testing.T) {
	decider := &stubDecider{decision: auth.Decision{Outcome: auth.Unauthenticated}}
	gate := NewAuthGate(decider, nil)

	called := false
	handler := gate.OptionalAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := PrincipalFromContext(r.Context())
		assert.False(t, ok)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/auth/status", nil))

	assert.True(t, called)
	assert.Equal(t, []auth.Requirement{auth.Optional}, decider.gotReq)
}

func TestAuthGate_WithChiRouteGroups(t *testing.T) {
	gate := NewAuthGate(&stubDecider{decision: auth.Decision{Outcome: auth.Denied}}, nil)

	r := chi.NewRouter()
	r.Get("/login", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Group(func(r chi.Router) {
		r.Use(gate.RequireAuth())
		r.Get("/api/auth/me", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	})

	tests := []struct {
		path string
		want int
	}{
		{"/login", http.StatusOK},
		{"/api/auth/me", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestIsAPIRequest(t *testing.T) {
	assert.True(t, IsAPIRequest(httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)))
	assert.True(t, IsAPIRequest(httptest.NewRequest(http.MethodGet, "/api", nil)))
	assert.False(t, IsAPIRequest(httptest.NewRequest(http.MethodGet, "/apix", nil)))
	assert.False(t, IsAPIRequest(httptest.NewRequest(http.MethodGet, "/", nil)))
}
