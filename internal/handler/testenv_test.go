package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/bizdesk/internal/auth"
	"github.com/hitoshi/bizdesk/internal/config"
	"github.com/hitoshi/bizdesk/internal/metrics"
	"github.com/hitoshi/bizdesk/internal/middleware"
	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/repository"
	"github.com/hitoshi/bizdesk/internal/session"
)

// --- インメモリのリポジトリ ---

type memIdentityRepo struct {
	mu         sync.Mutex
	identities map[string]*model.Identity
}

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{identities: make(map[string]*model.Identity)}
}

func (m *memIdentityRepo) FindByID(_ context.Context, id string) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identities[id]; ok {
		cp := *identity
		return &cp, nil
	}
	return nil, nil
}

func (m *memIdentityRepo) FindByExternalID(_ context.Context, externalID string) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if identity.ExternalID == externalID {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.identities {
		if existing.ExternalID == identity.ExternalID {
			return repository.ErrDuplicateExternalID
		}
	}
	cp := *identity
	m.identities[identity.ID] = &cp
	return nil
}

func (m *memIdentityRepo) Update(_ context.Context, identity *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[identity.ID]; !ok {
		return model.ErrIdentityNotFound
	}
	cp := *identity
	m.identities[identity.ID] = &cp
	return nil
}

func (m *memIdentityRepo) FindEarliest(_ context.Context) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest *model.Identity
	for _, identity := range m.identities {
		if earliest == nil || identity.CreatedAt.Before(earliest.CreatedAt) {
			earliest = identity
		}
	}
	return earliest, nil
}

func (m *memIdentityRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.identities)
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	saveErr  error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]model.Session)}
}

func (m *memSessionRepo) Save(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *memSessionRepo) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastAccessedAt = at
		m.sessions[id] = s
	}
	return nil
}

func (m *memSessionRepo) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memSessionRepo) DeleteExpired(context.Context, time.Time, time.Duration) (int64, error) {
	return 0, nil
}

func (m *memSessionRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// --- IdPのフェイク ---

// fakeProvider は認可コードごとに固定のクレームを返すOAuthProvider。
type fakeProvider struct {
	claims map[string]auth.OAuthClaims
}

func (f *fakeProvider) GetLoginURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (*auth.OAuthResult, error) {
	claims, ok := f.claims[code]
	if !ok {
		return nil, errors.New("invalid_grant")
	}
	return &auth.OAuthResult{
		Claims:       claims,
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// --- テスト環境 ---

const testSessionSecret = "handler-test-secret-0123456789"

type testEnv struct {
	router     http.Handler
	identities *memIdentityRepo
	sessions   *memSessionRepo
	registry   *prometheus.Registry
}

func newTestEnv(t *testing.T, enabled bool) *testEnv {
	t.Helper()

	identities := newMemIdentityRepo()
	sessionRepo := newMemSessionRepo()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	mode := config.AuthDisabled()
	if enabled {
		mode = config.AuthEnabled(config.ProviderConfig{ClientID: "id", ClientSecret: "secret"})
	}

	store := session.NewStore(sessionRepo, 24*time.Hour, collector)
	resolver := auth.NewResolver(identities)
	signer := session.NewSigner(testSessionSecret)
	gate := auth.NewGate(auth.GateConfig{
		Mode:          mode,
		Sessions:      store,
		Resolver:      resolver,
		Signer:        signer,
		TouchInterval: time.Minute,
	})
	provider := &fakeProvider{claims: map[string]auth.OAuthClaims{
		"code-a":        {ExternalID: "g-123", Email: "a@b.com", Name: "Alice"},
		"code-a-again":  {ExternalID: "g-123", Email: "a@b.com", Name: "Alice B."},
		"code-no-email": {ExternalID: "g-456"},
	}}

	limiter := middleware.NewRateLimiter(middleware.AuthRateLimiterConfig(1000))
	t.Cleanup(limiter.Stop)

	router := NewRouter(&RouterDeps{
		CORSAllowedOrigins: []string{"http://localhost:3000"},
		AuthRateLimiter:    limiter,
		Gate:               gate,
		Service:            auth.NewService(provider, identities),
		Serializer:         resolver,
		Sessions:           store,
		Cookies:            session.NewCookieWriter(false, 24*time.Hour),
		Signer:             signer,
		HealthCheck:        func(context.Context) error { return nil },
		Metrics:            collector,
		MetricsHandler:     metrics.Handler(registry),
	})

	return &testEnv{router: router, identities: identities, sessions: sessionRepo, registry: registry}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// signIn はOAuthフローを最後まで通し、発行されたセッションCookieを返す。
// existingを渡すとログイン済みのブラウザからのコールバックになる。
func (e *testEnv) signIn(t *testing.T, code string, existing ...*http.Cookie) *http.Cookie {
	t.Helper()

	start := e.do(httptest.NewRequest(http.MethodGet, "/auth/google", nil))
	state := findCookie(start.Result().Cookies(), oauthStateCookie)
	if state == nil {
		t.Fatal("expected oauth_state cookie")
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code="+code+"&state="+state.Value, nil)
	req.AddCookie(state)
	for _, c := range existing {
		req.AddCookie(c)
	}
	w := e.do(req)

	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Fatalf("callback = %d %q, want 302 /", w.Code, w.Header().Get("Location"))
	}
	cookie := findCookie(w.Result().Cookies(), session.CookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected session cookie after callback")
	}
	return cookie
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
