package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/bizdesk/internal/session"
)

func decodeJSON(t *testing.T, r io.Reader) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

// TestIntegration_SignInThenMe はコールバックで作成されたIdentityが/api/auth/meで取得できることを検証する。
func TestIntegration_SignInThenMe(t *testing.T) {
	env := newTestEnv(t, true)

	cookie := env.signIn(t, "code-a")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(cookie)
	w := env.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/auth/me status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeJSON(t, w.Body)
	if body["email"] != "a@b.com" {
		t.Errorf("email = %v, want %q", body["email"], "a@b.com")
	}
	if body["name"] != "Alice" {
		t.Errorf("name = %v, want %q", body["name"], "Alice")
	}
	if id, _ := body["id"].(string); id == "" || id == "default-user" {
		t.Errorf("id = %v, want a generated identity id", body["id"])
	}
	if env.identities.count() != 1 {
		t.Errorf("identity count = %d, want 1", env.identities.count())
	}
}

// TestIntegration_SecondSignIn_UpdatesSameIdentity は同じsubで再ログインしてもIdentityが増えないことを検証する。
func TestIntegration_SecondSignIn_UpdatesSameIdentity(t *testing.T) {
	env := newTestEnv(t, true)

	env.signIn(t, "code-a")
	cookie := env.signIn(t, "code-a-again")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(cookie)
	body := decodeJSON(t, env.do(req).Body)

	if body["name"] != "Alice B." {
		t.Errorf("name = %v, want %q", body["name"], "Alice B.")
	}
	if env.identities.count() != 1 {
		t.Errorf("identity count = %d, want 1", env.identities.count())
	}
	if env.sessions.count() != 2 {
		t.Errorf("session count = %d, want 2", env.sessions.count())
	}
}

// TestIntegration_LogoutThenStatus はログアウト後に同じCookieで未認証となることを検証する。
// TestIntegration_SignInAgain_ReplacesPreviousSession はログイン済みのブラウザで再ログインすると
// 以前のセッションが破棄されることを検証する。
func TestIntegration_SignInAgain_ReplacesPreviousSession(t *testing.T) {
	env := newTestEnv(t, true)

	first := env.signIn(t, "code-a")
	second := env.signIn(t, "code-a-again", first)

	if env.sessions.count() != 1 {
		t.Errorf("session count = %d, want 1", env.sessions.count())
	}

	old := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	old.AddCookie(first)
	if w := env.do(old); w.Code != http.StatusUnauthorized {
		t.Errorf("previous session: status = %d, want 401", w.Code)
	}

	current := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	current.AddCookie(second)
	if w := env.do(current); w.Code != http.StatusOK {
		t.Errorf("new session: status = %d, want 200", w.Code)
	}
}

func TestIntegration_LogoutThenStatus(t *testing.T) {
	env := newTestEnv(t, true)
	cookie := env.signIn(t, "code-a")

	statusReq := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	statusReq.AddCookie(cookie)
	before := decodeJSON(t, env.do(statusReq).Body)
	if before["authenticated"] != true {
		t.Fatalf("authenticated before logout = %v, want true", before["authenticated"])
	}

	logoutReq := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	logoutReq.AddCookie(cookie)
	w := env.do(logoutReq)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /auth/logout status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := decodeJSON(t, w.Body); body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	cleared := findCookie(w.Result().Cookies(), session.CookieName)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Error("logout should clear the session cookie")
	}

	statusReq = httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	statusReq.AddCookie(cookie)
	after := decodeJSON(t, env.do(statusReq).Body)
	if after["authenticated"] != false {
		t.Errorf("authenticated after logout = %v, want false", after["authenticated"])
	}
	if _, ok := after["user"]; ok {
		t.Error("user should be omitted when unauthenticated")
	}
}

// TestIntegration_GetLogout_RedirectsHome はGET /auth/logoutがセッションを破棄して/へ戻すことを検証する。
func TestIntegration_GetLogout_RedirectsHome(t *testing.T) {
	env := newTestEnv(t, true)
	cookie := env.signIn(t, "code-a")

	req := httptest.NewRequest(http.MethodGet, "/auth/logout", nil)
	req.AddCookie(cookie)
	w := env.do(req)

	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Errorf("GET /auth/logout = %d %q, want 302 /", w.Code, w.Header().Get("Location"))
	}
	if env.sessions.count() != 0 {
		t.Errorf("session count = %d, want 0", env.sessions.count())
	}
}

// TestIntegration_RequiredRoutes_DenyWithoutSession は認証必須ルートの拒否応答を検証する。
func TestIntegration_RequiredRoutes_DenyWithoutSession(t *testing.T) {
	env := newTestEnv(t, true)

	api := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	if api.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/auth/me status = %d, want %d", api.Code, http.StatusUnauthorized)
	}
	if body := decodeJSON(t, api.Body); body["redirectTo"] != "/login" {
		t.Errorf("redirectTo = %v, want /login", body["redirectTo"])
	}

	page := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if page.Code != http.StatusFound || page.Header().Get("Location") != "/login" {
		t.Errorf("GET / = %d %q, want 302 /login", page.Code, page.Header().Get("Location"))
	}
}

// TestIntegration_TamperedCookie_IsDenied は署名が一致しないCookieが拒否されることを検証する。
func TestIntegration_TamperedCookie_IsDenied(t *testing.T) {
	env := newTestEnv(t, true)
	cookie := env.signIn(t, "code-a")

	id := strings.SplitN(cookie.Value, ".", 2)[0]
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: id + ".forged"})
	w := env.do(req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// TestIntegration_SignedInHomePage はサインイン後のトップページに利用者名が表示されることを検証する。
func TestIntegration_SignedInHomePage(t *testing.T) {
	env := newTestEnv(t, true)
	cookie := env.signIn(t, "code-a")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	w := env.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "Alice") {
		t.Error("home page should show the signed-in name")
	}

	login := httptest.NewRequest(http.MethodGet, "/login", nil)
	login.AddCookie(cookie)
	if w := env.do(login); w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Errorf("GET /login when signed in = %d %q, want 302 /", w.Code, w.Header().Get("Location"))
	}
}

// TestIntegration_CallbackFailures_RedirectWithErrorCode はコールバック失敗時のエラー指標を検証する。
func TestIntegration_CallbackFailures_RedirectWithErrorCode(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		state     string
		saveFails bool
		want      string
	}{
		{"state mismatch", "code-a", "other-state", false, "/login?error=auth_failed"},
		{"exchange rejected", "unknown-code", "", false, "/login?error=auth_failed"},
		{"missing email claim", "code-no-email", "", false, "/login?error=auth_failed"},
		{"session store down", "code-a", "", true, "/login?error=session_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true)
			if tt.saveFails {
				env.sessions.saveErr = io.ErrUnexpectedEOF
			}

			start := env.do(httptest.NewRequest(http.MethodGet, "/auth/google", nil))
			stateCookie := findCookie(start.Result().Cookies(), oauthStateCookie)
			state := tt.state
			if state == "" {
				state = stateCookie.Value
			}

			req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code="+tt.code+"&state="+state, nil)
			req.AddCookie(stateCookie)
			w := env.do(req)

			if w.Code != http.StatusFound {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
			}
			if got := w.Header().Get("Location"); got != tt.want {
				t.Errorf("Location = %q, want %q", got, tt.want)
			}
			if c := findCookie(w.Result().Cookies(), session.CookieName); c != nil {
				t.Error("failed callback must not set a session cookie")
			}
		})
	}
}

// TestIntegration_DisabledMode_AdmitsAnonymous は匿名フォールバックモードで全ルートが通過することを検証する。
func TestIntegration_DisabledMode_AdmitsAnonymous(t *testing.T) {
	env := newTestEnv(t, false)

	me := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	if me.Code != http.StatusOK {
		t.Fatalf("GET /api/auth/me status = %d, want %d", me.Code, http.StatusOK)
	}
	if body := decodeJSON(t, me.Body); body["id"] != "default-user" {
		t.Errorf("id = %v, want default-user", body["id"])
	}

	status := decodeJSON(t, env.do(httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)).Body)
	if status["authenticated"] != true || status["anonymous"] != true {
		t.Errorf("status = %v, want authenticated and anonymous", status)
	}

	if w := env.do(httptest.NewRequest(http.MethodGet, "/", nil)); w.Code != http.StatusOK {
		t.Errorf("GET / status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := env.do(httptest.NewRequest(http.MethodGet, "/auth/google", nil)); w.Code != http.StatusNotFound {
		t.Errorf("GET /auth/google status = %d, want %d when auth is disabled", w.Code, http.StatusNotFound)
	}
}

// TestIntegration_MetricsReflectCallbacks はコールバック結果とゲート判定が/metricsに現れることを検証する。
func TestIntegration_MetricsReflectCallbacks(t *testing.T) {
	env := newTestEnv(t, true)
	env.signIn(t, "code-a")
	env.do(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()

	for _, want := range []string{
		`bizdesk_oauth_callbacks_total{outcome="success"} 1`,
		`bizdesk_auth_gate_decisions_total{outcome="denied"} 1`,
		`bizdesk_session_events_total{event="saved"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
