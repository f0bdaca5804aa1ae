// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/bizdesk/internal/auth"
	"github.com/hitoshi/bizdesk/internal/config"
	"github.com/hitoshi/bizdesk/internal/middleware"
	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/session"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分
)

// OAuthコールバックの結果（メトリクスラベル）
const (
	CallbackSuccess       = "success"
	CallbackAuthFailed    = model.LoginErrorAuthFailed
	CallbackSessionFailed = model.LoginErrorSessionFailed
)

// AuthorizationService は認証ハンドラーが必要とするOAuthフローのサービス。auth.Serviceが満たす。
type AuthorizationService interface {
	BeginAuthorization(state string) string
	CompleteAuthorization(ctx context.Context, code string) (*model.Identity, error)
}

// IdentitySerializer はIdentityをセッション参照に変換する。auth.Resolverが満たす。
type IdentitySerializer interface {
	Serialize(identity *model.Identity) string
}

// SessionManager はセッションの作成と破棄を行う。session.Storeが満たす。
type SessionManager interface {
	Create(ctx context.Context, identityRef string) (*model.Session, error)
	Destroy(ctx context.Context, id string) error
}

// Gate はハンドラーが参照するAuth Gateの操作。auth.Gateが満たす。
type Gate interface {
	middleware.GateDecider
	SessionID(r *http.Request) (string, bool)
	Mode() config.AuthMode
}

// CallbackObserver はOAuthコールバックの結果を受け取る。metrics.Collectorが満たす。
type CallbackObserver interface {
	RecordOAuthCallback(outcome string)
}

// AuthHandlerDeps は認証ハンドラーの依存関係。
// 匿名フォールバックモードではService、Serializer、Signerはnilでよい。
type AuthHandlerDeps struct {
	Service    AuthorizationService
	Serializer IdentitySerializer
	Sessions   SessionManager
	Gate       Gate
	Cookies    *session.CookieWriter
	Signer     *session.Signer
	Observer   CallbackObserver
}

// AuthHandler はログイン画面、OAuthフロー、ログアウト、認証状態APIのHTTPハンドラー。
type AuthHandler struct {
	deps AuthHandlerDeps
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(deps AuthHandlerDeps) *AuthHandler {
	return &AuthHandler{deps: deps}
}

// LoginPage はログイン画面を表示する。既にAuth Gateを通過できる場合は/へリダイレクトする。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	decision := h.deps.Gate.Decide(r, auth.Optional)
	if decision.Outcome == auth.Admitted || decision.Outcome == auth.AdmittedAnonymous {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	renderPage(w, http.StatusOK, loginTemplate, loginPageData{
		AuthEnabled:  h.deps.Gate.Mode().Enabled(),
		ErrorMessage: loginErrorMessage(r.URL.Query().Get("error")),
	})
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, h.stateCookie(r, state, oauthStateMaxAge))

	http.Redirect(w, r, h.deps.Service.BeginAuthorization(state), http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// state検証、コード交換、Identityの作成または更新、セッションのフラッシュを経てCookieを設定し/へリダイレクトする。
// 失敗時は/login?error=auth_failedまたはsession_failedへリダイレクトする。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	stateCookie, err := r.Cookie(oauthStateCookie)
	http.SetCookie(w, h.stateCookie(r, "", -1))
	if err != nil || !validState(stateCookie.Value, query.Get("state")) {
		slog.WarnContext(ctx, "oauth state mismatch")
		h.failCallback(w, r, CallbackAuthFailed)
		return
	}

	if idpErr := query.Get("error"); idpErr != "" {
		slog.WarnContext(ctx, "identity provider returned an error", slog.String("idp_error", idpErr))
		h.failCallback(w, r, CallbackAuthFailed)
		return
	}

	identity, err := h.deps.Service.CompleteAuthorization(ctx, query.Get("code"))
	if err != nil {
		slog.ErrorContext(ctx, "oauth callback failed", slog.String("error", err.Error()))
		h.failCallback(w, r, CallbackAuthFailed)
		return
	}

	sess, err := h.deps.Sessions.Create(ctx, h.deps.Serializer.Serialize(identity))
	if err != nil {
		outcome := CallbackAuthFailed
		var persistErr *model.SessionPersistenceError
		if errors.As(err, &persistErr) {
			outcome = CallbackSessionFailed
		}
		slog.ErrorContext(ctx, "failed to create session",
			slog.String("identity_id", identity.ID),
			slog.String("error", err.Error()),
		)
		h.failCallback(w, r, outcome)
		return
	}

	// 以前のセッションは新しいセッションで置き換える
	if previous, ok := h.deps.Gate.SessionID(r); ok && previous != sess.ID {
		if err := h.deps.Sessions.Destroy(ctx, previous); err != nil {
			slog.WarnContext(ctx, "failed to destroy previous session", slog.String("error", err.Error()))
		}
	}

	h.deps.Cookies.Set(w, r, h.deps.Signer.Sign(sess.ID))
	h.observe(CallbackSuccess)
	slog.InfoContext(ctx, "identity signed in", slog.String("identity_id", identity.ID))

	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout はセッションを破棄し、Cookieをクリアして/へリダイレクトする。
// GET /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.destroySession(w, r)
	http.Redirect(w, r, "/", http.StatusFound)
}

// LogoutAPI はセッションを破棄し、JSONで結果を返す。
// POST /auth/logout
func (h *AuthHandler) LogoutAPI(w http.ResponseWriter, r *http.Request) {
	h.destroySession(w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// userBody は認証状態APIで返す利用者情報。
type userBody struct {
	ID      string `json:"id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// statusBody は認証状態APIのレスポンス。
type statusBody struct {
	Authenticated bool      `json:"authenticated"`
	Anonymous     bool      `json:"anonymous,omitempty"`
	User          *userBody `json:"user,omitempty"`
}

// Status は現在の認証状態を返す。任意認証ルートで、未認証でも200を返す。
// GET /api/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, statusBody{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, statusBody{
		Authenticated: true,
		Anonymous:     p.IsAnonymous(),
		User:          newUserBody(p),
	})
}

// Me は現在の利用者のプロフィールを返す。認証必須ルート。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteUnauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, newUserBody(p))
}

// Home はサインイン済みの利用者向けトップページを表示する。認証必須ルート。
// GET /
func (h *AuthHandler) Home(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, middleware.LoginPath, http.StatusFound)
		return
	}
	renderPage(w, http.StatusOK, homeTemplate, homePageData{
		User:      *newUserBody(p),
		Anonymous: p.IsAnonymous(),
	})
}

func (h *AuthHandler) destroySession(w http.ResponseWriter, r *http.Request) {
	if id, ok := h.deps.Gate.SessionID(r); ok {
		if err := h.deps.Sessions.Destroy(r.Context(), id); err != nil {
			// 破棄に失敗してもCookieはクリアする
			slog.ErrorContext(r.Context(), "failed to destroy session", slog.String("error", err.Error()))
		}
	}
	h.deps.Cookies.Clear(w, r)
}

func (h *AuthHandler) failCallback(w http.ResponseWriter, r *http.Request, outcome string) {
	h.observe(outcome)
	http.Redirect(w, r, middleware.LoginPath+"?error="+url.QueryEscape(outcome), http.StatusFound)
}

func (h *AuthHandler) observe(outcome string) {
	if h.deps.Observer != nil {
		h.deps.Observer.RecordOAuthCallback(outcome)
	}
}

func (h *AuthHandler) stateCookie(r *http.Request, value string, maxAge int) *http.Cookie {
	attrs := h.deps.Cookies.AttributesFor(r)
	return &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
	}
}

func newUserBody(p model.Principal) *userBody {
	identity, ok := p.Identity()
	if !ok {
		return &userBody{ID: p.OwnerID()}
	}
	return &userBody{
		ID:      identity.ID,
		Email:   identity.Email,
		Name:    identity.Name,
		Picture: identity.Picture,
	}
}

func validState(cookieValue, queryValue string) bool {
	if cookieValue == "" || queryValue == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieValue), []byte(queryValue)) == 1
}

func loginErrorMessage(code string) string {
	switch code {
	case model.LoginErrorAuthFailed:
		return "Googleでのサインインに失敗しました。もう一度お試しください。"
	case model.LoginErrorSessionFailed:
		return "セッションを保存できませんでした。しばらく待ってから再度お試しください。"
	case "":
		return ""
	default:
		return "サインインに失敗しました。"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
