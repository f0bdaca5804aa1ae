// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/bizdesk/internal/auth"
	"github.com/hitoshi/bizdesk/internal/model"
)

// LoginPath は未認証時の誘導先。
const LoginPath = "/login"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストにPrincipalを格納するためのキー。
var principalContextKey = contextKey("principal")

// GateDecider はリクエストごとの認可判定を行う。auth.Gateが満たす。
type GateDecider interface {
	Decide(r *http.Request, req auth.Requirement) auth.Decision
}

// GateObserver はAuth Gateの判定結果を受け取る。metrics.Collectorが満たす。
type GateObserver interface {
	RecordGateDecision(outcome string)
}

// AuthGate はAuth Gateの判定をHTTPミドルウェアとして提供する。
type AuthGate struct {
	gate     GateDecider
	observer GateObserver
}

// NewAuthGate はAuthGateを生成する。observerはnilでもよい。
func NewAuthGate(gate GateDecider, observer GateObserver) *AuthGate {
	return &AuthGate{gate: gate, observer: observer}
}

// RequireAuth は認証必須のルートに適用するミドルウェアを返す。
// Deniedの場合、/api/配下は401 JSON、それ以外は/loginへの302を返す。
func (a *AuthGate) RequireAuth() func(next http.Handler) http.Handler {
	return a.middleware(auth.Required)
}

// OptionalAuth は未認証でも処理を続けるルートに適用するミドルウェアを返す。
func (a *AuthGate) OptionalAuth() func(next http.Handler) http.Handler {
	return a.middleware(auth.Optional)
}

func (a *AuthGate) middleware(req auth.Requirement) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := a.gate.Decide(r, req)
			if a.observer != nil {
				a.observer.RecordGateDecision(decision.Outcome.String())
			}

			if decision.Outcome == auth.Denied {
				slog.DebugContext(r.Context(), "auth gate denied request",
					slog.String("path", r.URL.Path),
					slog.String("reason", decision.Reason),
				)
				if IsAPIRequest(r) {
					WriteUnauthorized(w)
				} else {
					http.Redirect(w, r, LoginPath, http.StatusFound)
				}
				return
			}

			if !decision.Principal.IsZero() {
				if holder, ok := r.Context().Value(principalHolderKey).(*principalHolder); ok {
					holder.principal = decision.Principal
				}
				r = r.WithContext(ContextWithPrincipal(r.Context(), decision.Principal))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsAPIRequest はJSONで応答すべきAPIルートかを返す。
func IsAPIRequest(r *http.Request) bool {
	return r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/")
}

// UnauthorizedBody は認証必須APIで未認証だった場合のレスポンス。
type UnauthorizedBody struct {
	RedirectTo string `json:"redirectTo"`
	Message    string `json:"message"`
}

// WriteUnauthorized は401レスポンスをログイン誘導付きで書き込む。
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(UnauthorizedBody{
		RedirectTo: LoginPath,
		Message:    "Authentication required",
	})
}

// PrincipalFromContext はリクエストコンテキストからPrincipalを取得する。
// Auth Gateを通過していない、または未認証の場合はfalseを返す。
func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(model.Principal)
	if !ok || p.IsZero() {
		return model.Principal{}, false
	}
	return p, true
}

// ContextWithPrincipal はコンテキストにPrincipalを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
