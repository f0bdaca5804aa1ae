package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/bizdesk/internal/middleware"
	"github.com/hitoshi/bizdesk/internal/session"
)

// MetricsRecorder はルーターが記録するメトリクス。metrics.Collectorが満たす。
type MetricsRecorder interface {
	middleware.HTTPRecorder
	middleware.GateObserver
	CallbackObserver
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger     *slog.Logger
	Production bool

	// ミドルウェア依存
	CORSAllowedOrigins []string
	AuthRateLimiter    *middleware.RateLimiter

	// 認証
	Gate       Gate
	Service    AuthorizationService
	Serializer IdentitySerializer
	Sessions   SessionManager
	Cookies    *session.CookieWriter
	Signer     *session.Signer

	// 運用
	HealthCheck    HealthCheckFunc
	Metrics        MetricsRecorder
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Logging → Recovery → Metrics → SecurityHeaders → CORS
//
// OAuthフロー（/auth/google*）はAuthModeがEnabledの場合のみマウントする。
// /auth/*にはクライアントIPごとのレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Production))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	var gateObserver middleware.GateObserver
	var callbackObserver CallbackObserver
	if deps.Metrics != nil {
		gateObserver = deps.Metrics
		callbackObserver = deps.Metrics
	}
	gate := middleware.NewAuthGate(deps.Gate, gateObserver)

	authHandler := NewAuthHandler(AuthHandlerDeps{
		Service:    deps.Service,
		Serializer: deps.Serializer,
		Sessions:   deps.Sessions,
		Gate:       deps.Gate,
		Cookies:    deps.Cookies,
		Signer:     deps.Signer,
		Observer:   callbackObserver,
	})

	// --- 運用エンドポイント ---
	r.Get("/health", Health(deps.HealthCheck))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証不要のルート ---
	r.Get("/login", authHandler.LoginPage)

	r.Route("/auth", func(r chi.Router) {
		if deps.AuthRateLimiter != nil {
			r.Use(deps.AuthRateLimiter.Middleware())
		}
		if deps.Gate.Mode().Enabled() {
			r.Get("/google", authHandler.Login)
			r.Get("/google/callback", authHandler.Callback)
		}
		r.Get("/logout", authHandler.Logout)
		r.Post("/logout", authHandler.LogoutAPI)
	})

	// --- 任意認証のルート ---
	r.With(gate.OptionalAuth()).Get("/api/auth/status", authHandler.Status)

	// --- 認証必須のルート ---
	r.Group(func(r chi.Router) {
		r.Use(gate.RequireAuth())

		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/", authHandler.Home)
	})

	return r
}
