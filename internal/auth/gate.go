package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/bizdesk/internal/config"
	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/session"
)

// Requirement はルートごとの認証要件。
type Requirement int

const (
	// Required は認証必須のルート。未認証はDeniedになる。
	Required Requirement = iota
	// Optional は未認証でも処理を続けるルート。
	Optional
)

// Outcome はAuth Gateの判定結果。
type Outcome int

const (
	// Denied は認証必須ルートで有効なセッションが無い。
	Denied Outcome = iota
	// Admitted はセッションからIdentityを解決できた。
	Admitted
	// AdmittedAnonymous はIdP未設定の匿名フォールバックモード。
	AdmittedAnonymous
	// Unauthenticated は任意認証ルートでIdentity無しのまま処理を続ける。
	Unauthenticated
)

// String はメトリクスラベルとログ用の名前を返す。
func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case AdmittedAnonymous:
		return "admitted_anonymous"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "denied"
	}
}

// Decision は1リクエストに対する判定。
type Decision struct {
	Outcome   Outcome
	Principal model.Principal
	// Session はAdmittedの場合のみ設定される。
	Session *model.Session
	// Reason はAdmitted以外になった理由（ログ用）。
	Reason string
}

// SessionLoader はAuth Gateが使うセッション操作。session.Storeが満たす。
type SessionLoader interface {
	Load(ctx context.Context, id string) (*model.Session, error)
	Touch(ctx context.Context, id string) error
}

// IdentityResolver はセッション参照からIdentityを解決する。Resolverが満たす。
type IdentityResolver interface {
	Deserialize(ctx context.Context, ref string) (*model.Identity, error)
}

// GateConfig はAuth Gateの設定。
type GateConfig struct {
	Mode          config.AuthMode
	Sessions      SessionLoader
	Resolver      IdentityResolver
	Signer        *session.Signer
	TouchInterval time.Duration
}

// Gate はリクエストごとに認可判定を行う。
// モードは生成時に固定され、実行時に切り替わらない。
type Gate struct {
	mode          config.AuthMode
	sessions      SessionLoader
	resolver      IdentityResolver
	signer        *session.Signer
	touchInterval time.Duration
	now           func() time.Time
}

// NewGate はGateを生成する。
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		mode:          cfg.Mode,
		sessions:      cfg.Sessions,
		resolver:      cfg.Resolver,
		signer:        cfg.Signer,
		touchInterval: cfg.TouchInterval,
		now:           time.Now,
	}
}

// Mode は生成時に渡された認証モードを返す。
func (g *Gate) Mode() config.AuthMode {
	return g.mode
}

// Decide はリクエストを判定する。
// 匿名モードでは常にAdmittedAnonymous。それ以外はCookie、署名、セッション、Identityの順に検証し、
// いずれかに失敗した場合はRequiredならDenied、OptionalならUnauthenticatedを返す。
func (g *Gate) Decide(r *http.Request, req Requirement) Decision {
	if !g.mode.Enabled() {
		return Decision{Outcome: AdmittedAnonymous, Principal: model.Anonymous()}
	}

	identity, sess, reason := g.resolve(r)
	if identity != nil {
		g.touch(r.Context(), sess)
		return Decision{Outcome: Admitted, Principal: model.Authenticated(identity), Session: sess}
	}

	if req == Optional {
		return Decision{Outcome: Unauthenticated, Reason: reason}
	}
	return Decision{Outcome: Denied, Reason: reason}
}

// SessionID はリクエストのCookieから署名を検証したセッションIDを返す。
func (g *Gate) SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	if g.signer == nil {
		return "", false
	}
	return g.signer.Verify(cookie.Value)
}

func (g *Gate) resolve(r *http.Request) (*model.Identity, *model.Session, string) {
	if _, err := r.Cookie(session.CookieName); err != nil {
		return nil, nil, "no_cookie"
	}
	id, ok := g.SessionID(r)
	if !ok {
		return nil, nil, "bad_signature"
	}

	ctx := r.Context()
	sess, err := g.sessions.Load(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "failed to load session", slog.String("error", err.Error()))
		return nil, nil, "store_error"
	}
	if sess == nil {
		return nil, nil, "session_absent"
	}

	identity, err := g.resolver.Deserialize(ctx, sess.IdentityRef)
	if errors.Is(err, model.ErrIdentityNotFound) {
		return nil, nil, "identity_missing"
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to resolve identity",
			slog.String("identity_id", sess.IdentityRef),
			slog.String("error", err.Error()),
		)
		return nil, nil, "store_error"
	}
	return identity, sess, ""
}

// touch は前回アクセスからtouchInterval以上経過している場合のみ最終アクセス日時を更新する。
func (g *Gate) touch(ctx context.Context, sess *model.Session) {
	if g.now().Sub(sess.LastAccessedAt) < g.touchInterval {
		return
	}
	if err := g.sessions.Touch(ctx, sess.ID); err != nil {
		slog.WarnContext(ctx, "failed to touch session", slog.String("error", err.Error()))
	}
}
