// Package model はドメインモデルを定義する。
package model

import "time"

// AnonymousIdentityID はIdPが未設定の場合に全リクエストへ割り当てる固定IDである。
const AnonymousIdentityID = "default-user"

// Identity は外部IdPで認証された利用者を表す。
// ExternalIDはIdPのユーザー識別子（Googleのsub）で、全Identityの中で一意である。
type Identity struct {
	ID           string
	ExternalID   string
	Email        string
	Name         string
	Picture      string
	AccessToken  string
	RefreshToken string // IdPが一度も発行していない場合は空
	TokenExpiry  time.Time
	CreatedAt    time.Time
	LastLoginAt  time.Time
}

// Session はブラウザが保持する不透明なIDとIdentityの紐付けを表す。
// IdentityRefはIdentityの主キーのみを保持する。
type Session struct {
	ID             string
	IdentityRef    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
}

// Expired はnowの時点でセッションが失効しているかを返す。
// ExpiresAtを過ぎた場合、または最終アクセスからttl以上経過した場合に失効とみなす。
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return true
	}
	if ttl > 0 && !s.LastAccessedAt.IsZero() && now.Sub(s.LastAccessedAt) >= ttl {
		return true
	}
	return false
}

type principalKind int

const (
	principalNone principalKind = iota
	principalAuthenticated
	principalAnonymous
)

// Principal はリクエストの主体を表すタグ付きバリアント。
// Authenticated（実在のIdentity）とAnonymous（フォールバックモードの固定ID）のいずれかで、
// ゼロ値は主体なしを表す。
type Principal struct {
	kind     principalKind
	identity *Identity
}

// Authenticated は認証済みIdentityのPrincipalを返す。
func Authenticated(identity *Identity) Principal {
	return Principal{kind: principalAuthenticated, identity: identity}
}

// Anonymous はフォールバックモードの固定Principalを返す。
func Anonymous() Principal {
	return Principal{kind: principalAnonymous}
}

// IsZero は主体が存在しない場合にtrueを返す。
func (p Principal) IsZero() bool { return p.kind == principalNone }

// IsAnonymous はフォールバックモードの固定Principalの場合にtrueを返す。
func (p Principal) IsAnonymous() bool { return p.kind == principalAnonymous }

// Identity は認証済みの場合にIdentityを返す。
func (p Principal) Identity() (*Identity, bool) {
	if p.kind != principalAuthenticated || p.identity == nil {
		return nil, false
	}
	return p.identity, true
}

// OwnerID は所有リソースに記録するオーナー参照を返す。主体なしの場合は空文字を返す。
func (p Principal) OwnerID() string {
	switch p.kind {
	case principalAuthenticated:
		if p.identity != nil {
			return p.identity.ID
		}
	case principalAnonymous:
		return AnonymousIdentityID
	}
	return ""
}
