// Package auth はOAuth認証フロー、Identityの解決、リクエストごとの認可判定を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/repository"
)

// OAuthClaims はOAuthプロバイダーから取得したプロフィールクレーム。
type OAuthClaims struct {
	ExternalID string
	Email      string
	Name       string
	Picture    string
}

// OAuthResult はトークン交換とプロフィール取得の結果。
// RefreshTokenはプロバイダーが再発行しなかった場合は空。
type OAuthResult struct {
	Claims       OAuthClaims
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、プロフィールクレームを取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthResult, error)
}

// Service はOAuthコールバックからIdentityを確定させる。
type Service struct {
	oauth      OAuthProvider
	identities repository.IdentityRepository
	now        func() time.Time
}

// NewService はServiceを生成する。
// プロバイダーの認証情報が無い場合はServiceを生成してはならない（匿名モード）。
func NewService(oauth OAuthProvider, identities repository.IdentityRepository) *Service {
	return &Service{
		oauth:      oauth,
		identities: identities,
		now:        time.Now,
	}
}

// BeginAuthorization はstateを埋め込んだプロバイダーの認証URLを返す。
func (s *Service) BeginAuthorization(state string) string {
	return s.oauth.GetLoginURL(state)
}

// CompleteAuthorization は認可コードを検証し、対応するIdentityを作成または更新して返す。
// Identityリポジトリへの書き込みは1回。
//
//   - 既存のexternal_id: トークンと最終ログイン日時を更新する
//   - 未登録かつemailなし: *model.ValidationError（書き込みなし）
//   - 未登録: 全項目を埋めて作成する
//
// トークン交換・プロフィール取得の失敗とタイムアウトは*model.AuthErrorを返す。
func (s *Service) CompleteAuthorization(ctx context.Context, code string) (*model.Identity, error) {
	if code == "" {
		return nil, &model.AuthError{Op: "callback", Err: errors.New("authorization code is missing")}
	}

	result, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, &model.AuthError{Op: "exchange", Err: err}
	}
	if result.Claims.ExternalID == "" {
		return nil, &model.ValidationError{Field: "sub", Reason: "missing from provider claims"}
	}

	existing, err := s.identities.FindByExternalID(ctx, result.Claims.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	switch {
	case existing != nil:
		return s.updateIdentity(ctx, existing, result)
	case result.Claims.Email == "":
		return nil, &model.ValidationError{Field: "email", Reason: "missing from provider claims"}
	default:
		return s.createIdentity(ctx, result)
	}
}

func (s *Service) updateIdentity(ctx context.Context, identity *model.Identity, result *OAuthResult) (*model.Identity, error) {
	applyLogin(identity, result, s.now())

	if err := s.identities.Update(ctx, identity); err != nil {
		return nil, fmt.Errorf("failed to update identity: %w", err)
	}

	slog.InfoContext(ctx, "existing identity logged in",
		slog.String("identity_id", identity.ID),
		slog.Bool("refresh_token_rotated", result.RefreshToken != ""),
	)
	return identity, nil
}

func (s *Service) createIdentity(ctx context.Context, result *OAuthResult) (*model.Identity, error) {
	now := s.now()
	identity := &model.Identity{
		ID:           uuid.New().String(),
		ExternalID:   result.Claims.ExternalID,
		Email:        result.Claims.Email,
		Name:         result.Claims.Name,
		Picture:      result.Claims.Picture,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenExpiry:  result.Expiry,
		CreatedAt:    now,
		LastLoginAt:  now,
	}

	err := s.identities.Create(ctx, identity)
	if errors.Is(err, repository.ErrDuplicateExternalID) {
		// 同じexternal_idのコールバックが並行して先に作成した
		existing, findErr := s.identities.FindByExternalID(ctx, result.Claims.ExternalID)
		if findErr != nil || existing == nil {
			return nil, fmt.Errorf("failed to resolve concurrent identity creation: %w", errors.Join(err, findErr))
		}
		return s.updateIdentity(ctx, existing, result)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	slog.InfoContext(ctx, "new identity created",
		slog.String("identity_id", identity.ID),
		slog.String("email", identity.Email),
	)
	return identity, nil
}

// applyLogin はログイン結果を既存Identityに反映する。
// リフレッシュトークンは常に再発行されるとは限らないため、新しい値がある場合のみ上書きする。
func applyLogin(identity *model.Identity, result *OAuthResult, now time.Time) {
	identity.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		identity.RefreshToken = result.RefreshToken
	}
	identity.TokenExpiry = result.Expiry
	identity.LastLoginAt = now

	if result.Claims.Email != "" {
		identity.Email = result.Claims.Email
	}
	if result.Claims.Name != "" {
		identity.Name = result.Claims.Name
	}
	if result.Claims.Picture != "" {
		identity.Picture = result.Claims.Picture
	}
}
