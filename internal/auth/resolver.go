package auth

import (
	"context"
	"fmt"

	"github.com/hitoshi/bizdesk/internal/model"
)

// IdentityFinder は主キーでIdentityを検索する。
// repository.IdentityRepositoryの部分集合として定義する。
type IdentityFinder interface {
	FindByID(ctx context.Context, id string) (*model.Identity, error)
}

// Resolver はIdentityとセッション参照を相互に変換する。
// セッションにはIdentityの主キーのみを保存する。
type Resolver struct {
	identities IdentityFinder
}

// NewResolver はResolverを生成する。
func NewResolver(identities IdentityFinder) *Resolver {
	return &Resolver{identities: identities}
}

// Serialize はセッションに保存する参照（主キー）を返す。
func (r *Resolver) Serialize(identity *model.Identity) string {
	return identity.ID
}

// Deserialize は参照からIdentityを取得する。
// 削除済み・破損した参照の場合はmodel.ErrIdentityNotFoundを返す。
// 呼び出し側は未認証として扱い、エラーを利用者に表示しない。
func (r *Resolver) Deserialize(ctx context.Context, ref string) (*model.Identity, error) {
	if ref == "" {
		return nil, model.ErrIdentityNotFound
	}

	identity, err := r.identities.FindByID(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}
	if identity == nil {
		return nil, model.ErrIdentityNotFound
	}
	return identity, nil
}
