// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/bizdesk/internal/model"
)

// ErrDuplicateExternalID は同じexternal_idのidentityが既に存在することを示す。
// 同時コールバックによる挿入競合で発生し、呼び出し側は更新として扱い直す。
var ErrDuplicateExternalID = errors.New("identity with the same external id already exists")

// IdentityRepository はIdentityの永続化インターフェース。
type IdentityRepository interface {
	// FindByID は主キーでidentityを検索する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByExternalID はIdPのsubjectでidentityを検索する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.Identity, error)

	// Create はidentityを作成する。external_idが重複した場合はErrDuplicateExternalIDを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// Update はトークン、プロフィール、最終ログイン日時を更新する。
	Update(ctx context.Context, identity *model.Identity) error

	// FindEarliest はcreated_atが最も古いidentityを返す。存在しない場合はnilを返す。
	FindEarliest(ctx context.Context) (*model.Identity, error)
}

// SessionRepository はセッションレコードの永続化インターフェース。
// PostgreSQLとRedisの2つの実装がある。有効期限の判定はsession.Storeが行う。
type SessionRepository interface {
	// Save はセッションを保存する。同じIDが存在する場合は上書きする（last-write-wins）。
	Save(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// Touch はlast_accessed_atを更新する。
	Touch(ctx context.Context, id string, at time.Time) error

	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error

	// DeleteExpired は期限切れまたはアイドル期間がttlを超えたセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time, ttl time.Duration) (int64, error)
}

// ResourceRepository は所有者参照を持つリソース（clients, leads）に対する一括操作のインターフェース。
// 未所有とはowner_idがNULLまたは空文字であることを指す。
type ResourceRepository interface {
	// CountUnowned はリソース種別ごとの未所有件数を返す。
	CountUnowned(ctx context.Context) (model.OwnershipCounts, error)

	// AssignUnowned は全種別の未所有リソースに ownerID を1トランザクションで割り当て、
	// 種別ごとの更新件数を返す。
	AssignUnowned(ctx context.Context, ownerID string) (model.OwnershipCounts, error)

	// CountOrphaned は所有者参照が空ではないが、どのidentityにも一致しないリソースの件数を返す。
	CountOrphaned(ctx context.Context) (model.OwnershipCounts, error)

	// DeleteUnowned は全種別の未所有リソースを1トランザクションで削除し、種別ごとの削除件数を返す。
	DeleteUnowned(ctx context.Context) (model.OwnershipCounts, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
