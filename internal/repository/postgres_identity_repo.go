package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/bizdesk/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

const identityColumns = `id, external_id, email, name, picture, access_token, refresh_token, token_expiry, created_at, last_login_at`

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByID は主キーでidentityを検索する。見つからない場合はnilを返す。
// UUIDとして解釈できないIDは該当なしとして扱う。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`,
		key.String(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by ID: %w", err)
	}
	return identity, nil
}

// FindByExternalID はIdPのsubjectでidentityを検索する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE external_id = $1`,
		externalID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by external ID: %w", err)
	}
	return identity, nil
}

// FindEarliest はcreated_atが最も古いidentityを返す。存在しない場合はnilを返す。
func (r *PostgresIdentityRepo) FindEarliest(ctx context.Context) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities ORDER BY created_at ASC, id ASC LIMIT 1`,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find earliest identity: %w", err)
	}
	return identity, nil
}

// Create はidentityを作成する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		identity.ID, identity.ExternalID, identity.Email, identity.Name, identity.Picture,
		identity.AccessToken, nullString(identity.RefreshToken), nullTime(identity.TokenExpiry),
		identity.CreatedAt, identity.LastLoginAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// Update はトークン、プロフィール、最終ログイン日時を更新する。
func (r *PostgresIdentityRepo) Update(ctx context.Context, identity *model.Identity) error {
	key, err := uuid.Parse(identity.ID)
	if err != nil {
		return model.ErrIdentityNotFound
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities
		 SET email = $2, name = $3, picture = $4, access_token = $5,
		     refresh_token = $6, token_expiry = $7, last_login_at = $8
		 WHERE id = $1`,
		key.String(), identity.Email, identity.Name, identity.Picture, identity.AccessToken,
		nullString(identity.RefreshToken), nullTime(identity.TokenExpiry), identity.LastLoginAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrIdentityNotFound
	}
	return nil
}

func scanIdentity(row *sql.Row) (*model.Identity, error) {
	identity := &model.Identity{}
	var refreshToken sql.NullString
	var tokenExpiry sql.NullTime

	err := row.Scan(
		&identity.ID, &identity.ExternalID, &identity.Email, &identity.Name, &identity.Picture,
		&identity.AccessToken, &refreshToken, &tokenExpiry, &identity.CreatedAt, &identity.LastLoginAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	identity.RefreshToken = refreshToken.String
	if tokenExpiry.Valid {
		identity.TokenExpiry = tokenExpiry.Time
	}
	return identity, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
