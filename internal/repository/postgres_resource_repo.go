package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/bizdesk/internal/model"
)

// unownedCondition は未所有（NULLまたは空文字）を表すWHERE条件。
const unownedCondition = `(owner_id IS NULL OR owner_id = '')`

// Querier は単一行・複数行クエリとExecを抽象化するインターフェース。
// *sql.DB と *sql.Tx の両方を受け付ける。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresResourceRepo はclients, leadsの所有者参照を一括操作するリポジトリ。
type PostgresResourceRepo struct {
	db    *sql.DB
	types []model.ResourceType
}

// NewPostgresResourceRepo はPostgresResourceRepoを生成する。
// 対象は model.OwnedResourceTypes の全種別。
func NewPostgresResourceRepo(db *sql.DB) *PostgresResourceRepo {
	return &PostgresResourceRepo{db: db, types: model.OwnedResourceTypes}
}

// CountUnowned はリソース種別ごとの未所有件数を返す。
func (r *PostgresResourceRepo) CountUnowned(ctx context.Context) (model.OwnershipCounts, error) {
	return r.countEach(ctx, r.db, func(table string) string {
		return `SELECT count(*) FROM ` + table + ` WHERE ` + unownedCondition
	})
}

// CountOrphaned はowner_idが空ではないがidentitiesに一致しない件数を返す。
// 型の混在した過去データ（数値IDなど）もここに含まれる。
func (r *PostgresResourceRepo) CountOrphaned(ctx context.Context) (model.OwnershipCounts, error) {
	return r.countEach(ctx, r.db, func(table string) string {
		return `SELECT count(*) FROM ` + table + ` t
		 WHERE t.owner_id IS NOT NULL AND t.owner_id <> ''
		   AND NOT EXISTS (SELECT 1 FROM identities i WHERE i.id::text = t.owner_id)`
	})
}

// AssignUnowned は全種別の未所有リソースにownerIDを1トランザクションで割り当てる。
// いずれかの種別で失敗した場合は全体をロールバックする。
func (r *PostgresResourceRepo) AssignUnowned(ctx context.Context, ownerID string) (model.OwnershipCounts, error) {
	return r.execEachInTx(ctx, func(table string) (string, []any) {
		return `UPDATE ` + table + ` SET owner_id = $1 WHERE ` + unownedCondition, []any{ownerID}
	})
}

// DeleteUnowned は全種別の未所有リソースを1トランザクションで削除する。
func (r *PostgresResourceRepo) DeleteUnowned(ctx context.Context) (model.OwnershipCounts, error) {
	return r.execEachInTx(ctx, func(table string) (string, []any) {
		return `DELETE FROM ` + table + ` WHERE ` + unownedCondition, nil
	})
}

func (r *PostgresResourceRepo) countEach(ctx context.Context, q Querier, build func(table string) string) (model.OwnershipCounts, error) {
	counts := make(model.OwnershipCounts, len(r.types))
	for _, rt := range r.types {
		table, err := tableName(rt)
		if err != nil {
			return nil, err
		}
		var n int64
		if err := q.QueryRowContext(ctx, build(table)).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[rt] = n
	}
	return counts, nil
}

func (r *PostgresResourceRepo) execEachInTx(ctx context.Context, build func(table string) (string, []any)) (model.OwnershipCounts, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	counts := make(model.OwnershipCounts, len(r.types))
	for _, rt := range r.types {
		table, err := tableName(rt)
		if err != nil {
			return nil, err
		}
		query, args := build(table)
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to update %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		counts[rt] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return counts, nil
}

// tableName はSQLに埋め込む前にリソース種別を検証する。
func tableName(rt model.ResourceType) (string, error) {
	if !rt.Valid() {
		return "", fmt.Errorf("unknown resource type %q", rt)
	}
	return string(rt), nil
}

// compile-time interface check
var _ ResourceRepository = (*PostgresResourceRepo)(nil)
