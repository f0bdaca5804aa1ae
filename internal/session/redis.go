package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/repository"
)

const redisKeyPrefix = "bizdesk:session:"

// RedisRepo はRedisを使用したセッションバックエンド。
// キーの有効期限にはexpires_atまでの残り時間を設定する。
type RedisRepo struct {
	client redis.UniversalClient
}

// NewRedisRepo はRedisRepoを生成する。
func NewRedisRepo(client redis.UniversalClient) *RedisRepo {
	return &RedisRepo{client: client}
}

// NewRedisClient はredis://形式のURLからクライアントを生成する。
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

type redisRecord struct {
	ID             string    `json:"id"`
	IdentityRef    string    `json:"identity_ref"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

func toRecord(s *model.Session) redisRecord {
	return redisRecord{
		ID:             s.ID,
		IdentityRef:    s.IdentityRef,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		LastAccessedAt: s.LastAccessedAt,
	}
}

func (r redisRecord) session() *model.Session {
	return &model.Session{
		ID:             r.ID,
		IdentityRef:    r.IdentityRef,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		LastAccessedAt: r.LastAccessedAt,
	}
}

// Save はセッションを保存する。既に期限切れの場合はキーを削除する。
func (r *RedisRepo) Save(ctx context.Context, s *model.Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return r.DeleteByID(ctx, s.ID)
	}

	data, err := json.Marshal(toRecord(s))
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+s.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *RedisRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return rec.session(), nil
}

// Touch はlast_accessed_atを更新する。キーの有効期限は維持する。
func (r *RedisRepo) Touch(ctx context.Context, id string, at time.Time) error {
	s, err := r.FindByID(ctx, id)
	if err != nil || s == nil {
		return err
	}
	s.LastAccessedAt = at

	data, err := json.Marshal(toRecord(s))
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	// XXを指定し、並行してDestroyされたキーを復活させない
	if err := r.client.SetArgs(ctx, redisKeyPrefix+id, data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired はRedisのキー有効期限に委ねるため常に0を返す。
// アイドル期限切れのセッションはStore.Loadで個別に削除される。
func (r *RedisRepo) DeleteExpired(context.Context, time.Time, time.Duration) (int64, error) {
	return 0, nil
}

// compile-time interface check
var _ repository.SessionRepository = (*RedisRepo)(nil)
