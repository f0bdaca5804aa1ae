package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/repository"
)

// errNotVisible はSave直後の読み戻しでセッションが見えなかったことを示す。
var errNotVisible = errors.New("session not visible after save")

// Store はセッションの作成・読み込み・更新・破棄を行う。
// 有効期限（TTL）の判定はStoreが行い、バックエンドは保存のみを担う。
type Store struct {
	repo  repository.SessionRepository
	ttl   time.Duration
	hooks Hooks
	now   func() time.Time
}

// NewStore はStoreを生成する。hooksがnilの場合はNopHooksを使う。
func NewStore(repo repository.SessionRepository, ttl time.Duration, hooks Hooks) *Store {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Store{repo: repo, ttl: ttl, hooks: hooks, now: time.Now}
}

// TTL はセッションの有効期間を返す。
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create はidentityRefに紐づく新しいセッションを作成し、ストアへ確実に書き込む。
// 書き込み後に読み戻して可視性を確認してから返す（フラッシュ）。
// 失敗した場合は*model.SessionPersistenceErrorを返し、呼び出し側は成功として扱ってはならない。
func (s *Store) Create(ctx context.Context, identityRef string) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, &model.SessionPersistenceError{Err: fmt.Errorf("failed to generate session ID: %w", err)}
	}

	now := s.now()
	sess := &model.Session{
		ID:             id,
		IdentityRef:    identityRef,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		LastAccessedAt: now,
	}
	s.hooks.SessionCreated(ctx, sess)

	if err := s.flush(ctx, sess); err != nil {
		s.hooks.SessionSaveFailed(ctx, sess, err)
		return nil, &model.SessionPersistenceError{SessionID: id, Err: err}
	}

	s.hooks.SessionSaved(ctx, sess)
	return sess, nil
}

func (s *Store) flush(ctx context.Context, sess *model.Session) error {
	if err := s.repo.Save(ctx, sess); err != nil {
		return err
	}
	stored, err := s.repo.FindByID(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to read back session: %w", err)
	}
	if stored == nil || stored.IdentityRef != sess.IdentityRef {
		return errNotVisible
	}
	return nil
}

// Load はセッションを読み込む。存在しない、または期限切れの場合はnilを返す。
// 期限切れのセッションはその場で削除する。
func (s *Store) Load(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, nil
	}

	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	if sess.Expired(s.now(), s.ttl) {
		// 削除の失敗は次回のPurgeExpiredで回収される
		_ = s.repo.DeleteByID(ctx, id)
		return nil, nil
	}
	return sess, nil
}

// Touch は最終アクセス日時を現在時刻に更新する。
func (s *Store) Touch(ctx context.Context, id string) error {
	if err := s.repo.Touch(ctx, id, s.now()); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Destroy はセッションを破棄する。存在しないIDでもエラーにしない。
func (s *Store) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.repo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	s.hooks.SessionDestroyed(ctx, id)
	return nil
}

// PurgeExpired は期限切れのセッションを一括削除し、削除件数を返す。
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now(), s.ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	return n, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
