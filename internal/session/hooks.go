package session

import (
	"context"
	"log/slog"

	"github.com/hitoshi/bizdesk/internal/model"
)

// Hooks はセッションのライフサイクルの各時点で呼ばれる観測用フック。
// 実装はブロックしてはならず、戻り値で処理を変えることもできない。
type Hooks interface {
	SessionCreated(ctx context.Context, s *model.Session)
	SessionSaved(ctx context.Context, s *model.Session)
	SessionSaveFailed(ctx context.Context, s *model.Session, err error)
	SessionDestroyed(ctx context.Context, sessionID string)
}

// NopHooks は何もしないHooks。
type NopHooks struct{}

func (NopHooks) SessionCreated(context.Context, *model.Session)           {}
func (NopHooks) SessionSaved(context.Context, *model.Session)             {}
func (NopHooks) SessionSaveFailed(context.Context, *model.Session, error) {}
func (NopHooks) SessionDestroyed(context.Context, string)                 {}

// MultiHooks は複数のHooksを登録順に呼び出す。
type MultiHooks []Hooks

func (m MultiHooks) SessionCreated(ctx context.Context, s *model.Session) {
	for _, h := range m {
		h.SessionCreated(ctx, s)
	}
}

func (m MultiHooks) SessionSaved(ctx context.Context, s *model.Session) {
	for _, h := range m {
		h.SessionSaved(ctx, s)
	}
}

func (m MultiHooks) SessionSaveFailed(ctx context.Context, s *model.Session, err error) {
	for _, h := range m {
		h.SessionSaveFailed(ctx, s, err)
	}
}

func (m MultiHooks) SessionDestroyed(ctx context.Context, sessionID string) {
	for _, h := range m {
		h.SessionDestroyed(ctx, sessionID)
	}
}

// LogHooks はセッションイベントを構造化ログに出力する。
// セッションIDは先頭8文字のみ記録する。
type LogHooks struct {
	Logger *slog.Logger
}

func (h LogHooks) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h LogHooks) SessionCreated(ctx context.Context, s *model.Session) {
	h.logger().DebugContext(ctx, "session created",
		slog.String("session", shortID(s.ID)),
		slog.String("identity_id", s.IdentityRef),
	)
}

func (h LogHooks) SessionSaved(ctx context.Context, s *model.Session) {
	h.logger().InfoContext(ctx, "session saved",
		slog.String("session", shortID(s.ID)),
		slog.String("identity_id", s.IdentityRef),
		slog.Time("expires_at", s.ExpiresAt),
	)
}

func (h LogHooks) SessionSaveFailed(ctx context.Context, s *model.Session, err error) {
	h.logger().ErrorContext(ctx, "session save failed",
		slog.String("session", shortID(s.ID)),
		slog.String("identity_id", s.IdentityRef),
		slog.String("error", err.Error()),
	)
}

func (h LogHooks) SessionDestroyed(ctx context.Context, sessionID string) {
	h.logger().InfoContext(ctx, "session destroyed",
		slog.String("session", shortID(sessionID)),
	)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

var (
	_ Hooks = NopHooks{}
	_ Hooks = MultiHooks(nil)
	_ Hooks = LogHooks{}
)
