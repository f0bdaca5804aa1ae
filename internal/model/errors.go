package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeIdentityNotFound = "IDENTITY_NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ログイン画面へのリダイレクトで付与するエラー指標（?error=の値）
const (
	LoginErrorAuthFailed    = "auth_failed"
	LoginErrorSessionFailed = "session_failed"
)

// NewIdentityNotFoundError はIdentityが見つからない場合のエラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// ErrIdentityNotFound はセッション参照に対応するIdentityが存在しないことを示す。
// 呼び出し側は未認証として扱い、利用者には表示しない。
var ErrIdentityNotFound = errors.New("identity not found")

// ConfigurationError は必須設定の欠落を表す。起動時に致命的エラーとして扱う。
type ConfigurationError struct {
	Missing []string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("configuration error: required environment variables are not set: %v", e.Missing)
	}
	return "configuration error: " + e.Reason
}

// AuthError はIdPとのやり取りの失敗（拒否、トークン交換失敗、タイムアウト）を表す。
// 自動リトライせず、エラー指標付きでログイン画面へリダイレクトする。
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError はIdPのクレームが不足している場合のエラー。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// SessionPersistenceError はセッションストアへの書き込み失敗を表す。
// 成功として扱ってはならない。
type SessionPersistenceError struct {
	SessionID string
	Err       error
}

func (e *SessionPersistenceError) Error() string {
	return fmt.Sprintf("session persistence error: %v", e.Err)
}

func (e *SessionPersistenceError) Unwrap() error { return e.Err }

// NoIdentityError はオーナー移行先となるIdentityが1件も存在しないことを示す。
type NoIdentityError struct{}

func (e *NoIdentityError) Error() string {
	return "migration error: no identity exists to migrate ownership to"
}

// IsAuthFailure はコールバック境界でAuthError系（AuthError, ValidationError）として扱うべきエラーかを返す。
func IsAuthFailure(err error) bool {
	var authErr *AuthError
	var validationErr *ValidationError
	return errors.As(err, &authErr) || errors.As(err, &validationErr)
}
