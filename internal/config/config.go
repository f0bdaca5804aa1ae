package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hitoshi/bizdesk/internal/model"
)

const (
	// EnvProduction は本番環境を表すAPP_ENVの値。
	EnvProduction = "production"
	// EnvDevelopment は開発環境を表すAPP_ENVの値。
	EnvDevelopment = "development"

	googleCallbackPath   = "/auth/google/callback"
	minSessionSecretSize = 16
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`

	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Session
	SessionStoreURL      string        `env:"SESSION_STORE_URL"`
	SessionSecret        string        `env:"SESSION_SECRET"`
	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"720h"`
	SessionTouchInterval time.Duration `env:"SESSION_TOUCH_INTERVAL" envDefault:"1m"`
	SessionPurgeInterval time.Duration `env:"SESSION_PURGE_INTERVAL" envDefault:"1h"`

	// OAuth
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string        `env:"GOOGLE_REDIRECT_URL"`
	OAuthTimeout       time.Duration `env:"OAUTH_TIMEOUT" envDefault:"10s"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitAuth int `env:"RATE_LIMIT_AUTH" envDefault:"30"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// AuthMode は読み込み後にGoogle認証情報の有無から決定される。
	AuthMode AuthMode `env:"-"`
}

// IsProduction は本番環境かを返す。
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Load は環境変数からConfigを読み込む。
// 必須設定が欠落している場合は*model.ConfigurationErrorを返す。
// GOOGLE_CLIENT_IDとGOOGLE_CLIENT_SECRETが両方とも未設定の場合はエラーではなく、
// AuthModeがDisabled（匿名フォールバックモード）になる。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &model.ConfigurationError{Reason: fmt.Sprintf("parse env: %v", err)}
	}

	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Environment != EnvProduction {
		cfg.Environment = EnvDevelopment
	}
	cfg.CORSAllowedOrigins = trimCSV(cfg.CORSAllowedOrigins)

	var missing []string

	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if cfg.BaseURL == "" {
		if cfg.IsProduction() {
			missing = append(missing, "BASE_URL")
		} else {
			cfg.BaseURL = "http://localhost:" + cfg.ServerPort
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hasID, hasSecret := cfg.GoogleClientID != "", cfg.GoogleClientSecret != ""
	switch {
	case hasID && hasSecret:
		if cfg.GoogleRedirectURL == "" {
			cfg.GoogleRedirectURL = cfg.BaseURL + googleCallbackPath
		}
		if cfg.SessionSecret == "" {
			missing = append(missing, "SESSION_SECRET")
		}
		cfg.AuthMode = AuthEnabled(ProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	case hasID:
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	case hasSecret:
		missing = append(missing, "GOOGLE_CLIENT_ID")
	default:
		cfg.AuthMode = AuthDisabled()
	}

	if len(missing) > 0 {
		return nil, &model.ConfigurationError{Missing: missing}
	}

	if cfg.AuthMode.Enabled() && len(cfg.SessionSecret) < minSessionSecretSize {
		return nil, &model.ConfigurationError{
			Reason: fmt.Sprintf("SESSION_SECRET must be at least %d bytes", minSessionSecretSize),
		}
	}
	if cfg.SessionTTL <= 0 {
		return nil, &model.ConfigurationError{Reason: "SESSION_TTL must be positive"}
	}
	if cfg.SessionPurgeInterval <= 0 {
		return nil, &model.ConfigurationError{Reason: "SESSION_PURGE_INTERVAL must be positive"}
	}

	return cfg, nil
}

// trimCSV はカンマ区切りで分割された値から空要素を取り除く。
func trimCSV(values []string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	return result
}
