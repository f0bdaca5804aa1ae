package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/bizdesk/internal/auth"
	"github.com/hitoshi/bizdesk/internal/config"
	"github.com/hitoshi/bizdesk/internal/database"
	"github.com/hitoshi/bizdesk/internal/handler"
	"github.com/hitoshi/bizdesk/internal/logger"
	"github.com/hitoshi/bizdesk/internal/metrics"
	"github.com/hitoshi/bizdesk/internal/middleware"
	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/repository"
	"github.com/hitoshi/bizdesk/internal/session"
	"github.com/hitoshi/bizdesk/internal/worker/cleanup"
	"github.com/hitoshi/bizdesk/internal/worker/ownership"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// openDatabase はDB接続を開き、到達可能かを確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// openSessionBackend はSESSION_STORE_URLに応じてセッションバックエンドを選択する。
// redis://またはrediss://の場合はRedis、未設定の場合はPostgreSQLを使う。
func openSessionBackend(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.SessionRepository, func(), error) {
	if !isRedisURL(cfg.SessionStoreURL) {
		if cfg.SessionStoreURL != "" {
			return nil, nil, &model.ConfigurationError{Reason: "SESSION_STORE_URL must be a redis:// URL or empty"}
		}
		return repository.NewPostgresSessionRepo(db), func() {}, nil
	}

	client, err := session.NewRedisClient(cfg.SessionStoreURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to session store: %w", err)
	}
	slog.Info("session store connection established", slog.String("backend", "redis"))
	return session.NewRedisRepo(client), func() { client.Close() }, nil
}

func isRedisURL(raw string) bool {
	return strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://")
}

// runServe はHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと期限切れセッションの定期削除を起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sessionRepo, closeSessions, err := openSessionBackend(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeSessions()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 3. セッションと認証
	identities := repository.NewPostgresIdentityRepo(db)
	store := session.NewStore(sessionRepo, cfg.SessionTTL, session.MultiHooks{
		session.LogHooks{Logger: slog.Default()},
		collector,
	})
	resolver := auth.NewResolver(identities)
	signer := session.NewSigner(cfg.SessionSecret)
	gate := auth.NewGate(auth.GateConfig{
		Mode:          cfg.AuthMode,
		Sessions:      store,
		Resolver:      resolver,
		Signer:        signer,
		TouchInterval: cfg.SessionTouchInterval,
	})

	var service handler.AuthorizationService
	if provider, ok := cfg.AuthMode.Provider(); ok {
		oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     provider.ClientID,
			ClientSecret: provider.ClientSecret,
			RedirectURL:  provider.RedirectURL,
			Timeout:      cfg.OAuthTimeout,
		})
		service = auth.NewService(oauthProvider, identities)
	}

	limiter := middleware.NewRateLimiter(middleware.AuthRateLimiterConfig(cfg.RateLimitAuth))
	defer limiter.Stop()

	// 4. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             slog.Default(),
		Production:         cfg.IsProduction(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AuthRateLimiter:    limiter,
		Gate:               gate,
		Service:            service,
		Serializer:         resolver,
		Sessions:           store,
		Cookies:            session.NewCookieWriter(cfg.IsProduction(), cfg.SessionTTL),
		Signer:             signer,
		HealthCheck: func(ctx context.Context) error {
			return database.Ping(ctx, db, dbPingTimeout)
		},
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
	})

	// 5. 期限切れセッションの定期削除
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	purgeJob := cleanup.NewPurgeJob(store, slog.Default(), collector)
	go purgeJob.Start(workerCtx, cfg.SessionPurgeInterval)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", server.Addr),
			slog.String("auth_mode", cfg.AuthMode.String()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runMigrateOwnership は未所有リソースを最初のIdentityへ割り当てる。
func runMigrateOwnership(ctx context.Context, cfg *config.Config, opts ownership.Options) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := ownership.NewMigrator(
		repository.NewPostgresIdentityRepo(db),
		repository.NewPostgresResourceRepo(db),
		slog.Default(),
		nil,
	)
	if _, err := migrator.Run(ctx, opts); err != nil {
		return fmt.Errorf("ownership migration failed: %w", err)
	}
	return nil
}

// runCleanupUnowned は所有者を持たないリソースを削除する。
func runCleanupUnowned(ctx context.Context, cfg *config.Config, confirm bool, delay time.Duration) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewUnownedJob(repository.NewPostgresResourceRepo(db), slog.Default())
	job.Delay = delay
	if _, err := job.Run(ctx, confirm); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリをマスクする。
// URLとして解釈できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
