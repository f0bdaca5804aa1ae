// Package app はCLIのサブコマンドを組み立て、設定と依存関係をワイヤリングする。
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/worker/cleanup"
	"github.com/hitoshi/bizdesk/internal/worker/ownership"
)

// 終了コード。
const (
	// ExitCodeSuccess は正常終了。
	ExitCodeSuccess = 0
	// ExitCodeError は一般的なエラー。
	ExitCodeError = 1
	// ExitCodeConfiguration は必須設定の欠落または不正。
	ExitCodeConfiguration = 2
	// ExitCodeNoIdentity はオーナー移行先のIdentityが存在しない。
	ExitCodeNoIdentity = 3
	// ExitCodeNotConfirmed は破壊的操作に確認フラグが付いていない。
	ExitCodeNotConfirmed = 4
)

// Command はサブコマンド名を表す。
type Command string

const (
	// CommandServe はHTTPサーバーを起動する。引数なしの場合の既定。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandMigrateOwnership は未所有リソースを最初のIdentityへ割り当てる。
	CommandMigrateOwnership Command = "migrate-ownership"
	// CommandCleanupUnowned は所有者を持たないリソースを削除する。
	CommandCleanupUnowned Command = "cleanup-unowned"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCommand はサブコマンドを登録したルートコマンドを返す。
// ログはwに出力する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "bizdesk",
		Short:         "Business desk web application",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), w)
		},
	}

	root.AddCommand(
		newServeCommand(w),
		newMigrateCommand(w),
		newMigrateOwnershipCommand(w),
		newCleanupUnownedCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), w)
		},
	}
}

func serve(ctx context.Context, w io.Writer) error {
	cfg, err := Init(w)
	if err != nil {
		return err
	}
	slog.Info("starting application",
		slog.String("command", string(CommandServe)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)
	return runServe(ctx, cfg)
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runMigrate(cfg)
		},
	}
}

func newMigrateOwnershipCommand(w io.Writer) *cobra.Command {
	var opts ownership.Options
	cmd := &cobra.Command{
		Use:   string(CommandMigrateOwnership),
		Short: "Assign resources without an owner to the earliest identity",
		Long: `Assigns every client and lead whose owner is empty to the identity created first.
Owners that reference no identity are reported but never rewritten.
The command waits --delay before writing; interrupt it to abort.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runMigrateOwnership(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.Delay, "delay", ownership.DefaultDelay, "wait before writing (interrupt to abort)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report counts without writing")
	return cmd
}

func newCleanupUnownedCommand(w io.Writer) *cobra.Command {
	var (
		confirm bool
		delay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   string(CommandCleanupUnowned),
		Short: "Delete resources that still have no owner",
		Long: `Deletes every client and lead whose owner is empty in one transaction.
This is destructive and requires --confirm. Run migrate-ownership first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return cleanup.ErrNotConfirmed
			}
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runCleanupUnowned(cmd.Context(), cfg, confirm, delay)
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the destructive deletion")
	cmd.Flags().DurationVar(&delay, "delay", cleanup.DefaultConfirmDelay, "wait before deleting (interrupt to abort)")
	return cmd
}

// healthcheck は軽量サブコマンドのため、フル初期化をスキップする。
func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(port)
		},
	}
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信するとコマンドのcontextをキャンセルする。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// ExitCode はエラーの種類に応じた終了コードを返す。
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	var cfgErr *model.ConfigurationError
	if errors.As(err, &cfgErr) {
		return ExitCodeConfiguration
	}

	var noIdentity *model.NoIdentityError
	if errors.As(err, &noIdentity) {
		return ExitCodeNoIdentity
	}

	if errors.Is(err, cleanup.ErrNotConfirmed) {
		return ExitCodeNotConfirmed
	}

	return ExitCodeError
}
