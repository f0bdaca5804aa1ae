// Package cleanup はデータ削除系のジョブを提供する。
// UnownedJob はオーナー移行後も所有者を持たないリソースを削除する破壊的な一回限りのジョブで、
// 明示的な確認と待機を経てからでないと実行されない。オーナー移行処理からは呼ばれない。
// PurgeJob は期限切れセッションを定期的に削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/bizdesk/internal/model"
)

// DefaultConfirmDelay は削除前に待機する既定の時間。
const DefaultConfirmDelay = 10 * time.Second

// ErrNotConfirmed は確認フラグなしで削除ジョブが呼ばれたことを示す。
var ErrNotConfirmed = errors.New("destructive cleanup requires explicit confirmation (--confirm)")

// UnownedDeleter は未所有リソースの計数と削除を行う。repository.ResourceRepositoryが満たす。
type UnownedDeleter interface {
	CountUnowned(ctx context.Context) (model.OwnershipCounts, error)
	DeleteUnowned(ctx context.Context) (model.OwnershipCounts, error)
}

// UnownedJob は未所有リソースの削除ジョブ。
type UnownedJob struct {
	resources UnownedDeleter
	logger    *slog.Logger
	Delay     time.Duration // 削除前の待機時間（デフォルト: 10秒）
	wait      func(ctx context.Context, d time.Duration) error
}

// NewUnownedJob は新しいUnownedJobを生成する。
func NewUnownedJob(resources UnownedDeleter, logger *slog.Logger) *UnownedJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnownedJob{
		resources: resources,
		logger:    logger,
		Delay:     DefaultConfirmDelay,
		wait:      sleepContext,
	}
}

// Run はowner_idがNULLまたは空文字のリソースを全種別1トランザクションで削除し、種別ごとの削除件数を返す。
// confirmがfalseの場合はErrNotConfirmedを返し何も削除しない。
// 待機中にctxがキャンセルされた場合も何も削除しない。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *UnownedJob) Run(ctx context.Context, confirm bool) (model.OwnershipCounts, error) {
	if !confirm {
		return nil, ErrNotConfirmed
	}
	start := time.Now()

	pending, err := j.resources.CountUnowned(ctx)
	if err != nil {
		j.logger.Error("未所有リソースの件数取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("未所有リソースの件数取得に失敗: %w", err)
	}

	if pending.Total() == 0 {
		j.logger.Info("削除対象の未所有リソースはありません")
		return pending, nil
	}

	if j.Delay > 0 {
		j.logger.Warn("未所有リソースを削除します。中止する場合は待機中に割り込んでください",
			slog.Any("pending", pending),
			slog.Int64("pending_total", pending.Total()),
			slog.Duration("delay", j.Delay),
		)
		if err := j.wait(ctx, j.Delay); err != nil {
			j.logger.Info("未所有リソースの削除を中止しました")
			return nil, fmt.Errorf("未所有リソースの削除を中止: %w", err)
		}
	}

	deleted, err := j.resources.DeleteUnowned(ctx)
	if err != nil {
		j.logger.Error("未所有リソースの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("未所有リソースの削除に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("未所有リソースの削除が完了しました",
		slog.Any("deleted", deleted),
		slog.Int64("deleted_total", deleted.Total()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return deleted, nil
}

// sleepContext はdだけ待機する。ctxがキャンセルされた場合はctx.Err()を返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
