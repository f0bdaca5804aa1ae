package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPurgeInterval は期限切れセッション削除の既定の実行間隔。
const DefaultPurgeInterval = time.Hour

// SessionPurger は期限切れセッションを削除する。session.Storeが満たす。
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgeRecorder は削除件数を受け取る。metrics.Collectorが満たす。
type PurgeRecorder interface {
	RecordSessionsPurged(n int64)
}

// PurgeJob は期限切れセッションの定期削除ジョブ。
type PurgeJob struct {
	sessions SessionPurger
	logger   *slog.Logger
	recorder PurgeRecorder
}

// NewPurgeJob は新しいPurgeJobを生成する。recorderはnilでもよい。
func NewPurgeJob(sessions SessionPurger, logger *slog.Logger, recorder PurgeRecorder) *PurgeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurgeJob{sessions: sessions, logger: logger, recorder: recorder}
}

// Run は期限切れセッションを1回削除する。
func (j *PurgeJob) Run(ctx context.Context) error {
	start := time.Now()

	purged, err := j.sessions.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}
	if j.recorder != nil {
		j.recorder.RecordSessionsPurged(purged)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", purged),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降interval毎にRunを実行する。ctxがキャンセルされるまでブロックする。
// intervalが0以下の場合はDefaultPurgeIntervalを使う。
func (j *PurgeJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		j.logger.Warn("non-positive purge interval; using default",
			slog.Duration("interval", interval),
			slog.Duration("default", DefaultPurgeInterval),
		)
		interval = DefaultPurgeInterval
	}

	if err := j.Run(ctx); err != nil && ctx.Err() != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
