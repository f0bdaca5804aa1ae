// Package ownership は未所有リソースを最初のIdentityへ割り当てる一回限りの移行処理を提供する。
// 移行は時点スナップショットであり、実行後に作成された未所有リソースは次回の実行まで未所有のまま残る。
package ownership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/repository"
)

// DefaultDelay は書き込み前に待機する既定の時間。待機中のキャンセルで書き込みを行わずに終了できる。
const DefaultDelay = 10 * time.Second

// IdentityFinder は移行先となるIdentityを検索する。repository.IdentityRepositoryが満たす。
type IdentityFinder interface {
	FindEarliest(ctx context.Context) (*model.Identity, error)
}

// Recorder は移行件数を受け取る。metrics.Collectorが満たす。
type Recorder interface {
	RecordOwnershipMigrated(counts model.OwnershipCounts)
}

// Options は1回の実行に対する設定。
type Options struct {
	// Delay は書き込み前の待機時間。0以下の場合は待機しない。
	Delay time.Duration
	// DryRun がtrueの場合は件数の報告のみ行い、書き込まない。
	DryRun bool
}

// Result は移行の結果。
type Result struct {
	ReferenceID string
	// Pending は書き込み前に数えた未所有件数。
	Pending model.OwnershipCounts
	// Migrated は割り当てた件数。DryRunの場合は空。
	Migrated model.OwnershipCounts
	// Orphaned はどのIdentityにも一致しない所有者参照を持つ件数。書き換えずに報告のみ行う。
	Orphaned model.OwnershipCounts
}

// Migrator はオーナー移行を行う。
type Migrator struct {
	identities IdentityFinder
	resources  repository.ResourceRepository
	logger     *slog.Logger
	recorder   Recorder
	wait       func(ctx context.Context, d time.Duration) error
}

// NewMigrator はMigratorを生成する。recorderはnilでもよい。
func NewMigrator(identities IdentityFinder, resources repository.ResourceRepository, logger *slog.Logger, recorder Recorder) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		identities: identities,
		resources:  resources,
		logger:     logger,
		recorder:   recorder,
		wait:       sleepContext,
	}
}

// Run は移行を実行する。
// 1. created_atが最も古いIdentityを移行先とする。存在しなければ*model.NoIdentityErrorを返し何も書き込まない。
// 2. owner_idがNULLまたは空文字のリソースを数え、Delayだけ待機する（キャンセル可能）。
// 3. 全種別を1トランザクションで移行先へ割り当てる。
// 4. 孤立した所有者参照を数えて報告する。
// 2回目以降の実行では割り当て件数は0になる。
func (m *Migrator) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()

	reference, err := m.identities.FindEarliest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find reference identity: %w", err)
	}
	if reference == nil {
		return nil, &model.NoIdentityError{}
	}

	pending, err := m.resources.CountUnowned(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count unowned resources: %w", err)
	}

	result := &Result{ReferenceID: reference.ID, Pending: pending}
	m.logger.Info("ownership migration planned",
		slog.String("reference_identity_id", reference.ID),
		slog.Any("pending", pending),
		slog.Int64("pending_total", pending.Total()),
		slog.Bool("dry_run", opts.DryRun),
	)

	if !opts.DryRun && pending.Total() > 0 && opts.Delay > 0 {
		m.logger.Warn("ownership migration will start after delay; interrupt to abort",
			slog.Duration("delay", opts.Delay),
		)
		if err := m.wait(ctx, opts.Delay); err != nil {
			return nil, fmt.Errorf("ownership migration aborted before writing: %w", err)
		}
	}

	if opts.DryRun {
		result.Migrated = model.OwnershipCounts{}
	} else {
		migrated, err := m.resources.AssignUnowned(ctx, reference.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to assign unowned resources: %w", err)
		}
		result.Migrated = migrated
		if m.recorder != nil {
			m.recorder.RecordOwnershipMigrated(migrated)
		}
	}

	orphaned, err := m.resources.CountOrphaned(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count orphaned resources: %w", err)
	}
	result.Orphaned = orphaned
	if orphaned.Total() > 0 {
		m.logger.Warn("resources reference owners that match no identity; manual data cleanup required",
			slog.Any("orphaned", orphaned),
			slog.Int64("orphaned_total", orphaned.Total()),
		)
	}

	m.logger.Info("ownership migration completed",
		slog.String("reference_identity_id", reference.ID),
		slog.Any("migrated", result.Migrated),
		slog.Int64("migrated_total", result.Migrated.Total()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
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
