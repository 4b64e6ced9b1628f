// Package syncer は同期期限を迎えたプライベートソースのバックグラウンド同期を提供する。
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/repository"
	"github.com/hitoshi/morningpaper/internal/source"
)

const (
	defaultMaxConcurrency = 5
	// defaultBatchSize は1サイクルで取得する同期対象ソースの最大数。
	defaultBatchSize = 100
)

// SourceSyncer はソース同期の実行インターフェース。source.Service が実装する。
type SourceSyncer interface {
	SyncSource(ctx context.Context, src *model.PrivateSource) (*source.SyncResult, error)
}

// Job は1サイクルごとに実行される付随処理（同期中断の回復など）。
type Job interface {
	Run(ctx context.Context) error
}

// Scheduler は同期対象ソースの取得と並列同期を行う。
// semaphoreパターンで最大並列数を制御する。
type Scheduler struct {
	sources        repository.SourceRepository
	syncer         SourceSyncer
	logger         *slog.Logger
	maxConcurrency int
	batchSize      int
	jobs           []Job
	now            func() time.Time
}

// NewScheduler はSchedulerを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
// jobs は各サイクルの同期前に順に実行される。
func NewScheduler(
	sources repository.SourceRepository,
	syncer SourceSyncer,
	logger *slog.Logger,
	maxConcurrency int,
	jobs ...Job,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Scheduler{
		sources:        sources,
		syncer:         syncer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		batchSize:      defaultBatchSize,
		jobs:           jobs,
		now:            time.Now,
	}
}

// Start は interval 間隔で同期サイクルを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, job := range s.jobs {
		if err := job.Run(ctx); err != nil {
			s.logger.Error("付随ジョブの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は同期対象ソースを1回取得し、並列で同期する。
// 他の要求が同期中のソースは info レベルで記録してスキップする。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	due, err := s.sources.ListDueForSync(ctx, s.now(), s.batchSize)
	if err != nil {
		return err
	}

	if len(due) == 0 {
		s.logger.Info("同期対象のソースはありません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("source_count", len(due)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, src := range due {
		wg.Add(1)
		sem <- struct{}{}

		go func(src *model.PrivateSource) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := s.syncer.SyncSource(ctx, src); err != nil {
				s.logSyncError(src, err)
			}
		}(src)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("source_count", len(due)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (s *Scheduler) logSyncError(src *model.PrivateSource, err error) {
	attrs := []any{
		slog.String("source_id", src.ID),
		slog.String("source_type", string(src.Type)),
		slog.String("error", err.Error()),
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeSyncInProgress {
		s.logger.Info("同期中のためスキップしました", attrs...)
		return
	}
	s.logger.Warn("ソース同期に失敗しました", attrs...)
}
