// Package recovery は中断された同期の回復と期限切れセッションの削除を行うジョブを提供する。
// プロセスの強制終了などで SYNCING のまま残ったソースを ERROR に戻し、再同期できるようにする。
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// InterruptedMessage は回復したソースの lastSyncError に記録するメッセージ。
const InterruptedMessage = "sync interrupted"

// defaultStaleAfter は SYNCING を中断とみなすまでの経過時間。
const defaultStaleAfter = 30 * time.Minute

// StaleSyncRecoverer は SourceRepository のうち回復に使う操作。
type StaleSyncRecoverer interface {
	RecoverStaleSyncs(ctx context.Context, startedBefore time.Time, message string) (int64, error)
}

// ExpiredSessionDeleter は SessionRepository のうち削除に使う操作。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Job は中断された同期を回復するジョブ。冪等であり、対象が無くてもエラーにならない。
type Job struct {
	sources    StaleSyncRecoverer
	sessions   ExpiredSessionDeleter
	logger     *slog.Logger
	StaleAfter time.Duration
	now        func() time.Time
}

// NewJob は新しいJobを生成する。sessions が nil の場合はセッション削除を行わない。
// staleAfter が0以下の場合は30分となる。
func NewJob(sources StaleSyncRecoverer, sessions ExpiredSessionDeleter, staleAfter time.Duration, logger *slog.Logger) *Job {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Job{
		sources:    sources,
		sessions:   sessions,
		logger:     logger,
		StaleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run は StaleAfter より前に開始された SYNCING のソースを ERROR に戻す。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().Add(-j.StaleAfter)

	recovered, err := j.sources.RecoverStaleSyncs(ctx, cutoff, InterruptedMessage)
	if err != nil {
		j.logger.Error("中断された同期の回復に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("stale_after", j.StaleAfter),
		)
		return fmt.Errorf("中断された同期の回復に失敗: %w", err)
	}

	var deleted int64
	if j.sessions != nil {
		deleted, err = j.sessions.DeleteExpired(ctx)
		if err != nil {
			j.logger.Error("期限切れセッションの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
		}
	}

	level := slog.LevelDebug
	if recovered > 0 {
		level = slog.LevelWarn
	}
	j.logger.Log(ctx, level, "回復ジョブが完了しました",
		slog.Int64("recovered_count", recovered),
		slog.Int64("deleted_sessions", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
