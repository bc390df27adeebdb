// Package cleanup は不要になった保存データの自動削除ジョブを提供する。
// 保持期間（デフォルト14日）を超過した自分の投稿の記録と、
// 期間内に使われなかった添付ファイルキャッシュを日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// FilePruner は古いキャッシュファイルを削除するインターフェース。
// *cache.FileCache が実装する。
type FilePruner interface {
	Prune(before time.Time) (int, error)
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            Executor
	cache         FilePruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 保持日数（デフォルト: 14）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// cache が nil の場合はキャッシュの削除を行わない。
func NewCleanupJob(db Executor, cache FilePruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		cache:         cache,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 14,
	}
}

// deleteRepliesQuery はブックマークが残っていないスレッドの古い投稿記録を削除する。
// ブックマーク中のスレッドの記録は引用検出に必要なため保持期間を過ぎても残す。
const deleteRepliesQuery = `DELETE FROM saved_replies r
WHERE r.created_at < now() - $1::interval
  AND NOT EXISTS (
    SELECT 1 FROM bookmarks b
    WHERE b.site_name = r.site_name
      AND b.board_code = r.board_code
      AND b.thread_no = r.thread_no
  )`

// Run は保持期間を超過したデータを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)
	result, err := j.db.ExecContext(ctx, deleteRepliesQuery, interval)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("投稿記録のクリーンアップに失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	var prunedFiles int
	if j.cache != nil {
		before := start.Add(-time.Duration(j.RetentionDays) * 24 * time.Hour)
		prunedFiles, err = j.cache.Prune(before)
		if err != nil {
			// 一部のファイルが削除できなくても次回に再試行される
			j.logger.Warn("キャッシュの削除に失敗しました",
				slog.String("error", err.Error()),
				slog.Int("pruned_files", prunedFiles),
			)
		}
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("pruned_files", prunedFiles),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
