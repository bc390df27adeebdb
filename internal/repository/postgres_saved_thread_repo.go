package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresSavedThreadRepo はPostgreSQLを使用した保存スレッド状態リポジトリ。
type PostgresSavedThreadRepo struct {
	db *sql.DB
}

// NewPostgresSavedThreadRepo はPostgresSavedThreadRepoを生成する。
func NewPostgresSavedThreadRepo(db *sql.DB) *PostgresSavedThreadRepo {
	return &PostgresSavedThreadRepo{db: db}
}

// Find は指定スレッドの状態を取得する。見つからない場合はnilを返す。
func (r *PostgresSavedThreadRepo) Find(ctx context.Context, thread model.ThreadDescriptor) (*model.SavedThread, error) {
	s := &model.SavedThread{Thread: thread}

	err := r.db.QueryRowContext(ctx,
		`SELECT is_stopped, is_fully_downloaded, saved_post_count, last_saved_post_no, updated_at
		 FROM saved_threads
		 WHERE site_name = $1 AND board_code = $2 AND thread_no = $3`,
		thread.SiteName, thread.BoardCode, thread.ThreadNo,
	).Scan(&s.IsStopped, &s.IsFullyDownloaded, &s.SavedPostCount, &s.LastSavedPostNo, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("保存スレッド状態の取得に失敗しました: %w", err)
	}
	return s, nil
}

// List は全ての状態レコードを返す。
func (r *PostgresSavedThreadRepo) List(ctx context.Context) ([]*model.SavedThread, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT site_name, board_code, thread_no, is_stopped, is_fully_downloaded,
		        saved_post_count, last_saved_post_no, updated_at
		 FROM saved_threads`,
	)
	if err != nil {
		return nil, fmt.Errorf("保存スレッド一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var saved []*model.SavedThread
	for rows.Next() {
		s := &model.SavedThread{}
		if err := rows.Scan(
			&s.Thread.SiteName, &s.Thread.BoardCode, &s.Thread.ThreadNo,
			&s.IsStopped, &s.IsFullyDownloaded,
			&s.SavedPostCount, &s.LastSavedPostNo, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("保存スレッド状態の読み取りに失敗しました: %w", err)
		}
		saved = append(saved, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("保存スレッド一覧の走査に失敗しました: %w", err)
	}
	return saved, nil
}

// Upsert は状態レコードを作成または更新する。
func (r *PostgresSavedThreadRepo) Upsert(ctx context.Context, s *model.SavedThread) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO saved_threads (site_name, board_code, thread_no, is_stopped,
		                            is_fully_downloaded, saved_post_count, last_saved_post_no, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (site_name, board_code, thread_no) DO UPDATE SET
		    is_stopped = EXCLUDED.is_stopped,
		    is_fully_downloaded = EXCLUDED.is_fully_downloaded,
		    saved_post_count = EXCLUDED.saved_post_count,
		    last_saved_post_no = EXCLUDED.last_saved_post_no,
		    updated_at = EXCLUDED.updated_at`,
		s.Thread.SiteName, s.Thread.BoardCode, s.Thread.ThreadNo,
		s.IsStopped, s.IsFullyDownloaded, s.SavedPostCount, s.LastSavedPostNo, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("保存スレッド状態の保存に失敗しました: %w", err)
	}
	return nil
}

// Delete は状態レコードを削除する。
func (r *PostgresSavedThreadRepo) Delete(ctx context.Context, thread model.ThreadDescriptor) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM saved_threads WHERE site_name = $1 AND board_code = $2 AND thread_no = $3`,
		thread.SiteName, thread.BoardCode, thread.ThreadNo,
	)
	if err != nil {
		return fmt.Errorf("保存スレッド状態の削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SavedThreadRepository = (*PostgresSavedThreadRepo)(nil)
