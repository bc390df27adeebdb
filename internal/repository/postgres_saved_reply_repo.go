package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresSavedReplyRepo はPostgreSQLを使用した自分の投稿リポジトリ。
type PostgresSavedReplyRepo struct {
	db *sql.DB
}

// NewPostgresSavedReplyRepo はPostgresSavedReplyRepoを生成する。
func NewPostgresSavedReplyRepo(db *sql.DB) *PostgresSavedReplyRepo {
	return &PostgresSavedReplyRepo{db: db}
}

// Add は自分の投稿を登録する。登録済みの場合は何もしない。
func (r *PostgresSavedReplyRepo) Add(ctx context.Context, reply *model.SavedReply) error {
	createdAt := reply.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO saved_replies (site_name, board_code, thread_no, post_no, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (site_name, board_code, thread_no, post_no) DO NOTHING`,
		reply.Thread.SiteName, reply.Thread.BoardCode, reply.Thread.ThreadNo, reply.PostNo, createdAt,
	)
	if err != nil {
		return fmt.Errorf("自分の投稿の登録に失敗しました: %w", err)
	}
	return nil
}

// ListPostNos は指定スレッドにおける自分の投稿番号を昇順で返す。
func (r *PostgresSavedReplyRepo) ListPostNos(ctx context.Context, thread model.ThreadDescriptor) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT post_no FROM saved_replies
		 WHERE site_name = $1 AND board_code = $2 AND thread_no = $3
		 ORDER BY post_no ASC`,
		thread.SiteName, thread.BoardCode, thread.ThreadNo,
	)
	if err != nil {
		return nil, fmt.Errorf("自分の投稿の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var postNos []int64
	for rows.Next() {
		var no int64
		if err := rows.Scan(&no); err != nil {
			return nil, fmt.Errorf("自分の投稿の読み取りに失敗しました: %w", err)
		}
		postNos = append(postNos, no)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("自分の投稿の走査に失敗しました: %w", err)
	}
	return postNos, nil
}

// compile-time interface check
var _ SavedReplyRepository = (*PostgresSavedReplyRepo)(nil)
