package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresBookmarkRepo はPostgreSQLを使用したブックマークリポジトリ。
type PostgresBookmarkRepo struct {
	db *sql.DB
}

// NewPostgresBookmarkRepo はPostgresBookmarkRepoを生成する。
func NewPostgresBookmarkRepo(db *sql.DB) *PostgresBookmarkRepo {
	return &PostgresBookmarkRepo{db: db}
}

// List は全ブックマークを作成日時の昇順で返す。
func (r *PostgresBookmarkRepo) List(ctx context.Context) ([]*model.Bookmark, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, site_name, board_code, thread_no, flags, title,
		        last_seen_post_no, last_viewed_post_no, unseen_count, quotes_to_me_count,
		        notified_quotes, total_posts, archived, closed, board_page,
		        created_at, updated_at
		 FROM bookmarks
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("ブックマーク一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var bookmarks []*model.Bookmark
	for rows.Next() {
		b := &model.Bookmark{}
		var notified pq.Int64Array

		if err := rows.Scan(
			&b.ID, &b.Thread.SiteName, &b.Thread.BoardCode, &b.Thread.ThreadNo,
			&b.Flags, &b.Title,
			&b.LastSeenPostNo, &b.LastViewedPostNo, &b.UnseenCount, &b.QuotesToMeCount,
			&notified, &b.TotalPosts, &b.Archived, &b.Closed, &b.BoardPage,
			&b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ブックマークの読み取りに失敗しました: %w", err)
		}
		b.NotifiedQuotes = []int64(notified)

		bookmarks = append(bookmarks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ブックマーク一覧の走査に失敗しました: %w", err)
	}

	return bookmarks, nil
}

// Upsert はブックマークを作成または更新する。
func (r *PostgresBookmarkRepo) Upsert(ctx context.Context, b *model.Bookmark) error {
	if b.Flags.IsEmpty() {
		return errors.New("フラグが空のブックマークは保存できません")
	}

	notified := b.NotifiedQuotes
	if notified == nil {
		notified = []int64{}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bookmarks (id, site_name, board_code, thread_no, flags, title,
		                        last_seen_post_no, last_viewed_post_no, unseen_count,
		                        quotes_to_me_count, notified_quotes, total_posts,
		                        archived, closed, board_page, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
		    flags = EXCLUDED.flags,
		    title = EXCLUDED.title,
		    last_seen_post_no = EXCLUDED.last_seen_post_no,
		    last_viewed_post_no = EXCLUDED.last_viewed_post_no,
		    unseen_count = EXCLUDED.unseen_count,
		    quotes_to_me_count = EXCLUDED.quotes_to_me_count,
		    notified_quotes = EXCLUDED.notified_quotes,
		    total_posts = EXCLUDED.total_posts,
		    archived = EXCLUDED.archived,
		    closed = EXCLUDED.closed,
		    board_page = EXCLUDED.board_page,
		    updated_at = EXCLUDED.updated_at`,
		b.ID, b.Thread.SiteName, b.Thread.BoardCode, b.Thread.ThreadNo,
		int(b.Flags), b.Title,
		b.LastSeenPostNo, b.LastViewedPostNo, b.UnseenCount,
		b.QuotesToMeCount, pq.Array(notified), b.TotalPosts,
		b.Archived, b.Closed, b.BoardPage, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ブックマークの保存に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDのブックマークを削除する。
func (r *PostgresBookmarkRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ブックマークの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ BookmarkRepository = (*PostgresBookmarkRepo)(nil)
