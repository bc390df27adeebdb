package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgresSavedPostRepo はPostgreSQLを使用した保存済み投稿リポジトリ。
type PostgresSavedPostRepo struct {
	db *sql.DB
}

// NewPostgresSavedPostRepo はPostgresSavedPostRepoを生成する。
func NewPostgresSavedPostRepo(db *sql.DB) *PostgresSavedPostRepo {
	return &PostgresSavedPostRepo{db: db}
}

// savedFile はfilesカラム（JSONB）の要素。
type savedFile struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Name         string `json:"name"`
	Ext          string `json:"ext"`
	Size         int64  `json:"size"`
}

// InsertPosts は投稿を同一トランザクションで保存する。
// 保存済みの投稿番号はON CONFLICT DO NOTHINGでスキップし、新規保存件数を返す。
// 対応するsaved_threadsの行が事前に存在している必要がある。
func (r *PostgresSavedPostRepo) InsertPosts(ctx context.Context, thread model.ThreadDescriptor, posts []model.Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO saved_posts (site_name, board_code, thread_no, post_no, name, subject,
		                          comment, body_text, files, posted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (site_name, board_code, thread_no, post_no) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("投稿保存クエリの準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range posts {
		files, err := encodeFiles(p.Files)
		if err != nil {
			return 0, err
		}

		var postedAt sql.NullTime
		if !p.CreatedAt.IsZero() {
			postedAt = sql.NullTime{Time: p.CreatedAt, Valid: true}
		}

		result, err := stmt.ExecContext(ctx,
			thread.SiteName, thread.BoardCode, thread.ThreadNo, p.No,
			p.Name, p.Subject, p.Comment, p.Text, files, postedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("投稿 %d の保存に失敗しました: %w", p.No, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, nil
}

// ListPosts は保存済み投稿を投稿番号の昇順で返す。
func (r *PostgresSavedPostRepo) ListPosts(ctx context.Context, thread model.ThreadDescriptor) ([]model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT post_no, name, subject, comment, body_text, files, posted_at
		 FROM saved_posts
		 WHERE site_name = $1 AND board_code = $2 AND thread_no = $3
		 ORDER BY post_no ASC`,
		thread.SiteName, thread.BoardCode, thread.ThreadNo,
	)
	if err != nil {
		return nil, fmt.Errorf("保存済み投稿の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		var files []byte
		var postedAt sql.NullTime

		if err := rows.Scan(&p.No, &p.Name, &p.Subject, &p.Comment, &p.Text, &files, &postedAt); err != nil {
			return nil, fmt.Errorf("保存済み投稿の読み取りに失敗しました: %w", err)
		}
		if postedAt.Valid {
			p.CreatedAt = postedAt.Time
		}
		p.Files, err = decodeFiles(files)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("保存済み投稿の走査に失敗しました: %w", err)
	}
	return posts, nil
}

func encodeFiles(files []model.PostFile) ([]byte, error) {
	out := make([]savedFile, 0, len(files))
	for _, f := range files {
		out = append(out, savedFile{
			URL:          f.URL,
			ThumbnailURL: f.ThumbnailURL,
			Name:         f.Name,
			Ext:          f.Ext,
			Size:         f.Size,
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("添付ファイル情報のエンコードに失敗しました: %w", err)
	}
	return b, nil
}

func decodeFiles(b []byte) ([]model.PostFile, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var in []savedFile
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("添付ファイル情報のデコードに失敗しました: %w", err)
	}
	var files []model.PostFile
	for _, f := range in {
		files = append(files, model.PostFile{
			URL:          f.URL,
			ThumbnailURL: f.ThumbnailURL,
			Name:         f.Name,
			Ext:          f.Ext,
			Size:         f.Size,
		})
	}
	return files, nil
}

// compile-time interface check
var _ SavedPostRepository = (*PostgresSavedPostRepo)(nil)
