// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/chanwatch/internal/model"
)

// BookmarkRepository はブックマークの永続化インターフェース。
// 起動時に全件を読み込み、以降の変更はbookmark.Store経由で書き戻す。
type BookmarkRepository interface {
	// List は全ブックマークを作成日時の昇順で返す。
	List(ctx context.Context) ([]*model.Bookmark, error)

	// Upsert はブックマークを作成または更新する。
	// フラグが空のブックマークは永続化できない。
	Upsert(ctx context.Context, bookmark *model.Bookmark) error

	// Delete は指定IDのブックマークを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, id string) error
}

// SavedThreadRepository は保存中スレッドの状態レコードの永続化インターフェース。
type SavedThreadRepository interface {
	// Find は指定スレッドの状態を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, thread model.ThreadDescriptor) (*model.SavedThread, error)

	// List は全ての状態レコードを返す。
	List(ctx context.Context) ([]*model.SavedThread, error)

	// Upsert は状態レコードを作成または更新する。
	Upsert(ctx context.Context, saved *model.SavedThread) error

	// Delete は状態レコードを削除する。保存済み投稿はCASCADE削除される。
	Delete(ctx context.Context, thread model.ThreadDescriptor) error
}

// SavedPostRepository は保存済み投稿の永続化インターフェース。
type SavedPostRepository interface {
	// InsertPosts は投稿を保存する。保存済みの投稿番号はスキップする。
	// 新規に保存した件数を返す。
	InsertPosts(ctx context.Context, thread model.ThreadDescriptor, posts []model.Post) (int, error)

	// ListPosts は保存済み投稿を投稿番号の昇順で返す。
	ListPosts(ctx context.Context, thread model.ThreadDescriptor) ([]model.Post, error)
}

// SavedReplyRepository はユーザー自身の投稿の永続化インターフェース。
type SavedReplyRepository interface {
	// Add は自分の投稿を登録する。登録済みの場合は何もしない。
	Add(ctx context.Context, reply *model.SavedReply) error

	// ListPostNos は指定スレッドにおける自分の投稿番号を返す。
	ListPostNos(ctx context.Context, thread model.ThreadDescriptor) ([]int64, error)
}
