package model

import (
	"slices"
	"time"
)

// BookmarkFlags はブックマークのフラグ（ビットマスク）を表す。
type BookmarkFlags int

const (
	// FlagWatchNewPosts は新着投稿の監視フラグ。
	FlagWatchNewPosts BookmarkFlags = 1 << iota
	// FlagDownloadNewPosts は新着投稿のローカル保存フラグ。
	FlagDownloadNewPosts
)

// Has は指定フラグが立っているかを返す。
func (f BookmarkFlags) Has(flag BookmarkFlags) bool {
	return f&flag != 0
}

// With は指定フラグを追加したフラグを返す。
func (f BookmarkFlags) With(flag BookmarkFlags) BookmarkFlags {
	return f | flag
}

// Without は指定フラグを除去したフラグを返す。
func (f BookmarkFlags) Without(flag BookmarkFlags) BookmarkFlags {
	return f &^ flag
}

// IsEmpty はフラグが1つも立っていないかを返す。
// フラグが空のブックマークは永続化せず削除する。
func (f BookmarkFlags) IsEmpty() bool {
	return f == 0
}

// Bookmark は監視・保存対象のスレッドを表す。
type Bookmark struct {
	ID               string
	Thread           ThreadDescriptor
	Flags            BookmarkFlags
	Title            string
	LastSeenPostNo   int64
	LastViewedPostNo int64
	UnseenCount      int
	QuotesToMeCount  int
	NotifiedQuotes   []int64 // 通知済みの自分宛て返信の投稿番号（追記のみ）
	TotalPosts       int
	Archived         bool
	Closed           bool
	BoardPage        int // 板一覧上のページ位置（0は不明）
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsWatching は新着監視フラグが立っているかを返す。
func (b *Bookmark) IsWatching() bool {
	return b.Flags.Has(FlagWatchNewPosts)
}

// IsDownloading はローカル保存フラグが立っているかを返す。
func (b *Bookmark) IsDownloading() bool {
	return b.Flags.Has(FlagDownloadNewPosts)
}

// IsActive はスレッドがまだ更新され得るか（アーカイブ・クローズされていないか）を返す。
func (b *Bookmark) IsActive() bool {
	return !b.Archived && !b.Closed
}

// HasNotified は指定投稿について既に通知済みかを返す。
func (b *Bookmark) HasNotified(postNo int64) bool {
	return slices.Contains(b.NotifiedQuotes, postNo)
}

// Clone はブックマークのディープコピーを返す。
// Storeの外へ渡す値は必ずコピーとし、内部状態の共有を防ぐ。
func (b *Bookmark) Clone() *Bookmark {
	if b == nil {
		return nil
	}
	c := *b
	c.NotifiedQuotes = slices.Clone(b.NotifiedQuotes)
	return &c
}
