package model

import "time"

// ThreadPayload はサイトから取得したスレッドのパース結果。
type ThreadPayload struct {
	Thread   ThreadDescriptor
	Title    string
	Posts    []Post // 投稿番号の昇順
	Archived bool
	Closed   bool
}

// LastPostNo は最後の投稿番号を返す。投稿がない場合は0を返す。
func (p *ThreadPayload) LastPostNo() int64 {
	if p == nil || len(p.Posts) == 0 {
		return 0
	}
	return p.Posts[len(p.Posts)-1].No
}

// PostsAfter は指定番号より大きい投稿番号の投稿を返す。
func (p *ThreadPayload) PostsAfter(postNo int64) []Post {
	if p == nil {
		return nil
	}
	var posts []Post
	for _, post := range p.Posts {
		if post.No > postNo {
			posts = append(posts, post)
		}
	}
	return posts
}

// Post はスレッド内の1投稿を表す。
type Post struct {
	No        int64
	Name      string
	Subject   string
	Comment   string  // サニタイズ済みHTML
	Text      string  // プレーンテキスト
	Quotes    []int64 // 本文中の引用先投稿番号（>>123）
	Links     []string
	Files     []PostFile
	CreatedAt time.Time
}

// PostFile は投稿の添付ファイルを表す。
type PostFile struct {
	URL          string
	ThumbnailURL string
	Name         string
	Ext          string
	Size         int64
}

// BoardPage は板一覧の1ページに含まれるスレッド番号の集合を表す。
type BoardPage struct {
	Page    int
	Threads []int64
}
