package model

// PollResult は1ブックマークに対する1回の監視サイクルの結果を表す。
type PollResult struct {
	BookmarkID     string
	Thread         ThreadDescriptor
	NewCount       int     // 前回確認以降の新着投稿数
	HasQuoteOfUser bool    // 新着の中に自分の投稿への返信があるか
	QuotingPosts   []int64 // 自分の投稿を引用している新着投稿の番号
	LastPostNo     int64
	Err            error // 取得・解析に失敗した場合のエラー（成功時はnil）
}

// Succeeded はポーリングが成功したかを返す。
func (r PollResult) Succeeded() bool {
	return r.Err == nil
}
