package model

import "time"

// LoaderKind はオンデマンドローダーの種別を表す。
type LoaderKind string

const (
	// LoaderKindPrefetch は添付ファイルの事前ダウンロード。
	LoaderKindPrefetch LoaderKind = "prefetch"
	// LoaderKindExtraContent は本文中リンク先の追加情報（タイトル）取得。
	LoaderKindExtraContent LoaderKind = "extra_content"
	// LoaderKindInlineFileInfo は本文中のファイルリンクのメタ情報取得。
	LoaderKindInlineFileInfo LoaderKind = "inline_file_info"
)

// LoaderTaskKey は重複排除の単位となる (投稿, ローダー種別) の組。
type LoaderTaskKey struct {
	Post PostDescriptor
	Kind LoaderKind
}

// LoaderResult は1ローダーの実行結果を表す。
type LoaderResult struct {
	Kind     LoaderKind
	Success  bool
	Canceled bool
	Error    string
	Data     map[string]string // ローダー固有の結果（URL → タイトル等）
	Duration time.Duration
}

// PostContent は1投稿に対する全ローダーの結果。
type PostContent struct {
	Post    PostDescriptor
	Results []LoaderResult
}
