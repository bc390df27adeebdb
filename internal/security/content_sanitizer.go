// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は掲示板投稿本文のHTMLをサニタイズし、
// XSS攻撃などのセキュリティリスクからクライアントを保護する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 掲示板の本文マークアップ（引用リンク、引用行、スポイラー、コード）のみを通過させる。
package security

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
// 投稿の保存前およびAPI応答前に使用される。
type ContentSanitizerService interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 許可タグ（a, span, br, wbr, s, b, i, u, strong, em, pre, code）のみを通過させ、
	// script, iframe, style, imgタグおよびon*イベント属性を除去する。
	// class属性は掲示板マークアップのクラス名のみ許可される。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// markupClass は掲示板本文で意味を持つclass属性値。
var markupClass = regexp.MustCompile(`^(quotelink|quote|deadlink|spoiler|prettyprint|greentext)$`)

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 許可タグ: a, span, br, wbr, s, b, i, u, strong, em, pre, code
//   - aのhref: http/httpsおよび相対URL（"#p123" や "/g/thread/1#p2" 形式の引用リンク）
//   - 外部リンクには target="_blank" と rel="noopener noreferrer" を自動付与
//   - 画像は本文に埋め込まない（添付ファイルは別フィールドで扱う）
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"br", "wbr", "s", "b", "i", "u",
		"strong", "em", "pre", "code",
	)

	// 引用リンクは板内の相対URLで表現される
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(true)
	p.AllowURLSchemes("http", "https")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("class").Matching(markupClass).OnElements("a", "span", "pre")
	p.AllowElements("span")

	return &contentSanitizer{
		policy: p,
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
