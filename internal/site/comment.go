package site

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/chanwatch/internal/security"
)

// quoteTextPattern はマークアップのない本文中の ">>123" 形式の引用。
var quoteTextPattern = regexp.MustCompile(`>>(\d+)`)

// quoteHrefPattern は引用リンクのhref末尾の投稿番号（"#p123" / "#123"）。
var quoteHrefPattern = regexp.MustCompile(`#p?(\d+)$`)

// ParsedComment は投稿本文の解析結果。
type ParsedComment struct {
	HTML   string  // サニタイズ済みHTML
	Text   string  // プレーンテキスト（brは改行）
	Quotes []int64 // 引用先の投稿番号（出現順、重複なし）
	Links  []string
}

// CommentParser は投稿本文のHTMLを解析する。
type CommentParser struct {
	sanitizer security.ContentSanitizerService
}

// NewCommentParser はCommentParserを生成する。
func NewCommentParser(sanitizer security.ContentSanitizerService) *CommentParser {
	return &CommentParser{sanitizer: sanitizer}
}

// Parse は本文HTMLをサニタイズし、引用先・外部リンク・プレーンテキストを抽出する。
// 解析に失敗した場合もサニタイズ済みHTMLは返す。
func (p *CommentParser) Parse(rawHTML string) ParsedComment {
	if strings.TrimSpace(rawHTML) == "" {
		return ParsedComment{}
	}

	clean := p.sanitizer.Sanitize(rawHTML)
	result := ParsedComment{HTML: clean}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(clean))
	if err != nil {
		result.Text = clean
		return result
	}

	addQuote := func(no int64) {
		if no > 0 && !slices.Contains(result.Quotes, no) {
			result.Quotes = append(result.Quotes, no)
		}
	}

	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		if s.HasClass("quotelink") {
			if m := quoteHrefPattern.FindStringSubmatch(href); m != nil {
				no, _ := strconv.ParseInt(m[1], 10, 64)
				addQuote(no)
			}
			return
		}
		if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
			if !slices.Contains(result.Links, href) {
				result.Links = append(result.Links, href)
			}
		}
	})

	// 削除済み投稿への引用はリンクにならない
	doc.Find("span.deadlink").Each(func(_ int, s *goquery.Selection) {
		for _, m := range quoteTextPattern.FindAllStringSubmatch(s.Text(), -1) {
			no, _ := strconv.ParseInt(m[1], 10, 64)
			addQuote(no)
		}
	})

	doc.Find("br").ReplaceWithHtml("\n")
	result.Text = strings.TrimSpace(doc.Text())

	// マークアップを持たないサイト向け
	if len(result.Quotes) == 0 {
		for _, m := range quoteTextPattern.FindAllStringSubmatch(result.Text, -1) {
			no, _ := strconv.ParseInt(m[1], 10, 64)
			addQuote(no)
		}
	}

	return result
}
