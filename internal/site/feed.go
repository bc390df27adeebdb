package site

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/chanwatch/internal/model"
)

// feedThreadsPerPage はフィード形式の板一覧を仮想的にページ分割する際の1ページあたりスレッド数。
const feedThreadsPerPage = 15

// trailingNumber はGUIDやリンク末尾の投稿番号（"#p123"、"/123"、"res/123.html" 等）。
var trailingNumber = regexp.MustCompile(`(\d+)(?:\.html?)?$`)

// FeedAdapter はスレッドをRSS/Atomで公開しているサイトを扱うアダプタ。
// スレッドは {base}/{board}/res/{no}.rss、板一覧は {base}/{board}/index.rss。
type FeedAdapter struct {
	baseURL  string
	comments *CommentParser
}

// NewFeedAdapter はFeedAdapterを生成する。
func NewFeedAdapter(baseURL string, comments *CommentParser) *FeedAdapter {
	return &FeedAdapter{baseURL: baseURL, comments: comments}
}

// ThreadURL はスレッドフィードのURLを返す。
func (a *FeedAdapter) ThreadURL(thread model.ThreadDescriptor) string {
	return fmt.Sprintf("%s/%s/res/%d.rss", a.baseURL, thread.BoardCode, thread.ThreadNo)
}

// BoardPagesURL は板一覧フィードのURLを返す。
func (a *FeedAdapter) BoardPagesURL(board string) string {
	return fmt.Sprintf("%s/%s/index.rss", a.baseURL, board)
}

// Accept はリクエストのAcceptヘッダ値を返す。
func (a *FeedAdapter) Accept() string {
	return "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"
}

// ParseThread はスレッドフィードをパースする。
// 各エントリを1投稿とし、投稿番号はGUID（なければリンク）末尾の数字から得る。
func (a *FeedAdapter) ParseThread(thread model.ThreadDescriptor, body []byte) (*model.ThreadPayload, error) {
	op := "feed thread " + thread.String()

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &model.ParseError{Op: op, Err: err}
	}

	payload := &model.ThreadPayload{
		Thread: thread,
		Title:  strings.TrimSpace(parsed.Title),
		Posts:  make([]model.Post, 0, len(parsed.Items)),
	}

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		no, ok := itemPostNo(item)
		if !ok {
			return nil, &model.ParseError{Op: op, Err: fmt.Errorf("投稿番号を特定できません: guid=%q link=%q", item.GUID, item.Link)}
		}
		payload.Posts = append(payload.Posts, a.convertItem(no, item))
	}
	if len(payload.Posts) == 0 {
		return nil, &model.ParseError{Op: op, Err: fmt.Errorf("投稿が含まれていません")}
	}

	// フィードは新しい順で配信されることが多い
	slices.SortFunc(payload.Posts, func(x, y model.Post) int {
		switch {
		case x.No < y.No:
			return -1
		case x.No > y.No:
			return 1
		default:
			return 0
		}
	})
	payload.Posts = slices.CompactFunc(payload.Posts, func(x, y model.Post) bool { return x.No == y.No })

	for _, c := range parsed.Categories {
		switch strings.ToLower(c) {
		case "archived":
			payload.Archived = true
		case "closed", "locked":
			payload.Closed = true
		}
	}
	if payload.Title == "" {
		payload.Title = titleFromText(payload.Posts[0].Text)
	}
	return payload, nil
}

// ParseBoardPages は板一覧フィードをパースし、掲載順に固定件数ずつページへ割り当てる。
func (a *FeedAdapter) ParseBoardPages(board string, body []byte) ([]model.BoardPage, error) {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &model.ParseError{Op: "feed pages " + board, Err: err}
	}

	var pages []model.BoardPage
	n := 0
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		no, ok := itemPostNo(item)
		if !ok {
			continue
		}
		if n%feedThreadsPerPage == 0 {
			pages = append(pages, model.BoardPage{Page: len(pages) + 1})
		}
		pages[len(pages)-1].Threads = append(pages[len(pages)-1].Threads, no)
		n++
	}
	return pages, nil
}

func (a *FeedAdapter) convertItem(no int64, item *gofeed.Item) model.Post {
	body := item.Content
	if body == "" {
		body = item.Description
	}
	parsed := a.comments.Parse(body)

	post := model.Post{
		No:      no,
		Subject: strings.TrimSpace(item.Title),
		Comment: parsed.HTML,
		Text:    parsed.Text,
		Quotes:  parsed.Quotes,
		Links:   parsed.Links,
	}
	if item.Author != nil {
		post.Name = item.Author.Name
	}
	if post.Name == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
		post.Name = item.Authors[0].Name
	}
	if item.PublishedParsed != nil {
		post.CreatedAt = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		post.CreatedAt = item.UpdatedParsed.UTC()
	}

	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		size, _ := strconv.ParseInt(enc.Length, 10, 64)
		name := enc.URL[strings.LastIndex(enc.URL, "/")+1:]
		ext := ""
		if dot := strings.LastIndex(name, "."); dot >= 0 {
			ext = name[dot:]
			name = name[:dot]
		}
		f := model.PostFile{URL: enc.URL, Name: name, Ext: ext, Size: size}
		if item.Image != nil {
			f.ThumbnailURL = item.Image.URL
		}
		post.Files = append(post.Files, f)
	}
	return post
}

// itemPostNo はフィードエントリの投稿番号を返す。
func itemPostNo(item *gofeed.Item) (int64, bool) {
	for _, s := range []string{item.GUID, item.Link} {
		m := trailingNumber.FindStringSubmatch(strings.TrimSpace(s))
		if m == nil {
			continue
		}
		no, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil && no > 0 {
			return no, true
		}
	}
	return 0, false
}
