package site

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/chanwatch/internal/model"
)

// vichanPost は4chan互換JSON APIの投稿。
type vichanPost struct {
	No       int64  `json:"no"`
	Resto    int64  `json:"resto"`
	Sub      string `json:"sub"`
	Com      string `json:"com"`
	Name     string `json:"name"`
	Time     int64  `json:"time"`
	Tim      int64  `json:"tim"`
	Filename string `json:"filename"`
	Ext      string `json:"ext"`
	Fsize    int64  `json:"fsize"`
	Archived int    `json:"archived"`
	Closed   int    `json:"closed"`
}

type vichanThread struct {
	Posts []vichanPost `json:"posts"`
}

type vichanPage struct {
	Page    int `json:"page"`
	Threads []struct {
		No int64 `json:"no"`
	} `json:"threads"`
}

// VichanAdapter は4chan/vichan互換のJSON APIを扱うアダプタ。
// スレッドは {base}/{board}/thread/{no}.json、板一覧は {base}/{board}/threads.json。
type VichanAdapter struct {
	baseURL  string
	mediaURL string
	comments *CommentParser
}

// NewVichanAdapter はVichanAdapterを生成する。
// mediaURLが空の場合、添付ファイルはvichan形式（{base}/{board}/src/）で解決する。
func NewVichanAdapter(baseURL, mediaURL string, comments *CommentParser) *VichanAdapter {
	return &VichanAdapter{baseURL: baseURL, mediaURL: mediaURL, comments: comments}
}

// ThreadURL はスレッドJSONのURLを返す。
func (a *VichanAdapter) ThreadURL(thread model.ThreadDescriptor) string {
	return fmt.Sprintf("%s/%s/thread/%d.json", a.baseURL, thread.BoardCode, thread.ThreadNo)
}

// BoardPagesURL は板のスレッド一覧JSONのURLを返す。
func (a *VichanAdapter) BoardPagesURL(board string) string {
	return fmt.Sprintf("%s/%s/threads.json", a.baseURL, board)
}

// Accept はリクエストのAcceptヘッダ値を返す。
func (a *VichanAdapter) Accept() string {
	return "application/json"
}

// ParseThread はスレッドJSONをパースする。
func (a *VichanAdapter) ParseThread(thread model.ThreadDescriptor, body []byte) (*model.ThreadPayload, error) {
	var raw vichanThread
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &model.ParseError{Op: "vichan thread " + thread.String(), Err: err}
	}
	if len(raw.Posts) == 0 {
		return nil, &model.ParseError{Op: "vichan thread " + thread.String(), Err: fmt.Errorf("投稿が含まれていません")}
	}

	op := raw.Posts[0]
	if op.Resto != 0 || op.No != thread.ThreadNo {
		return nil, &model.ParseError{
			Op:  "vichan thread " + thread.String(),
			Err: fmt.Errorf("先頭投稿がスレッド番号と一致しません: no=%d resto=%d", op.No, op.Resto),
		}
	}

	payload := &model.ThreadPayload{
		Thread:   thread,
		Title:    html.UnescapeString(op.Sub),
		Posts:    make([]model.Post, 0, len(raw.Posts)),
		Archived: op.Archived == 1,
		Closed:   op.Closed == 1,
	}

	var prev int64
	for _, rp := range raw.Posts {
		if rp.No <= prev {
			return nil, &model.ParseError{
				Op:  "vichan thread " + thread.String(),
				Err: fmt.Errorf("投稿番号が昇順ではありません: %d の後に %d", prev, rp.No),
			}
		}
		prev = rp.No
		payload.Posts = append(payload.Posts, a.convertPost(thread.BoardCode, rp))
	}

	if payload.Title == "" && len(payload.Posts) > 0 {
		payload.Title = titleFromText(payload.Posts[0].Text)
	}
	return payload, nil
}

// ParseBoardPages は板のスレッド一覧JSONをパースする。
func (a *VichanAdapter) ParseBoardPages(board string, body []byte) ([]model.BoardPage, error) {
	var raw []vichanPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &model.ParseError{Op: "vichan pages " + board, Err: err}
	}
	pages := make([]model.BoardPage, 0, len(raw))
	for _, rp := range raw {
		page := model.BoardPage{Page: rp.Page, Threads: make([]int64, 0, len(rp.Threads))}
		for _, t := range rp.Threads {
			page.Threads = append(page.Threads, t.No)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func (a *VichanAdapter) convertPost(board string, rp vichanPost) model.Post {
	parsed := a.comments.Parse(rp.Com)
	post := model.Post{
		No:      rp.No,
		Name:    html.UnescapeString(rp.Name),
		Subject: html.UnescapeString(rp.Sub),
		Comment: parsed.HTML,
		Text:    parsed.Text,
		Quotes:  parsed.Quotes,
		Links:   parsed.Links,
	}
	if rp.Time > 0 {
		post.CreatedAt = time.Unix(rp.Time, 0).UTC()
	}
	if rp.Tim > 0 && rp.Ext != "" {
		post.Files = []model.PostFile{a.file(board, rp)}
	}
	return post
}

func (a *VichanAdapter) file(board string, rp vichanPost) model.PostFile {
	tim := strconv.FormatInt(rp.Tim, 10)
	f := model.PostFile{
		Name: html.UnescapeString(rp.Filename),
		Ext:  rp.Ext,
		Size: rp.Fsize,
	}
	if a.mediaURL != "" {
		f.URL = fmt.Sprintf("%s/%s/%s%s", a.mediaURL, board, tim, rp.Ext)
		f.ThumbnailURL = fmt.Sprintf("%s/%s/%ss.jpg", a.mediaURL, board, tim)
	} else {
		f.URL = fmt.Sprintf("%s/%s/src/%s%s", a.baseURL, board, tim, rp.Ext)
		f.ThumbnailURL = fmt.Sprintf("%s/%s/thumb/%s.jpg", a.baseURL, board, tim)
	}
	return f
}

// titleFromText は件名のないスレッドのタイトルを本文先頭行から作る。
func titleFromText(text string) string {
	const maxRunes = 50
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > maxRunes {
			return string(r[:maxRunes]) + "…"
		}
		return line
	}
	return ""
}
