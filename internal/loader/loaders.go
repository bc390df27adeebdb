package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/chanwatch/internal/cache"
	"github.com/hitoshi/chanwatch/internal/model"
)

// maxLinksPerPost は1投稿あたりに処理するリンク数の上限。
const maxLinksPerPost = 5

// maxTitleLength はリンク先タイトルの最大文字数。
const maxTitleLength = 200

// mediaExts はインラインファイルとして扱う拡張子。
var mediaExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".webm", ".mp4", ".mp3", ".pdf"}

// isMediaLink はリンクがファイルを直接指しているかを返す。
func isMediaLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return slices.Contains(mediaExts, strings.ToLower(path.Ext(u.Path)))
}

// --- 事前ダウンロード ---

// PrefetchLoader は投稿の添付ファイルとサムネイルをキャッシュへ事前ダウンロードする。
// ダウンロード済みのファイルはスキップする。
type PrefetchLoader struct {
	client *http.Client
	cache  *cache.FileCache
	logger *slog.Logger
}

// NewPrefetchLoader はPrefetchLoaderを生成する。
func NewPrefetchLoader(client *http.Client, fileCache *cache.FileCache, logger *slog.Logger) *PrefetchLoader {
	return &PrefetchLoader{client: client, cache: fileCache, logger: logger}
}

// Kind はローダー種別を返す。
func (l *PrefetchLoader) Kind() model.LoaderKind {
	return model.LoaderKindPrefetch
}

// Load は添付ファイルをダウンロードする。結果は URL → "cached" または保存バイト数。
// ボディを読み切った後のキャッシュへの確定はキャンセルされない。
func (l *PrefetchLoader) Load(ctx context.Context, post *model.Post) (map[string]string, error) {
	var urls []string
	for _, f := range post.Files {
		if f.ThumbnailURL != "" {
			urls = append(urls, f.ThumbnailURL)
		}
		if f.URL != "" {
			urls = append(urls, f.URL)
		}
	}

	data := make(map[string]string, len(urls))
	var errs []error
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return data, err
		}
		if l.cache.Contains(u) {
			data[u] = "cached"
			continue
		}
		n, err := l.download(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return data, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		data[u] = strconv.FormatInt(n, 10)
	}
	return data, errors.Join(errs...)
}

func (l *PrefetchLoader) download(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s のダウンロードに失敗: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s のダウンロードに失敗: status=%d", rawURL, resp.StatusCode)
	}

	n, err := l.cache.Put(rawURL, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%s のキャッシュへの保存に失敗: %w", rawURL, err)
	}
	l.logger.Debug("ファイルを事前ダウンロードしました",
		slog.String("url", rawURL),
		slog.Int64("bytes", n),
	)
	return n, nil
}

// --- リンク先情報 ---

// ExtraContentLoader は本文中の外部リンク先のページタイトルを取得する。
// ファイルを直接指すリンクは InlineFileInfoLoader が扱う。
type ExtraContentLoader struct {
	client *http.Client
}

// NewExtraContentLoader はExtraContentLoaderを生成する。
func NewExtraContentLoader(client *http.Client) *ExtraContentLoader {
	return &ExtraContentLoader{client: client}
}

// Kind はローダー種別を返す。
func (l *ExtraContentLoader) Kind() model.LoaderKind {
	return model.LoaderKindExtraContent
}

// Load はリンク先のタイトルを取得する。結果は URL → タイトル。
func (l *ExtraContentLoader) Load(ctx context.Context, post *model.Post) (map[string]string, error) {
	data := make(map[string]string)
	var errs []error
	for _, link := range pageLinks(post.Links) {
		title, err := l.fetchTitle(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				return data, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		if title != "" {
			data[link] = title
		}
	}
	return data, errors.Join(errs...)
}

func (l *ExtraContentLoader) fetchTitle(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s の取得に失敗: %w", link, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s の取得に失敗: status=%d", link, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", nil
	}
	return extractTitle(resp.Body)
}

// extractTitle はHTMLから最初の<title>要素のテキストを取り出す。
func extractTitle(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	inTitle := false
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return normalizeTitle(sb.String()), nil
			}
			return "", fmt.Errorf("HTMLの解析に失敗: %w", z.Err())
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				sb.Write(z.Text())
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "title":
				return normalizeTitle(sb.String()), nil
			case "head":
				return normalizeTitle(sb.String()), nil
			}
		}
	}
}

func normalizeTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxTitleLength {
		s = string(r[:maxTitleLength]) + "…"
	}
	return s
}

func pageLinks(links []string) []string {
	var out []string
	for _, l := range links {
		if !isMediaLink(l) {
			out = append(out, l)
		}
		if len(out) == maxLinksPerPost {
			break
		}
	}
	return out
}

// --- インラインファイル情報 ---

// InlineFileInfoLoader は本文中のファイルリンクにHEADリクエストを送り、
// ファイルサイズとContent-Typeを取得する。
type InlineFileInfoLoader struct {
	client *http.Client
}

// NewInlineFileInfoLoader はInlineFileInfoLoaderを生成する。
func NewInlineFileInfoLoader(client *http.Client) *InlineFileInfoLoader {
	return &InlineFileInfoLoader{client: client}
}

// Kind はローダー種別を返す。
func (l *InlineFileInfoLoader) Kind() model.LoaderKind {
	return model.LoaderKindInlineFileInfo
}

// Load はファイルリンクの情報を取得する。結果は URL → "Content-Type; サイズ"。
// サイズが不明な場合は -1 とする。
func (l *InlineFileInfoLoader) Load(ctx context.Context, post *model.Post) (map[string]string, error) {
	data := make(map[string]string)
	var errs []error
	n := 0
	for _, link := range post.Links {
		if !isMediaLink(link) {
			continue
		}
		if n == maxLinksPerPost {
			break
		}
		n++

		info, err := l.head(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				return data, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		data[link] = info
	}
	return data, errors.Join(errs...)
}

func (l *InlineFileInfoLoader) head(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return "", fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s の取得に失敗: %w", link, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s の取得に失敗: status=%d", link, resp.StatusCode)
	}
	return fmt.Sprintf("%s; %d", resp.Header.Get("Content-Type"), resp.ContentLength), nil
}
