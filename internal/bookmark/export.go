package bookmark

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/chanwatch/internal/model"
)

// exportVersion はエクスポート形式のバージョン。
const exportVersion = 1

// ExportFile はブックマークのエクスポート形式。
type ExportFile struct {
	Version    int              `json:"version"`
	ExportedAt time.Time        `json:"exported_at"`
	Bookmarks  []ExportBookmark `json:"bookmarks"`
}

// ExportBookmark はエクスポートされる1ブックマーク。
// 監視状態のうち復元に必要なものだけを含む。
type ExportBookmark struct {
	Site             string  `json:"site"`
	Board            string  `json:"board"`
	ThreadNo         int64   `json:"thread_no"`
	Watch            bool    `json:"watch"`
	Download         bool    `json:"download"`
	Title            string  `json:"title,omitempty"`
	LastSeenPostNo   int64   `json:"last_seen_post_no,omitempty"`
	LastViewedPostNo int64   `json:"last_viewed_post_no,omitempty"`
	NotifiedQuotes   []int64 `json:"notified_quotes,omitempty"`
}

func (e ExportBookmark) thread() model.ThreadDescriptor {
	return model.NewThreadDescriptor(e.Site, e.Board, e.ThreadNo)
}

func (e ExportBookmark) flags() model.BookmarkFlags {
	var f model.BookmarkFlags
	if e.Watch {
		f = f.With(model.FlagWatchNewPosts)
	}
	if e.Download {
		f = f.With(model.FlagDownloadNewPosts)
	}
	return f
}

// ImportResult はインポートの結果。
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"` // 既にブックマーク済みのスレッド
}

// Export は全ブックマークをJSONで書き出す。
func (s *Store) Export(w io.Writer) error {
	list := s.List()
	file := ExportFile{
		Version:    exportVersion,
		ExportedAt: s.now().UTC(),
		Bookmarks:  make([]ExportBookmark, 0, len(list)),
	}
	for _, b := range list {
		file.Bookmarks = append(file.Bookmarks, ExportBookmark{
			Site:             b.Thread.SiteName,
			Board:            b.Thread.BoardCode,
			ThreadNo:         b.Thread.ThreadNo,
			Watch:            b.IsWatching(),
			Download:         b.IsDownloading(),
			Title:            b.Title,
			LastSeenPostNo:   b.LastSeenPostNo,
			LastViewedPostNo: b.LastViewedPostNo,
			NotifiedQuotes:   b.NotifiedQuotes,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file); err != nil {
		return fmt.Errorf("ブックマークのエクスポートに失敗: %w", err)
	}
	return nil
}

// Import はExportの出力を読み込み、未登録のスレッドをブックマークとして追加する。
// 内容を全件検証してから追加を始めるため、形式エラーの場合は何も追加しない。
// 既にブックマーク済みのスレッドはスキップする。
// ダウンロードフラグは保存状態と対になるため、監視フラグとして取り込む。
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var file ExportFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return ImportResult{}, fmt.Errorf("インポートファイルの解析に失敗: %w", err)
	}
	if file.Version != exportVersion {
		return ImportResult{}, fmt.Errorf("未対応のバージョンです: %d", file.Version)
	}

	seen := make(map[model.ThreadDescriptor]bool, len(file.Bookmarks))
	for i, e := range file.Bookmarks {
		if !e.thread().IsValid() {
			return ImportResult{}, fmt.Errorf("%d件目のスレッド指定が不正です: %s", i+1, e.thread())
		}
		if e.flags().IsEmpty() {
			return ImportResult{}, fmt.Errorf("%d件目のフラグが空です: %s", i+1, e.thread())
		}
		if seen[e.thread()] {
			return ImportResult{}, fmt.Errorf("%d件目のスレッドが重複しています: %s", i+1, e.thread())
		}
		seen[e.thread()] = true
	}

	var result ImportResult
	for _, e := range file.Bookmarks {
		created, err := s.importEntry(ctx, e)
		if err != nil {
			return result, fmt.Errorf("ブックマークの追加に失敗: %w", err)
		}
		if created {
			result.Imported++
		} else {
			result.Skipped++
		}
	}

	s.logger.Info("ブックマークをインポートしました",
		slog.Int("imported", result.Imported),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// importEntry は未登録のスレッドであればブックマークを作成する。
// 登録済みのブックマークは変更しない。
func (s *Store) importEntry(ctx context.Context, e ExportBookmark) (bool, error) {
	thread := e.thread()
	unlock := s.lockThread(thread)
	defer unlock()

	s.mu.RLock()
	_, exists := s.byThread[thread]
	s.mu.RUnlock()
	if exists {
		return false, nil
	}

	b, err := s.createLocked(ctx, thread, model.FlagWatchNewPosts, e.Title)
	if err != nil {
		return false, err
	}
	_, err = s.updateLocked(ctx, b.ID, func(nb *model.Bookmark) error {
		nb.LastSeenPostNo = e.LastSeenPostNo
		nb.LastViewedPostNo = e.LastViewedPostNo
		nb.NotifiedQuotes = append(nb.NotifiedQuotes, e.NotifiedQuotes...)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
