package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chanwatch/internal/bookmark"
	"github.com/hitoshi/chanwatch/internal/middleware"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/notify"
)

// maxImportSize はインポートで受け付けるリクエストボディの上限。
const maxImportSize = 4 << 20

// BookmarkStore はブックマークハンドラーが必要とするストアのインターフェース。
// *bookmark.Store が実装する。
type BookmarkStore interface {
	List() []*model.Bookmark
	Get(id string) (*model.Bookmark, bool)
	Create(ctx context.Context, thread model.ThreadDescriptor, flags model.BookmarkFlags, title string) (*model.Bookmark, error)
	ToggleWatch(ctx context.Context, thread model.ThreadDescriptor, title string) (*model.Bookmark, error)
	Delete(ctx context.Context, id string) error
	MarkViewed(ctx context.Context, id string, lastViewedPostNo int64) (*model.Bookmark, error)
	Subscribe(buffer int) (<-chan bookmark.Event, func())
	Export(w io.Writer) error
	Import(ctx context.Context, r io.Reader) (bookmark.ImportResult, error)
}

var _ BookmarkStore = (*bookmark.Store)(nil)

// SiteChecker は設定に登録されたサイトかを判定するインターフェース。
type SiteChecker interface {
	Has(siteName string) bool
}

// BookmarkHandler はブックマーク管理のHTTPハンドラー。
type BookmarkHandler struct {
	store    BookmarkStore
	sites    SiteChecker
	saver    ThreadSaver
	notifier notify.Notifier
	watcher  WatcherController
	logger   *slog.Logger
}

// NewBookmarkHandler はBookmarkHandlerを生成する。
func NewBookmarkHandler(store BookmarkStore, sites SiteChecker, saver ThreadSaver, notifier notify.Notifier, watcher WatcherController, logger *slog.Logger) *BookmarkHandler {
	return &BookmarkHandler{
		store:    store,
		sites:    sites,
		saver:    saver,
		notifier: notifier,
		watcher:  watcher,
		logger:   logger,
	}
}

// createBookmarkRequest はブックマーク作成リクエストのボディ。
type createBookmarkRequest struct {
	Site     string `json:"site"`
	Board    string `json:"board"`
	ThreadNo int64  `json:"thread_no"`
	Title    string `json:"title"`
}

// toggleWatchRequest は監視切り替えリクエストのボディ（省略可）。
type toggleWatchRequest struct {
	Title string `json:"title"`
}

// markViewedRequest は既読位置更新リクエストのボディ。
// last_viewed_post_no が0の場合は最新の投稿まで既読にする。
type markViewedRequest struct {
	LastViewedPostNo int64 `json:"last_viewed_post_no"`
}

// bookmarkResponse はブックマーク情報のAPIレスポンス。
type bookmarkResponse struct {
	ID               string              `json:"id"`
	Thread           string              `json:"thread"`
	Site             string              `json:"site"`
	Board            string              `json:"board"`
	ThreadNo         int64               `json:"thread_no"`
	Title            string              `json:"title"`
	Watch            bool                `json:"watch"`
	Download         bool                `json:"download"`
	DownloadState    model.DownloadState `json:"download_state"`
	LastSeenPostNo   int64               `json:"last_seen_post_no"`
	LastViewedPostNo int64               `json:"last_viewed_post_no"`
	UnseenCount      int                 `json:"unseen_count"`
	QuotesToMeCount  int                 `json:"quotes_to_me_count"`
	TotalPosts       int                 `json:"total_posts"`
	Archived         bool                `json:"archived"`
	Closed           bool                `json:"closed"`
	BoardPage        int                 `json:"board_page"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// toggleWatchResponse は監視切り替えのレスポンス。
// フラグが空になりブックマークが削除された場合 bookmark は null になる。
type toggleWatchResponse struct {
	Watching bool              `json:"watching"`
	Bookmark *bookmarkResponse `json:"bookmark"`
}

// ListBookmarks はブックマーク一覧を返す。
// GET /api/bookmarks
func (h *BookmarkHandler) ListBookmarks(w http.ResponseWriter, r *http.Request) {
	bookmarks := h.store.List()
	resp := make([]bookmarkResponse, len(bookmarks))
	for i, b := range bookmarks {
		resp[i] = h.toBookmarkResponse(b)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateBookmark はスレッドの監視ブックマークを作成する。
// POST /api/bookmarks
func (h *BookmarkHandler) CreateBookmark(w http.ResponseWriter, r *http.Request) {
	var req createBookmarkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	thread := model.NewThreadDescriptor(req.Site, req.Board, req.ThreadNo)
	if !thread.IsValid() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidThreadError(thread.String()))
		return
	}
	if !h.sites.Has(thread.SiteName) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSiteError(thread.SiteName))
		return
	}

	b, err := h.store.Create(r.Context(), thread, model.FlagWatchNewPosts, req.Title)
	if err != nil {
		if model.IsIllegalState(err) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewBookmarkExistsError(thread.String()))
			return
		}
		handleServiceError(w, h.logger, err)
		return
	}

	// 追加したブックマークをすぐに取得させる
	h.watcher.Restart()

	writeJSON(w, http.StatusCreated, h.toBookmarkResponse(b))
}

// ToggleWatch はスレッドの監視フラグを切り替える。
// POST /api/bookmarks/{site}/{board}/{thread}/watch
func (h *BookmarkHandler) ToggleWatch(w http.ResponseWriter, r *http.Request) {
	thread, apiErr := threadFromPath(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	if !h.sites.Has(thread.SiteName) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSiteError(thread.SiteName))
		return
	}

	var req toggleWatchRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	b, err := h.store.ToggleWatch(r.Context(), thread, req.Title)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := toggleWatchResponse{}
	if b != nil {
		br := h.toBookmarkResponse(b)
		resp.Bookmark = &br
		resp.Watching = b.IsWatching()
		if resp.Watching {
			h.watcher.Restart()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteBookmark はブックマークを削除する。
// 保存中のスレッドは保存を停止してから削除し、表示中の通知を取り消す。
// DELETE /api/bookmarks/{id}
func (h *BookmarkHandler) DeleteBookmark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, ok := h.store.Get(id)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBookmarkNotFoundError(id))
		return
	}

	if h.saver.State(b.Thread) == model.DownloadStateInProgress {
		if err := h.saver.Stop(r.Context(), b.Thread); err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
	}

	// 保存停止でフラグが空になった場合は既に削除されている
	if err := h.store.Delete(r.Context(), id); err != nil && !errors.Is(err, model.ErrBookmarkNotFound) {
		handleServiceError(w, h.logger, err)
		return
	}

	h.cancelNotification(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// MarkViewed は既読位置を更新し、表示中の通知を取り消す。
// POST /api/bookmarks/{id}/viewed
func (h *BookmarkHandler) MarkViewed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req markViewedRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.LastViewedPostNo < 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("last_viewed_post_no が負の値です"))
		return
	}

	b, err := h.store.MarkViewed(r.Context(), id, req.LastViewedPostNo)
	if err != nil {
		if errors.Is(err, model.ErrBookmarkNotFound) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBookmarkNotFoundError(id))
			return
		}
		handleServiceError(w, h.logger, err)
		return
	}

	if b.QuotesToMeCount == 0 {
		h.cancelNotification(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, h.toBookmarkResponse(b))
}

// Export は全ブックマークをJSONファイルとして返す。
// GET /api/export
func (h *BookmarkHandler) Export(w http.ResponseWriter, r *http.Request) {
	filename := fmt.Sprintf("chanwatch-bookmarks-%s.json", time.Now().Format("20060102"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	if err := h.store.Export(w); err != nil {
		// ヘッダー送信後のためログのみ
		h.logger.Error("ブックマークのエクスポートに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Import はエクスポートしたJSONファイルからブックマークを追加する。
// 1件でも不正なエントリがあれば何も追加しない。
// POST /api/import
func (h *BookmarkHandler) Import(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxImportSize))
	if err != nil {
		h.logger.Warn("ブックマークのインポートに失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewImportFailedError(err.Error()))
		return
	}
	if result.Imported > 0 {
		h.watcher.Restart()
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *BookmarkHandler) cancelNotification(ctx context.Context, id string) {
	if err := h.notifier.Cancel(ctx, id); err != nil {
		h.logger.Warn("通知の取り消しに失敗しました",
			slog.String("bookmark_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// toBookmarkResponse はmodel.BookmarkからAPIレスポンスに変換する。
func (h *BookmarkHandler) toBookmarkResponse(b *model.Bookmark) bookmarkResponse {
	return toBookmarkResponse(b, h.saver.State(b.Thread))
}

func toBookmarkResponse(b *model.Bookmark, state model.DownloadState) bookmarkResponse {
	return bookmarkResponse{
		ID:               b.ID,
		Thread:           b.Thread.String(),
		Site:             b.Thread.SiteName,
		Board:            b.Thread.BoardCode,
		ThreadNo:         b.Thread.ThreadNo,
		Title:            b.Title,
		Watch:            b.IsWatching(),
		Download:         b.IsDownloading(),
		DownloadState:    state,
		LastSeenPostNo:   b.LastSeenPostNo,
		LastViewedPostNo: b.LastViewedPostNo,
		UnseenCount:      b.UnseenCount,
		QuotesToMeCount:  b.QuotesToMeCount,
		TotalPosts:       b.TotalPosts,
		Archived:         b.Archived,
		Closed:           b.Closed,
		BoardPage:        b.BoardPage,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}
