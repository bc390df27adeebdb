package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chanwatch/internal/middleware"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
	"github.com/hitoshi/chanwatch/internal/threadsave"
)

// ThreadSaver はスレッド保存の状態遷移のインターフェース。
// *threadsave.Manager が実装する。
type ThreadSaver interface {
	State(thread model.ThreadDescriptor) model.DownloadState
	Record(thread model.ThreadDescriptor) *model.SavedThread
	ToggleSave(ctx context.Context, thread model.ThreadDescriptor, title string, posts []model.Post) (model.DownloadState, error)
	Resume(ctx context.Context, thread model.ThreadDescriptor, posts []model.Post) error
	Stop(ctx context.Context, thread model.ThreadDescriptor) error
	Delete(ctx context.Context, thread model.ThreadDescriptor) error
	SavedPosts(ctx context.Context, thread model.ThreadDescriptor) ([]model.Post, error)
}

var _ ThreadSaver = (*threadsave.Manager)(nil)

// ThreadFetcher はスレッド取得のインターフェース。site.Fetcher のサブセット。
type ThreadFetcher interface {
	FetchThread(ctx context.Context, thread model.ThreadDescriptor) (*model.ThreadPayload, error)
}

// ReplyAdder は自分の投稿を登録するインターフェース。repository.SavedReplyRepository のサブセット。
type ReplyAdder interface {
	Add(ctx context.Context, reply *model.SavedReply) error
}

var _ ReplyAdder = (repository.SavedReplyRepository)(nil)

// ThreadHandler はスレッド保存と自分の投稿登録のHTTPハンドラー。
type ThreadHandler struct {
	saver   ThreadSaver
	fetcher ThreadFetcher
	sites   SiteChecker
	replies ReplyAdder
	logger  *slog.Logger
}

// NewThreadHandler はThreadHandlerを生成する。
func NewThreadHandler(saver ThreadSaver, fetcher ThreadFetcher, sites SiteChecker, replies ReplyAdder, logger *slog.Logger) *ThreadHandler {
	return &ThreadHandler{
		saver:   saver,
		fetcher: fetcher,
		sites:   sites,
		replies: replies,
		logger:  logger,
	}
}

// downloadStateResponse はスレッドの保存状態のレスポンス。
type downloadStateResponse struct {
	Thread          string              `json:"thread"`
	State           model.DownloadState `json:"state"`
	SavedPostCount  int                 `json:"saved_post_count"`
	LastSavedPostNo int64               `json:"last_saved_post_no"`
	UpdatedAt       *time.Time          `json:"updated_at,omitempty"`
}

// postResponse は保存済み投稿のレスポンス。
type postResponse struct {
	No        int64          `json:"no"`
	Name      string         `json:"name"`
	Subject   string         `json:"subject,omitempty"`
	Comment   string         `json:"comment"`
	Quotes    []int64        `json:"quotes,omitempty"`
	Files     []fileResponse `json:"files,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type fileResponse struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
}

// addReplyRequest は自分の投稿登録リクエストのボディ。
type addReplyRequest struct {
	Site     string `json:"site"`
	Board    string `json:"board"`
	ThreadNo int64  `json:"thread_no"`
	PostNo   int64  `json:"post_no"`
}

// ToggleSave はスレッドの保存を切り替える。
// 保存中なら停止し、そうでなければスレッドを取得して保存を開始する。
// POST /api/threads/{site}/{board}/{thread}/save
func (h *ThreadHandler) ToggleSave(w http.ResponseWriter, r *http.Request) {
	thread, ok := h.thread(w, r)
	if !ok {
		return
	}

	var title string
	var posts []model.Post
	if h.saver.State(thread) != model.DownloadStateInProgress {
		payload, err := h.fetcher.FetchThread(r.Context(), thread)
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		title, posts = payload.Title, payload.Posts
	}

	if _, err := h.saver.ToggleSave(r.Context(), thread, title, posts); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse(thread))
}

// Resume は停止中の保存を再開する。停止後に増えた投稿も取得し直す。
// POST /api/threads/{site}/{board}/{thread}/resume
func (h *ThreadHandler) Resume(w http.ResponseWriter, r *http.Request) {
	thread, ok := h.thread(w, r)
	if !ok {
		return
	}
	if state := h.saver.State(thread); state != model.DownloadStateStopped {
		middleware.WriteErrorResponse(w, http.StatusConflict,
			model.NewIllegalStateAPIError("停止中でないスレッドは再開できません: "+string(state)))
		return
	}

	payload, err := h.fetcher.FetchThread(r.Context(), thread)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if err := h.saver.Resume(r.Context(), thread, payload.Posts); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse(thread))
}

// Stop は保存中のスレッドを停止する。
// POST /api/threads/{site}/{board}/{thread}/stop
func (h *ThreadHandler) Stop(w http.ResponseWriter, r *http.Request) {
	thread, ok := h.thread(w, r)
	if !ok {
		return
	}
	if err := h.saver.Stop(r.Context(), thread); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse(thread))
}

// DownloadState はスレッドの保存状態を返す。
// GET /api/threads/{site}/{board}/{thread}/download-state
func (h *ThreadHandler) DownloadState(w http.ResponseWriter, r *http.Request) {
	thread, ok := h.thread(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse(thread))
}

// SavedPosts はローカルに保存された投稿を返す。
// GET /api/threads/{site}/{board}/{thread}/posts
func (h *ThreadHandler) SavedPosts(w http.ResponseWriter, r *http.Request) {
	thread, ok := h.thread(w, r)
	if !ok {
		return
	}
	if h.saver.Record(thread) == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewThreadNotFoundError(thread.String()))
		return
	}

	posts, err := h.saver.SavedPosts(r.Context(), thread)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	resp := make([]postResponse, len(posts))
	for i, p := range posts {
		resp[i] = toPostResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteSaved は保存状態と保存済みの投稿を削除する。
// DELETE /api/threads/{site}/{board}/{thread}/save
func (h *ThreadHandler) DeleteSaved(w http.ResponseWriter, r *http.Request) {
	thread, ok := h.thread(w, r)
	if !ok {
		return
	}
	if err := h.saver.Delete(r.Context(), thread); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddReply はユーザー自身の投稿を登録する。以降、その投稿への返信が通知対象になる。
// POST /api/replies
func (h *ThreadHandler) AddReply(w http.ResponseWriter, r *http.Request) {
	var req addReplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	thread := model.NewThreadDescriptor(req.Site, req.Board, req.ThreadNo)
	if !thread.IsValid() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidThreadError(thread.String()))
		return
	}
	if req.PostNo <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("post_no が不正です"))
		return
	}

	reply := &model.SavedReply{Thread: thread, PostNo: req.PostNo, CreatedAt: time.Now()}
	if err := h.replies.Add(r.Context(), reply); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// thread はパスからスレッドを取り出し、未登録サイトを弾く。
func (h *ThreadHandler) thread(w http.ResponseWriter, r *http.Request) (model.ThreadDescriptor, bool) {
	thread, apiErr := threadFromPath(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return thread, false
	}
	if !h.sites.Has(thread.SiteName) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSiteError(thread.SiteName))
		return thread, false
	}
	return thread, true
}

func (h *ThreadHandler) stateResponse(thread model.ThreadDescriptor) downloadStateResponse {
	resp := downloadStateResponse{
		Thread: thread.String(),
		State:  model.DownloadStateNotDownloading,
	}
	if rec := h.saver.Record(thread); rec != nil {
		resp.State = rec.State()
		resp.SavedPostCount = rec.SavedPostCount
		resp.LastSavedPostNo = rec.LastSavedPostNo
		updated := rec.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func toPostResponse(p model.Post) postResponse {
	resp := postResponse{
		No:        p.No,
		Name:      p.Name,
		Subject:   p.Subject,
		Comment:   p.Comment,
		Quotes:    p.Quotes,
		CreatedAt: p.CreatedAt,
	}
	for _, f := range p.Files {
		resp.Files = append(resp.Files, fileResponse{
			URL:          f.URL,
			ThumbnailURL: f.ThumbnailURL,
			Name:         f.Name,
			Size:         f.Size,
		})
	}
	return resp
}
