package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chanwatch/internal/loader"
	"github.com/hitoshi/chanwatch/internal/middleware"
	"github.com/hitoshi/chanwatch/internal/model"
)

// maxLoadWait は読み込み完了を待つリクエストの最大待機時間。
const maxLoadWait = 30 * time.Second

// ContentLoader はオンデマンド読み込みのインターフェース。
// *loader.Manager が実装する。
type ContentLoader interface {
	LoadContent(post model.PostDescriptor) (*loader.Pending, error)
	CancelLoad(post model.PostDescriptor)
	Content(post model.PostDescriptor) (model.PostContent, bool)
}

var _ ContentLoader = (*loader.Manager)(nil)

// PostHandler は投稿ごとの追加コンテンツ読み込みのHTTPハンドラー。
type PostHandler struct {
	loader ContentLoader
	sites  SiteChecker
	logger *slog.Logger
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(l ContentLoader, sites SiteChecker, logger *slog.Logger) *PostHandler {
	return &PostHandler{loader: l, sites: sites, logger: logger}
}

// loaderResultResponse は1ローダーの結果のレスポンス。
type loaderResultResponse struct {
	Kind       model.LoaderKind  `json:"kind"`
	Success    bool              `json:"success"`
	Canceled   bool              `json:"canceled"`
	Error      string            `json:"error,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	DurationMs float64           `json:"duration_ms"`
}

// postContentResponse は投稿のコンテンツ読み込み結果のレスポンス。
type postContentResponse struct {
	Post    string                 `json:"post"`
	Status  string                 `json:"status"` // loading | done
	Results []loaderResultResponse `json:"results"`
}

// Load は投稿の追加コンテンツの読み込みを開始する。
// wait=true の場合は完了まで待って結果を返す。
// POST /api/posts/{site}/{board}/{thread}/{post}/load
func (h *PostHandler) Load(w http.ResponseWriter, r *http.Request) {
	post, ok := h.post(w, r)
	if !ok {
		return
	}

	pending, err := h.loader.LoadContent(post)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, postContentResponse{
			Post:    post.String(),
			Status:  "loading",
			Results: []loaderResultResponse{},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), maxLoadWait)
	defer cancel()
	content, err := pending.Wait(ctx)
	if err != nil {
		// 待機の打ち切りは読み込み自体を取り消さない
		writeJSON(w, http.StatusAccepted, postContentResponse{
			Post:    post.String(),
			Status:  "loading",
			Results: []loaderResultResponse{},
		})
		return
	}
	writeJSON(w, http.StatusOK, toPostContentResponse(content))
}

// CancelLoad は投稿の読み込みを取り消す。読み込み中でなければ何もしない。
// DELETE /api/posts/{site}/{board}/{thread}/{post}/load
func (h *PostHandler) CancelLoad(w http.ResponseWriter, r *http.Request) {
	post, ok := h.post(w, r)
	if !ok {
		return
	}
	h.loader.CancelLoad(post)
	w.WriteHeader(http.StatusNoContent)
}

// Content は完了した読み込みの結果を返す。
// GET /api/posts/{site}/{board}/{thread}/{post}/content
func (h *PostHandler) Content(w http.ResponseWriter, r *http.Request) {
	post, ok := h.post(w, r)
	if !ok {
		return
	}
	content, found := h.loader.Content(post)
	if !found {
		middleware.WriteErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "CONTENT_NOT_LOADED",
			Message:  "投稿のコンテンツは読み込まれていません。",
			Category: "loader",
			Action:   "先に読み込みを開始してください。",
		})
		return
	}
	writeJSON(w, http.StatusOK, toPostContentResponse(content))
}

func (h *PostHandler) post(w http.ResponseWriter, r *http.Request) (model.PostDescriptor, bool) {
	post, apiErr := postFromPath(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return post, false
	}
	if !h.sites.Has(post.Thread.SiteName) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSiteError(post.Thread.SiteName))
		return post, false
	}
	return post, true
}

func toPostContentResponse(content model.PostContent) postContentResponse {
	resp := postContentResponse{
		Post:    content.Post.String(),
		Status:  "done",
		Results: make([]loaderResultResponse, len(content.Results)),
	}
	for i, res := range content.Results {
		resp.Results[i] = loaderResultResponse{
			Kind:       res.Kind,
			Success:    res.Success,
			Canceled:   res.Canceled,
			Error:      res.Error,
			Data:       res.Data,
			DurationMs: float64(res.Duration.Microseconds()) / 1000,
		}
	}
	return resp
}
