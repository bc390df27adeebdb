package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chanwatch/internal/middleware"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/watcher"
)

// WatcherController は監視コーディネーターのインターフェース。
// *watcher.Coordinator が実装する。
type WatcherController interface {
	OnVisibilityChanged(foreground bool)
	Restart()
	State() watcher.State
	TimeUntilNextRefresh() (time.Duration, bool)
}

var _ WatcherController = (*watcher.Coordinator)(nil)

// ErrorReporter は直近の監視で失敗したブックマークを返すインターフェース。
// *watcher.Delegate が実装する。
type ErrorReporter interface {
	LastErrors() map[string]error
}

// HealthChecker はヘルスチェック対象（DB接続）のインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// WatcherHandler は監視状態とクライアントの表示状態を扱うHTTPハンドラー。
type WatcherHandler struct {
	watcher WatcherController
	errors  ErrorReporter
	logger  *slog.Logger
}

// NewWatcherHandler はWatcherHandlerを生成する。
func NewWatcherHandler(w WatcherController, errors ErrorReporter, logger *slog.Logger) *WatcherHandler {
	return &WatcherHandler{watcher: w, errors: errors, logger: logger}
}

// visibilityRequest はクライアントの表示状態の通知。
type visibilityRequest struct {
	Foreground *bool `json:"foreground"`
}

// watcherResponse は監視状態のレスポンス。
type watcherResponse struct {
	State watcher.State `json:"state"`
	// NextRefreshSeconds は次回の自動更新までの秒数。予定がない場合は null。
	NextRefreshSeconds *float64          `json:"next_refresh_seconds"`
	Errors             map[string]string `json:"errors"`
}

// SetVisibility はクライアントの表示状態を受け取り、監視モードを切り替える。
// POST /api/visibility
func (h *WatcherHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Foreground == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("foreground が指定されていません"))
		return
	}

	h.watcher.OnVisibilityChanged(*req.Foreground)
	writeJSON(w, http.StatusOK, h.response())
}

// GetWatcher は監視状態と次回更新までの時間を返す。
// GET /api/watcher
func (h *WatcherHandler) GetWatcher(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.response())
}

func (h *WatcherHandler) response() watcherResponse {
	resp := watcherResponse{
		State:  h.watcher.State(),
		Errors: map[string]string{},
	}
	if d, ok := h.watcher.TimeUntilNextRefresh(); ok {
		secs := d.Seconds()
		resp.NextRefreshSeconds = &secs
	}
	for id, err := range h.errors.LastErrors() {
		resp.Errors[id] = err.Error()
	}
	return resp
}

// healthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if checker != nil {
			if err := checker.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
