package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/chanwatch/internal/bookmark"
	"github.com/hitoshi/chanwatch/internal/middleware"
	"github.com/hitoshi/chanwatch/internal/model"
)

// defaultHeartbeatInterval はSSE接続を維持するコメント送信の間隔。
const defaultHeartbeatInterval = 25 * time.Second

// EventsHandler はブックマークの変更をServer-Sent Eventsで配信するHTTPハンドラー。
type EventsHandler struct {
	store     BookmarkStore
	saver     ThreadSaver
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(store BookmarkStore, saver ThreadSaver, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		store:     store,
		saver:     saver,
		logger:    logger,
		heartbeat: defaultHeartbeatInterval,
	}
}

// eventResponse はSSEで送るイベントのデータ部。
type eventResponse struct {
	Type         bookmark.EventType `json:"type"`
	BookmarkID   string             `json:"bookmark_id"`
	Thread       string             `json:"thread"`
	Bookmark     *bookmarkResponse  `json:"bookmark,omitempty"`
	NewCount     int                `json:"new_count,omitempty"`
	QuotingPosts []int64            `json:"quoting_posts,omitempty"`
}

// Stream はブックマークイベントをクライアントが切断するまで配信する。
// 受信が追いつかないクライアントにはイベントが欠落し得るため、
// クライアントは欠落に備えて一覧を再取得できる必要がある。
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	// サーバーのWriteTimeoutで長時間接続が切られないようにする
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("SSEの書き込み期限を解除できませんでした", slog.String("error", err.Error()))
	}

	events, cancel := h.store.Subscribe(bookmark.DefaultSubscriberBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeEvent(w, ev); err != nil {
				h.logger.Debug("SSEの送信を終了します", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) writeEvent(w http.ResponseWriter, ev bookmark.Event) error {
	resp := eventResponse{
		Type:         ev.Type,
		BookmarkID:   ev.BookmarkID,
		Thread:       ev.Thread.String(),
		NewCount:     ev.NewCount,
		QuotingPosts: ev.QuotingPosts,
	}
	if ev.Bookmark != nil {
		state := model.DownloadStateNotDownloading
		if h.saver != nil {
			state = h.saver.State(ev.Thread)
		}
		br := toBookmarkResponse(ev.Bookmark, state)
		resp.Bookmark = &br
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
