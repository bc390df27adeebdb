package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/hitoshi/chanwatch/internal/loader"
	"github.com/hitoshi/chanwatch/internal/middleware"
	"github.com/hitoshi/chanwatch/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをデコードする。失敗時は400を書き込み false を返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}

// threadFromPath はURLパスの {site}/{board}/{thread} からスレッド識別子を組み立てる。
func threadFromPath(r *http.Request) (model.ThreadDescriptor, *model.APIError) {
	no, err := strconv.ParseInt(chi.URLParam(r, "thread"), 10, 64)
	if err != nil {
		return model.ThreadDescriptor{}, model.NewInvalidThreadError("スレッド番号が数値ではありません")
	}
	thread := model.NewThreadDescriptor(chi.URLParam(r, "site"), chi.URLParam(r, "board"), no)
	if !thread.IsValid() {
		return model.ThreadDescriptor{}, model.NewInvalidThreadError(thread.String())
	}
	return thread, nil
}

// postFromPath はURLパスの {site}/{board}/{thread}/{post} から投稿識別子を組み立てる。
func postFromPath(r *http.Request) (model.PostDescriptor, *model.APIError) {
	thread, apiErr := threadFromPath(r)
	if apiErr != nil {
		return model.PostDescriptor{}, apiErr
	}
	no, err := strconv.ParseInt(chi.URLParam(r, "post"), 10, 64)
	if err != nil || no <= 0 {
		return model.PostDescriptor{}, model.NewInvalidRequestError("投稿番号が不正です")
	}
	return model.NewPostDescriptor(thread, no), nil
}

// handleServiceError はドメイン層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var stateErr *model.IllegalStateError
	var netErr *model.NetworkError
	var parseErr *model.ParseError
	switch {
	case errors.As(err, &stateErr):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewIllegalStateAPIError(stateErr.Error()))
	case errors.Is(err, model.ErrBookmarkNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBookmarkNotFoundError(""))
	case errors.Is(err, model.ErrThreadNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewThreadNotFoundError(""))
	case errors.As(err, &netErr):
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewFetchFailedError(netErr.Op))
	case errors.As(err, &parseErr):
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewParseFailedError())
	case errors.Is(err, loader.ErrShutdown):
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     "SHUTTING_DOWN",
			Message:  "サーバーは停止処理中です。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
	default:
		// 分類できないエラーは内部サーバーエラーとして扱う
		logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidThread, model.ErrCodeInvalidRequest, model.ErrCodeUnknownSite, model.ErrCodeImportFailed:
		return http.StatusBadRequest
	case model.ErrCodeBookmarkNotFound, model.ErrCodeThreadNotFound:
		return http.StatusNotFound
	case model.ErrCodeBookmarkExists, model.ErrCodeIllegalState:
		return http.StatusConflict
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
