package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, bookmark, thread, loader, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidThread    = "INVALID_THREAD"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeBookmarkNotFound = "BOOKMARK_NOT_FOUND"
	ErrCodeBookmarkExists   = "BOOKMARK_EXISTS"
	ErrCodeIllegalState     = "ILLEGAL_STATE"
	ErrCodeThreadNotFound   = "THREAD_NOT_FOUND"
	ErrCodeUnknownSite      = "UNKNOWN_SITE"
	ErrCodeFetchFailed      = "FETCH_FAILED"
	ErrCodeParseFailed      = "PARSE_FAILED"
	ErrCodeSSRFBlocked      = "SSRF_BLOCKED"
	ErrCodeImportFailed     = "IMPORT_FAILED"
)

// NewInvalidThreadError は無効なスレッド識別子エラーを生成する。
func NewInvalidThreadError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidThread,
		Message:  fmt.Sprintf("無効なスレッド指定です: %s", reason),
		Category: "validation",
		Action:   "サイト名・板コード・スレッド番号を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストの形式が不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewBookmarkNotFoundError はブックマーク未検出エラーを生成する。
func NewBookmarkNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeBookmarkNotFound,
		Message:  fmt.Sprintf("指定されたブックマークが見つかりません: %s", id),
		Category: "bookmark",
		Action:   "ブックマーク一覧を再読み込みしてください。",
	}
}

// NewBookmarkExistsError は既存スレッドへのブックマーク重複作成エラーを生成する。
func NewBookmarkExistsError(thread string) *APIError {
	return &APIError{
		Code:     ErrCodeBookmarkExists,
		Message:  fmt.Sprintf("このスレッドは既にブックマークされています: %s", thread),
		Category: "bookmark",
		Action:   "ブックマーク一覧から該当スレッドを確認してください。",
	}
}

// NewIllegalStateAPIError は状態遷移違反エラーを生成する。
func NewIllegalStateAPIError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeIllegalState,
		Message:  reason,
		Category: "thread",
		Action:   "現在の状態を再取得してから操作し直してください。",
	}
}

// NewThreadNotFoundError はスレッド消失エラーを生成する。
func NewThreadNotFoundError(thread string) *APIError {
	return &APIError{
		Code:     ErrCodeThreadNotFound,
		Message:  fmt.Sprintf("スレッドが見つかりません（削除またはアーカイブ済み）: %s", thread),
		Category: "thread",
		Action:   "スレッドが存在するか確認してください。",
	}
}

// NewUnknownSiteError は未登録サイトエラーを生成する。
func NewUnknownSiteError(site string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownSite,
		Message:  fmt.Sprintf("未登録のサイトです: %s", site),
		Category: "validation",
		Action:   "設定 SITES に登録されたサイト名を指定してください。",
	}
}

// NewFetchFailedError は取得失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("スレッドの取得に失敗しました: %s", reason),
		Category: "thread",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "スレッドの解析に失敗しました。",
		Category: "thread",
		Action:   "サイトの形式設定を確認してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを指定してください。",
	}
}

// NewImportFailedError はインポート失敗エラーを生成する。
func NewImportFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeImportFailed,
		Message:  fmt.Sprintf("ブックマークのインポートに失敗しました: %s", reason),
		Category: "bookmark",
		Action:   "エクスポートしたJSONファイルを指定してください。",
	}
}

// --- ドメインエラー ---

// ErrThreadNotFound はサイト上でスレッドが存在しない（404）ことを表す。
var ErrThreadNotFound = errors.New("スレッドが存在しません")

// ErrBookmarkNotFound はブックマークが存在しないことを表す。
var ErrBookmarkNotFound = errors.New("ブックマークが存在しません")

// NetworkError は一時的な通信エラーを表す。
// 次回の監視サイクルで再試行され、致命的エラーとしては扱わない。
type NetworkError struct {
	Op         string
	StatusCode int // HTTPステータス（トランスポートエラーの場合は0）
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("通信エラー（%s, status=%d）: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("通信エラー（%s）: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ParseError はスレッドデータの形式不正を表す。
// 該当ブックマークについてのみ一時的な失敗として扱う。
type ParseError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *ParseError) Error() string {
	return fmt.Sprintf("解析エラー（%s）: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *ParseError) Unwrap() error {
	return e.Err
}

// IllegalStateError は不変条件違反を表す。
// 呼び出し元へ同期的に返し、再試行しない。
type IllegalStateError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *IllegalStateError) Error() string {
	return "不正な状態遷移: " + e.Reason
}

// NewIllegalStateError はIllegalStateErrorを生成する。
func NewIllegalStateError(format string, args ...any) *IllegalStateError {
	return &IllegalStateError{Reason: fmt.Sprintf(format, args...)}
}

// IsTransient は次回サイクルで回復し得るエラー（通信・解析エラー）かを返す。
func IsTransient(err error) bool {
	var netErr *NetworkError
	var parseErr *ParseError
	return errors.As(err, &netErr) || errors.As(err, &parseErr)
}

// IsIllegalState はIllegalStateErrorかを返す。
func IsIllegalState(err error) bool {
	var stateErr *IllegalStateError
	return errors.As(err, &stateErr)
}
