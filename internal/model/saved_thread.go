package model

import "time"

// DownloadState はスレッド保存の状態を表す。
type DownloadState string

const (
	// DownloadStateNotDownloading は保存対象でない状態。
	DownloadStateNotDownloading DownloadState = "not_downloading"
	// DownloadStateInProgress は保存中の状態。
	DownloadStateInProgress DownloadState = "download_in_progress"
	// DownloadStateFullyDownloaded は保存完了の状態（終端）。
	DownloadStateFullyDownloaded DownloadState = "fully_downloaded"
	// DownloadStateStopped は保存が停止された状態。
	DownloadStateStopped DownloadState = "stopped"
)

// SavedThread は保存中スレッドの状態レコード。
// IsFullyDownloaded が true の場合は IsStopped も true でなければならない。
type SavedThread struct {
	Thread            ThreadDescriptor
	IsStopped         bool
	IsFullyDownloaded bool
	SavedPostCount    int
	LastSavedPostNo   int64
	UpdatedAt         time.Time
}

// State はレコードから保存状態を導出する。
func (s *SavedThread) State() DownloadState {
	switch {
	case s == nil:
		return DownloadStateNotDownloading
	case s.IsFullyDownloaded:
		return DownloadStateFullyDownloaded
	case s.IsStopped:
		return DownloadStateStopped
	default:
		return DownloadStateInProgress
	}
}

// SavedReply はユーザー自身の投稿を表す。
// 自分宛ての返信（引用）検出に使用する。
type SavedReply struct {
	Thread    ThreadDescriptor
	PostNo    int64
	CreatedAt time.Time
}
