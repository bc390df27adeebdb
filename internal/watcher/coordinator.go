package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State は監視コーディネーターの状態。
type State string

const (
	StateIdle       State = "idle"
	StateForeground State = "foreground"
	StateBackground State = "background"
	StateStopped    State = "stopped"
)

// CoordinatorOptions はCoordinatorの動作設定。
type CoordinatorOptions struct {
	// Enabled が false の場合、監視を一切行わず Idle のままとなる。
	Enabled bool
	// Background が false の場合、バックグラウンド状態では何もスケジュールしない。
	Background bool
}

// Coordinator はクライアントの表示状態に応じてフォアグラウンド監視と
// バックグラウンド監視を切り替える。
//
// 切り替えは前のモードのコンテキストをキャンセルし、そのゴルーチンの終了を待ってから
// 次のモードを開始する。切り替え前に完了したブックマークの結果はそのまま残る。
type Coordinator struct {
	fg     *ForegroundWatcher
	bg     *BackgroundWatcher
	opts   CoordinatorOptions
	logger *slog.Logger

	// switchMu は状態遷移を直列化する。mu より先に取得する。
	switchMu sync.Mutex
	base     context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu    sync.Mutex
	state State
}

// NewCoordinator はCoordinatorを生成する。
func NewCoordinator(fg *ForegroundWatcher, bg *BackgroundWatcher, opts CoordinatorOptions, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		fg:     fg,
		bg:     bg,
		opts:   opts,
		logger: logger,
		state:  StateIdle,
	}
}

// Start は監視のベースコンテキストを設定する。
// ctx がキャンセルされると実行中のモードも停止する。
// 実際の監視は OnVisibilityChanged で開始する。
func (c *Coordinator) Start(ctx context.Context) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	c.base = ctx
}

// OnVisibilityChanged はクライアントの表示状態の変化を通知する。
// foreground が true ならフォアグラウンド監視へ、false ならバックグラウンド監視へ切り替える。
// 戻った時点で前のモードのポーリングは終了している。
func (c *Coordinator) OnVisibilityChanged(foreground bool) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	cur := c.State()
	if cur == StateStopped || !c.opts.Enabled || c.base == nil {
		return
	}
	next := StateBackground
	if foreground {
		next = StateForeground
	}
	if cur == next {
		return
	}

	c.stopModeLocked()
	switch {
	case next == StateForeground:
		c.startModeLocked(c.fg.Run)
	case c.opts.Background:
		c.startModeLocked(c.bg.Run)
	}
	c.setState(next)

	c.logger.Info("監視モードを切り替えました",
		slog.String("from", string(cur)),
		slog.String("to", string(next)),
	)
}

// Restart はフォアグラウンド監視中であれば次のサイクルを前倒しする。
// ブックマークの追加時などに呼ぶ。
func (c *Coordinator) Restart() {
	if c.State() == StateForeground {
		c.fg.Restart()
	}
}

// State は現在の状態を返す。
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TimeUntilNextRefresh は次の自動更新までの時間を返す。
// 自動更新が予定されていない場合は false を返す。
func (c *Coordinator) TimeUntilNextRefresh() (time.Duration, bool) {
	var next time.Time
	switch c.State() {
	case StateForeground:
		next = c.fg.NextRun()
	case StateBackground:
		if !c.opts.Background {
			return 0, false
		}
		next = c.bg.NextRun()
	default:
		return 0, false
	}
	if next.IsZero() {
		return 0, false
	}
	return max(time.Until(next), 0), true
}

// Stop は監視を終了する。以降の表示状態の変化は無視される。
func (c *Coordinator) Stop() {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if c.State() == StateStopped {
		return
	}
	c.stopModeLocked()
	c.setState(StateStopped)
	c.logger.Info("監視を停止しました")
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// startModeLocked はswitchMuを保持した状態でモードのゴルーチンを起動する。
func (c *Coordinator) startModeLocked(run func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(c.base)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go func() {
		defer close(done)
		run(ctx)
	}()
}

// stopModeLocked はswitchMuを保持した状態で実行中のモードを停止し、終了を待つ。
func (c *Coordinator) stopModeLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}
