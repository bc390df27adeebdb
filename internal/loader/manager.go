// Package loader は表示中の投稿に対するオンデマンドの追加読み込みを提供する。
//
// Manager は投稿ごとに登録済みのローダー（事前ダウンロード、リンク先情報、
// インラインファイル情報）を上限付きの並列数で実行し、同じ投稿への重複した
// 読み込み要求を1つにまとめる。
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/model"
)

// ErrShutdown は停止後の読み込み要求に返すエラー。
var ErrShutdown = errors.New("ローダーは停止しています")

// DefaultMaxConcurrent はローダーの最大並列数のデフォルト値。
const DefaultMaxConcurrent = 4

// maxRecentResults は保持する完了済み結果の上限。
const maxRecentResults = 512

// Loader は1種類の投稿読み込み処理のインターフェース。
type Loader interface {
	Kind() model.LoaderKind
	// Load は投稿に対して読み込みを行い、ローダー固有の結果を返す。
	// 一部のみ成功した場合も、成功分の結果とエラーの両方を返してよい。
	Load(ctx context.Context, post *model.Post) (map[string]string, error)
}

// PostResolver は投稿識別子から投稿本体を取得するインターフェース。
type PostResolver interface {
	ResolvePost(ctx context.Context, post model.PostDescriptor) (*model.Post, error)
}

// Pending は1投稿に対する実行中の読み込み。
type Pending struct {
	Post model.PostDescriptor

	ctx    context.Context
	cancel context.CancelFunc
	prev   *Pending
	done   chan struct{}

	mu      sync.Mutex
	results []model.LoaderResult
}

// Done は全ローダーの完了時に閉じられるチャネルを返す。
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait は全ローダーの完了を待ち、結果を返す。
func (p *Pending) Wait(ctx context.Context) (model.PostContent, error) {
	select {
	case <-p.done:
		return p.content(), nil
	case <-ctx.Done():
		return model.PostContent{}, ctx.Err()
	}
}

// Canceled はキャンセル済みかを返す。
func (p *Pending) Canceled() bool {
	return p.ctx.Err() != nil
}

func (p *Pending) content() model.PostContent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.PostContent{Post: p.Post, Results: append([]model.LoaderResult(nil), p.results...)}
}

// Manager はオンデマンドローダーの実行を管理する。
type Manager struct {
	loaders  []Loader
	resolver PostResolver
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	sem      chan struct{}

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[model.PostDescriptor]*Pending
	recent  map[model.PostDescriptor]model.PostContent
	order   []model.PostDescriptor
}

// NewManager はManagerを生成する。
// maxConcurrent が0以下の場合は DefaultMaxConcurrent を使用する。
func NewManager(resolver PostResolver, loaders []Loader, collector metrics.MetricsCollector, logger *slog.Logger, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		loaders:    loaders,
		resolver:   resolver,
		metrics:    collector,
		logger:     logger,
		sem:        make(chan struct{}, maxConcurrent),
		base:       base,
		baseCancel: cancel,
		pending:    make(map[model.PostDescriptor]*Pending),
		recent:     make(map[model.PostDescriptor]model.PostContent),
	}
}

// LoadContent は投稿に対して全ローダーの実行を予約する。
// 同じ投稿の読み込みが完了前であれば、新たに実行せず既存の Pending を返す。
// キャンセル済みの読み込みがまだ終わっていない場合、新しい読み込みはその終了後に始まる。
func (m *Manager) LoadContent(post model.PostDescriptor) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShutdown
	}
	prev, ok := m.pending[post]
	if ok && !prev.Canceled() {
		return prev, nil
	}

	ctx, cancel := context.WithCancel(m.base)
	p := &Pending{
		Post:    post,
		ctx:     ctx,
		cancel:  cancel,
		prev:    prev,
		done:    make(chan struct{}),
		results: make([]model.LoaderResult, len(m.loaders)),
	}
	m.pending[post] = p

	m.wg.Add(1)
	go m.run(p)
	return p, nil
}

// CancelLoad は投稿の未開始・実行中の読み込みをキャンセルする。
// 読み込みがない場合は何もしない。
// 既に副作用を確定させたローダー（キャッシュへの書き込みなど）は取り消さない。
func (m *Manager) CancelLoad(post model.PostDescriptor) {
	m.mu.Lock()
	p, ok := m.pending[post]
	m.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// Content は投稿の直近の読み込み結果を返す。
func (m *Manager) Content(post model.PostDescriptor) (model.PostContent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.recent[post]
	return c, ok
}

// Shutdown は全ての読み込みをキャンセルし、終了を待つ。
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()
	m.logger.Info("オンデマンドローダーを停止しました")
}

// run は1投稿の全ローダーを実行する。ローダー同士は独立して成否が決まる。
func (m *Manager) run(p *Pending) {
	defer m.wg.Done()
	defer m.finish(p)

	if p.prev != nil {
		<-p.prev.done
		// 終了した読み込みの連鎖を保持しない
		p.prev = nil
	}

	post, err := m.resolve(p)
	if err != nil {
		for i, l := range m.loaders {
			p.results[i] = m.record(p, l.Kind(), nil, err, 0)
		}
		return
	}

	var wg sync.WaitGroup
	for i, l := range m.loaders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := m.runLoader(p, l, post)
			p.mu.Lock()
			p.results[i] = r
			p.mu.Unlock()
		}()
	}
	wg.Wait()
}

func (m *Manager) resolve(p *Pending) (*model.Post, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	post, err := m.resolver.ResolvePost(p.ctx, p.Post)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗: %w", err)
	}
	return post, nil
}

// runLoader はプールの空きを待ってローダーを実行する。
// 開始前にキャンセルされた場合は実行しない。
func (m *Manager) runLoader(p *Pending, l Loader, post *model.Post) model.LoaderResult {
	select {
	case m.sem <- struct{}{}:
	case <-p.ctx.Done():
		return m.record(p, l.Kind(), nil, p.ctx.Err(), 0)
	}
	defer func() { <-m.sem }()

	if err := p.ctx.Err(); err != nil {
		return m.record(p, l.Kind(), nil, err, 0)
	}

	start := time.Now()
	data, err := l.Load(p.ctx, post)
	return m.record(p, l.Kind(), data, err, time.Since(start))
}

// record はローダーの結果を組み立て、メトリクスとログに記録する。
func (m *Manager) record(p *Pending, kind model.LoaderKind, data map[string]string, err error, d time.Duration) model.LoaderResult {
	r := model.LoaderResult{Kind: kind, Data: data, Duration: d}
	switch {
	case err == nil:
		r.Success = true
		m.metrics.RecordLoaderResult(string(kind), "success")
	case errors.Is(err, context.Canceled):
		r.Canceled = true
		r.Error = err.Error()
		m.metrics.RecordLoaderResult(string(kind), "canceled")
	default:
		r.Error = err.Error()
		m.metrics.RecordLoaderResult(string(kind), "failure")
		m.logger.Warn("ローダーの実行に失敗しました",
			slog.String("post", p.Post.String()),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
	return r
}

// finish は完了した読み込みを一覧から外し、結果を保持する。
func (m *Manager) finish(p *Pending) {
	content := p.content()

	m.mu.Lock()
	if cur, ok := m.pending[p.Post]; ok && cur == p {
		delete(m.pending, p.Post)
	}
	if !p.Canceled() {
		if _, ok := m.recent[p.Post]; !ok {
			m.order = append(m.order, p.Post)
		}
		m.recent[p.Post] = content
		for len(m.order) > maxRecentResults {
			delete(m.recent, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.mu.Unlock()

	p.cancel()
	close(p.done)
}
