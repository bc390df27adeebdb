package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/site"
)

// threadTTL は取得したスレッドを投稿の解決に再利用する期間。
const threadTTL = 30 * time.Second

// fetchTimeout は共有するスレッド取得1回の上限時間。
const fetchTimeout = 30 * time.Second

type cachedThread struct {
	payload   *model.ThreadPayload
	fetchedAt time.Time
}

// FetcherResolver はサイトからスレッドを取得して投稿を解決するPostResolver。
// 表示中の投稿は同じスレッドに集中するため、取得したスレッドを短時間再利用し、
// 同時の取得は1回にまとめる。
type FetcherResolver struct {
	fetcher site.Fetcher
	group   singleflight.Group
	now     func() time.Time

	mu      sync.Mutex
	threads map[model.ThreadDescriptor]cachedThread
}

var _ PostResolver = (*FetcherResolver)(nil)

// NewFetcherResolver はFetcherResolverを生成する。
func NewFetcherResolver(fetcher site.Fetcher) *FetcherResolver {
	return &FetcherResolver{
		fetcher: fetcher,
		now:     time.Now,
		threads: make(map[model.ThreadDescriptor]cachedThread),
	}
}

// ResolvePost は投稿を返す。スレッドに投稿が見つからない場合はエラーを返す。
func (r *FetcherResolver) ResolvePost(ctx context.Context, post model.PostDescriptor) (*model.Post, error) {
	payload, err := r.thread(ctx, post.Thread)
	if err != nil {
		return nil, err
	}
	for i := range payload.Posts {
		if payload.Posts[i].No == post.PostNo {
			p := payload.Posts[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("投稿 %s が見つかりません", post)
}

func (r *FetcherResolver) thread(ctx context.Context, thread model.ThreadDescriptor) (*model.ThreadPayload, error) {
	r.mu.Lock()
	c, ok := r.threads[thread]
	r.mu.Unlock()
	if ok && r.now().Sub(c.fetchedAt) < threadTTL {
		return c.payload, nil
	}

	// 取得は待機中の全投稿で共有するため、呼び出し元のキャンセルから切り離す。
	// キャンセルされた呼び出し元は待機だけをやめる。
	ch := r.group.DoChan(thread.String(), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		payload, err := r.fetcher.FetchThread(fetchCtx, thread)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.threads[thread] = cachedThread{payload: payload, fetchedAt: r.now()}
		for k, c := range r.threads {
			if r.now().Sub(c.fetchedAt) >= threadTTL {
				delete(r.threads, k)
			}
		}
		r.mu.Unlock()
		return payload, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.ThreadPayload), nil
	}
}
