package bookmark

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/chanwatch/internal/model"
)

// EventType はブックマークイベントの種別。
type EventType string

const (
	EventBookmarkAdded   EventType = "bookmark_added"
	EventBookmarkChanged EventType = "bookmark_changed"
	EventBookmarkRemoved EventType = "bookmark_removed"
	EventNewPosts        EventType = "new_posts"
)

// Event はUI層へ配信するブックマークの変更通知。
type Event struct {
	Type         EventType
	BookmarkID   string
	Thread       model.ThreadDescriptor
	Bookmark     *model.Bookmark // removed の場合はnil
	NewCount     int             // new_posts のみ
	QuotingPosts []int64         // new_posts のみ
}

// DefaultSubscriberBuffer は購読チャネルのデフォルトのバッファサイズ。
const DefaultSubscriberBuffer = 64

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// Subscribe はイベントを購読する。
// イベントは変更の順に配信される。受信が追いつかずバッファが埋まった場合、
// そのイベントはその購読者に対してのみ破棄される。
// 返された cancel を呼ぶとチャネルが閉じられる。複数回呼んでもよい。
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// publishLocked はs.muを保持した状態でイベントを全購読者へ送る。
// 送信はブロックしない。
func (s *Store) publishLocked(ev Event) {
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.metrics.RecordEventDropped(string(ev.Type))
			s.logger.Warn("購読者の受信が追いつかないためイベントを破棄しました",
				slog.String("type", string(ev.Type)),
				slog.String("bookmark_id", ev.BookmarkID),
			)
		}
	}
}
