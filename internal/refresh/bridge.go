package refresh

import (
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/refreshtree/internal/event"
	"github.com/ChuLiYu/refreshtree/internal/metrics"
	"github.com/ChuLiYu/refreshtree/pkg/types"
)

// MessageSink 接收進度訊息的任務日誌
type MessageSink interface {
	AppendMessage(types.JobHandle, string) bool
}

// Bridge 把 "item indexed" 事件轉成 owner 任務的訊息
type Bridge struct {
	bus     EventBus
	sink    MessageSink
	metrics *metrics.Collector
}

// Subscription 一次 Attach 的結果，交給 Detach 釋放
type Subscription struct {
	token    event.Token
	owner    types.JobHandle
	scope    event.Scope
	once     sync.Once
	detached atomic.Bool
}

// Owner 回傳接收進度的任務
func (s *Subscription) Owner() types.JobHandle { return s.owner }

// Detached 回報是否已經 Detach
func (s *Subscription) Detached() bool { return s.detached.Load() }

// NewBridge 建立 Bridge；m 可以為 nil
func NewBridge(bus EventBus, sink MessageSink, m *metrics.Collector) *Bridge {
	return &Bridge{bus: bus, sink: sink, metrics: m}
}

// Attach 在 event.TopicItemIndexed 上訂閱，把每個項目路徑追加到 owner 的日誌
// owner 為空時通知全部丟棄
func (b *Bridge) Attach(owner types.JobHandle) *Subscription {
	return b.AttachScoped(owner, "")
}

// AttachScoped 同 Attach，但忽略帶有其他 scope 的通知
// 沒有 scope 參數的通知仍會送達
func (b *Bridge) AttachScoped(owner types.JobHandle, scope event.Scope) *Subscription {
	sub := &Subscription{owner: owner, scope: scope}
	sub.token = b.bus.Subscribe(event.TopicItemIndexed, func(n types.ProgressNotification) {
		if sub.detached.Load() || !sub.accepts(n) {
			return
		}
		b.metrics.RecordProgress(b.deliver(owner, n))
	})
	return sub
}

// accepts 回報通知是否屬於這次訂閱
func (s *Subscription) accepts(n types.ProgressNotification) bool {
	if s.scope == "" {
		return true
	}
	ns := event.NotificationScope(n)
	return ns == "" || ns == s.scope
}

// Detach 取消訂閱；只有第一次呼叫生效，nil 也可以
func (b *Bridge) Detach(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		sub.detached.Store(true)
		b.bus.Unsubscribe(sub.token)
	})
}

// deliver 回報通知是否被追加
func (b *Bridge) deliver(owner types.JobHandle, n types.ProgressNotification) bool {
	params := event.ExtractParameters(n)
	if len(params) < 3 {
		return false
	}
	path, ok := params[2].(string)
	if !ok || path == "" {
		return false
	}
	if owner == "" {
		return false
	}
	return b.sink.AppendMessage(owner, path)
}
