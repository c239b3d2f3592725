// ============================================================================
// Refreshtree Event Bus - in-process publish/subscribe
// ============================================================================
//
// Package: internal/event
// File: bus.go
// Purpose: Carries "item indexed" progress notifications from index
// implementations to whoever is observing a refresh.
//
// Delivery Model:
//   - Publish runs handlers synchronously on the publisher's goroutine
//   - Handlers for one topic are called in subscription order
//   - Each subscription has its own RWMutex: delivery holds the read lock,
//     Unsubscribe takes the write lock and flips active=false. Once
//     Unsubscribe returns, the handler is never entered again and any
//     in-progress call has finished.
//
// Constraint:
//   A handler must not unsubscribe its own token from inside the handler
//   (it would wait on its own read lock).
//
// ============================================================================

package event

import (
	"sync"

	"github.com/ChuLiYu/refreshtree/pkg/types"
)

// TopicItemIndexed is published once per indexed item. Parameters are
// [indexID, itemID, itemPath] plus an optional Scope:
// [indexID, itemID, itemPath, scope].
const TopicItemIndexed = "indexing:updateditem"

// Handler receives a published notification.
type Handler func(n types.ProgressNotification)

// Token identifies one subscription.
type Token struct {
	topic string
	id    uint64
}

// Topic returns the topic the token is subscribed to.
func (t Token) Topic() string { return t.topic }

type subscription struct {
	mu      sync.RWMutex
	active  bool
	handler Handler
}

// Bus is a topic-keyed publish/subscribe channel. The zero value is not
// usable; create one with NewBus.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*subscription
	order  map[string][]uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[string]map[uint64]*subscription),
		order: make(map[string][]uint64),
	}
}

// Subscribe registers h on topic and returns the token needed to remove it.
func (b *Bus) Subscribe(topic string, h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscription)
	}
	b.subs[topic][id] = &subscription{active: true, handler: h}
	b.order[topic] = append(b.order[topic], id)

	return Token{topic: topic, id: id}
}

// Unsubscribe removes the subscription. It reports false when the token was
// unknown or already removed.
func (b *Bus) Unsubscribe(tok Token) bool {
	b.mu.Lock()
	sub, ok := b.subs[tok.topic][tok.id]
	if ok {
		delete(b.subs[tok.topic], tok.id)
		ids := b.order[tok.topic]
		for i, id := range ids {
			if id == tok.id {
				b.order[tok.topic] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(b.subs[tok.topic]) == 0 {
			delete(b.subs, tok.topic)
			delete(b.order, tok.topic)
		}
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	// Wait for in-progress deliveries and block new ones.
	sub.mu.Lock()
	sub.active = false
	sub.mu.Unlock()
	return true
}

// Publish delivers params to every current subscriber of topic.
func (b *Bus) Publish(topic string, params ...any) {
	b.mu.Lock()
	ids := b.order[topic]
	targets := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, b.subs[topic][id])
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	n := types.ProgressNotification{Params: params}
	for _, sub := range targets {
		sub.deliver(n)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (s *subscription) deliver(n types.ProgressNotification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return
	}
	s.handler(n)
}

// ExtractParameters returns the parameter list carried by n, or nil.
func ExtractParameters(n types.ProgressNotification) []any {
	return n.Params
}
