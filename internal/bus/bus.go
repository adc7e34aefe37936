// Package bus carries frame lifecycle events from the store to the liveness
// trigger and the gateway streams. Delivery is best-effort: the store stays
// the source of truth and pollers recover anything a subscriber missed.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 100

type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic starts with any of its
// prefixes, in publish order.
type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber missed because its buffer
// was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Stats is a snapshot of bus activity.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for events matching any of the topic prefixes. No
// prefix, or an empty one, matches every topic.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	return b.SubscribeBuffered(DefaultBufferSize, prefixes...)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity. Sends
// never block; a full buffer drops the event for that subscriber only.
func (b *Bus) SubscribeBuffered(size int, prefixes ...string) *Subscription {
	if size <= 0 {
		size = DefaultBufferSize
	}
	var keep []string
	for _, p := range prefixes {
		if p == "" {
			keep = nil
			break
		}
		keep = append(keep, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: keep,
		ch:       make(chan Event, size),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. It is safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
			b.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: b.SubscriberCount(),
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}
