// Package eventbus is the Event Bus (C13): in-process pub/sub fanning
// out trade/alert lifecycle events to subscribers (dashboard, test
// harness). Publish never blocks; a full subscriber buffer drops its
// oldest message and increments a counter. Grounded on the teacher's
// copy-on-write, RWMutex-guarded cache pattern.
package eventbus

import "sync"

// EventName enumerates the event_name values §4.13 defines.
type EventName string

const (
	TradeCreated     EventName = "trade_created"
	TradeFilled      EventName = "trade_filled"
	TradeClosed      EventName = "trade_closed"
	TradeCancelled   EventName = "trade_cancelled"
	AlertReceived    EventName = "alert_received"
	OverridesChanged EventName = "overrides_changed"
)

// Event is the fanned-out message.
type Event struct {
	Name    EventName
	Payload any
}

const defaultBufferSize = 256

type subscriber struct {
	id     int
	ch     chan Event
	mu     sync.Mutex
	dropped int
}

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	mu        sync.RWMutex
	subs      []*subscriber
	nextID    int
	bufferSize int
}

func NewBus() *Bus {
	return &Bus{bufferSize: defaultBufferSize}
}

// Subscription is the handle returned to a caller of Subscribe.
type Subscription struct {
	id  int
	bus *Bus
	C   <-chan Event
}

// Subscribe registers a new subscriber with a bounded buffer (default
// 256) and returns a Subscription whose C channel receives events.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, b.bufferSize)}

	// copy-on-write per §5's "Event Bus subscriber list — copy-on-write"
	newSubs := make([]*subscriber, len(b.subs)+1)
	copy(newSubs, b.subs)
	newSubs[len(b.subs)] = sub
	b.subs = newSubs

	return &Subscription{id: sub.id, bus: b, C: sub.ch}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	newSubs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id == sub.id {
			close(s.ch)
			continue
		}
		newSubs = append(newSubs, s)
	}
	b.subs = newSubs
}

// Publish is non-blocking: on a full buffer, the oldest queued message
// for that subscriber is dropped (and its drop counter incremented) to
// make room for the new one.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			s.mu.Lock()
			select {
			case <-s.ch:
				s.dropped++
			default:
			}
			s.mu.Unlock()
			select {
			case s.ch <- evt:
			default:
			}
		}
	}
}
