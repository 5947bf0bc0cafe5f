// Package bus is the in-memory sequenced multicast that fans events out to
// live subscribers. Each subscriber owns a bounded buffer; a full buffer
// drops the event for that subscriber only and the drop is surfaced as a
// resync marker once the subscriber drains.
package bus

import (
	"sync"

	"github.com/cnrmurphy/sentinel/internal/events"
)

// Resync tells a subscriber that deliveries were dropped and history must
// be re-fetched from the store.
type Resync struct {
	EventsDropped int64 `json:"events_dropped"`
	LatestSeq     int64 `json:"latest_seq"`
}

// Delivery is one item on a subscriber's queue: either a live event or a
// synthetic resync marker. Exactly one field is non-nil.
type Delivery struct {
	Event  *events.Event
	Resync *Resync
}

type subscriber struct {
	mu                sync.Mutex
	ch                chan Delivery
	dropped           int64
	highestDroppedSeq int64
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[int64]*subscriber
	nextID  int64
	bufSize int
	closed  bool
}

func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Bus{
		subs:    make(map[int64]*subscriber),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber and returns its id and delivery
// channel. The channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe() (int64, <-chan Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Delivery, b.bufSize)}
	if b.closed {
		close(sub.ch)
		return id, sub.ch
	}
	b.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Publish multicasts the event to every subscriber without blocking. The
// event is expected to already bear its store-assigned seq; transient
// payloads (agent_activity) carry seq zero.
func (b *Bus) Publish(e events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		sub.deliver(e)
	}
}

func (sub *subscriber) deliver(e events.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	// A prior overflow means the next successful delivery must be the
	// resync marker, so the consumer knows to refetch before resuming.
	if sub.dropped > 0 {
		marker := Delivery{Resync: &Resync{
			EventsDropped: sub.dropped,
			LatestSeq:     sub.highestDroppedSeq,
		}}
		select {
		case sub.ch <- marker:
			sub.dropped = 0
			sub.highestDroppedSeq = 0
		default:
			sub.recordDrop(e.Seq)
			return
		}
	}

	select {
	case sub.ch <- Delivery{Event: &e}:
	default:
		sub.recordDrop(e.Seq)
	}
}

func (sub *subscriber) recordDrop(seq int64) {
	sub.dropped++
	if seq > sub.highestDroppedSeq {
		sub.highestDroppedSeq = seq
	}
}

// SubscriberCount reports the current subscriber set size.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Publishes after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
