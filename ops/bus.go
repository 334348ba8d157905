package ops

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/HengYangDS/sage-kb-sub007/clock"
)

// Bus is an in-process publish/subscribe fan-out. Each subscriber owns a
// bounded queue; when a queue is full the oldest queued event is dropped
// to make room, the drop is counted, and a coalesced BusDrop event is
// delivered once the queue has room again. Publish never blocks.
type Bus struct {
	clk       clock.Clock
	queueSize int

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool

	dropped atomic.Int64
}

// NewBus returns a Bus whose subscriber queues hold queueSize events.
func NewBus(clk clock.Clock, queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Bus{
		clk:       clk,
		queueSize: queueSize,
		subs:      make(map[int]*Subscription),
	}
}

// Subscription is one subscriber's view of the Bus. Receive from C until
// it closes; call Cancel when done.
type Subscription struct {
	id  int
	bus *Bus
	ch  chan Event

	pendingDrops atomic.Int64
}

// C is the subscriber's event queue. It closes on Cancel or Bus Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.ch)
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed Bus
// returns a subscription whose channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var s = &Subscription{bus: b, ch: make(chan Event, b.queueSize)}
	if b.closed {
		close(s.ch)
		return s
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	return s
}

// Publish stamps the event with the bus clock and the context correlation
// id (when unset) and fans it out. It never blocks: full queues shed their
// oldest event instead.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.clk.Now()
	}
	if ev.Correlation == "" {
		ev.Correlation = clock.Correlation(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *Subscription, ev Event) {
	// Report prior drops first, while there may be room.
	if n := s.pendingDrops.Swap(0); n > 0 {
		var report = Event{Kind: BusDrop, At: ev.At, Count: int(n)}
		select {
		case s.ch <- report:
		default:
			s.pendingDrops.Add(n)
		}
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Queue full: shed the oldest, then retry once. The receiver may have
	// drained concurrently, in which case the shed select misses and the
	// retry lands.
	select {
	case <-s.ch:
		s.pendingDrops.Add(1)
		b.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.pendingDrops.Add(1)
		b.dropped.Add(1)
	}
}

// Dropped returns the total number of events shed across all subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close detaches every subscriber and closes their channels. Publishing
// to a closed Bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

var _ Publisher = (*Bus)(nil)
