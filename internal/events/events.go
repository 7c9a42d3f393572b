// Package events implements the service's typed event emitter (spec.md
// §4.J): a bounded, drop-oldest pub/sub used to notify external
// observers (the control channel, metrics, tests) of state changes
// without ever letting a slow subscriber block the service loop.
//
// go-eventbus (in the teacher's dependency graph) is a synchronous,
// blocking-on-subscriber bus built for in-process component wiring; it
// has no drop-oldest overflow policy, which this spec requires (§4.J:
// "a slow subscriber must never stall the actor"), so the emitter below
// is hand-rolled over channels in the teacher's plain style instead of
// wrapping go-eventbus.
package events

import (
	"sync"

	"github.com/knotprotocol/knot/internal/types"
)

// Kind identifies an event variant.
type Kind int

const (
	SessionStateChanged Kind = iota
	SeedDiscovered
	SeedDropped
	RefsSynced
	FetchStarted
	FetchCompleted
	Misbehavior
)

func (k Kind) String() string {
	switch k {
	case SessionStateChanged:
		return "session-state-changed"
	case SeedDiscovered:
		return "seed-discovered"
	case SeedDropped:
		return "seed-dropped"
	case RefsSynced:
		return "refs-synced"
	case FetchStarted:
		return "fetch-started"
	case FetchCompleted:
		return "fetch-completed"
	case Misbehavior:
		return "misbehavior"
	default:
		return "unknown"
	}
}

// Event is one notification. Fields not relevant to Kind are left zero.
type Event struct {
	Kind   Kind
	Node   types.NodeID
	Repo   types.RepoID
	At     types.Timestamp
	Detail string
	Err    error
}

// defaultQueueDepth is the per-subscriber buffer size before the emitter
// starts dropping the oldest unread event to make room for the newest.
const defaultQueueDepth = 256

type subscriber struct {
	ch     chan Event
	closed bool
}

// Emitter is a typed, multi-subscriber, drop-oldest event bus.
type Emitter struct {
	mu          sync.Mutex
	subs        map[int]*subscriber
	nextID      int
	queueDepth  int
}

// New creates an emitter with the default per-subscriber queue depth.
func New() *Emitter {
	return NewWithQueueDepth(defaultQueueDepth)
}

// NewWithQueueDepth creates an emitter with a custom per-subscriber
// queue depth, mainly useful in tests that want to observe overflow
// behavior without publishing hundreds of events.
func NewWithQueueDepth(depth int) *Emitter {
	if depth < 1 {
		depth = 1
	}
	return &Emitter{subs: make(map[int]*subscriber), queueDepth: depth}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe when
// done to release the channel.
type Subscription struct {
	id int
	e  *Emitter
	C  <-chan Event
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()

	sub, ok := s.e.subs[s.id]
	if !ok {
		return
	}
	delete(s.e.subs, s.id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Subscribe registers a new subscriber and returns its subscription.
func (e *Emitter) Subscribe() *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	sub := &subscriber{ch: make(chan Event, e.queueDepth)}
	e.subs[id] = sub
	return &Subscription{id: id, e: e, C: sub.ch}
}

// Emit publishes an event to every current subscriber. A subscriber
// whose queue is full has its oldest unread event dropped to make room,
// so Emit never blocks the caller regardless of subscriber behavior.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, sub := range e.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Queue full: drop the oldest, then retry once. If a
			// concurrent reader drained a slot between the drop and the
			// retry, the retry still succeeds because the channel now
			// has room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
