// Package gossip tracks the freshest announcement timestamp seen per
// (node, repo, kind) (spec.md §4.E), enforcing the strict-monotonic
// staleness rule that lets the service discard or relay announcements
// without re-deriving history from routing state.
package gossip

import (
	"sync"

	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// Key identifies one gossip stream. Repo is the zero value for
// node-scoped announcements (NodeInfo, Subscribe).
type Key struct {
	Node types.NodeID
	Repo types.RepoID
	Kind wire.Kind
}

// Log is an in-memory last-seen table. It holds no durable state; on
// restart a node simply treats every announcement as fresh until proven
// otherwise by routing/tracking state, matching spec §4.E's note that
// this log is a liveness optimization, not a source of truth.
type Log struct {
	mu   sync.Mutex
	seen map[Key]types.Timestamp
}

// NewLog creates an empty gossip log.
func NewLog() *Log {
	return &Log{seen: make(map[Key]types.Timestamp)}
}

// IsFresh reports whether ts is strictly newer than the last timestamp
// recorded for key, without mutating the log.
func (l *Log) IsFresh(key Key, ts types.Timestamp) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.seen[key]
	if !ok {
		return true
	}
	return uint64(ts) > uint64(last)
}

// Update records ts for key if it is fresh, returning whether it was
// accepted. Rejects (and leaves the log unchanged) on stale or
// equal timestamps, enforcing invariant 4's strict monotonicity.
func (l *Log) Update(key Key, ts types.Timestamp) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.seen[key]
	if ok && uint64(ts) <= uint64(last) {
		return false
	}
	l.seen[key] = ts
	return true
}

// LastSeen returns the last recorded timestamp for key, if any.
func (l *Log) LastSeen(key Key) (types.Timestamp, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts, ok := l.seen[key]
	return ts, ok
}

// Forget drops a key's history entirely, used when its node or repo is
// untracked.
func (l *Log) Forget(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.seen, key)
}

// Filtered returns every key last seen at or after since, the windowed
// view the service uses to decide what to re-announce during periodic
// sync (spec §4.E).
func (l *Log) Filtered(since types.Timestamp) []Key {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Key
	for k, ts := range l.seen {
		if uint64(ts) >= uint64(since) {
			out = append(out, k)
		}
	}
	return out
}

// Prune removes every entry older than oldest, bounding the log's size
// in long-running nodes.
func (l *Log) Prune(oldest types.Timestamp) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, ts := range l.seen {
		if uint64(ts) < uint64(oldest) {
			delete(l.seen, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
