// Package session implements the per-peer session state machine
// (spec.md §4.F): connection lifecycle with exponential-backoff
// reconnection, ping/pong keep-alive, and a bounded-concurrency FIFO
// fetch queue.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/knotprotocol/knot/internal/filter"
	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// State is a session's position in its connection lifecycle.
type State int

const (
	Initial State = iota
	Attempted
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Attempted:
		return "attempted"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PingState tracks the keep-alive handshake's in-flight ping, if any.
type PingState int

const (
	PingIdle PingState = iota
	PingAwaitingPong
)

// FetchRequest is one queued or in-flight fetch (spec §4.F).
type FetchRequest struct {
	ID      uuid.UUID
	Repo    types.RepoID
	Scope   types.FetchScope
	Timeout time.Duration
}

// Session is one peer connection's state machine. All mutation goes
// through its methods, which hold an internal mutex so the owning
// service can be called from a single goroutine without its own
// per-session locking.
type Session struct {
	mu sync.Mutex

	node  types.NodeID
	link  types.Link
	addr  types.Address
	state State

	minBackoff time.Duration
	maxBackoff time.Duration
	backoff    *backoff.Backoff
	attempts   int

	lastAttempt types.Timestamp
	lastActive  types.Timestamp
	reason      *types.DisconnectReason

	pingState  PingState
	pingNonce  []byte
	pingSentAt types.Timestamp

	subscribeFilter *filter.Filter

	fetchConcurrency int
	fetchQueue       []FetchRequest
	fetchInFlight    map[uuid.UUID]FetchRequest
}

// New creates a session in the Initial state.
func New(node types.NodeID, link types.Link, addr types.Address, minBackoff, maxBackoff time.Duration, fetchConcurrency int) *Session {
	return &Session{
		node:       node,
		link:       link,
		addr:       addr,
		state:      Initial,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		backoff: &backoff.Backoff{
			Min:    minBackoff,
			Max:    maxBackoff,
			Factor: 2,
			Jitter: false,
		},
		fetchConcurrency: fetchConcurrency,
		fetchInFlight:     make(map[uuid.UUID]FetchRequest),
	}
}

// NodeID returns the remote node's identity.
func (s *Session) NodeID() types.NodeID { return s.node }

// Link reports whether this session is Inbound or Outbound.
func (s *Session) Link() types.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Address returns the address currently associated with this session.
func (s *Session) Address() types.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns the last time this session had any traffic.
func (s *Session) LastActive() types.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// DisconnectReason returns the reason recorded at the last disconnect,
// if any.
func (s *Session) DisconnectReason() (types.DisconnectReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == nil {
		return types.DisconnectReason{}, false
	}
	return *s.reason, true
}

// Attempt records a connection attempt, transitioning Initial or
// Disconnected into Attempted and bumping the attempt counter used to
// compute the next reconnect delay.
func (s *Session) Attempt(now types.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Attempted
	s.attempts++
	s.lastAttempt = now
}

// Connected transitions Attempted into Connected, resetting backoff.
func (s *Session) Connected(now types.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Connected
	s.attempts = 0
	s.backoff.Reset()
	s.lastActive = now
	s.reason = nil
}

// Disconnect transitions into Disconnected, recording why and clearing
// any in-flight ping and fetch state (spec §4.F: a disconnect aborts all
// outstanding fetches on the session).
func (s *Session) Disconnect(now types.Timestamp, reason types.DisconnectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Disconnected
	s.reason = &reason
	s.lastActive = now
	s.pingState = PingIdle
	s.pingNonce = nil
	s.fetchQueue = nil
	s.fetchInFlight = make(map[uuid.UUID]FetchRequest)
}

// Touch marks the session as having seen traffic at now, used to reset
// the idle/stale-connection timer on any inbound message.
func (s *Session) Touch(now types.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
}

// NextReconnectDelay returns the backoff-computed delay before the next
// reconnection attempt should be made, per spec §4.F:
// min(max(base*2^attempts, minBackoff), maxBackoff).
func (s *Session) NextReconnectDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff.ForAttempt(float64(s.attempts))
}

// ShouldReconnect reports whether enough time has elapsed since the last
// attempt for a Disconnected outbound session to retry.
func (s *Session) ShouldReconnect(now types.Timestamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Disconnected || s.link != types.Outbound {
		return false
	}
	delay := s.backoff.ForAttempt(float64(s.attempts))
	return now.Time().Sub(s.lastAttempt.Time()) >= delay
}

// SendPing records that a ping with the given nonce payload was just
// sent, entering the awaiting-pong state.
func (s *Session) SendPing(now types.Timestamp, nonce []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pingState = PingAwaitingPong
	s.pingNonce = nonce
	s.pingSentAt = now
}

// ReceivePong matches an incoming pong against the outstanding ping. It
// returns false (and leaves state unchanged) if no ping is outstanding
// or the pong's length doesn't match the sent nonce, either of which is
// grounds for the caller to treat the peer as misbehaving.
func (s *Session) ReceivePong(now types.Timestamp, pong wire.Pong) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pingState != PingAwaitingPong {
		return false
	}
	if !pong.MatchesPing(uint16(len(s.pingNonce))) {
		return false
	}
	s.pingState = PingIdle
	s.pingNonce = nil
	s.lastActive = now
	return true
}

// PingOutstanding reports whether a ping is awaiting its pong.
func (s *Session) PingOutstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingState == PingAwaitingPong
}

// PingTimedOut reports whether the outstanding ping has exceeded
// keepAliveDelta without a matching pong.
func (s *Session) PingTimedOut(now types.Timestamp, keepAliveDelta time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pingState != PingAwaitingPong {
		return false
	}
	return now.Time().Sub(s.pingSentAt.Time()) >= keepAliveDelta
}

// SetSubscribeFilter installs the peer's advertised subscription filter,
// narrowing what this node relays to them (spec §4.D, §4.F).
func (s *Session) SetSubscribeFilter(f *filter.Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeFilter = f
}

// SubscribeFilter returns the peer's last advertised subscription
// filter, or nil if none has been received (treated as "interested in
// everything").
func (s *Session) SubscribeFilter() *filter.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeFilter
}

// EnqueueFetch appends a fetch request to the session's FIFO queue.
func (s *Session) EnqueueFetch(req FetchRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchQueue = append(s.fetchQueue, req)
}

// NextFetch pops the oldest queued fetch and marks it in-flight, if the
// session's concurrency cap allows another fetch to start.
func (s *Session) NextFetch() (FetchRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fetchInFlight) >= s.fetchConcurrency || len(s.fetchQueue) == 0 {
		return FetchRequest{}, false
	}
	req := s.fetchQueue[0]
	s.fetchQueue = s.fetchQueue[1:]
	s.fetchInFlight[req.ID] = req
	return req, true
}

// CompleteFetch removes a fetch from the in-flight set, freeing a
// concurrency slot for the next queued fetch.
func (s *Session) CompleteFetch(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fetchInFlight, id)
}

// OutstandingFetches returns every queued or in-flight fetch, for a
// caller that needs to notify external responders before Disconnect
// clears this state.
func (s *Session) OutstandingFetches() []FetchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FetchRequest, 0, len(s.fetchQueue)+len(s.fetchInFlight))
	out = append(out, s.fetchQueue...)
	for _, req := range s.fetchInFlight {
		out = append(out, req)
	}
	return out
}

// QueuedFetches returns the number of fetches waiting to start.
func (s *Session) QueuedFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetchQueue)
}

// ActiveFetches returns the number of fetches currently in flight.
func (s *Session) ActiveFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetchInFlight)
}
