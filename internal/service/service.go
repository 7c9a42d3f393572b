// Package service implements the node's core state machine (spec.md
// §4.H): a single-threaded cooperative actor that owns routing,
// addressing, tracking, gossip, and session state, consumes tick,
// transport, and command events, and produces an outbox of I/O intents
// for an external driver to execute. The service never performs I/O
// itself and never blocks.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/knotprotocol/knot/internal/addressbook"
	"github.com/knotprotocol/knot/internal/config"
	"github.com/knotprotocol/knot/internal/control"
	"github.com/knotprotocol/knot/internal/events"
	"github.com/knotprotocol/knot/internal/filter"
	"github.com/knotprotocol/knot/internal/gossip"
	"github.com/knotprotocol/knot/internal/outbox"
	"github.com/knotprotocol/knot/internal/routing"
	"github.com/knotprotocol/knot/internal/session"
	"github.com/knotprotocol/knot/internal/signer"
	"github.com/knotprotocol/knot/internal/tracking"
	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// Storage is the external collaborator that owns repository content and
// ref state (spec §1: out of scope beyond this interface).
type Storage interface {
	tracking.TrustedNodesProvider
	// LocalInventory returns every repo this node currently seeds.
	LocalInventory() ([]types.RepoID, error)
	// HasRepo reports whether repo is in the local inventory.
	HasRepo(repo types.RepoID) (bool, error)
	// Remotes returns repo's known ref state, keyed by remote node.
	Remotes(repo types.RepoID) (map[types.NodeID]wire.SignedRefs, error)
	// ApplyRefs persists a verified, tracked repo's incoming ref state.
	ApplyRefs(repo types.RepoID, refs wire.Refs) error
}

// Service is the node's state machine.
type Service struct {
	cfg     config.Config
	signer  signer.Signer
	storage Storage

	routing  *routing.Table
	addrs    *addressbook.Book
	tracking *tracking.Store
	gossip   *gossip.Log
	sessions map[types.NodeID]*session.Session

	subFilter *filter.Filter
	out       *outbox.Outbox
	events    *events.Emitter
	log       zerolog.Logger

	// pendingFetches maps a fetch's ID to the control command ID that
	// requested it, so HandleFetchCompleted/HandleDisconnected can
	// report the outcome back to an awaiting operator (spec §5): a
	// fetch command never suspends, its result arrives later as an
	// event carrying the same command ID.
	pendingFetches map[uuid.UUID]string

	started      types.Timestamp
	lastIdle     types.Timestamp
	lastAnnounce types.Timestamp
	lastSync     types.Timestamp
	lastPrune    types.Timestamp
}

// New creates a service over its component stores. now is used to seed
// the periodic task clocks so the first tick doesn't fire every task at
// once.
func New(cfg config.Config, sgn signer.Signer, storage Storage, rt *routing.Table, addrs *addressbook.Book, trk *tracking.Store, gl *gossip.Log, log zerolog.Logger, now types.Timestamp) *Service {
	return &Service{
		cfg:            cfg,
		signer:         sgn,
		storage:        storage,
		routing:        rt,
		addrs:          addrs,
		tracking:       trk,
		gossip:         gl,
		sessions:       make(map[types.NodeID]*session.Session),
		subFilter:      &filter.Filter{},
		out:            outbox.New(),
		events:         events.New(),
		log:            log.With().Str("component", "service").Logger(),
		pendingFetches: make(map[uuid.UUID]string),
		started:        now,
		lastIdle:       now,
		lastAnnounce:   now,
		lastSync:       now,
		lastPrune:      now,
	}
}

// Events returns the service's event emitter, for subscribing to state
// change notifications.
func (s *Service) Events() *events.Emitter { return s.events }

// Outbox drains and returns every I/O intent queued since the last call.
func (s *Service) Outbox() []outbox.Intent { return s.out.Drain() }

// NextWakeup returns the earliest time the driver must call Tick even
// absent any external event, consuming the request.
func (s *Service) NextWakeup() (types.Timestamp, bool) { return s.out.NextWakeup() }

// NodeID returns the local node's identity.
func (s *Service) NodeID() types.NodeID { return s.signer.NodeID() }

// Session returns the session tracked for node, if any.
func (s *Service) Session(node types.NodeID) (*session.Session, bool) {
	sess, ok := s.sessions[node]
	return sess, ok
}

// Sessions returns every tracked session.
func (s *Service) Sessions() []*session.Session {
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// --- Transport events -------------------------------------------------

// HandleConnected records a successful connection and runs the
// handshake sequence: NodeInfo, Subscribe, and full Inventory sent to
// the new peer (spec §4.H).
func (s *Service) HandleConnected(node types.NodeID, addr types.Address, link types.Link, now types.Timestamp) {
	sess, ok := s.sessions[node]
	if !ok {
		sess = session.New(node, link, addr, s.cfg.MinReconnectionDelta, s.cfg.MaxReconnectionDelta, s.cfg.FetchConcurrency)
		s.sessions[node] = sess
	}
	sess.Connected(now)
	s.log.Info().Str("node", node.String()).Str("link", link.String()).Msg("session connected")
	s.events.Emit(events.Event{Kind: events.SessionStateChanged, Node: node, At: now, Detail: session.Connected.String()})

	if err := s.sendHandshake(node, now); err != nil {
		s.log.Error().Err(err).Str("node", node.String()).Msg("handshake failed")
		s.events.Emit(events.Event{Kind: events.Misbehavior, Node: node, At: now, Err: err})
	}
}

func (s *Service) sendHandshake(node types.NodeID, now types.Timestamp) error {
	info, err := wire.NewNodeInfo(s.signer.NodeID(), types.Features(0), nil, wire.Alias{}, 0, now)
	if err != nil {
		return err
	}
	if err := s.sign(&info); err != nil {
		return err
	}
	s.out.Write(node, wire.Message{Kind: wire.KindNodeInfo, NodeInfo: &info})
	s.out.Write(node, wire.Message{Kind: wire.KindSubscribe, Subscribe: &wire.Subscribe{
		Filter: s.subFilter.Bytes(), Since: now.Add(-s.cfg.SubscribeBacklogDelta),
	}})

	repos, err := s.storage.LocalInventory()
	if err != nil {
		return fmt.Errorf("local inventory: %w", err)
	}
	inv, err := wire.NewInventory(s.signer.NodeID(), repos, now)
	if err != nil {
		return err
	}
	if err := s.sign(&inv); err != nil {
		return err
	}
	s.out.Write(node, wire.Message{Kind: wire.KindInventory, Inventory: &inv})
	return nil
}

func (s *Service) sign(signable interface{ SignedPayload() []byte }) error {
	payload := signable.SignedPayload()
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	switch v := signable.(type) {
	case *wire.NodeInfo:
		v.Sig = sig
	case *wire.Inventory:
		v.Sig = sig
	case *wire.Refs:
		v.Sig = sig
	}
	return nil
}

// HandleConnectFailed records a failed outbound connection attempt,
// moving the session to Disconnected so that runReconnect retries it once
// its reconnection backoff has elapsed.
func (s *Service) HandleConnectFailed(node types.NodeID, now types.Timestamp) {
	sess, ok := s.sessions[node]
	if !ok {
		return
	}
	sess.Disconnect(now, types.NewReason(types.ReasonTransport, "connect failed"))
}

// HandleDisconnected records a session ending, for either link direction.
// Any fetch an operator is still awaiting a result for is failed out
// immediately: once the session is gone, Disconnect clears its queue and
// in-flight set, and no completion event will ever arrive for them
// otherwise (spec §5's cancellation contract).
func (s *Service) HandleDisconnected(node types.NodeID, reason types.DisconnectReason, now types.Timestamp) {
	sess, ok := s.sessions[node]
	if !ok {
		return
	}
	for _, req := range sess.OutstandingFetches() {
		s.failPendingFetch(req.ID, node, req.Repo, now, fmt.Errorf("session disconnected: %s", reason))
	}
	sess.Disconnect(now, reason)
	s.events.Emit(events.Event{Kind: events.SessionStateChanged, Node: node, At: now, Detail: "disconnected: " + reason.String()})
}

// HandleFetchCompleted records a fetch's outcome, reports it back to an
// awaiting operator if the fetch was operator-requested, and starts the
// next queued fetch on the session, if any (spec §4.F concurrency cap).
// A fetch that timed out disconnects the peer with ReasonFetch (spec §7):
// a seed that can't serve a fetch inside its deadline is treated the same
// as any other unresponsive peer.
func (s *Service) HandleFetchCompleted(node types.NodeID, id uuid.UUID, repo types.RepoID, fetchErr error, now types.Timestamp) {
	sess, ok := s.sessions[node]
	if !ok {
		delete(s.pendingFetches, id)
		return
	}
	sess.CompleteFetch(id)

	if !s.reportPendingFetch(id, node, repo, now, fetchErr) {
		s.events.Emit(events.Event{Kind: events.FetchCompleted, Node: node, Repo: repo, At: now, Err: fetchErr})
	}

	if errors.Is(fetchErr, context.DeadlineExceeded) {
		reason := types.NewReason(types.ReasonFetch, "fetch timed out")
		sess.Disconnect(now, reason)
		s.out.Disconnect(node, reason)
		return
	}
	s.pumpFetchQueue(node, sess)
}

// reportPendingFetch emits the FetchCompleted event for an operator-
// requested fetch, tagged with its originating command ID, and reports
// whether id was in fact pending.
func (s *Service) reportPendingFetch(id uuid.UUID, node types.NodeID, repo types.RepoID, now types.Timestamp, fetchErr error) bool {
	cmdID, pending := s.pendingFetches[id]
	if !pending {
		return false
	}
	delete(s.pendingFetches, id)
	s.events.Emit(events.Event{Kind: events.FetchCompleted, Node: node, Repo: repo, At: now, Detail: cmdID, Err: fetchErr})
	return true
}

func (s *Service) failPendingFetch(id uuid.UUID, node types.NodeID, repo types.RepoID, now types.Timestamp, err error) {
	s.reportPendingFetch(id, node, repo, now, err)
}

func (s *Service) pumpFetchQueue(node types.NodeID, sess *session.Session) {
	for {
		req, ok := sess.NextFetch()
		if !ok {
			return
		}
		s.out.Fetch(node, req.ID, req.Repo, req.Scope, req.Timeout)
		s.events.Emit(events.Event{Kind: events.FetchStarted, Node: node, Repo: req.Repo})
	}
}

// --- Inbound messages ---------------------------------------------------

// HandleMessage processes one verified-or-not wire message received
// from node, applying staleness checks, relay rules, and misbehavior
// detection (spec §4.H).
func (s *Service) HandleMessage(from types.NodeID, msg wire.Message, now types.Timestamp) {
	sess, ok := s.sessions[from]
	if !ok {
		return
	}
	sess.Touch(now)

	switch msg.Kind {
	case wire.KindNodeInfo:
		s.handleNodeInfo(from, sess, msg.NodeInfo, now)
	case wire.KindInventory:
		s.handleInventory(from, sess, msg.Inventory, now)
	case wire.KindRefs:
		s.handleRefs(from, sess, msg.Refs, now)
	case wire.KindSubscribe:
		s.handleSubscribe(sess, msg.Subscribe)
	case wire.KindPing:
		s.handlePing(from, msg.Ping)
	case wire.KindPong:
		s.handlePong(from, sess, msg.Pong, now)
	default:
		s.misbehave(from, now, "unknown message kind")
	}
}

// handleNodeInfo relays every fresh NodeInfo but only persists its
// addresses into the address book when the announcer advertises SEED:
// a non-seed node's addresses aren't useful for outbound dialing or
// routing, so keeping them around would just bloat the address book
// with connect-only churn (spec §4.H).
func (s *Service) handleNodeInfo(from types.NodeID, sess *session.Session, info *wire.NodeInfo, now types.Timestamp) {
	if !s.withinClockSkew(info.Timestamp, now) {
		return
	}
	ok, err := wire.VerifyNodeInfo(*info)
	if err != nil || !ok {
		s.misbehave(from, now, "invalid NodeInfo signature")
		return
	}
	key := gossip.Key{Node: info.Author, Kind: wire.KindNodeInfo}
	if !s.gossip.Update(key, info.Timestamp) {
		return
	}
	if info.Features.HasSeed() {
		for _, addr := range info.Addresses {
			_ = s.addrs.Insert(info.Author, addr, addressbook.SourcePeer)
		}
	}
	s.relay(from, wire.Message{Kind: wire.KindNodeInfo, NodeInfo: info}, types.RepoID{})
}

// handleInventory inserts every announced repo into the routing table
// and drops any repo the announcer no longer carries, emitting
// SeedDiscovered/SeedDropped respectively so routing stays a live view of
// what each seed actually has, not just what it's ever had (spec §4.A,
// §4.H).
func (s *Service) handleInventory(from types.NodeID, sess *session.Session, inv *wire.Inventory, now types.Timestamp) {
	if !s.withinClockSkew(inv.Timestamp, now) {
		return
	}
	ok, err := wire.VerifyInventory(*inv)
	if err != nil || !ok {
		s.misbehave(from, now, "invalid Inventory signature")
		return
	}
	key := gossip.Key{Node: inv.Author, Kind: wire.KindInventory}
	if !s.gossip.Update(key, inv.Timestamp) {
		return
	}

	prior, err := s.routing.GetResources(inv.Author)
	if err != nil {
		prior = nil
	}
	current := make(map[string]bool, len(inv.Repos))

	for _, repo := range inv.Repos {
		current[repo.String()] = true
		result, err := s.routing.Insert(repo, inv.Author, inv.Timestamp)
		if err != nil {
			continue
		}
		if result == routing.SeedAdded {
			s.events.Emit(events.Event{Kind: events.SeedDiscovered, Node: inv.Author, Repo: repo, At: now})
			s.maybeStartFetch(inv.Author, repo, now)
		}
	}

	for _, repo := range prior {
		if current[repo.String()] {
			continue
		}
		removed, err := s.routing.Remove(repo, inv.Author)
		if err != nil || !removed {
			continue
		}
		s.events.Emit(events.Event{Kind: events.SeedDropped, Node: inv.Author, Repo: repo, At: now})
	}

	s.relay(from, wire.Message{Kind: wire.KindInventory, Inventory: inv}, types.RepoID{})
}

// handleRefs records the announcer as a seed for the repo, then either
// confirms the announced refs are already fully reflected locally
// (RefsSynced) or starts a fetch, gated by the repo's fetch scope: a
// Trusted-scoped repo only fetches from nodes on the trusted list (spec
// §4.C, §4.H). The actual ref persistence happens once the fetch
// completes, driven by the Fetch pipeline rather than applied directly
// here.
func (s *Service) handleRefs(from types.NodeID, sess *session.Session, refs *wire.Refs, now types.Timestamp) {
	if !s.withinClockSkew(refs.Timestamp, now) {
		return
	}
	ok, err := wire.VerifyRefs(*refs)
	if err != nil || !ok {
		s.misbehave(from, now, "invalid Refs signature")
		return
	}
	key := gossip.Key{Node: refs.Author, Repo: refs.Repo, Kind: wire.KindRefs}
	if !s.gossip.Update(key, refs.Timestamp) {
		return
	}

	if result, err := s.routing.Insert(refs.Repo, refs.Author, refs.Timestamp); err == nil && result == routing.SeedAdded {
		s.events.Emit(events.Event{Kind: events.SeedDiscovered, Node: refs.Author, Repo: refs.Repo, At: now})
	}

	if s.refsAreSubsetOfLocal(refs) {
		s.events.Emit(events.Event{Kind: events.RefsSynced, Node: refs.Author, Repo: refs.Repo, At: now})
	} else {
		scope, tracked, err := s.tracking.FetchScopeFor(refs.Repo, s.storage)
		if err == nil && tracked && scope.Allows(refs.Author) {
			s.maybeStartFetch(refs.Author, refs.Repo, now)
		}
	}

	s.relay(from, wire.Message{Kind: wire.KindRefs, Refs: refs}, refs.Repo)
}

// refsAreSubsetOfLocal reports whether every ref refs carries is already
// known locally at the same oid, meaning the announcement taught us
// nothing new (spec §4.H's RefsSynced check).
func (s *Service) refsAreSubsetOfLocal(refs *wire.Refs) bool {
	have, err := s.storage.HasRepo(refs.Repo)
	if err != nil || !have {
		return false
	}
	local, err := s.storage.Remotes(refs.Repo)
	if err != nil {
		return false
	}
	for _, remote := range refs.Remotes {
		known, ok := local[remote.Remote]
		if !ok {
			return false
		}
		for name, oid := range remote.Refs {
			if known.Refs[name] != oid {
				return false
			}
		}
	}
	return true
}

func (s *Service) handleSubscribe(sess *session.Session, sub *wire.Subscribe) {
	f, err := filter.FromBytes(sub.Filter)
	if err != nil {
		f = &filter.Filter{}
	}
	sess.SetSubscribeFilter(f)
}

func (s *Service) handlePing(from types.NodeID, ping *wire.Ping) {
	pong := wire.NewPong(*ping)
	s.out.Write(from, wire.Message{Kind: wire.KindPong, Pong: &pong})
}

func (s *Service) handlePong(from types.NodeID, sess *session.Session, pong *wire.Pong, now types.Timestamp) {
	if !sess.ReceivePong(now, *pong) {
		s.misbehave(from, now, "unsolicited or malformed pong")
	}
}

// withinClockSkew rejects announcements timestamped too far into the
// future, per spec §4.H.
func (s *Service) withinClockSkew(ts types.Timestamp, now types.Timestamp) bool {
	if ts.Time().After(now.Time().Add(s.cfg.MaxTimeDelta)) {
		return false
	}
	return true
}

// maybeStartFetch enqueues a fetch for repo on sess if it is tracked and
// no fetch for it is already queued or in flight. A real implementation
// would also check whether local refs are already current; that check
// lives in Storage and is out of scope here (spec §1).
func (s *Service) maybeStartFetch(node types.NodeID, repo types.RepoID, now types.Timestamp) {
	sess, ok := s.sessions[node]
	if !ok || sess.State() != session.Connected {
		return
	}
	scope, tracked, err := s.tracking.FetchScopeFor(repo, s.storage)
	if err != nil || !tracked {
		return
	}
	for _, req := range sess.OutstandingFetches() {
		if req.Repo.Equal(repo) {
			return
		}
	}
	sess.EnqueueFetch(session.FetchRequest{
		ID: uuid.New(), Repo: repo, Scope: scope, Timeout: 2 * time.Minute,
	})
	s.pumpFetchQueue(node, sess)
}

// startUserFetch enqueues a fetch on behalf of an external control-channel
// caller, registering cmdID in pendingFetches so the eventual completion or
// disconnect is reported back tagged with the command that requested it
// (spec §5's cancellation contract, §8 scenario 4).
func (s *Service) startUserFetch(cmdID string, node types.NodeID, sess *session.Session, repo types.RepoID, scope types.FetchScope, timeout time.Duration) {
	id := uuid.New()
	s.pendingFetches[id] = cmdID
	sess.EnqueueFetch(session.FetchRequest{ID: id, Repo: repo, Scope: scope, Timeout: timeout})
	s.pumpFetchQueue(node, sess)
}

// relay forwards msg to every other connected session whose subscribe
// filter admits repo (or which has no filter at all), when relaying is
// enabled (spec §4.H). The originating session is always excluded.
func (s *Service) relay(from types.NodeID, msg wire.Message, repo types.RepoID) {
	if !s.cfg.Relay {
		return
	}
	for node, sess := range s.sessions {
		if node.Equal(from) || sess.State() != session.Connected {
			continue
		}
		f := sess.SubscribeFilter()
		if !repo.IsZero() && !f.Empty() && !f.Contains(repo) {
			continue
		}
		s.out.Write(node, msg)
	}
}

// misbehave disconnects a peer for a protocol violation and emits a
// Misbehavior event (spec §4.H, §5: misbehavior is always terminal for
// the session).
func (s *Service) misbehave(node types.NodeID, now types.Timestamp, detail string) {
	s.log.Warn().Str("node", node.String()).Str("reason", detail).Msg("misbehavior")
	s.events.Emit(events.Event{Kind: events.Misbehavior, Node: node, At: now, Detail: detail})
	reason := types.NewReason(types.ReasonMisbehavior, detail)
	if sess, ok := s.sessions[node]; ok {
		sess.Disconnect(now, reason)
	}
	s.out.Disconnect(node, reason)
}

// --- Periodic tasks -------------------------------------------------

// Tick drives every periodic task whose interval has elapsed and
// schedules the outbox's next wakeup request.
func (s *Service) Tick(now types.Timestamp) {
	if now.Sub(s.lastIdle) >= s.cfg.IdleInterval {
		s.runIdle(now)
		s.lastIdle = now
	}
	if now.Sub(s.lastAnnounce) >= s.cfg.AnnounceInterval {
		s.runAnnounce(now)
		s.lastAnnounce = now
	}
	if now.Sub(s.lastSync) >= s.cfg.SyncInterval {
		s.runSync(now)
		s.lastSync = now
	}
	if now.Sub(s.lastPrune) >= s.cfg.PruneInterval {
		s.runPrune(now)
		s.lastPrune = now
	}
	s.runKeepAlive(now)
	s.runReconnect(now)

	s.out.WakeupAt(now.Add(s.nextDue(now)))
}

func (s *Service) nextDue(now types.Timestamp) time.Duration {
	due := s.cfg.IdleInterval
	for _, d := range []time.Duration{s.cfg.AnnounceInterval, s.cfg.SyncInterval, s.cfg.PruneInterval, s.cfg.KeepAliveDelta} {
		if d < due {
			due = d
		}
	}
	return due
}

// runIdle maintains the target outbound peer count, issuing Connect
// intents for known, unblocked, non-connected nodes (spec §4.H).
func (s *Service) runIdle(now types.Timestamp) {
	outboundActive := 0
	for _, sess := range s.sessions {
		if sess.Link() == types.Outbound && (sess.State() == session.Connected || sess.State() == session.Attempted) {
			outboundActive++
		}
	}
	deficit := s.cfg.TargetOutboundPeers - outboundActive
	if deficit <= 0 {
		return
	}

	nodes, err := s.addrs.Nodes()
	if err != nil {
		return
	}
	for _, node := range nodes {
		if deficit <= 0 {
			break
		}
		if blocked, _ := s.tracking.IsNodeBlocked(node); blocked {
			continue
		}
		if sess, ok := s.sessions[node]; ok {
			if sess.State() == session.Connected || sess.State() == session.Attempted {
				continue
			}
			if sess.State() == session.Disconnected && !sess.ShouldReconnect(now) {
				continue
			}
		}
		addr, ok, err := s.addrs.BestAddress(node)
		if err != nil || !ok {
			continue
		}
		s.connectTo(node, addr, now)
		deficit--
	}
}

func (s *Service) connectTo(node types.NodeID, addr types.Address, now types.Timestamp) {
	if node.Equal(s.signer.NodeID()) {
		return
	}
	sess, ok := s.sessions[node]
	if !ok {
		sess = session.New(node, types.Outbound, addr, s.cfg.MinReconnectionDelta, s.cfg.MaxReconnectionDelta, s.cfg.FetchConcurrency)
		s.sessions[node] = sess
	} else if st := sess.State(); st == session.Connected || st == session.Attempted {
		return
	}
	sess.Attempt(now)
	_ = s.addrs.RecordAttempt(node, addr, now, false)
	s.out.Connect(node, addr)
}

// runReconnect retries Disconnected outbound sessions whose backoff has
// elapsed, independent of the idle task's deficit-based search.
func (s *Service) runReconnect(now types.Timestamp) {
	for node, sess := range s.sessions {
		if sess.State() != session.Disconnected || sess.Link() != types.Outbound {
			continue
		}
		if !sess.ShouldReconnect(now) {
			continue
		}
		s.connectTo(node, sess.Address(), now)
	}
}

// runKeepAlive pings idle-but-connected sessions and disconnects ones
// that blew past the keep-alive deadline or the stale-connection
// timeout (spec §4.F, §4.H).
func (s *Service) runKeepAlive(now types.Timestamp) {
	for node, sess := range s.sessions {
		if sess.State() != session.Connected {
			continue
		}
		if now.Sub(sess.LastActive()) >= s.cfg.StaleConnectionTimeout {
			reason := types.NewReason(types.ReasonTimeout, "stale connection")
			sess.Disconnect(now, reason)
			s.out.Disconnect(node, reason)
			continue
		}
		if sess.PingOutstanding() {
			if sess.PingTimedOut(now, s.cfg.KeepAliveDelta*2) {
				reason := types.NewReason(types.ReasonTimeout, "ping timeout")
				sess.Disconnect(now, reason)
				s.out.Disconnect(node, reason)
			}
			continue
		}
		if now.Sub(sess.LastActive()) >= s.cfg.KeepAliveDelta {
			nonce := []byte(uuid.New().String())
			sess.SendPing(now, nonce)
			s.out.Write(node, wire.Message{Kind: wire.KindPing, Ping: &wire.Ping{PongLen: uint16(len(nonce))}})
		}
	}
}

// runAnnounce re-sends the full NodeInfo and Inventory to every
// connected peer, refreshing their view even absent any local change.
func (s *Service) runAnnounce(now types.Timestamp) {
	for node, sess := range s.sessions {
		if sess.State() != session.Connected {
			continue
		}
		_ = s.sendHandshake(node, now)
	}
}

// runSync is the periodic sync task (spec §4.H, 60s default): it
// re-broadcasts local inventory to connected peers when the gossip log
// has seen fresh activity, and separately walks every tracked repo to
// fetch the ones this node doesn't have yet from a connected seed, so
// tracking a repo before any seed announces it still converges.
func (s *Service) runSync(now types.Timestamp) {
	since := now.Add(-s.cfg.SyncInterval * 2)
	if fresh := s.gossip.Filtered(since); len(fresh) > 0 {
		s.broadcastInventory(now)
	}

	tracked, err := s.tracking.TrackedRepos()
	if err != nil {
		return
	}
	for _, policy := range tracked {
		have, err := s.storage.HasRepo(policy.Repo)
		if err != nil || have {
			continue
		}
		seeds, err := s.routing.Get(policy.Repo)
		if err != nil {
			continue
		}
		for _, seed := range seeds {
			sess, ok := s.sessions[seed]
			if !ok || sess.State() != session.Connected {
				continue
			}
			s.maybeStartFetch(seed, policy.Repo, now)
			break
		}
	}
}

func (s *Service) broadcastInventory(now types.Timestamp) {
	repos, err := s.storage.LocalInventory()
	if err != nil {
		return
	}
	inv, err := wire.NewInventory(s.signer.NodeID(), repos, now)
	if err != nil {
		return
	}
	if err := s.sign(&inv); err != nil {
		return
	}
	for node, sess := range s.sessions {
		if sess.State() == session.Connected {
			s.out.Write(node, wire.Message{Kind: wire.KindInventory, Inventory: &inv})
		}
	}
}

// runPrune bounds the routing table and gossip log by age and size
// (spec §4.A, §4.E).
func (s *Service) runPrune(now types.Timestamp) {
	oldest := now.Add(-s.cfg.RoutingMaxAge)
	if n, err := s.routing.Len(); err == nil && n > s.cfg.RoutingMaxSize {
		excess := n - s.cfg.RoutingMaxSize
		_, _ = s.routing.Prune(oldest, &excess)
	}
	s.gossip.Prune(oldest)
}

// --- Control channel ---------------------------------------------------

// HandleCommand dispatches one control command synchronously, returning
// its response (spec §6).
func (s *Service) HandleCommand(cmd control.Command, now types.Timestamp) control.Response {
	switch cmd.Type {
	case control.CmdNodeID:
		return control.OK(cmd.ID, map[string]string{"node_id": s.signer.NodeID().String()})

	case control.CmdStatus:
		trackedRepos, _ := s.tracking.TrackedRepos()
		routingLen, _ := s.routing.Len()
		return control.OK(cmd.ID, control.StatusResult{
			NodeID:         s.signer.NodeID().String(),
			Sessions:       len(s.sessions),
			TrackedRepos:   len(trackedRepos),
			RoutingEntries: routingLen,
			Uptime:         int64(now.Sub(s.started).Seconds()),
		})

	case control.CmdSessions:
		views := make([]control.SessionView, 0, len(s.sessions))
		for node, sess := range s.sessions {
			views = append(views, control.SessionView{
				Node:  node.String(),
				Link:  sess.Link().String(),
				State: sess.State().String(),
				Addr:  sess.Address().String(),
				Since: int64(sess.LastActive()),
			})
		}
		return control.OK(cmd.ID, views)

	case control.CmdSeeds:
		return s.handleSeedsCommand(cmd)

	case control.CmdConnect:
		return s.handleConnectCommand(cmd, now)

	case control.CmdFetch:
		return s.handleFetchCommand(cmd, now)

	case control.CmdTrackRepo:
		return s.handleTrackRepoCommand(cmd)

	case control.CmdUntrackRepo:
		return s.handleUntrackRepoCommand(cmd)

	case control.CmdTrackNode:
		return s.handleTrackNodeCommand(cmd)

	case control.CmdUntrackNode:
		return s.handleUntrackNodeCommand(cmd)

	case control.CmdAnnounceRefs:
		return s.handleAnnounceRefsCommand(cmd, now)

	case control.CmdAnnounceInventory:
		return s.handleAnnounceInventoryCommand(cmd, now)

	case control.CmdSyncInventory:
		s.runSync(now)
		return control.OK(cmd.ID, nil)

	case control.CmdSubscribe:
		return s.handleSubscribeCommand(cmd)

	case control.CmdShutdown:
		return control.OK(cmd.ID, nil)

	default:
		return control.Err(cmd.ID, fmt.Errorf("unknown command %q", cmd.Type))
	}
}
