// Package outbox implements the service's I/O intent queue (spec.md
// §4.G): the service never performs I/O itself, it only appends intents
// here for an external driver to execute.
package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// Kind identifies an intent's variant.
type Kind int

const (
	Connect Kind = iota
	Disconnect
	Write
	Fetch
	Wakeup
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Write:
		return "write"
	case Fetch:
		return "fetch"
	case Wakeup:
		return "wakeup"
	default:
		return "unknown"
	}
}

// Intent is one unit of I/O the driver must perform. Only the fields
// relevant to Kind are populated.
type Intent struct {
	Kind Kind

	// Connect / Disconnect / Write / Fetch
	Node types.NodeID
	Addr types.Address // Connect only

	// Write
	Message wire.Message

	// Fetch
	FetchID uuid.UUID
	Repo    types.RepoID
	Scope   types.FetchScope
	Timeout time.Duration

	// Disconnect
	Reason types.DisconnectReason

	// Wakeup
	At types.Timestamp
}

// Outbox is the ordered queue of pending intents plus the service's
// next-wakeup bookkeeping.
type Outbox struct {
	intents    []Intent
	nextWakeup *types.Timestamp
}

// New creates an empty outbox.
func New() *Outbox {
	return &Outbox{}
}

// Connect enqueues a connection attempt to node at addr.
func (o *Outbox) Connect(node types.NodeID, addr types.Address) {
	o.intents = append(o.intents, Intent{Kind: Connect, Node: node, Addr: addr})
}

// Disconnect enqueues a disconnection of node, with reason.
func (o *Outbox) Disconnect(node types.NodeID, reason types.DisconnectReason) {
	o.intents = append(o.intents, Intent{Kind: Disconnect, Node: node, Reason: reason})
}

// Write enqueues a message to send to node.
func (o *Outbox) Write(node types.NodeID, msg wire.Message) {
	o.intents = append(o.intents, Intent{Kind: Write, Node: node, Message: msg})
}

// Broadcast enqueues the same message to every node in nodes, preserving
// the relative order of recipients.
func (o *Outbox) Broadcast(nodes []types.NodeID, msg wire.Message) {
	for _, n := range nodes {
		o.Write(n, msg)
	}
}

// Fetch enqueues a repo fetch from node, identified by id so its
// eventual completion can be matched back to the session that started it.
func (o *Outbox) Fetch(node types.NodeID, id uuid.UUID, repo types.RepoID, scope types.FetchScope, timeout time.Duration) {
	o.intents = append(o.intents, Intent{
		Kind: Fetch, Node: node, FetchID: id, Repo: repo, Scope: scope, Timeout: timeout,
	})
}

// WakeupAt schedules (or brings forward) the next time the driver must
// wake the service even absent any external event, tracking the
// earliest of all such requests (spec §4.G).
func (o *Outbox) WakeupAt(at types.Timestamp) {
	if o.nextWakeup == nil || uint64(at) < uint64(*o.nextWakeup) {
		t := at
		o.nextWakeup = &t
	}
}

// NextWakeup returns the earliest scheduled wakeup, if any, and clears
// it: each wakeup request is consumed once the driver has scheduled a
// timer for it.
func (o *Outbox) NextWakeup() (types.Timestamp, bool) {
	if o.nextWakeup == nil {
		return 0, false
	}
	at := *o.nextWakeup
	o.nextWakeup = nil
	return at, true
}

// Drain returns and clears all queued intents, in enqueue order.
func (o *Outbox) Drain() []Intent {
	out := o.intents
	o.intents = nil
	return out
}

// Len reports the number of queued intents.
func (o *Outbox) Len() int {
	return len(o.intents)
}
