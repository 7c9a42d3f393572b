// Package wire defines the signed, tagged-union messages exchanged between
// connected peers (spec.md §6) and their binary framing.
package wire

import (
	"errors"

	"github.com/knotprotocol/knot/internal/types"
)

// Size limits fixed by wire message size, per spec.md §6.
const (
	InventoryLimit = 1024
	RefRemoteLimit = 64
	MaxPongZeroes  = 2048
	AliasLen       = 32
)

// Errors returned by message construction and decoding when a bound from
// spec.md §6 is violated.
var (
	ErrAliasTooLong     = errors.New("wire: alias exceeds 32 bytes")
	ErrTooManyAddresses = errors.New("wire: too many addresses in NodeInfo")
	ErrTooManyRepos     = errors.New("wire: inventory exceeds INVENTORY_LIMIT")
	ErrTooManyRemotes   = errors.New("wire: refs exceed REF_REMOTE_LIMIT")
	ErrPongTooLarge     = errors.New("wire: pong length exceeds MAX_PONG_ZEROES")
	ErrPongLenMismatch  = errors.New("wire: pong length does not match ping request")
	ErrUnknownKind      = errors.New("wire: unknown message kind")
)

// Kind tags which variant a Message carries.
type Kind uint8

const (
	KindNodeInfo Kind = iota + 1
	KindInventory
	KindRefs
	KindSubscribe
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindNodeInfo:
		return "node-info"
	case KindInventory:
		return "inventory"
	case KindRefs:
		return "refs"
	case KindSubscribe:
		return "subscribe"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Signature is a detached signature over a message's signed payload.
type Signature []byte

// Alias is a fixed-size display name carried on a NodeInfo announcement.
type Alias [AliasLen]byte

// NewAlias builds an Alias from a string, rejecting names that don't fit.
func NewAlias(s string) (Alias, error) {
	var a Alias
	if len(s) > AliasLen {
		return a, ErrAliasTooLong
	}
	copy(a[:], s)
	return a, nil
}

// String trims the trailing zero padding.
func (a Alias) String() string {
	n := len(a)
	for n > 0 && a[n-1] == 0 {
		n--
	}
	return string(a[:n])
}

// NodeInfo announces a node's identity, capabilities and reachability.
type NodeInfo struct {
	Author    types.NodeID
	Features  types.Features
	Addresses []types.Address
	Alias     Alias
	Work      uint64
	Timestamp types.Timestamp
	Sig       Signature
}

// SignedPayload returns the bytes that Sig signs over.
func (n NodeInfo) SignedPayload() []byte {
	return encodeNodeInfoPayload(n)
}

// NewNodeInfo validates bounds and builds a NodeInfo.
func NewNodeInfo(author types.NodeID, features types.Features, addrs []types.Address, alias Alias, work uint64, ts types.Timestamp) (NodeInfo, error) {
	if len(addrs) > types.AddressLimit {
		return NodeInfo{}, ErrTooManyAddresses
	}
	return NodeInfo{
		Author:    author,
		Features:  features,
		Addresses: addrs,
		Alias:     alias,
		Work:      work,
		Timestamp: ts,
	}, nil
}

// Inventory announces the complete set of repositories a node holds.
type Inventory struct {
	Author    types.NodeID
	Repos     []types.RepoID
	Timestamp types.Timestamp
	Sig       Signature
}

func (i Inventory) SignedPayload() []byte {
	return encodeInventoryPayload(i)
}

// NewInventory validates bounds and builds an Inventory.
func NewInventory(author types.NodeID, repos []types.RepoID, ts types.Timestamp) (Inventory, error) {
	if len(repos) > InventoryLimit {
		return Inventory{}, ErrTooManyRepos
	}
	return Inventory{Author: author, Repos: repos, Timestamp: ts}, nil
}

// SignedRefs is one remote's view of a repository's references, signed by
// that remote.
type SignedRefs struct {
	Remote types.NodeID
	Refs   map[string]string // ref name -> object id (opaque, git scope is out of bounds)
	Sig    Signature
}

// Refs announces the state of a repository's references across one or more
// remotes.
type Refs struct {
	Author    types.NodeID
	Repo      types.RepoID
	Remotes   []SignedRefs
	Timestamp types.Timestamp
	Sig       Signature
}

func (r Refs) SignedPayload() []byte {
	return encodeRefsPayload(r)
}

// NewRefs validates bounds and builds a Refs announcement.
func NewRefs(author types.NodeID, repo types.RepoID, remotes []SignedRefs, ts types.Timestamp) (Refs, error) {
	if len(remotes) > RefRemoteLimit {
		return Refs{}, ErrTooManyRemotes
	}
	return Refs{Author: author, Repo: repo, Remotes: remotes, Timestamp: ts}, nil
}

// Subscribe asks the remote to replay and forward matching announcements.
type Subscribe struct {
	Filter []byte // serialized subscription filter (internal/filter)
	Since  types.Timestamp
	Until  types.Timestamp
}

// Ping requests a Pong carrying PongLen zero bytes.
type Ping struct {
	PongLen uint16
}

// NewPing validates PongLen against MAX_PONG_ZEROES.
func NewPing(pongLen uint16) (Ping, error) {
	if int(pongLen) > MaxPongZeroes {
		return Ping{}, ErrPongTooLarge
	}
	return Ping{PongLen: pongLen}, nil
}

// Pong answers a Ping with exactly PongLen zero bytes.
type Pong struct {
	Zeroes []byte
}

// Message is the tagged union of all wire message variants.
type Message struct {
	Kind      Kind
	NodeInfo  *NodeInfo
	Inventory *Inventory
	Refs      *Refs
	Subscribe *Subscribe
	Ping      *Ping
	Pong      *Pong
}
