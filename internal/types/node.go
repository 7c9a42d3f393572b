// Package types holds the value types shared across the node: node and
// repository identifiers, addresses, timestamps and feature flags.
package types

import (
	"fmt"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
)

// NodeID identifies a peer by its long-lived public key. It wraps
// libp2p's peer.ID, which is itself a content hash of the public key.
type NodeID struct {
	id peer.ID
}

// NodeIDFromPeer wraps an existing libp2p peer id.
func NodeIDFromPeer(id peer.ID) NodeID {
	return NodeID{id: id}
}

// NodeIDFromPublicKey derives a NodeID from a public key.
func NodeIDFromPublicKey(pub crypto.PubKey) (NodeID, error) {
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return NodeID{}, fmt.Errorf("node id from public key: %w", err)
	}
	return NodeID{id: id}, nil
}

// ParseNodeID decodes a node id from its canonical string form.
func ParseNodeID(s string) (NodeID, error) {
	id, err := peer.Decode(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("parse node id %q: %w", s, err)
	}
	return NodeID{id: id}, nil
}

// Peer returns the underlying libp2p peer id.
func (n NodeID) Peer() peer.ID { return n.id }

// String returns the canonical encoding of the node id.
func (n NodeID) String() string { return n.id.String() }

// IsZero reports whether this is the zero value, never a valid identity.
func (n NodeID) IsZero() bool { return n.id == "" }

// Equal reports whether two node ids refer to the same peer.
func (n NodeID) Equal(other NodeID) bool { return n.id == other.id }

// MarshalText implements encoding.TextMarshaler so NodeID can be used as a
// JSON object key/value in the control channel protocol.
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NodeID) UnmarshalText(text []byte) error {
	id, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// Link describes which side initiated a session.
type Link int

const (
	// Inbound sessions were accepted from a peer that dialed us.
	Inbound Link = iota
	// Outbound sessions were initiated by us.
	Outbound
)

func (l Link) String() string {
	if l == Outbound {
		return "outbound"
	}
	return "inbound"
}
