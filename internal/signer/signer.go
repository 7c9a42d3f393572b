// Package signer defines the node's signing collaborator (spec.md §1:
// out of scope beyond its interface) and a reference implementation
// backed by a filesystem keystore.
package signer

import (
	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// Signer signs outgoing announcements and exposes the local node's
// public identity. Cryptographic primitives are out of scope (spec §1);
// only this minimal operation set is specified here.
type Signer interface {
	NodeID() types.NodeID
	Sign(payload []byte) (wire.Signature, error)
}
