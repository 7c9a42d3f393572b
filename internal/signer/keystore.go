package signer

import (
	"crypto/rand"
	"fmt"

	keystore "github.com/ipfs/go-ipfs-keystore"
	"github.com/libp2p/go-libp2p-core/crypto"

	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// identityKeyName is the keystore entry holding the node's long-lived
// identity key, mirroring node/popn.go's single libp2p identity key.
const identityKeyName = "knot-identity"

// KeystoreSigner is a reference Signer backed by a filesystem keystore. It
// generates and persists an ed25519 identity key on first use.
type KeystoreSigner struct {
	priv crypto.PrivKey
	id   types.NodeID
}

// NewKeystoreSigner opens (or initializes) a keystore at path and loads the
// node's identity key from it.
func NewKeystoreSigner(path string) (*KeystoreSigner, error) {
	store, err := keystore.NewFSKeystore(path)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	priv, err := loadOrGenerateIdentity(store)
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}

	id, err := types.NodeIDFromPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("derive node id: %w", err)
	}

	return &KeystoreSigner{priv: priv, id: id}, nil
}

func loadOrGenerateIdentity(store keystore.Keystore) (crypto.PrivKey, error) {
	has, err := store.Has(identityKeyName)
	if err != nil {
		return nil, err
	}
	if has {
		return store.Get(identityKeyName)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := store.Put(identityKeyName, priv); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	return priv, nil
}

// NodeID returns the node's public identity.
func (s *KeystoreSigner) NodeID() types.NodeID { return s.id }

// Sign signs payload with the node's identity key.
func (s *KeystoreSigner) Sign(payload []byte) (wire.Signature, error) {
	sig, err := s.priv.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return wire.Signature(sig), nil
}
