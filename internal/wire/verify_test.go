package wire_test

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p-core/crypto"
	libp2pPeer "github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

func TestVerifyInventory(t *testing.T) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	author, err := types.NodeIDFromPublicKey(priv.GetPublic())
	require.NoError(t, err)

	repo, err := types.ParseRepoID("bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku")
	require.NoError(t, err)

	inv, err := wire.NewInventory(author, []types.RepoID{repo}, 1)
	require.NoError(t, err)
	sig, err := priv.Sign(inv.SignedPayload())
	require.NoError(t, err)
	inv.Sig = wire.Signature(sig)

	ok, err := wire.VerifyInventory(inv)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRefsChecksEveryRemote(t *testing.T) {
	authorPriv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	author, err := types.NodeIDFromPublicKey(authorPriv.GetPublic())
	require.NoError(t, err)

	remotePriv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	remote, err := types.NodeIDFromPublicKey(remotePriv.GetPublic())
	require.NoError(t, err)

	repo, err := types.ParseRepoID("bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku")
	require.NoError(t, err)

	signedRefs := wire.SignedRefs{Remote: remote, Refs: map[string]string{"refs/heads/main": "deadbeef"}}
	refs, err := wire.NewRefs(author, repo, []wire.SignedRefs{signedRefs}, 1)
	require.NoError(t, err)

	sig, err := authorPriv.Sign(refs.SignedPayload())
	require.NoError(t, err)
	refs.Sig = wire.Signature(sig)

	// Leave the per-remote signature unset: the overall announcement is
	// signed correctly but the embedded remote entry is not, so
	// VerifyRefs must still reject it (spec.md §4.H).
	ok, err := wire.VerifyRefs(refs)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyRejectsNodeIDWithNoEmbeddedKey(t *testing.T) {
	// A peer id derived by hashing an RSA key (too large to embed) has no
	// recoverable public key, unlike the small ed25519 ids this node uses.
	priv, _, err := crypto.GenerateRSAKeyPair(2048, rand.Reader)
	require.NoError(t, err)
	pub := priv.GetPublic()
	id, err := libp2pPeer.IDFromPublicKey(pub)
	require.NoError(t, err)
	author := types.NodeIDFromPeer(id)

	_, err = wire.Verify(author, []byte("payload"), wire.Signature{0x1})
	require.ErrorIs(t, err, wire.ErrNoEmbeddedKey)
}
