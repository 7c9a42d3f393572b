package addressbook_test

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/addressbook"
	"github.com/knotprotocol/knot/internal/types"
)

func nodeFixture(t *testing.T) types.NodeID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := types.NodeIDFromPublicKey(priv.GetPublic())
	require.NoError(t, err)
	return id
}

func openBook(t *testing.T) *addressbook.Book {
	t.Helper()
	b, err := addressbook.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestInsertIsIdempotentAndFirstSourceWins(t *testing.T) {
	b := openBook(t)
	node := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}

	require.NoError(t, b.Insert(node, addr, addressbook.SourcePeer))
	require.NoError(t, b.Insert(node, addr, addressbook.SourceImport))

	records, err := b.Addresses(node)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, addressbook.SourcePeer, records[0].Source)
}

func TestRecordAttemptStampsSuccess(t *testing.T) {
	b := openBook(t)
	node := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	require.NoError(t, b.Insert(node, addr, addressbook.SourcePeer))

	require.NoError(t, b.RecordAttempt(node, addr, 100, false))
	records, err := b.Addresses(node)
	require.NoError(t, err)
	require.EqualValues(t, 100, records[0].LastAttempt)
	require.EqualValues(t, 0, records[0].LastSuccess)

	require.NoError(t, b.RecordAttempt(node, addr, 200, true))
	records, err = b.Addresses(node)
	require.NoError(t, err)
	require.EqualValues(t, 200, records[0].LastAttempt)
	require.EqualValues(t, 200, records[0].LastSuccess)
}

func TestSetBannedExcludesFromBestAddress(t *testing.T) {
	b := openBook(t)
	node := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	require.NoError(t, b.Insert(node, addr, addressbook.SourcePeer))

	_, ok, err := b.BestAddress(node)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.SetBanned(node, addr, true))
	_, ok, err = b.BestAddress(node)
	require.NoError(t, err)
	require.False(t, ok)

	nodes, err := b.Nodes()
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestRemove(t *testing.T) {
	b := openBook(t)
	node := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	require.NoError(t, b.Insert(node, addr, addressbook.SourcePeer))

	require.NoError(t, b.Remove(node, addr))
	records, err := b.Addresses(node)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestLenCountsAcrossNodes(t *testing.T) {
	b := openBook(t)
	node1, node2 := nodeFixture(t), nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	require.NoError(t, b.Insert(node1, addr, addressbook.SourcePeer))
	require.NoError(t, b.Insert(node2, addr, addressbook.SourcePeer))

	n, err := b.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
