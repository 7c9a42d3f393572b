package gossip_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/gossip"
	"github.com/knotprotocol/knot/internal/wire"
)

func TestUpdateRejectsStaleOrEqualTimestamp(t *testing.T) {
	l := gossip.NewLog()
	key := gossip.Key{Kind: wire.KindNodeInfo}

	require.True(t, l.Update(key, 100))
	require.False(t, l.Update(key, 100))
	require.False(t, l.Update(key, 50))
	require.True(t, l.Update(key, 101))

	ts, ok := l.LastSeen(key)
	require.True(t, ok)
	require.EqualValues(t, 101, ts)
}

func TestIsFreshDoesNotMutate(t *testing.T) {
	l := gossip.NewLog()
	key := gossip.Key{Kind: wire.KindInventory}
	require.True(t, l.Update(key, 10))

	require.True(t, l.IsFresh(key, 20))
	require.False(t, l.IsFresh(key, 5))

	ts, _ := l.LastSeen(key)
	require.EqualValues(t, 10, ts)
}

func TestForgetRemovesKey(t *testing.T) {
	l := gossip.NewLog()
	key := gossip.Key{Kind: wire.KindRefs}
	l.Update(key, 1)
	require.Equal(t, 1, l.Len())

	l.Forget(key)
	require.Equal(t, 0, l.Len())
	_, ok := l.LastSeen(key)
	require.False(t, ok)
}

func TestFilteredReturnsKeysAtOrAfterSince(t *testing.T) {
	l := gossip.NewLog()
	old := gossip.Key{Kind: wire.KindNodeInfo}
	recent := gossip.Key{Kind: wire.KindInventory}
	l.Update(old, 10)
	l.Update(recent, 100)

	keys := l.Filtered(50)
	require.Len(t, keys, 1)
	require.Equal(t, recent, keys[0])
}

func TestPruneRemovesOlderThanBound(t *testing.T) {
	l := gossip.NewLog()
	old := gossip.Key{Kind: wire.KindNodeInfo}
	recent := gossip.Key{Kind: wire.KindInventory}
	l.Update(old, 10)
	l.Update(recent, 100)

	n := l.Prune(50)
	require.Equal(t, 1, n)
	require.Equal(t, 1, l.Len())
}
