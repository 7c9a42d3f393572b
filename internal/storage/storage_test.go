package storage_test

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/storage"
	"github.com/knotprotocol/knot/internal/tracking"
	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

func nodeFixture(t *testing.T) types.NodeID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := types.NodeIDFromPublicKey(priv.GetPublic())
	require.NoError(t, err)
	return id
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	trk, err := tracking.Open(filepath.Join(dir, "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { trk.Close() })

	s, err := storage.Open(filepath.Join(dir, "storage.db"), filepath.Join(dir, "badger"), trk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func repoFixture(t *testing.T) types.RepoID {
	t.Helper()
	id, err := types.ParseRepoID("bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku")
	require.NoError(t, err)
	return id
}

func TestSeedRepoRecordsInInventory(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)

	require.NoError(t, s.SeedRepo(repo))
	inv, err := s.LocalInventory()
	require.NoError(t, err)
	require.Len(t, inv, 1)

	has, err := s.HasRepo(repo)
	require.NoError(t, err)
	require.True(t, has)
}

func TestUnseedRepoRemovesFromInventory(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)
	require.NoError(t, s.SeedRepo(repo))

	require.NoError(t, s.UnseedRepo(repo))
	inv, err := s.LocalInventory()
	require.NoError(t, err)
	require.Empty(t, inv)

	has, err := s.HasRepo(repo)
	require.NoError(t, err)
	require.False(t, has)
}

func TestTrustedNodesDelegatesToTrackingStore(t *testing.T) {
	dir := t.TempDir()
	trk, err := tracking.Open(filepath.Join(dir, "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { trk.Close() })

	s, err := storage.Open(filepath.Join(dir, "storage.db"), filepath.Join(dir, "badger"), trk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	node := nodeFixture(t)
	require.NoError(t, trk.TrackNode(node))

	trusted, err := s.TrustedNodes()
	require.NoError(t, err)
	require.Len(t, trusted, 1)
	require.True(t, trusted[0].Equal(node))
}

func TestRemotesReflectsAppliedRefs(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)
	remote := nodeFixture(t)

	refs := wire.Refs{
		Author: remote,
		Repo:   repo,
		Remotes: []wire.SignedRefs{
			{Remote: remote, Refs: map[string]string{"refs/heads/main": "aaa"}},
		},
	}
	require.NoError(t, s.ApplyRefs(repo, refs))

	byRemote, err := s.Remotes(repo)
	require.NoError(t, err)
	got, ok := byRemote[remote]
	require.True(t, ok)
	require.Equal(t, "aaa", got.Refs["refs/heads/main"])
}

func TestApplyRefsReplacesPriorStateForRemote(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)
	remote := nodeFixture(t)

	refs := wire.Refs{
		Author: remote,
		Repo:   repo,
		Remotes: []wire.SignedRefs{
			{Remote: remote, Refs: map[string]string{"refs/heads/main": "aaa"}},
		},
	}
	require.NoError(t, s.ApplyRefs(repo, refs))

	got, err := s.Refs(repo)
	require.NoError(t, err)
	require.Equal(t, "aaa", got[remote.String()]["refs/heads/main"])

	refs.Remotes[0].Refs["refs/heads/main"] = "bbb"
	require.NoError(t, s.ApplyRefs(repo, refs))

	got, err = s.Refs(repo)
	require.NoError(t, err)
	require.Equal(t, "bbb", got[remote.String()]["refs/heads/main"])
}

func TestCacheAnnouncementRoundTrip(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)

	msg := wire.Message{Kind: wire.KindPing, Ping: &wire.Ping{PongLen: 8}}
	require.NoError(t, s.CacheAnnouncement(repo, msg))

	got, ok, err := s.LoadCachedAnnouncement(repo)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wire.KindPing, got.Kind)
	require.Equal(t, uint16(8), got.Ping.PongLen)
}

func TestLoadCachedAnnouncementMissingReturnsFalse(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)

	_, ok, err := s.LoadCachedAnnouncement(repo)
	require.NoError(t, err)
	require.False(t, ok)
}
