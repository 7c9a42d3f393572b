package tracking_test

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/tracking"
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

func repoFixture(t *testing.T) types.RepoID {
	t.Helper()
	id, err := types.ParseRepoID("bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku")
	require.NoError(t, err)
	return id
}

func openStore(t *testing.T) *tracking.Store {
	t.Helper()
	s, err := tracking.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeTrustedNodes struct{ nodes []types.NodeID }

func (f fakeTrustedNodes) TrustedNodes() ([]types.NodeID, error) { return f.nodes, nil }

func TestTrackRepoThenBlockOverrides(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)

	require.NoError(t, s.TrackRepo(repo, tracking.ScopeAll))
	p, ok, err := s.RepoPolicyFor(repo)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tracking.PolicyTrack, p.Policy)

	require.NoError(t, s.BlockRepo(repo))
	p, ok, err = s.RepoPolicyFor(repo)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tracking.PolicyBlock, p.Policy)
}

func TestUntrackRepoRemovesPolicy(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)
	require.NoError(t, s.TrackRepo(repo, tracking.ScopeAll))
	require.NoError(t, s.UntrackRepo(repo))

	_, ok, err := s.RepoPolicyFor(repo)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTrackedReposOnlyListsTrackPolicy(t *testing.T) {
	s := openStore(t)
	tracked := repoFixture(t)
	require.NoError(t, s.TrackRepo(tracked, tracking.ScopeAll))

	list, err := s.TrackedRepos()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].Repo.Equal(tracked))
}

func TestNodePolicyDefaultsToNotBlocked(t *testing.T) {
	s := openStore(t)
	node := nodeFixture(t)

	blocked, err := s.IsNodeBlocked(node)
	require.NoError(t, err)
	require.False(t, blocked)

	require.NoError(t, s.BlockNode(node))
	blocked, err = s.IsNodeBlocked(node)
	require.NoError(t, err)
	require.True(t, blocked)

	require.NoError(t, s.UntrackNode(node))
	blocked, err = s.IsNodeBlocked(node)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestFetchScopeForTrustedSubset(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)
	trusted := []types.NodeID{nodeFixture(t), nodeFixture(t)}
	require.NoError(t, s.TrackRepo(repo, tracking.ScopeTrusted))

	scope, tracked, err := s.FetchScopeFor(repo, fakeTrustedNodes{nodes: trusted})
	require.NoError(t, err)
	require.True(t, tracked)
	require.False(t, scope.All)
	require.ElementsMatch(t, trusted, scope.Trusted)
}

func TestFetchScopeForTrustedWithNoTrustedNodesErrors(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)
	require.NoError(t, s.TrackRepo(repo, tracking.ScopeTrusted))

	_, _, err := s.FetchScopeFor(repo, fakeTrustedNodes{})
	require.Error(t, err)
	require.ErrorAs(t, err, &types.NoTrustedError{})
}

func TestFetchScopeForAllDoesNotConsultStorage(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)
	require.NoError(t, s.TrackRepo(repo, tracking.ScopeAll))

	scope, tracked, err := s.FetchScopeFor(repo, fakeTrustedNodes{})
	require.NoError(t, err)
	require.True(t, tracked)
	require.True(t, scope.All)
}

func TestFetchScopeForUntrackedReturnsNotTracked(t *testing.T) {
	s := openStore(t)
	repo := repoFixture(t)

	_, tracked, err := s.FetchScopeFor(repo, fakeTrustedNodes{})
	require.NoError(t, err)
	require.False(t, tracked)
}

func TestTrustedNodesListsTrackedNodePolicies(t *testing.T) {
	s := openStore(t)
	node := nodeFixture(t)
	require.NoError(t, s.TrackNode(node))

	trusted, err := s.TrustedNodes()
	require.NoError(t, err)
	require.Len(t, trusted, 1)
	require.True(t, trusted[0].Equal(node))
}
