package service_test

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/addressbook"
	"github.com/knotprotocol/knot/internal/config"
	"github.com/knotprotocol/knot/internal/control"
	"github.com/knotprotocol/knot/internal/gossip"
	"github.com/knotprotocol/knot/internal/outbox"
	"github.com/knotprotocol/knot/internal/routing"
	"github.com/knotprotocol/knot/internal/service"
	"github.com/knotprotocol/knot/internal/tracking"
	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// fakeSigner is an in-memory signer.Signer, avoiding a filesystem keystore
// in tests that don't care about persistence.
type fakeSigner struct {
	priv crypto.PrivKey
	id   types.NodeID
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := types.NodeIDFromPublicKey(priv.GetPublic())
	require.NoError(t, err)
	return &fakeSigner{priv: priv, id: id}
}

func (f *fakeSigner) NodeID() types.NodeID { return f.id }
func (f *fakeSigner) Sign(payload []byte) (wire.Signature, error) {
	sig, err := f.priv.Sign(payload)
	return wire.Signature(sig), err
}

// fakeStorage is an in-memory service.Storage.
type fakeStorage struct {
	repos   []types.RepoID
	remotes map[string]map[types.NodeID]wire.SignedRefs
	trusted []types.NodeID
	applied []wire.Refs
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{remotes: make(map[string]map[types.NodeID]wire.SignedRefs)}
}

func (f *fakeStorage) LocalInventory() ([]types.RepoID, error) { return f.repos, nil }

func (f *fakeStorage) HasRepo(repo types.RepoID) (bool, error) {
	for _, r := range f.repos {
		if r.Equal(repo) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStorage) Remotes(repo types.RepoID) (map[types.NodeID]wire.SignedRefs, error) {
	return f.remotes[repo.String()], nil
}

func (f *fakeStorage) ApplyRefs(repo types.RepoID, refs wire.Refs) error {
	f.applied = append(f.applied, refs)
	return nil
}

func (f *fakeStorage) TrustedNodes() ([]types.NodeID, error) { return f.trusted, nil }

func repoFixture(t *testing.T) types.RepoID {
	t.Helper()
	id, err := types.ParseRepoID("bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku")
	require.NoError(t, err)
	return id
}

func nodeFixture(t *testing.T) (types.NodeID, crypto.PrivKey) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := types.NodeIDFromPublicKey(priv.GetPublic())
	require.NoError(t, err)
	return id, priv
}

type testEnv struct {
	svc      *service.Service
	storage  *fakeStorage
	signer   *fakeSigner
	routing  *routing.Table
	tracking *tracking.Store
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg := config.Default()
	sgn := newFakeSigner(t)
	storage := newFakeStorage()

	rt, err := routing.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	addrs, err := addressbook.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { addrs.Close() })

	trk, err := tracking.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { trk.Close() })

	gl := gossip.NewLog()

	svc := service.New(cfg, sgn, storage, rt, addrs, trk, gl, zerolog.Nop(), 1)
	return testEnv{svc: svc, storage: storage, signer: sgn, routing: rt, tracking: trk}
}

func TestHandleConnectedSendsHandshake(t *testing.T) {
	env := newTestEnv(t)
	node, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}

	env.svc.HandleConnected(node, addr, types.Inbound, 10)

	intents := env.svc.Outbox()
	var kinds []wire.Kind
	for _, in := range intents {
		if in.Kind == outbox.Write {
			kinds = append(kinds, in.Message.Kind)
		}
	}
	require.Equal(t, []wire.Kind{wire.KindNodeInfo, wire.KindSubscribe, wire.KindInventory}, kinds)
}

func TestHandleMessageRelaysFreshNodeInfo(t *testing.T) {
	env := newTestEnv(t)
	a, _ := nodeFixture(t)
	b, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(a, addr, types.Inbound, 1)
	env.svc.HandleConnected(b, addr, types.Inbound, 1)
	env.svc.Outbox() // drain handshakes

	remote, remotePriv := nodeFixture(t)
	info, err := wire.NewNodeInfo(remote, types.FeatureSeed, nil, wire.Alias{}, 0, 10)
	require.NoError(t, err)
	sig, err := remotePriv.Sign(info.SignedPayload())
	require.NoError(t, err)
	info.Sig = wire.Signature(sig)

	env.svc.HandleMessage(a, wire.Message{Kind: wire.KindNodeInfo, NodeInfo: &info}, 11)

	intents := env.svc.Outbox()
	require.Len(t, intents, 1)
	require.Equal(t, outbox.Write, intents[0].Kind)
	require.True(t, intents[0].Node.Equal(b))
	require.Equal(t, wire.KindNodeInfo, intents[0].Message.Kind)
}

func TestHandleMessageRejectsBadSignatureAsMisbehavior(t *testing.T) {
	env := newTestEnv(t)
	a, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(a, addr, types.Inbound, 1)
	env.svc.Outbox()

	remote, _ := nodeFixture(t)
	info, err := wire.NewNodeInfo(remote, 0, nil, wire.Alias{}, 0, 10)
	require.NoError(t, err)
	info.Sig = wire.Signature([]byte("not a real signature"))

	sub := env.svc.Events().Subscribe()
	defer sub.Unsubscribe()

	env.svc.HandleMessage(a, wire.Message{Kind: wire.KindNodeInfo, NodeInfo: &info}, 11)

	ev := <-sub.C
	require.Equal(t, "misbehavior", ev.Kind.String())

	sess, ok := env.svc.Session(a)
	require.True(t, ok)
	require.Equal(t, "disconnected", sess.State().String())
}

func TestHandleMessageInventoryDiscoversSeed(t *testing.T) {
	env := newTestEnv(t)
	a, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(a, addr, types.Inbound, 1)
	env.svc.Outbox()

	remote, remotePriv := nodeFixture(t)
	repo := repoFixture(t)
	inv, err := wire.NewInventory(remote, []types.RepoID{repo}, 10)
	require.NoError(t, err)
	sig, err := remotePriv.Sign(inv.SignedPayload())
	require.NoError(t, err)
	inv.Sig = wire.Signature(sig)

	sub := env.svc.Events().Subscribe()
	defer sub.Unsubscribe()

	env.svc.HandleMessage(a, wire.Message{Kind: wire.KindInventory, Inventory: &inv}, 11)

	ev := <-sub.C
	require.Equal(t, "seed-discovered", ev.Kind.String())
	require.True(t, ev.Repo.Equal(repo))
}

func TestTickSchedulesWakeup(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Tick(100)
	_, ok := env.svc.NextWakeup()
	require.True(t, ok)
}

func TestHandleCommandStatus(t *testing.T) {
	env := newTestEnv(t)
	resp := env.svc.HandleCommand(control.Command{ID: "1", Type: control.CmdStatus}, 100)
	require.True(t, resp.OK)

	var st control.StatusResult
	require.NoError(t, json.Unmarshal(resp.Result, &st))
	require.Equal(t, env.signer.NodeID().String(), st.NodeID)
}

func TestHandleCommandUnknownType(t *testing.T) {
	env := newTestEnv(t)
	resp := env.svc.HandleCommand(control.Command{ID: "1", Type: "not-a-command"}, 100)
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestHandleCommandTrackThenSeeds(t *testing.T) {
	env := newTestEnv(t)
	repo := repoFixture(t)

	params, err := json.Marshal(control.TrackRepoParams{Repo: repo.String(), All: true})
	require.NoError(t, err)
	resp := env.svc.HandleCommand(control.Command{ID: "1", Type: control.CmdTrackRepo, Params: params}, 1)
	require.True(t, resp.OK)

	seedsParams, err := json.Marshal(control.SeedsParams{Repo: repo.String()})
	require.NoError(t, err)
	resp = env.svc.HandleCommand(control.Command{ID: "2", Type: control.CmdSeeds, Params: seedsParams}, 1)
	require.True(t, resp.OK)
}

func TestHandleMessageNodeInfoPersistsAddressOnlyWhenSeed(t *testing.T) {
	env := newTestEnv(t)
	a, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(a, addr, types.Inbound, 1)
	env.svc.Outbox()

	nonSeed, nonSeedPriv := nodeFixture(t)
	info, err := wire.NewNodeInfo(nonSeed, 0, []types.Address{{Kind: types.HostIP, Host: "5.6.7.8", Port: 1}}, wire.Alias{}, 0, 10)
	require.NoError(t, err)
	sig, err := nonSeedPriv.Sign(info.SignedPayload())
	require.NoError(t, err)
	info.Sig = wire.Signature(sig)
	env.svc.HandleMessage(a, wire.Message{Kind: wire.KindNodeInfo, NodeInfo: &info}, 11)

	seed, seedPriv := nodeFixture(t)
	seedInfo, err := wire.NewNodeInfo(seed, types.FeatureSeed, []types.Address{{Kind: types.HostIP, Host: "9.9.9.9", Port: 1}}, wire.Alias{}, 0, 10)
	require.NoError(t, err)
	sig, err = seedPriv.Sign(seedInfo.SignedPayload())
	require.NoError(t, err)
	seedInfo.Sig = wire.Signature(sig)
	env.svc.HandleMessage(a, wire.Message{Kind: wire.KindNodeInfo, NodeInfo: &seedInfo}, 12)

	params, err := json.Marshal(control.ConnectParams{Node: nonSeed.String()})
	require.NoError(t, err)
	resp := env.svc.HandleCommand(control.Command{ID: "1", Type: control.CmdConnect, Params: params}, 13)
	require.False(t, resp.OK, "non-seed address must not be persisted")

	params, err = json.Marshal(control.ConnectParams{Node: seed.String()})
	require.NoError(t, err)
	resp = env.svc.HandleCommand(control.Command{ID: "2", Type: control.CmdConnect, Params: params}, 13)
	require.True(t, resp.OK, "seed address should be persisted and dialable")
}

func TestHandleMessageInventoryEmitsSeedDroppedOnStaleRepo(t *testing.T) {
	env := newTestEnv(t)
	a, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(a, addr, types.Inbound, 1)
	env.svc.Outbox()

	remote, remotePriv := nodeFixture(t)
	repo := repoFixture(t)
	inv, err := wire.NewInventory(remote, []types.RepoID{repo}, 10)
	require.NoError(t, err)
	sig, err := remotePriv.Sign(inv.SignedPayload())
	require.NoError(t, err)
	inv.Sig = wire.Signature(sig)

	sub := env.svc.Events().Subscribe()
	defer sub.Unsubscribe()

	env.svc.HandleMessage(a, wire.Message{Kind: wire.KindInventory, Inventory: &inv}, 11)
	require.Equal(t, "seed-discovered", (<-sub.C).Kind.String())

	empty, err := wire.NewInventory(remote, nil, 20)
	require.NoError(t, err)
	sig, err = remotePriv.Sign(empty.SignedPayload())
	require.NoError(t, err)
	empty.Sig = wire.Signature(sig)

	env.svc.HandleMessage(a, wire.Message{Kind: wire.KindInventory, Inventory: &empty}, 21)

	ev := <-sub.C
	require.Equal(t, "seed-dropped", ev.Kind.String())
	require.True(t, ev.Repo.Equal(repo))
	require.True(t, ev.Node.Equal(remote))
}

func TestHandleMessageRefsSyncedWhenAlreadyCurrent(t *testing.T) {
	env := newTestEnv(t)
	a, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(a, addr, types.Inbound, 1)
	env.svc.Outbox()

	remote, remotePriv := nodeFixture(t)
	repo := repoFixture(t)
	env.storage.repos = append(env.storage.repos, repo)
	env.storage.remotes[repo.String()] = map[types.NodeID]wire.SignedRefs{
		remote: {Remote: remote, Refs: map[string]string{"refs/heads/main": "aaa"}},
	}

	signedRemote := wire.SignedRefs{Remote: remote, Refs: map[string]string{"refs/heads/main": "aaa"}}
	remoteSig, err := remotePriv.Sign(wire.SignedRefsPayload(repo, signedRemote))
	require.NoError(t, err)
	signedRemote.Sig = wire.Signature(remoteSig)

	refs, err := wire.NewRefs(remote, repo, []wire.SignedRefs{signedRemote}, 10)
	require.NoError(t, err)
	sig, err := remotePriv.Sign(refs.SignedPayload())
	require.NoError(t, err)
	refs.Sig = wire.Signature(sig)

	sub := env.svc.Events().Subscribe()
	defer sub.Unsubscribe()

	env.svc.HandleMessage(a, wire.Message{Kind: wire.KindRefs, Refs: &refs}, 11)

	var kinds []string
	for i := 0; i < 2; i++ {
		kinds = append(kinds, (<-sub.C).Kind.String())
	}
	require.Contains(t, kinds, "refs-synced")
}

func TestHandleFetchCommandReportsCompletionTaggedWithCommandID(t *testing.T) {
	env := newTestEnv(t)
	node, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(node, addr, types.Outbound, 1)
	env.svc.Outbox()

	repo := repoFixture(t)
	params, err := json.Marshal(control.FetchParams{Repo: repo.String(), Node: node.String()})
	require.NoError(t, err)

	sub := env.svc.Events().Subscribe()
	defer sub.Unsubscribe()

	resp := env.svc.HandleCommand(control.Command{ID: "fetch-1", Type: control.CmdFetch, Params: params}, 1)
	require.True(t, resp.OK)

	intents := env.svc.Outbox()
	var fetchID uuid.UUID
	for _, in := range intents {
		if in.Kind == outbox.Fetch {
			fetchID = in.FetchID
		}
	}
	require.NotEqual(t, uuid.Nil, fetchID)

	require.Equal(t, "fetch-started", (<-sub.C).Kind.String())

	env.svc.HandleFetchCompleted(node, fetchID, repo, nil, 2)

	ev := <-sub.C
	require.Equal(t, "fetch-completed", ev.Kind.String())
	require.Equal(t, "fetch-1", ev.Detail)
}

func TestHandleDisconnectedFailsPendingFetch(t *testing.T) {
	env := newTestEnv(t)
	node, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(node, addr, types.Outbound, 1)
	env.svc.Outbox()

	repo := repoFixture(t)
	params, err := json.Marshal(control.FetchParams{Repo: repo.String(), Node: node.String()})
	require.NoError(t, err)
	resp := env.svc.HandleCommand(control.Command{ID: "fetch-2", Type: control.CmdFetch, Params: params}, 1)
	require.True(t, resp.OK)
	env.svc.Outbox()

	sub := env.svc.Events().Subscribe()
	defer sub.Unsubscribe()

	env.svc.HandleDisconnected(node, types.NewReason(types.ReasonTransport, "peer closed"), 2)

	ev := <-sub.C
	require.Equal(t, "fetch-completed", ev.Kind.String())
	require.Equal(t, "fetch-2", ev.Detail)
	require.Error(t, ev.Err)
}

func TestRunSyncFetchesTrackedMissingRepoFromConnectedSeed(t *testing.T) {
	env := newTestEnv(t)
	repo := repoFixture(t)
	require.NoError(t, env.tracking.TrackRepo(repo, tracking.ScopeAll))

	seed, _ := nodeFixture(t)
	_, err := env.routing.Insert(repo, seed, 1)
	require.NoError(t, err)

	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(seed, addr, types.Outbound, 1)
	env.svc.Outbox()

	resp := env.svc.HandleCommand(control.Command{ID: "sync", Type: control.CmdSyncInventory}, 2)
	require.True(t, resp.OK)

	intents := env.svc.Outbox()
	found := false
	for _, in := range intents {
		if in.Kind == outbox.Fetch && in.Node.Equal(seed) && in.Repo.Equal(repo) {
			found = true
		}
	}
	require.True(t, found, "runSync should enqueue a fetch for a tracked repo missing locally")
}

func TestHandleFetchCommandErrorsWhenTrustedScopeHasNoTrustedNodes(t *testing.T) {
	env := newTestEnv(t)
	repo := repoFixture(t)
	require.NoError(t, env.tracking.TrackRepo(repo, tracking.ScopeTrusted))

	node, _ := nodeFixture(t)
	addr := types.Address{Kind: types.HostIP, Host: "1.2.3.4", Port: 8776}
	env.svc.HandleConnected(node, addr, types.Outbound, 1)
	env.svc.Outbox()

	params, err := json.Marshal(control.FetchParams{Repo: repo.String(), Node: node.String()})
	require.NoError(t, err)
	resp := env.svc.HandleCommand(control.Command{ID: "fetch-3", Type: control.CmdFetch, Params: params}, 2)
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}
