package session_test

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/session"
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

func newSession(t *testing.T, link types.Link) *session.Session {
	t.Helper()
	addr := types.Address{Kind: types.HostIP, Host: "127.0.0.1", Port: 8776}
	return session.New(nodeFixture(t), link, addr, time.Second, time.Minute, 2)
}

func TestLifecycleTransitions(t *testing.T) {
	s := newSession(t, types.Outbound)
	require.Equal(t, session.Initial, s.State())

	s.Attempt(1)
	require.Equal(t, session.Attempted, s.State())

	s.Connected(2)
	require.Equal(t, session.Connected, s.State())

	reason := types.NewReason(types.ReasonTimeout, "no pong")
	s.Disconnect(3, reason)
	require.Equal(t, session.Disconnected, s.State())

	got, ok := s.DisconnectReason()
	require.True(t, ok)
	require.Equal(t, reason, got)
}

func TestDisconnectClearsFetchAndPingState(t *testing.T) {
	s := newSession(t, types.Outbound)
	s.Connected(1)
	s.SendPing(1, []byte{1, 2, 3})
	s.EnqueueFetch(session.FetchRequest{ID: uuid.New()})

	s.Disconnect(2, types.NewReason(types.ReasonTransport, ""))

	require.False(t, s.PingOutstanding())
	require.Equal(t, 0, s.QueuedFetches())
	require.Equal(t, 0, s.ActiveFetches())
}

func TestShouldReconnectOnlyForDisconnectedOutbound(t *testing.T) {
	s := newSession(t, types.Inbound)
	s.Attempt(1)
	s.Disconnect(1, types.NewReason(types.ReasonTimeout, ""))
	require.False(t, s.ShouldReconnect(100))

	out := newSession(t, types.Outbound)
	out.Attempt(1)
	out.Disconnect(1, types.NewReason(types.ReasonTimeout, ""))
	require.False(t, out.ShouldReconnect(2)) // backoff not elapsed yet
	require.True(t, out.ShouldReconnect(types.Timestamp(10*time.Minute.Milliseconds())))
}

func TestPingPongRoundTrip(t *testing.T) {
	s := newSession(t, types.Outbound)
	s.Connected(1)

	ping, err := wire.NewPing(16)
	require.NoError(t, err)
	s.SendPing(1, make([]byte, ping.PongLen))
	require.True(t, s.PingOutstanding())

	pong := wire.NewPong(ping)
	require.True(t, s.ReceivePong(2, pong))
	require.False(t, s.PingOutstanding())
}

func TestReceivePongRejectsWithNoOutstandingPing(t *testing.T) {
	s := newSession(t, types.Outbound)
	s.Connected(1)

	pong := wire.Pong{Zeroes: make([]byte, 4)}
	require.False(t, s.ReceivePong(2, pong))
}

func TestPingTimedOut(t *testing.T) {
	s := newSession(t, types.Outbound)
	s.Connected(1)
	s.SendPing(types.Timestamp(1000), []byte{1})

	require.False(t, s.PingTimedOut(types.Timestamp(1500), 2*time.Second))
	require.True(t, s.PingTimedOut(types.Timestamp(4000), 2*time.Second))
}

func TestFetchQueueRespectsConcurrency(t *testing.T) {
	s := newSession(t, types.Outbound)
	for i := 0; i < 3; i++ {
		s.EnqueueFetch(session.FetchRequest{ID: uuid.New()})
	}

	first, ok := s.NextFetch()
	require.True(t, ok)
	_, ok = s.NextFetch()
	require.True(t, ok)

	// concurrency cap is 2, a third must not start yet
	_, ok = s.NextFetch()
	require.False(t, ok)
	require.Equal(t, 1, s.QueuedFetches())
	require.Equal(t, 2, s.ActiveFetches())

	s.CompleteFetch(first.ID)
	_, ok = s.NextFetch()
	require.True(t, ok)
}
