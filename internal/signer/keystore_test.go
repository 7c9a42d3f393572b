package signer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/signer"
	"github.com/knotprotocol/knot/internal/wire"
)

func TestNewKeystoreSignerGeneratesIdentityOnFirstUse(t *testing.T) {
	dir := t.TempDir()

	s, err := signer.NewKeystoreSigner(dir)
	require.NoError(t, err)
	require.False(t, s.NodeID().IsZero())

	sig, err := s.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, sig)
}

func TestNewKeystoreSignerPersistsIdentityAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	s1, err := signer.NewKeystoreSigner(dir)
	require.NoError(t, err)

	s2, err := signer.NewKeystoreSigner(dir)
	require.NoError(t, err)

	require.True(t, s1.NodeID().Equal(s2.NodeID()))
}

func TestSignatureVerifiesAgainstNodeID(t *testing.T) {
	dir := t.TempDir()
	s, err := signer.NewKeystoreSigner(dir)
	require.NoError(t, err)

	payload := []byte("announce")
	sig, err := s.Sign(payload)
	require.NoError(t, err)

	ok, err := wire.Verify(s.NodeID(), payload, sig)
	require.NoError(t, err)
	require.True(t, ok)
}
