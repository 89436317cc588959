package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_SignVerify(t *testing.T) {
	s, err := NewEd25519Signer("k1")
	require.NoError(t, err)

	sig, err := s.Sign([]byte("entry-hash"))
	require.NoError(t, err)

	ok, err := Verify(s.PublicKey(), sig, []byte("entry-hash"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(s.PublicKey(), sig, []byte("tampered"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Verify("zz", sig, nil)
	assert.Error(t, err)
}

func TestKeySet(t *testing.T) {
	s, err := NewEd25519Signer("k1")
	require.NoError(t, err)
	ks := NewKeySet()
	ks.AddSigner(s)

	sig, _ := s.Sign([]byte("m"))
	assert.NoError(t, ks.Verify("k1", sig, []byte("m")))
	assert.ErrorIs(t, ks.Verify("k1", sig, []byte("x")), ErrInvalidSignature)
	assert.ErrorIs(t, ks.Verify("k2", sig, []byte("m")), ErrUnknownKey)
}

func TestDeriveDomainSigner_Deterministic(t *testing.T) {
	root := bytes.Repeat([]byte{7}, 32)

	a1, err := DeriveDomainSigner(root, "use1-az1")
	require.NoError(t, err)
	a2, err := DeriveDomainSigner(root, "use1-az1")
	require.NoError(t, err)
	b, err := DeriveDomainSigner(root, "use1-az2")
	require.NoError(t, err)

	assert.Equal(t, a1.PublicKey(), a2.PublicKey())
	assert.NotEqual(t, a1.PublicKey(), b.PublicKey())
	assert.Equal(t, "domain:use1-az1", a1.KeyID())

	_, err = DeriveDomainSigner(root[:8], "x")
	assert.Error(t, err)
	_, err = DeriveDomainSigner(root, "")
	assert.Error(t, err)
}

func TestParseSeed(t *testing.T) {
	_, err := ParseSeed("abcd")
	assert.Error(t, err)
	seed, err := ParseSeed("0707070707070707070707070707070707070707070707070707070707070707")
	require.NoError(t, err)
	assert.Len(t, seed, 32)
}
