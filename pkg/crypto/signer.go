// Package crypto holds the ed25519 keys that sign ledger entries and the
// verification helpers used when the chain is replayed.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer signs ledger entry hashes.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKey() string
	PublicKeyBytes() ed25519.PublicKey
}

// Ed25519Signer is an in-process Signer.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh key.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv, keyID), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pubKey) }

func (s *Ed25519Signer) PublicKeyBytes() ed25519.PublicKey { return s.pubKey }

// PrivateKey exposes the key for JWT signing of promotion approvals.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.privKey }

// Verify checks a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// KeySet maps key ids to public keys. Every coordinator that may append to
// the ledger registers its key so replay can check any entry.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers a public key under keyID, replacing any earlier key.
func (k *KeySet) Add(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
}

// AddSigner registers the signer's public key.
func (k *KeySet) AddSigner(s Signer) {
	k.Add(s.KeyID(), s.PublicKeyBytes())
}

// Lookup returns the key registered under keyID.
func (k *KeySet) Lookup(keyID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[keyID]
	return pub, ok
}

// Verify checks sigHex over data with the key registered under keyID.
func (k *KeySet) Verify(keyID, sigHex string, data []byte) error {
	pub, ok := k.Lookup(keyID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}
