package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const derivationSalt = "enactor-domain-kdf"

// DomainKeyID is the key id a domain signs under.
func DomainKeyID(domain string) string { return "domain:" + domain }

// DeriveDomainSigner derives a deterministic per-domain ed25519 key from a
// root seed with HKDF-SHA256. Every coordinator in the same domain ends up
// with the same key, so a promoted shadow keeps signing as its domain.
func DeriveDomainSigner(rootSeed []byte, domain string) (*Ed25519Signer, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain must not be empty")
	}
	if len(rootSeed) < ed25519.SeedSize {
		return nil, fmt.Errorf("root seed must be at least %d bytes", ed25519.SeedSize)
	}

	r := hkdf.New(sha256.New, rootSeed, []byte(derivationSalt), []byte(domain))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), DomainKeyID(domain)), nil
}

// ParseSeed decodes a hex root seed as found in configuration.
func ParseSeed(seedHex string) ([]byte, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes", ed25519.SeedSize)
	}
	return seed, nil
}
