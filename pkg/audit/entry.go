// Package audit implements the append-only, hash-chained ledger that every
// pipeline stage writes to. Sequence numbers are gap-free, entries are never
// rewritten, and each entry is signed by the coordinator that appended it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the previous hash of the first entry.
const GenesisHash = "genesis"

// Kind categorizes ledger entries.
type Kind string

const (
	KindProposal        Kind = "proposal"
	KindValidation      Kind = "validation"
	KindRejection       Kind = "rejection"
	KindToken           Kind = "token"
	KindVote            Kind = "vote"
	KindDecision        Kind = "decision"
	KindCommit          Kind = "commit"
	KindStage           Kind = "stage"
	KindRollback        Kind = "rollback"
	KindRolloutComplete Kind = "rollout_complete"
	KindCancellation    Kind = "cancellation"
	KindEpochTransition Kind = "epoch_transition"
	KindAnnotation      Kind = "annotation"
	KindCoordinatorHalt Kind = "coordinator_halt"
)

// Entry is a single immutable ledger record.
type Entry struct {
	ID           string          `json:"id"`
	Sequence     uint64          `json:"sequence_no"`
	Timestamp    time.Time       `json:"timestamp"`
	Kind         Kind            `json:"kind"`
	Subject      string          `json:"subject"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
	SignerKeyID  string          `json:"signer_key_id"`
	Signature    string          `json:"signature"`
}

// Decode unmarshals the payload into v.
func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("audit: decode %s payload at %d: %w", e.Kind, e.Sequence, err)
	}
	return nil
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// canonicalPayload returns the RFC 8785 form of v. Scalars (including a
// nil payload) are already canonical as encoded.
func canonicalPayload(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	if raw[0] != '{' && raw[0] != '[' {
		return raw, nil
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return out, nil
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// computeEntryHash covers every field except the hash and the signature.
func computeEntryHash(e *Entry) (string, error) {
	hashable := struct {
		ID           string    `json:"id"`
		Sequence     uint64    `json:"sequence_no"`
		Timestamp    time.Time `json:"timestamp"`
		Kind         Kind      `json:"kind"`
		Subject      string    `json:"subject"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
		SignerKeyID  string    `json:"signer_key_id"`
	}{
		ID:           e.ID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		Kind:         e.Kind,
		Subject:      e.Subject,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
		SignerKeyID:  e.SignerKeyID,
	}
	data, err := canonicalPayload(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	return computeHash(data), nil
}
