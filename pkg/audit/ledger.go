package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/crypto"
)

var (
	ErrChainBroken      = errors.New("hash chain is broken")
	ErrSequenceMismatch = errors.New("ledger head moved")
)

const (
	defaultPageSize = 256
	maxAppendTries  = 3
)

// Handler is called with every entry after it is durable.
type Handler func(e *Entry)

// Ledger appends signed, hash-chained entries to a Backend.
type Ledger struct {
	mu       sync.Mutex
	backend  Backend
	signer   crypto.Signer
	keys     *crypto.KeySet
	clock    func() time.Time
	logger   *slog.Logger
	pageSize int

	hmu      sync.RWMutex
	handlers []Handler
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithKeySet sets the keys used to verify entries written by other
// coordinators. The ledger's own signer is always added.
func WithKeySet(ks *crypto.KeySet) Option {
	return func(l *Ledger) { l.keys = ks }
}

// WithPageSize sets the batch size used by ReadFrom.
func WithPageSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger over backend that signs with signer.
func New(backend Backend, signer crypto.Signer, opts ...Option) *Ledger {
	l := &Ledger{
		backend:  backend,
		signer:   signer,
		clock:    time.Now,
		logger:   slog.Default().With("component", "audit"),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.keys == nil {
		l.keys = crypto.NewKeySet()
	}
	l.keys.AddSigner(signer)
	return l
}

// KeySet returns the verification keys.
func (l *Ledger) KeySet() *crypto.KeySet { return l.keys }

type appendConfig struct {
	expect    uint64
	hasExpect bool
}

// AppendOption modifies a single append.
type AppendOption func(*appendConfig)

// ExpectSequence makes the append succeed only if the ledger head is
// exactly seq. The entry then gets seq+1. Returns ErrSequenceMismatch
// otherwise.
func ExpectSequence(seq uint64) AppendOption {
	return func(c *appendConfig) {
		c.expect = seq
		c.hasExpect = true
	}
}

// Append writes a new entry. Storage failures are wrapped in
// contracts.ErrLedgerUnavailable; a cancelled or expired ctx is returned
// as itself.
func (l *Ledger) Append(ctx context.Context, kind Kind, subject string, payload any, opts ...AppendOption) (*Entry, error) {
	var cfg appendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	body, err := canonicalPayload(payload)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	entry, err := l.appendLocked(ctx, kind, subject, body, cfg)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	l.hmu.RLock()
	handlers := l.handlers
	l.hmu.RUnlock()
	for _, h := range handlers {
		h(entry.clone())
	}
	return entry, nil
}

func (l *Ledger) appendLocked(ctx context.Context, kind Kind, subject string, body []byte, cfg appendConfig) (*Entry, error) {
	for attempt := 1; ; attempt++ {
		headSeq, headHash, err := l.backend.Head(ctx)
		if err != nil {
			return nil, l.unavailable(ctx, "head", err)
		}
		if cfg.hasExpect && headSeq != cfg.expect {
			return nil, fmt.Errorf("%w: head is %d, expected %d", ErrSequenceMismatch, headSeq, cfg.expect)
		}

		entry := &Entry{
			ID:           uuid.NewString(),
			Sequence:     headSeq + 1,
			Timestamp:    l.clock().UTC(),
			Kind:         kind,
			Subject:      subject,
			Payload:      body,
			PayloadHash:  computeHash(body),
			PreviousHash: headHash,
			SignerKeyID:  l.signer.KeyID(),
		}
		if entry.EntryHash, err = computeEntryHash(entry); err != nil {
			return nil, err
		}
		if entry.Signature, err = l.signer.Sign([]byte(entry.EntryHash)); err != nil {
			return nil, fmt.Errorf("failed to sign entry: %w", err)
		}

		err = l.backend.Insert(ctx, entry)
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, ErrSequenceConflict) && cfg.hasExpect:
			return nil, fmt.Errorf("%w: sequence %d taken by another writer", ErrSequenceMismatch, entry.Sequence)
		case errors.Is(err, ErrSequenceConflict) && attempt < maxAppendTries:
			l.logger.DebugContext(ctx, "ledger append raced, retrying", "sequence", entry.Sequence)
			continue
		default:
			return nil, l.unavailable(ctx, "insert", err)
		}
	}
}

// unavailable classifies a backend error. A failure caused by the caller's
// context ending is the caller's problem and is not a storage failure.
func (l *Ledger) unavailable(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("audit %s: %w: %w", op, cerr, err)
	}
	l.logger.Error("ledger storage failure", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %w", contracts.ErrLedgerUnavailable, op, err)
}

// Head returns the current head sequence and hash.
func (l *Ledger) Head(ctx context.Context) (uint64, string, error) {
	seq, hash, err := l.backend.Head(ctx)
	if err != nil {
		return 0, "", l.unavailable(ctx, "head", err)
	}
	return seq, hash, nil
}

// ReadFrom yields entries from seq (1 when 0) up to the head observed when
// iteration starts. Calling it again restarts from any point.
func (l *Ledger) ReadFrom(ctx context.Context, seq uint64) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		head, _, err := l.backend.Head(ctx)
		if err != nil {
			yield(nil, l.unavailable(ctx, "head", err))
			return
		}
		next := max(seq, 1)
		for next <= head {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := l.backend.Range(ctx, next, head, l.pageSize)
			if err != nil {
				yield(nil, l.unavailable(ctx, "range", err))
				return
			}
			if len(page) == 0 {
				yield(nil, fmt.Errorf("%w: no entry at sequence %d", ErrChainBroken, next))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			next = page[len(page)-1].Sequence + 1
		}
	}
}

// Subscribe registers h for every future entry. Handlers run on the
// appending goroutine after the ledger lock is released, so they may append.
func (l *Ledger) Subscribe(h Handler) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	l.handlers = append(l.handlers, h)
}

// VerifyChain walks the whole ledger checking sequence continuity, hash
// links, recomputed hashes and signatures. Returns the number of entries.
func (l *Ledger) VerifyChain(ctx context.Context) (uint64, error) {
	expectedSeq := uint64(1)
	expectedPrev := GenesisHash
	for e, err := range l.ReadFrom(ctx, 1) {
		if err != nil {
			return expectedSeq - 1, err
		}
		if err := l.verifyEntry(e, expectedSeq, expectedPrev); err != nil {
			return expectedSeq - 1, err
		}
		expectedSeq++
		expectedPrev = e.EntryHash
	}
	return expectedSeq - 1, nil
}

func (l *Ledger) verifyEntry(e *Entry, seq uint64, prev string) error {
	if e.Sequence != seq {
		return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, seq, e.Sequence)
	}
	if e.PreviousHash != prev {
		return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s", ErrChainBroken, seq, e.PreviousHash, prev)
	}
	if got := computeHash(e.Payload); got != e.PayloadHash {
		return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, seq)
	}
	computed, err := computeEntryHash(e)
	if err != nil {
		return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, seq, err)
	}
	if computed != e.EntryHash {
		return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)", ErrChainBroken, seq, computed, e.EntryHash)
	}
	if err := l.keys.Verify(e.SignerKeyID, e.Signature, []byte(e.EntryHash)); err != nil {
		return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, seq, err)
	}
	return nil
}
