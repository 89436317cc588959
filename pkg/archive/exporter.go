package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
)

var ErrNothingToExport = errors.New("no entries to export")

// Segment describes one exported run of ledger entries.
type Segment struct {
	Ref       string `json:"ref"`
	FromSeq   uint64 `json:"from_sequence_no"`
	ToSeq     uint64 `json:"to_sequence_no"`
	Count     int    `json:"count"`
	ChainHead string `json:"chain_head"`
}

// Exporter writes ledger segments to a Store.
type Exporter struct {
	ledger *audit.Ledger
	store  Store
	logger *slog.Logger
}

func NewExporter(ledger *audit.Ledger, store Store) *Exporter {
	return &Exporter{
		ledger: ledger,
		store:  store,
		logger: slog.Default().With("component", "archive"),
	}
}

// Export writes every entry from seq up to the current head as one JSON
// lines segment.
func (x *Exporter) Export(ctx context.Context, from uint64) (*Segment, error) {
	var (
		buf bytes.Buffer
		seg Segment
	)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for e, err := range x.ledger.ReadFrom(ctx, from) {
		if err != nil {
			return nil, err
		}
		if seg.Count == 0 {
			seg.FromSeq = e.Sequence
		}
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode entry %d: %w", e.Sequence, err)
		}
		seg.ToSeq = e.Sequence
		seg.ChainHead = e.EntryHash
		seg.Count++
	}
	if seg.Count == 0 {
		return nil, ErrNothingToExport
	}

	ref, err := x.store.Put(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("archive segment: %w", err)
	}
	seg.Ref = ref
	x.logger.InfoContext(ctx, "ledger segment archived",
		"ref", ref, "from", seg.FromSeq, "to", seg.ToSeq, "count", seg.Count)
	return &seg, nil
}

// Load fetches a segment and checks that its content matches ref and that
// the entries are contiguous and chained.
func Load(ctx context.Context, store Store, ref string) ([]*audit.Entry, error) {
	data, err := store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if got, _ := contentRef(data); got != ref {
		return nil, fmt.Errorf("segment content does not match %s", ref)
	}

	var entries []*audit.Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var e audit.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode segment line: %w", err)
		}
		if n := len(entries); n > 0 {
			prev := entries[n-1]
			if e.Sequence != prev.Sequence+1 || e.PreviousHash != prev.EntryHash {
				return nil, fmt.Errorf("%w: segment breaks at %d", audit.ErrChainBroken, e.Sequence)
			}
		}
		entries = append(entries, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
