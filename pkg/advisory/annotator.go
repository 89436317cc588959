// Package advisory scores ledger entries out of band. Scores are recorded
// as annotation entries and never feed back into pipeline decisions.
package advisory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
)

// Scorer returns a confidence in [0,1] for an entry.
type Scorer interface {
	Name() string
	Score(e *audit.Entry) (float64, error)
}

// Annotation is the payload of an annotation entry.
type Annotation struct {
	TargetSequence uint64     `json:"target_sequence"`
	TargetKind     audit.Kind `json:"target_kind"`
	Scorer         string     `json:"scorer"`
	Confidence     float64    `json:"confidence"`
}

// Annotator consumes ledger entries from a bounded queue. When the queue is
// full entries are dropped and counted.
type Annotator struct {
	ledger *audit.Ledger
	scorer Scorer
	queue  chan *audit.Entry
	gate   func() error
	logger *slog.Logger

	dropped atomic.Uint64
	scored  atomic.Uint64

	once sync.Once
	done chan struct{}
}

// NewAnnotator subscribes to ledger. Call Run to start scoring.
func NewAnnotator(ledger *audit.Ledger, scorer Scorer, queueSize int) *Annotator {
	if queueSize <= 0 {
		queueSize = 256
	}
	a := &Annotator{
		ledger: ledger,
		scorer: scorer,
		queue:  make(chan *audit.Entry, queueSize),
		logger: slog.Default().With("component", "advisory", "scorer", scorer.Name()),
		done:   make(chan struct{}),
	}
	ledger.Subscribe(a.enqueue)
	return a
}

// WithGate skips annotation while gate returns an error, e.g. when this
// instance is not the primary.
func (a *Annotator) WithGate(gate func() error) *Annotator {
	a.gate = gate
	return a
}

func (a *Annotator) enqueue(e *audit.Entry) {
	if e.Kind == audit.KindAnnotation {
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Run scores queued entries until ctx ends.
func (a *Annotator) Run(ctx context.Context) {
	defer a.once.Do(func() { close(a.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.queue:
			a.annotate(ctx, e)
		}
	}
}

// Done is closed when Run returns.
func (a *Annotator) Done() <-chan struct{} { return a.done }

func (a *Annotator) annotate(ctx context.Context, e *audit.Entry) {
	if a.gate != nil {
		if err := a.gate(); err != nil {
			return
		}
	}
	confidence, err := a.scorer.Score(e)
	if err != nil {
		a.logger.DebugContext(ctx, "scorer failed", "sequence", e.Sequence, "error", err)
		return
	}
	confidence = min(max(confidence, 0), 1)
	_, err = a.ledger.Append(ctx, audit.KindAnnotation, e.Subject, Annotation{
		TargetSequence: e.Sequence,
		TargetKind:     e.Kind,
		Scorer:         a.scorer.Name(),
		Confidence:     confidence,
	})
	if err != nil {
		a.logger.WarnContext(ctx, "annotation append failed", "sequence", e.Sequence, "error", err)
		return
	}
	a.scored.Add(1)
}

// Stats returns how many entries were annotated and dropped.
func (a *Annotator) Stats() (scored, dropped uint64) {
	return a.scored.Load(), a.dropped.Load()
}
