package failover

import (
	"context"
	"errors"
	"fmt"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

var ErrEpochHistory = errors.New("epoch history invalid")

// VerifyEpochHistory checks that epochs in the ledger strictly increase by
// one and that every entry after a transition is written by the
// coordinator that transition made primary. It returns the transitions.
func VerifyEpochHistory(ctx context.Context, ledger *audit.Ledger) ([]contracts.EpochTransition, error) {
	var (
		out    []contracts.EpochTransition
		signer string
	)
	for e, err := range ledger.ReadFrom(ctx, 1) {
		if err != nil {
			return out, err
		}
		if e.Kind == audit.KindEpochTransition {
			var t contracts.EpochTransition
			if err := e.Decode(&t); err != nil {
				return out, err
			}
			var prev uint64
			if len(out) > 0 {
				prev = out[len(out)-1].Epoch
			}
			if t.Epoch != prev+1 || t.PreviousEpoch != prev {
				return out, fmt.Errorf("%w: entry %d moves epoch %d -> %d", ErrEpochHistory, e.Sequence, prev, t.Epoch)
			}
			out = append(out, t)
			signer = e.SignerKeyID
			continue
		}
		if signer != "" && e.SignerKeyID != signer {
			return out, fmt.Errorf("%w: entry %d written by %s during epoch %d held by %s",
				ErrEpochHistory, e.Sequence, e.SignerKeyID, out[len(out)-1].Epoch, signer)
		}
	}
	return out, nil
}
