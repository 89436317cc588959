package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/failover"
)

// runEpochsCmd replays the ledger and prints the epoch history, failing if
// epochs are not strictly increasing or a deposed coordinator kept writing.
func runEpochsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("epochs", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	_, _, ledger, closeFn, err := openReadOnly(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeFn()

	history, err := failover.VerifyEpochHistory(ctx, ledger)
	for _, t := range history {
		approvers := strings.Join(t.Approvers, ",")
		if approvers == "" {
			approvers = "-"
		}
		_, _ = fmt.Fprintf(stdout, "epoch %d\t%s\t%s\t%s\tapprovers=%s\n",
			t.Epoch, t.Coordinator, t.Domain, t.At.Format(time.RFC3339), approvers)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "epoch history invalid: %v\n", err)
		return 1
	}
	return 0
}
