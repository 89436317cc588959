package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/causal"
)

// verifyReport is the --json output of verify.
type verifyReport struct {
	Verified bool   `json:"verified"`
	Entries  uint64 `json:"entries"`
	Chain    string `json:"chain"`
	Causal   string `json:"causal"`
}

// runVerifyCmd checks the ledger hash chain and signatures, then replays
// commits and checks causal order.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "print the report as JSON")
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

	report := verifyReport{Verified: true, Chain: "ok", Causal: "ok"}
	n, err := ledger.VerifyChain(ctx)
	report.Entries = n
	if err != nil {
		report.Verified = false
		report.Chain = err.Error()
	} else {
		v := causal.NewValidator()
		if err := v.Rebuild(ctx, ledger); err != nil {
			report.Verified = false
			report.Causal = err.Error()
		} else if err := v.Verify(); err != nil {
			report.Verified = false
			report.Causal = err.Error()
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		_, _ = fmt.Fprintf(stdout, "entries: %d\nchain:   %s\ncausal:  %s\n", report.Entries, report.Chain, report.Causal)
	}
	if !report.Verified {
		return 1
	}
	return 0
}
