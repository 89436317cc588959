package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/archive"
)

// runExportCmd archives ledger entries from --from to the current head.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	from := cmd.Uint64("from", 1, "first sequence number to export")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *from < 1 {
		_, _ = fmt.Fprintln(stderr, "Error: --from must be at least 1")
		return 2
	}

	ctx := context.Background()
	cfg, _, ledger, closeFn, err := openReadOnly(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeFn()

	store, err := archive.NewStore(ctx, archive.StoreConfig{
		Provider: archive.Provider(cfg.ArchiveProvider),
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Prefix:   cfg.ArchivePrefix,
		Dir:      cfg.ArchiveDir,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if c, ok := store.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	seg, err := archive.NewExporter(ledger, store).Export(ctx, *from)
	if errors.Is(err, archive.ErrNothingToExport) {
		_, _ = fmt.Fprintf(stdout, "nothing to export from sequence %d\n", *from)
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(seg)
	return 0
}
