// Command enactord runs one coordinator of the consensus-gated
// configuration pipeline and offers offline ledger tooling.
package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can replace the long-running server.
var startServer = runServe

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "epochs":
		return runEpochsCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "enactord", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: enactord <command> [flags]

Commands:
  serve     run the coordinator (default)
  verify    check the ledger hash chain, signatures and causal order
  export    archive ledger entries to object storage
  epochs    check the coordinator epoch history
  version   print the version
  help      show this message

Configuration is read from the environment (ENACTOR_DOMAIN, ENACTOR_ADDR,
POLICY_FILE, DATABASE_URL, REDIS_ADDR, OTEL_ENDPOINT, ARCHIVE_PROVIDER, ...).`)
}
