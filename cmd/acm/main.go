// Command acm runs, resumes, and audits plan executions from the command
// line. Capability and tool sets are host-defined; this binary ships a small
// built-in set sufficient for deterministic plans and for exercising stores.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "run":
		return runCmd(args[2:], stdout, stderr)
	case "resume":
		return resumeCmd(args[2:], stdout, stderr)
	case "verify":
		return verifyCmd(args[2:], stdout, stderr)
	case "checkpoints":
		return checkpointsCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "acm: unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: acm <command> [flags]

Commands:
  run          execute a plan file and write its ledger
  resume       resume an interrupted run from a checkpoint
  verify       verify a ledger JSONL file's hash chain
  checkpoints  list a run's checkpoints
  help         show this help
`)
}
