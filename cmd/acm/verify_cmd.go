package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/resume"
)

func verifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("ledger", "", "ledger JSONL file")
	against := fs.String("against", "", "optional second ledger to diff against")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		_, _ = fmt.Fprintln(stderr, "acm verify: -ledger is required")
		return 2
	}

	l, err := readLedger(*path)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm verify:", err)
		return 1
	}
	if err := l.Verify(); err != nil {
		_, _ = fmt.Fprintln(stderr, "acm verify: chain broken:", err)
		return 1
	}

	if *against != "" {
		other, err := readLedger(*against)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "acm verify:", err)
			return 1
		}
		if i := resume.DiffLedgers(l.Entries(), other.Entries()); i >= 0 {
			_, _ = fmt.Fprintf(stderr, "acm verify: ledgers diverge at entry %d\n", i)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "ledgers agree on their common prefix")
	}

	_, _ = fmt.Fprintf(stdout, "ok: %d entries, head %s\n", l.Len(), l.Head())
	return 0
}

func readLedger(path string) (*ledger.Ledger, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := ledger.DecodeJSONL(f)
	if err != nil {
		return nil, err
	}
	l := ledger.New()
	if err := l.Seed(entries); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	return l, nil
}
