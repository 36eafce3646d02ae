package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// EncodeJSONL writes the ledger as JSONL, one entry per line.
func (l *Ledger) EncodeJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, e := range l.Entries() {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("ledger: encode entry %d: %w", e.ID, err)
		}
	}
	return nil
}

// DecodeJSONL reads JSONL entries and returns them in file order.
// The decoded slice is a plain prefix; install it with Seed.
func DecodeJSONL(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("ledger: decode line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan: %w", err)
	}
	return entries, nil
}
