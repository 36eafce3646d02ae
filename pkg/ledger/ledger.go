// Package ledger provides the append-only run ledger. Every entry is
// hash-chained to its predecessor; order within a run is total and entry
// ids increase strictly monotonically. Entries are never mutated after
// append. Observers may subscribe (push-only) but cannot write.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/acm-runtime/acm/pkg/canonicalize"
)

const genesisHash = "genesis"

// Entry is one immutable ledger record.
type Entry struct {
	ID          uint64         `json:"id"`
	TS          time.Time      `json:"ts"`
	Type        EventType      `json:"type"`
	Details     map[string]any `json:"details,omitempty"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
}

// Subscriber receives entries as they are appended. Callbacks run on the
// appending goroutine and must not block.
type Subscriber func(Entry)

// Ledger is a single-writer, append-only, hash-chained event log.
type Ledger struct {
	mu          sync.RWMutex
	entries     []Entry
	headHash    string
	nextID      uint64
	clock       func() time.Time
	subscribers []Subscriber
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		headHash: genesisHash,
		nextID:   1,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Subscribe registers a push-only observer for future appends.
func (l *Ledger) Subscribe(s Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, s)
}

// Append adds an entry with a monotonically increasing id and the current
// timestamp, and returns it. The entry type must belong to the taxonomy.
func (l *Ledger) Append(eventType EventType, details map[string]any) (Entry, error) {
	if !eventType.Known() {
		return Entry{}, fmt.Errorf("ledger: unknown event type %q", eventType)
	}

	l.mu.Lock()
	entry := Entry{
		ID:       l.nextID,
		TS:       l.clock(),
		Type:     eventType,
		Details:  details,
		PrevHash: l.headHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		l.mu.Unlock()
		return Entry{}, err
	}
	entry.ContentHash = hash

	l.entries = append(l.entries, entry)
	l.headHash = hash
	l.nextID++
	subs := l.subscribers
	l.mu.Unlock()

	for _, s := range subs {
		s(entry)
	}
	return entry, nil
}

// Entries returns a stable snapshot of all entries.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Seed installs a previously recorded prefix into an empty ledger without
// notifying subscribers or re-hashing. Used when resuming from a checkpoint.
// The prefix must itself be a valid chain starting at genesis.
func (l *Ledger) Seed(prefix []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 0 {
		return fmt.Errorf("ledger: seed requires an empty ledger")
	}
	if err := verifyChain(prefix); err != nil {
		return fmt.Errorf("ledger: seed rejected: %w", err)
	}
	l.entries = make([]Entry, len(prefix))
	copy(l.entries, prefix)
	if n := len(prefix); n > 0 {
		l.headHash = prefix[n-1].ContentHash
		l.nextID = prefix[n-1].ID + 1
	}
	return nil
}

// Verify walks the full chain and recomputes every content hash.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.entries)
}

func verifyChain(entries []Entry) error {
	prev := genesisHash
	var lastID uint64
	for i, e := range entries {
		if e.ID <= lastID {
			return fmt.Errorf("entry %d: id %d not strictly increasing", i, e.ID)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("entry %d: chain broken, expected prev %s got %s", i, prev, e.PrevHash)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if computed != e.ContentHash {
			return fmt.Errorf("entry %d: content hash mismatch", i)
		}
		prev = e.ContentHash
		lastID = e.ID
	}
	return nil
}

func entryHash(e Entry) (string, error) {
	body := struct {
		ID      uint64         `json:"id"`
		Type    EventType      `json:"type"`
		Details map[string]any `json:"details"`
		Prev    string         `json:"prev"`
	}{e.ID, e.Type, e.Details, e.PrevHash}

	hash, err := canonicalize.CanonicalHash(body)
	if err != nil {
		return "", fmt.Errorf("ledger: hash entry %d: %w", e.ID, err)
	}
	return hash, nil
}
