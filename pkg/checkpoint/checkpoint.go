// Package checkpoint persists run snapshots so interrupted runs can resume
// without re-executing completed tasks. A checkpoint carries everything the
// executor needs to rebuild its state: the plan, the goal, the context
// packet, unpromoted scope artifacts, completed task outputs, and the ledger
// prefix recorded up to the snapshot.
//
// Stores are pluggable: in-memory for tests, files for single-node use,
// SQLite or Postgres for durable local and shared deployments, and S3 for
// object storage.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/ledger"
)

// ErrNotFound is returned when a run or checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is one durable run snapshot. ID is derived from the index and
// unique within a run.
type Checkpoint struct {
	RunID          string                    `json:"run_id"`
	ID             string                    `json:"id"`
	Index          int                       `json:"index"`
	CreatedAt      time.Time                 `json:"created_at"`
	Goal           contracts.Goal            `json:"goal"`
	Plan           contracts.Plan            `json:"plan"`
	Context        *contracts.ContextPacket  `json:"context"`
	ScopeArtifacts []contracts.Artifact      `json:"scope_artifacts,omitempty"`
	Completed      map[string]map[string]any `json:"completed"`
	LedgerPrefix   []ledger.Entry            `json:"ledger_prefix"`
}

// IDForIndex derives the canonical checkpoint ID for a completed-task index.
func IDForIndex(index int) string {
	return fmt.Sprintf("chk-%d", index)
}

// Validate checks the invariants every store relies on.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return errors.New("checkpoint: missing run id")
	}
	if c.ID == "" {
		return errors.New("checkpoint: missing id")
	}
	if c.Index < 0 {
		return errors.New("checkpoint: negative index")
	}
	return nil
}
