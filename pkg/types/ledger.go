package types

import (
	"encoding/json"
	"time"
)

// Ledger entry kinds. One entry is appended for every decision, approval,
// lifecycle transition, execution outcome, and refused attempt.
const (
	EntryDecision     = "decision"
	EntryApproval     = "approval"
	EntryTransition   = "transition"
	EntryExecution    = "execution"
	EntryRefusal      = "refusal"
	EntryPolicyReload = "policy_reload"
)

// LedgerEntry is one immutable, hash-linked audit record. Entries are
// append-only: no entry is ever mutated or deleted, and each entry's hash
// covers the previous entry's hash so tampering is localizable.
type LedgerEntry struct {
	Sequence  int64           `json:"sequence"`
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	ActionID  string          `json:"action_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// LedgerQuery filters ledger reads.
type LedgerQuery struct {
	ActionID string
	Kinds    []string
	Since    *time.Time
	Until    *time.Time

	Limit  int
	Offset int
	Asc    bool
}
