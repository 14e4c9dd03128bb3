// Package approvals accumulates approval signatures against a gate's quorum
// requirement. Accumulation is commutative: arrival order never changes the
// final satisfied/not-satisfied outcome, and each submission is applied
// atomically against the authoritative stored record set.
package approvals

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tymefrontier/gatekeeper/pkg/types"
)

var (
	// ErrInvalidRole rejects a record whose role is outside the gate's
	// required role set.
	ErrInvalidRole = errors.New("invalid role")

	// ErrStaleRequest rejects a submission after the request reached a
	// terminal state.
	ErrStaleRequest = errors.New("stale request")

	// ErrUnknownRequest rejects a submission for a request that was never
	// registered with the tracker.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrDuplicateRequest rejects registering the same request twice.
	ErrDuplicateRequest = errors.New("request already registered")
)

// Tracker tracks approval accumulation for in-flight requests.
type Tracker struct {
	mu       sync.Mutex
	requests map[string]*requestApprovals
}

type requestApprovals struct {
	mu      sync.Mutex
	gate    types.ApprovalGate
	records map[string]types.ApprovalRecord // keyed by principal
	closed  bool
	reason  string
}

func New() *Tracker {
	return &Tracker{requests: make(map[string]*requestApprovals)}
}

// Register binds a gate to a request id before any submission may arrive.
func (t *Tracker) Register(requestID string, gate types.ApprovalGate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.requests[requestID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	t.requests[requestID] = &requestApprovals{
		gate:    gate,
		records: make(map[string]types.ApprovalRecord),
	}
	return nil
}

// Check validates a record against the gate without applying it, reporting
// whether the record would be an idempotent duplicate. Callers that need
// write-ahead audit semantics check first, log, then submit under the same
// exclusive section.
func (t *Tracker) Check(requestID string, rec types.ApprovalRecord) (duplicate bool, err error) {
	ra, err := t.lookup(requestID)
	if err != nil {
		return false, err
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()

	if ra.closed {
		return false, fmt.Errorf("%w: %s", ErrStaleRequest, ra.reason)
	}
	if !ra.gate.QualifiesRole(rec.Role) {
		return false, fmt.Errorf("%w: role %q not in gate role set", ErrInvalidRole, rec.Role)
	}
	if rec.PrincipalID == "" {
		return false, fmt.Errorf("%w: principal id is empty", ErrInvalidRole)
	}
	_, dup := ra.records[rec.PrincipalID]
	return dup, nil
}

// Submit applies one approval record. A second record from the same
// principal is an idempotent no-op: it is absorbed without double-counting
// and the current quorum state is returned.
func (t *Tracker) Submit(requestID string, rec types.ApprovalRecord) (types.QuorumState, error) {
	ra, err := t.lookup(requestID)
	if err != nil {
		return types.QuorumState{}, err
	}

	ra.mu.Lock()
	defer ra.mu.Unlock()

	if ra.closed {
		return ra.quorumLocked(), fmt.Errorf("%w: %s", ErrStaleRequest, ra.reason)
	}
	if !ra.gate.QualifiesRole(rec.Role) {
		return ra.quorumLocked(), fmt.Errorf("%w: role %q not in gate role set", ErrInvalidRole, rec.Role)
	}
	if rec.PrincipalID == "" {
		return ra.quorumLocked(), fmt.Errorf("%w: principal id is empty", ErrInvalidRole)
	}
	if _, dup := ra.records[rec.PrincipalID]; !dup {
		ra.records[rec.PrincipalID] = rec
	}
	return ra.quorumLocked(), nil
}

// IsSatisfied reports whether the request's quorum is met.
func (t *Tracker) IsSatisfied(requestID string) (bool, error) {
	q, err := t.State(requestID)
	if err != nil {
		return false, err
	}
	return q.Satisfied, nil
}

// State returns the current quorum snapshot for a request.
func (t *Tracker) State(requestID string) (types.QuorumState, error) {
	ra, err := t.lookup(requestID)
	if err != nil {
		return types.QuorumState{}, err
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.quorumLocked(), nil
}

// Gate returns the gate registered for a request.
func (t *Tracker) Gate(requestID string) (types.ApprovalGate, error) {
	ra, err := t.lookup(requestID)
	if err != nil {
		return types.ApprovalGate{}, err
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.gate, nil
}

// Close freezes a request's record set once it reaches a terminal state.
// Later submissions fail with ErrStaleRequest.
func (t *Tracker) Close(requestID, reason string) {
	ra, err := t.lookup(requestID)
	if err != nil {
		return
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if !ra.closed {
		ra.closed = true
		ra.reason = reason
	}
}

func (t *Tracker) lookup(requestID string) (*requestApprovals, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ra, ok := t.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return ra, nil
}

// quorumLocked computes the quorum snapshot. Satisfied requires the count of
// distinct qualifying roles to meet the threshold and, when the gate names
// explicit roles, every named role to have at least one record.
func (ra *requestApprovals) quorumLocked() types.QuorumState {
	roles := make(map[string]struct{}, len(ra.records))
	for _, rec := range ra.records {
		roles[rec.Role] = struct{}{}
	}

	q := types.QuorumState{
		Records:       len(ra.records),
		DistinctRoles: len(roles),
	}
	for _, want := range ra.gate.RequiredRoles {
		if _, ok := roles[want]; !ok {
			q.MissingRoles = append(q.MissingRoles, want)
		}
	}
	sort.Strings(q.MissingRoles)
	q.Satisfied = q.DistinctRoles >= ra.gate.MinSignatures && len(q.MissingRoles) == 0
	return q
}
