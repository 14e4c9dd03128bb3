// Package action drives gated requests through their lifecycle: contract
// validation, policy evaluation, approval collection, and execution
// hand-off. Every state transition is appended to the ledger before the
// in-memory state advances; an append failure aborts the transition.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tymefrontier/gatekeeper/internal/approvals"
	"github.com/tymefrontier/gatekeeper/internal/contract"
	"github.com/tymefrontier/gatekeeper/internal/ledger"
	"github.com/tymefrontier/gatekeeper/internal/policy"
	"github.com/tymefrontier/gatekeeper/pkg/types"
)

var (
	// ErrUnknownAction is returned for ids the manager has never seen.
	ErrUnknownAction = errors.New("unknown action")
	// ErrDuplicateAction is returned when a submitted id is already tracked.
	ErrDuplicateAction = errors.New("duplicate action id")
	// ErrGateExpired is returned when an approval arrives after the gate
	// deadline. The request is moved to the expired state.
	ErrGateExpired = errors.New("approval gate expired")
	// ErrNotAwaitingApproval is returned for approvals against requests
	// that are not collecting signatures.
	ErrNotAwaitingApproval = errors.New("action is not awaiting approval")
	// ErrNotAllowed is returned when execution or a result report targets
	// a request that never reached the allowed state.
	ErrNotAllowed = errors.New("action is not allowed for execution")
	// ErrNoExecutor is returned by Execute when no executor is configured.
	ErrNoExecutor = errors.New("no executor configured")
	// ErrPendingLimit is returned when an agent already has the maximum
	// number of requests awaiting approval.
	ErrPendingLimit = errors.New("too many pending approvals for agent")
	// ErrSelfApproval is returned when the submitting agent attempts to
	// approve its own request.
	ErrSelfApproval = errors.New("self-approval is not permitted")
)

// Executor hands an allowed operation to the component that actually
// performs it. The manager never runs anything itself.
type Executor interface {
	Execute(ctx context.Context, req types.ActionRequest, op contract.Operation) (types.ExecutionResult, error)
}

// Config tunes manager behavior. Zero values fall back to defaults.
type Config struct {
	// DefaultGateTimeout applies when a gate carries no timeout of its own.
	DefaultGateTimeout time.Duration
	// SweepInterval is how often Run scans for expired gates.
	SweepInterval time.Duration
	// ExecTimeout bounds a single executor call.
	ExecTimeout time.Duration
	// MaxPendingPerAgent caps how many of one agent's requests may sit in
	// the awaiting-approval state at once. Zero means no cap.
	MaxPendingPerAgent int
	Logger             *slog.Logger
}

const (
	defaultGateTimeout = 30 * time.Minute
	defaultSweep       = 30 * time.Second
	defaultExecTimeout = 10 * time.Minute
)

// Manager owns the request table and serializes all mutations to a given
// request under its per-request lock.
type Manager struct {
	policies *policy.Store
	tracker  *approvals.Tracker
	ledger   *ledger.Ledger
	executor Executor
	log      *slog.Logger

	gateTimeout   time.Duration
	sweepInterval time.Duration
	execTimeout   time.Duration
	maxPending    int
	now           func() time.Time

	mu       sync.Mutex
	requests map[string]*request
}

type request struct {
	mu       sync.Mutex
	req      types.ActionRequest
	op       contract.Operation
	state    types.ActionState
	eval     types.Evaluation
	deadline time.Time
	result   *types.ExecutionResult
}

// Status is a point-in-time snapshot of one request.
type Status struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id"`
	Class      string                 `json:"class"`
	State      types.ActionState      `json:"state"`
	Evaluation types.Evaluation       `json:"evaluation"`
	Quorum     *types.QuorumState     `json:"quorum,omitempty"`
	Deadline   *time.Time             `json:"deadline,omitempty"`
	Result     *types.ExecutionResult `json:"result,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewManager wires the manager to its collaborators. The executor may be
// nil, in which case allowed requests wait for an explicit result report.
func NewManager(policies *policy.Store, tracker *approvals.Tracker, led *ledger.Ledger, exec Executor, cfg Config) *Manager {
	if cfg.DefaultGateTimeout <= 0 {
		cfg.DefaultGateTimeout = defaultGateTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		policies:      policies,
		tracker:       tracker,
		ledger:        led,
		executor:      exec,
		log:           cfg.Logger,
		gateTimeout:   cfg.DefaultGateTimeout,
		sweepInterval: cfg.SweepInterval,
		execTimeout:   cfg.ExecTimeout,
		maxPending:    cfg.MaxPendingPerAgent,
		now:           time.Now,
		requests:      make(map[string]*request),
	}
}

// Submit validates the contract descriptor, evaluates policy, and moves the
// request to its post-decision state. Contract violations are total: the
// request is never admitted to the table and a refusal is recorded.
func (m *Manager) Submit(ctx context.Context, req types.ActionRequest, desc contract.Descriptor) (Status, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now().UTC()
	}

	op, err := contract.Validate(desc)
	if err != nil {
		if _, aerr := m.ledger.Append(ctx, types.EntryRefusal, req.ID, map[string]any{
			"agent_id": req.AgentID,
			"class":    req.Class,
			"reason":   "contract_violation",
			"detail":   err.Error(),
		}); aerr != nil {
			m.log.Error("refusal append failed", "action", req.ID, "error", aerr)
		}
		return Status{}, err
	}

	r := &request{req: req, op: op, state: types.StateProposed}
	m.mu.Lock()
	if _, ok := m.requests[req.ID]; ok {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", ErrDuplicateAction, req.ID)
	}
	if m.maxPending > 0 && m.pendingForAgentLocked(req.AgentID) >= m.maxPending {
		m.mu.Unlock()
		if _, aerr := m.ledger.Append(ctx, types.EntryRefusal, req.ID, map[string]any{
			"agent_id": req.AgentID,
			"class":    req.Class,
			"reason":   "pending_limit",
			"limit":    m.maxPending,
		}); aerr != nil {
			m.log.Error("refusal append failed", "action", req.ID, "error", aerr)
		}
		return Status{}, fmt.Errorf("%w: %s", ErrPendingLimit, req.AgentID)
	}
	m.requests[req.ID] = r
	m.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := m.transition(ctx, r, types.StateGated, map[string]any{
		"agent_id": req.AgentID,
		"class":    req.Class,
	}); err != nil {
		return Status{}, err
	}

	eval := m.policies.Engine().Evaluate(req)
	r.eval = eval

	decision := map[string]any{
		"decision":   string(eval.Decision),
		"rule_id":    eval.RuleID,
		"reason":     eval.Reason,
		"risk_score": req.RiskScore,
	}
	if eval.Gate != nil {
		decision["gate_type"] = string(eval.Gate.Type)
		decision["min_signatures"] = eval.Gate.MinSignatures
		decision["required_roles"] = eval.Gate.RequiredRoles
	}
	if sr := m.policies.Document().SpecialRules; sr != (policy.SpecialRules{}) {
		decision["special_rules"] = sr
	}
	if _, err := m.ledger.Append(ctx, types.EntryDecision, req.ID, decision); err != nil {
		return Status{}, fmt.Errorf("record decision: %w", err)
	}

	switch eval.Decision {
	case types.DecisionDeny:
		if err := m.transition(ctx, r, types.StateDenied, map[string]any{
			"rule_id": eval.RuleID,
			"reason":  eval.Reason,
		}); err != nil {
			return Status{}, err
		}

	case types.DecisionAllow:
		if err := m.transition(ctx, r, types.StateAllowed, map[string]any{
			"rule_id": eval.RuleID,
		}); err != nil {
			return Status{}, err
		}
		m.startExecution(r.req.ID)

	case types.DecisionRequireApproval:
		gate := *eval.Gate
		timeout := gate.Timeout
		if timeout <= 0 {
			timeout = m.gateTimeout
		}
		deadline := m.now().Add(timeout)
		if err := m.tracker.Register(req.ID, gate); err != nil {
			return Status{}, fmt.Errorf("register gate: %w", err)
		}
		if err := m.transition(ctx, r, types.StateAwaitingApproval, map[string]any{
			"rule_id":        eval.RuleID,
			"gate_type":      string(gate.Type),
			"min_signatures": gate.MinSignatures,
			"required_roles": gate.RequiredRoles,
			"deadline":       deadline.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			m.tracker.Close(req.ID, "transition aborted")
			return Status{}, err
		}
		r.deadline = deadline

	default:
		return Status{}, fmt.Errorf("unexpected decision %q", eval.Decision)
	}

	return m.snapshotLocked(r), nil
}

// Approve applies one approval record. Approvals against terminal or
// never-gated requests are refused and audited; approvals past the gate
// deadline expire the request first.
func (m *Manager) Approve(ctx context.Context, id string, rec types.ApprovalRecord) (Status, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// Only the submission that first crosses the deadline reports expiry;
	// anything after that is a stale approval and is audited as a refusal.
	alreadyExpired := r.state == types.StateExpired
	if expired, err := m.expireLocked(ctx, r); err != nil {
		return Status{}, err
	} else if expired && !alreadyExpired {
		return m.snapshotLocked(r), ErrGateExpired
	}

	if r.state != types.StateAwaitingApproval {
		if _, aerr := m.ledger.Append(ctx, types.EntryRefusal, id, map[string]any{
			"reason":    "stale_approval",
			"state":     string(r.state),
			"role":      rec.Role,
			"principal": rec.PrincipalID,
		}); aerr != nil {
			m.log.Error("refusal append failed", "action", id, "error", aerr)
		}
		return m.snapshotLocked(r), fmt.Errorf("%w: state %s", ErrNotAwaitingApproval, r.state)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now().UTC()
	}

	// Whoever submitted the request cannot sign off on it, whatever role
	// their key carries. Checked under the request lock so the submitter
	// cannot race an approval in before the guard.
	if rec.PrincipalID != "" && rec.PrincipalID == r.req.AgentID {
		if _, aerr := m.ledger.Append(ctx, types.EntryRefusal, id, map[string]any{
			"reason":    "self_approval",
			"role":      rec.Role,
			"principal": rec.PrincipalID,
		}); aerr != nil {
			m.log.Error("refusal append failed", "action", id, "error", aerr)
		}
		return m.snapshotLocked(r), fmt.Errorf("%w: %s", ErrSelfApproval, rec.PrincipalID)
	}

	dup, err := m.tracker.Check(id, rec)
	if err != nil {
		if _, aerr := m.ledger.Append(ctx, types.EntryRefusal, id, map[string]any{
			"reason":    "approval_rejected",
			"detail":    err.Error(),
			"role":      rec.Role,
			"principal": rec.PrincipalID,
		}); aerr != nil {
			m.log.Error("refusal append failed", "action", id, "error", aerr)
		}
		return m.snapshotLocked(r), err
	}

	if _, err := m.ledger.Append(ctx, types.EntryApproval, id, map[string]any{
		"role":      rec.Role,
		"principal": rec.PrincipalID,
		"duplicate": dup,
	}); err != nil {
		return Status{}, fmt.Errorf("record approval: %w", err)
	}

	q, err := m.tracker.Submit(id, rec)
	if err != nil {
		return Status{}, err
	}

	if q.Satisfied {
		if err := m.transition(ctx, r, types.StateAllowed, map[string]any{
			"distinct_roles": q.DistinctRoles,
			"signatures":     q.Records,
		}); err != nil {
			return Status{}, err
		}
		m.tracker.Close(id, "quorum satisfied")
		m.startExecution(id)
	}
	return m.snapshotLocked(r), nil
}

// ReportResult records the outcome of an execution performed outside the
// manager and moves the request to its terminal execution state.
func (m *Manager) ReportResult(ctx context.Context, id string, res types.ExecutionResult) (Status, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := m.recordResultLocked(ctx, r, res); err != nil {
		return Status{}, err
	}
	return m.snapshotLocked(r), nil
}

func (m *Manager) recordResultLocked(ctx context.Context, r *request, res types.ExecutionResult) error {
	if r.state != types.StateAllowed {
		return fmt.Errorf("%w: state %s", ErrNotAllowed, r.state)
	}
	if _, err := m.ledger.Append(ctx, types.EntryExecution, r.req.ID, map[string]any{
		"status":   res.Status,
		"findings": res.Findings,
	}); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	next := types.StateExecuted
	if !res.Passed() {
		next = types.StateExecutionFailed
	}
	if err := m.transition(ctx, r, next, map[string]any{"status": res.Status}); err != nil {
		return err
	}
	r.result = &res
	return nil
}

// Execute runs the configured executor for an allowed request and records
// the outcome. It blocks for the duration of the executor call.
func (m *Manager) Execute(ctx context.Context, id string) (Status, error) {
	if m.executor == nil {
		return Status{}, ErrNoExecutor
	}
	r, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}

	r.mu.Lock()
	if r.state != types.StateAllowed {
		defer r.mu.Unlock()
		return m.snapshotLocked(r), fmt.Errorf("%w: state %s", ErrNotAllowed, r.state)
	}
	req, op := r.req, r.op
	r.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, m.execTimeout)
	res, execErr := m.executor.Execute(execCtx, req, op)
	cancel()
	if execErr != nil {
		res = types.ExecutionResult{
			Status:   "fail",
			Findings: []string{execErr.Error()},
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := m.recordResultLocked(ctx, r, res); err != nil {
		return Status{}, err
	}
	return m.snapshotLocked(r), nil
}

func (m *Manager) startExecution(id string) {
	if m.executor == nil {
		return
	}
	go func() {
		if _, err := m.Execute(context.Background(), id); err != nil {
			m.log.Error("execution failed", "action", id, "error", err)
		}
	}()
}

// Get returns the current snapshot for one request, applying lazy expiry.
func (m *Manager) Get(ctx context.Context, id string) (Status, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := m.expireLocked(ctx, r); err != nil {
		return Status{}, err
	}
	return m.snapshotLocked(r), nil
}

// List returns snapshots for all tracked requests.
func (m *Manager) List(ctx context.Context) []Status {
	m.mu.Lock()
	reqs := make([]*request, 0, len(m.requests))
	for _, r := range m.requests {
		reqs = append(reqs, r)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(reqs))
	for _, r := range reqs {
		r.mu.Lock()
		if _, err := m.expireLocked(ctx, r); err != nil {
			m.log.Error("expiry sweep failed", "action", r.req.ID, "error", err)
		}
		out = append(out, m.snapshotLocked(r))
		r.mu.Unlock()
	}
	return out
}

// Run sweeps expired gates until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.List(ctx)
		}
	}
}

// expireLocked moves an awaiting request past its deadline to the expired
// state. It reports whether the request is now expired.
func (m *Manager) expireLocked(ctx context.Context, r *request) (bool, error) {
	if r.state == types.StateExpired {
		return true, nil
	}
	if r.state != types.StateAwaitingApproval || r.deadline.IsZero() || m.now().Before(r.deadline) {
		return false, nil
	}
	if err := m.transition(ctx, r, types.StateExpired, map[string]any{
		"deadline": r.deadline.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return false, err
	}
	m.tracker.Close(r.req.ID, "gate expired")
	return true, nil
}

// transition appends the transition record and only then advances state.
// Callers hold r.mu.
func (m *Manager) transition(ctx context.Context, r *request, to types.ActionState, fields map[string]any) error {
	if !types.CanTransition(r.state, to) {
		return fmt.Errorf("invalid transition %s -> %s for action %s", r.state, to, r.req.ID)
	}
	payload := map[string]any{
		"from": string(r.state),
		"to":   string(to),
	}
	for k, v := range fields {
		payload[k] = v
	}
	if _, err := m.ledger.Append(ctx, types.EntryTransition, r.req.ID, payload); err != nil {
		return fmt.Errorf("record transition %s -> %s: %w", r.state, to, err)
	}
	r.state = to
	return nil
}

// pendingForAgentLocked counts awaiting-approval requests for one agent.
// Callers hold m.mu; per-request locks are acquired in m.mu then r.mu order.
func (m *Manager) pendingForAgentLocked(agentID string) int {
	n := 0
	for _, r := range m.requests {
		if r.req.AgentID != agentID {
			continue
		}
		r.mu.Lock()
		if r.state == types.StateAwaitingApproval {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

func (m *Manager) lookup(id string) (*request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}
	return r, nil
}

func (m *Manager) snapshotLocked(r *request) Status {
	s := Status{
		ID:         r.req.ID,
		AgentID:    r.req.AgentID,
		Class:      r.req.Class,
		State:      r.state,
		Evaluation: r.eval,
		Result:     r.result,
		CreatedAt:  r.req.CreatedAt,
	}
	if !r.deadline.IsZero() {
		d := r.deadline
		s.Deadline = &d
	}
	if q, err := m.tracker.State(r.req.ID); err == nil {
		s.Quorum = &q
	}
	return s
}
