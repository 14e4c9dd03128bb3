package types

import "time"

// ActionRequest describes one effectful operation an agent proposes to
// perform. Immutable after creation; only its lifecycle state changes.
type ActionRequest struct {
	ID            string                `json:"action_id"`
	AgentID       string                `json:"agent_id"`
	Class         string                `json:"action_class"`
	TargetPaths   []string              `json:"target_paths,omitempty"`
	CommandTokens []string              `json:"command_tokens,omitempty"`
	Node          string                `json:"node,omitempty"`
	TestResults   map[string]TestResult `json:"test_results,omitempty"`

	// RiskScore is informational only. It is recorded and surfaced but never
	// itself a gating condition.
	RiskScore float64 `json:"risk_score,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TestResult is the verdict of one named prerequisite gate, produced by
// external static-analysis or test tooling.
type TestResult struct {
	Status  string `json:"status"` // "pass" | "fail"
	Details string `json:"details,omitempty"`
}

func (t TestResult) Passed() bool { return t.Status == "pass" }

// Evaluation is the result of evaluating an ActionRequest against the active
// policy document.
type Evaluation struct {
	Decision Decision `json:"decision"`
	RuleID   string   `json:"rule_id"`
	Reason   string   `json:"reason,omitempty"`

	// Gate is set only when Decision is require_approval.
	Gate *ApprovalGate `json:"gate,omitempty"`
}

// ApprovalGate is the resolved quorum requirement for a gated action.
type ApprovalGate struct {
	Type          GateType `json:"type"`
	MinSignatures int      `json:"min_signatures"`

	// RequiredRoles, when non-empty, names roles that must each appear at
	// least once. When empty, any MinSignatures distinct roles satisfy the
	// gate.
	RequiredRoles []string `json:"required_roles,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// QualifiesRole reports whether role may count toward this gate's quorum.
func (g ApprovalGate) QualifiesRole(role string) bool {
	if len(g.RequiredRoles) == 0 {
		return role != ""
	}
	for _, r := range g.RequiredRoles {
		if r == role {
			return true
		}
	}
	return false
}

// ApprovalRecord is one principal's signature toward a gate's quorum.
type ApprovalRecord struct {
	Role        string    `json:"role"`
	PrincipalID string    `json:"principal_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// QuorumState is a snapshot of approval accumulation for one request.
type QuorumState struct {
	Satisfied     bool     `json:"satisfied"`
	Records       int      `json:"records"`
	DistinctRoles int      `json:"distinct_roles"`
	MissingRoles  []string `json:"missing_roles,omitempty"`
}

// ExecutionResult is the outcome reported by the external sandbox/test
// executor. A failing execution is an operational condition, never a policy
// denial.
type ExecutionResult struct {
	Status   string   `json:"status"` // "pass" | "fail"
	Findings []string `json:"findings,omitempty"`
}

func (r ExecutionResult) Passed() bool { return r.Status == "pass" }
