package types

// Decision is the outcome of evaluating an action request against policy.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// GateType names the approval mechanism bound to an action class. A gate is a
// value (role set + threshold), not a type hierarchy; GateType only selects
// which configured gate applies.
type GateType string

const (
	GateAutomated          GateType = "automated"
	GateHumanReview        GateType = "human_review"
	GateHumanApprovalMulti GateType = "human_approval_multi"
)

// gateRank orders gates by strength for escalation comparisons.
var gateRank = map[GateType]int{
	GateAutomated:          0,
	GateHumanReview:        1,
	GateHumanApprovalMulti: 2,
}

func (g GateType) Valid() bool {
	_, ok := gateRank[g]
	return ok
}

// WeakerThan reports whether g requires less human involvement than other.
func (g GateType) WeakerThan(other GateType) bool {
	return gateRank[g] < gateRank[other]
}
