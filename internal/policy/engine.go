package policy

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/tymefrontier/gatekeeper/pkg/types"
)

// Engine evaluates validated action requests against one compiled policy
// document. Evaluation is deterministic and side-effect free: the same
// request and document always produce the same Evaluation, which is what
// makes audit replay possible.
type Engine struct {
	doc *Document

	writable  pathSet
	sensitive pathSet
	forbidden map[string]struct{}
}

// pathSet matches target paths against a configured directory set. Entries
// may be plain directory prefixes or glob patterns.
type pathSet struct {
	prefixes []string
	globs    []glob.Glob
}

func compilePathSet(entries []string) (pathSet, error) {
	var ps pathSet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.ContainsAny(e, "*?[{") {
			g, err := glob.Compile(e, '/')
			if err != nil {
				return pathSet{}, fmt.Errorf("compile path pattern %q: %w", e, err)
			}
			ps.globs = append(ps.globs, g)
			continue
		}
		ps.prefixes = append(ps.prefixes, strings.TrimSuffix(path.Clean(e), "/"))
	}
	return ps, nil
}

func (ps pathSet) Contains(p string) bool {
	p = path.Clean(p)
	for _, prefix := range ps.prefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	for _, g := range ps.globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// NewEngine compiles a document's path sets and command lists.
func NewEngine(doc *Document) (*Engine, error) {
	if doc == nil {
		return nil, fmt.Errorf("policy document is nil")
	}
	writable, err := compilePathSet(doc.Allowlists.WritableDirs)
	if err != nil {
		return nil, fmt.Errorf("writable_dirs: %w", err)
	}
	sensitive, err := compilePathSet(doc.Allowlists.SensitiveDirs)
	if err != nil {
		return nil, fmt.Errorf("sensitive_dirs: %w", err)
	}
	forbidden := make(map[string]struct{}, len(doc.Allowlists.ForbiddenCommands))
	for _, c := range doc.Allowlists.ForbiddenCommands {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			forbidden[c] = struct{}{}
		}
	}
	return &Engine{doc: doc, writable: writable, sensitive: sensitive, forbidden: forbidden}, nil
}

// Document returns the document this engine was compiled from.
func (e *Engine) Document() *Document { return e.doc }

// Evaluate applies the layered default-deny policy to one request.
func (e *Engine) Evaluate(req types.ActionRequest) types.Evaluation {
	rule, ok := e.doc.Actions[req.Class]
	if !ok {
		return types.Evaluation{
			Decision: types.DecisionDeny,
			RuleID:   "default_deny",
			Reason:   fmt.Sprintf("action class %q is not configured", req.Class),
		}
	}

	if tok, bad := e.forbiddenToken(req.CommandTokens); bad {
		return types.Evaluation{
			Decision: types.DecisionDeny,
			RuleID:   "forbidden_command",
			Reason:   fmt.Sprintf("command token %q is forbidden", tok),
		}
	}

	// Every target path must fall inside the writable or sensitive sets.
	// Sensitive paths are reachable, but only through the strongest gate.
	for _, p := range req.TargetPaths {
		if !e.writable.Contains(p) && !e.sensitive.Contains(p) {
			return types.Evaluation{
				Decision: types.DecisionDeny,
				RuleID:   "path_not_writable",
				Reason:   fmt.Sprintf("target path %q is outside writable_dirs", p),
			}
		}
	}

	gate := types.GateType(rule.Gate)
	ruleID := "action:" + req.Class

	if req.Node != "" {
		nodeGate, nodeRuleID, ev := e.applyNodeRules(req, gate)
		if ev != nil {
			return *ev
		}
		if nodeGate != gate {
			gate, ruleID = nodeGate, nodeRuleID
		}
	}

	// Sensitive paths can never be gated more weakly than
	// human_approval_multi, whatever the action class says. The effective
	// rule id is distinct from the nominal one so the escalation is
	// auditable.
	for _, p := range req.TargetPaths {
		if e.sensitive.Contains(p) && gate.WeakerThan(types.GateHumanApprovalMulti) {
			gate = types.GateHumanApprovalMulti
			ruleID = "sensitive_escalation:" + req.Class
			break
		}
	}

	// Prerequisite test gates are a precondition, not a negotiable approval:
	// a missing or failing gate is a deny, never a require_approval.
	if missing := missingGates(rule.TestRequirements, req.TestResults); len(missing) > 0 {
		return types.Evaluation{
			Decision: types.DecisionDeny,
			RuleID:   "gates_incomplete",
			Reason:   fmt.Sprintf("required test gates not passing: %s", strings.Join(missing, ", ")),
		}
	}

	if gate == types.GateAutomated {
		return types.Evaluation{
			Decision: types.DecisionAllow,
			RuleID:   ruleID,
			Reason:   rule.Description,
		}
	}

	resolved := e.doc.Gate(gate)
	return types.Evaluation{
		Decision: types.DecisionRequireApproval,
		RuleID:   ruleID,
		Reason:   rule.Description,
		Gate:     &resolved,
	}
}

func (e *Engine) applyNodeRules(req types.ActionRequest, gate types.GateType) (types.GateType, string, *types.Evaluation) {
	node, ok := e.doc.NodeRules.Nodes[req.Node]
	if !ok {
		return gate, "", &types.Evaluation{
			Decision: types.DecisionDeny,
			RuleID:   "node_unknown",
			Reason:   fmt.Sprintf("node %q has no rules", req.Node),
		}
	}
	allowed := len(node.AllowedActions) == 0
	for _, a := range node.AllowedActions {
		if a == req.Class {
			allowed = true
			break
		}
	}
	if !allowed {
		return gate, "", &types.Evaluation{
			Decision: types.DecisionDeny,
			RuleID:   "node_action_not_allowed",
			Reason:   fmt.Sprintf("node %q does not allow action class %q", req.Node, req.Class),
		}
	}
	// deploy_requires is a floor: it can only strengthen the gate.
	if node.DeployRequires != "" {
		floor := types.GateType(node.DeployRequires)
		if gate.WeakerThan(floor) {
			return floor, "node_gate:" + req.Node, nil
		}
	}
	return gate, "", nil
}

func (e *Engine) forbiddenToken(tokens []string) (string, bool) {
	for _, tok := range tokens {
		base := strings.ToLower(filepath.Base(strings.TrimSpace(tok)))
		if _, ok := e.forbidden[base]; ok {
			return tok, true
		}
	}
	return "", false
}

func missingGates(required []string, results map[string]types.TestResult) []string {
	var missing []string
	for _, name := range required {
		res, ok := results[name]
		if !ok || !res.Passed() {
			missing = append(missing, name)
		}
	}
	return missing
}
