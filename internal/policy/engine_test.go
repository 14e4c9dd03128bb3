package policy

import (
	"reflect"
	"testing"
	"time"

	"github.com/tymefrontier/gatekeeper/pkg/types"
)

func testDocument() *Document {
	return &Document{
		Version: 1,
		Name:    "test",
		Allowlists: Allowlists{
			WritableDirs:      []string{"src", "docs"},
			SensitiveDirs:     []string{"secrets", "deploy/keys"},
			ForbiddenCommands: []string{"curl", "ssh"},
		},
		Actions: map[string]ActionRule{
			"apply_patch": {Gate: "human_review", TestRequirements: []string{"unit_tests"}},
			"write_docs":  {Gate: "automated"},
			"run_command": {Gate: "human_review"},
			"deploy":      {Gate: "human_review"},
		},
		Approvals: map[string]ApprovalRule{
			"human_review":         {MinSignatures: 1},
			"human_approval_multi": {MinSignatures: 2, RequiredRoles: []string{"engineer", "safety_officer"}},
		},
		NodeRules: NodeRules{Nodes: map[string]NodeRule{
			"edge-1": {AllowedActions: []string{"deploy"}, DeployRequires: "human_approval_multi"},
		}},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(testDocument())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestEvaluateDefaultDeny(t *testing.T) {
	e := newTestEngine(t)
	ev := e.Evaluate(types.ActionRequest{ID: "a1", Class: "launch_rockets"})
	if ev.Decision != types.DecisionDeny {
		t.Fatalf("decision = %q, want deny", ev.Decision)
	}
	if ev.RuleID != "default_deny" {
		t.Errorf("rule_id = %q, want default_deny", ev.RuleID)
	}
}

func TestEvaluateAutomatedAllow(t *testing.T) {
	e := newTestEngine(t)
	ev := e.Evaluate(types.ActionRequest{ID: "a1", Class: "write_docs", TargetPaths: []string{"docs/x.md"}})
	if ev.Decision != types.DecisionAllow {
		t.Fatalf("decision = %q, want allow (reason=%s)", ev.Decision, ev.Reason)
	}
	if ev.RuleID != "action:write_docs" {
		t.Errorf("rule_id = %q", ev.RuleID)
	}
}

func TestEvaluateSensitiveEscalation(t *testing.T) {
	e := newTestEngine(t)
	ev := e.Evaluate(types.ActionRequest{
		ID:          "a1",
		Class:       "apply_patch",
		TargetPaths: []string{"secrets/api_token.env"},
		TestResults: map[string]types.TestResult{"unit_tests": {Status: "pass"}},
	})
	if ev.Decision != types.DecisionRequireApproval {
		t.Fatalf("decision = %q, want require_approval", ev.Decision)
	}
	if ev.RuleID != "sensitive_escalation:apply_patch" {
		t.Errorf("rule_id = %q, want sensitive_escalation:apply_patch", ev.RuleID)
	}
	if ev.Gate == nil || ev.Gate.Type != types.GateHumanApprovalMulti {
		t.Fatalf("gate = %+v, want human_approval_multi", ev.Gate)
	}
	if ev.Gate.MinSignatures != 2 {
		t.Errorf("min_signatures = %d, want 2", ev.Gate.MinSignatures)
	}
}

func TestEvaluateGatesIncomplete(t *testing.T) {
	e := newTestEngine(t)
	cases := []map[string]types.TestResult{
		nil,
		{"unit_tests": {Status: "fail", Details: "3 failures"}},
		{"other": {Status: "pass"}},
	}
	for i, results := range cases {
		ev := e.Evaluate(types.ActionRequest{
			ID: "a1", Class: "apply_patch",
			TargetPaths: []string{"src/main.go"},
			TestResults: results,
		})
		if ev.Decision != types.DecisionDeny || ev.RuleID != "gates_incomplete" {
			t.Errorf("case %d: got (%q, %q), want (deny, gates_incomplete)", i, ev.Decision, ev.RuleID)
		}
	}
}

func TestEvaluateForbiddenCommand(t *testing.T) {
	e := newTestEngine(t)
	ev := e.Evaluate(types.ActionRequest{
		ID: "a1", Class: "run_command",
		CommandTokens: []string{"/usr/bin/curl", "https://example.com"},
	})
	if ev.Decision != types.DecisionDeny || ev.RuleID != "forbidden_command" {
		t.Fatalf("got (%q, %q), want (deny, forbidden_command)", ev.Decision, ev.RuleID)
	}
}

func TestEvaluatePathOutsideWritable(t *testing.T) {
	e := newTestEngine(t)
	ev := e.Evaluate(types.ActionRequest{
		ID: "a1", Class: "write_docs",
		TargetPaths: []string{"/etc/passwd"},
	})
	if ev.Decision != types.DecisionDeny || ev.RuleID != "path_not_writable" {
		t.Fatalf("got (%q, %q), want (deny, path_not_writable)", ev.Decision, ev.RuleID)
	}
}

func TestEvaluateNodeRules(t *testing.T) {
	e := newTestEngine(t)

	ev := e.Evaluate(types.ActionRequest{ID: "a1", Class: "deploy", Node: "unknown-node"})
	if ev.RuleID != "node_unknown" {
		t.Errorf("unknown node rule_id = %q", ev.RuleID)
	}

	ev = e.Evaluate(types.ActionRequest{ID: "a2", Class: "run_command", Node: "edge-1"})
	if ev.RuleID != "node_action_not_allowed" {
		t.Errorf("disallowed class rule_id = %q", ev.RuleID)
	}

	// deploy_requires strengthens the class gate.
	ev = e.Evaluate(types.ActionRequest{ID: "a3", Class: "deploy", Node: "edge-1"})
	if ev.Decision != types.DecisionRequireApproval {
		t.Fatalf("decision = %q, want require_approval", ev.Decision)
	}
	if ev.Gate == nil || ev.Gate.Type != types.GateHumanApprovalMulti {
		t.Errorf("gate = %+v, want human_approval_multi floor", ev.Gate)
	}
	if ev.RuleID != "node_gate:edge-1" {
		t.Errorf("rule_id = %q, want node_gate:edge-1", ev.RuleID)
	}
}

func TestEvaluateRiskScoreNeverGates(t *testing.T) {
	e := newTestEngine(t)
	low := e.Evaluate(types.ActionRequest{ID: "a1", Class: "write_docs", TargetPaths: []string{"docs/a.md"}, RiskScore: 0.01})
	high := e.Evaluate(types.ActionRequest{ID: "a1", Class: "write_docs", TargetPaths: []string{"docs/a.md"}, RiskScore: 0.99})
	if low.Decision != high.Decision || low.RuleID != high.RuleID {
		t.Errorf("risk score affected the decision: %+v vs %+v", low, high)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	e := newTestEngine(t)
	req := types.ActionRequest{
		ID: "a1", AgentID: "tyme", Class: "apply_patch",
		TargetPaths: []string{"src/main.go"},
		TestResults: map[string]types.TestResult{"unit_tests": {Status: "pass"}},
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	first := e.Evaluate(req)
	for i := 0; i < 50; i++ {
		if got := e.Evaluate(req); !reflect.DeepEqual(got, first) {
			t.Fatalf("evaluation %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestGateDefaults(t *testing.T) {
	doc := &Document{Version: 1, Name: "bare"}
	if g := doc.Gate(types.GateHumanReview); g.MinSignatures != 1 {
		t.Errorf("human_review default min = %d, want 1", g.MinSignatures)
	}
	if g := doc.Gate(types.GateHumanApprovalMulti); g.MinSignatures != 2 {
		t.Errorf("human_approval_multi default min = %d, want 2", g.MinSignatures)
	}
}
