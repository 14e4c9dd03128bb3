package policy

import (
	"fmt"
	"time"

	"github.com/tymefrontier/gatekeeper/pkg/types"
	"gopkg.in/yaml.v3"
)

// Document is one versioned policy document. Immutable once loaded; reload
// replaces the whole document as a single atomic swap.
type Document struct {
	Version     int    `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	Allowlists Allowlists `yaml:"allowlists"`

	// Actions maps an action class to its gate configuration. Classes absent
	// from this map are denied by default.
	Actions map[string]ActionRule `yaml:"actions"`

	// Approvals maps a gate type to its quorum requirement.
	Approvals map[string]ApprovalRule `yaml:"approvals"`

	NodeRules    NodeRules    `yaml:"node_rules"`
	SpecialRules SpecialRules `yaml:"special_rules"`
}

type Allowlists struct {
	WritableDirs      []string `yaml:"writable_dirs"`
	SensitiveDirs     []string `yaml:"sensitive_dirs"`
	ForbiddenCommands []string `yaml:"forbidden_commands"`
}

type ActionRule struct {
	Description string `yaml:"description"`
	Gate        string `yaml:"gate"`

	// TestRequirements names prerequisite gates (tests, analyzers) that must
	// have passing results attached to the request. Missing or failing
	// results deny the action; they are never negotiable via approval.
	TestRequirements []string `yaml:"test_requirements"`
}

type ApprovalRule struct {
	MinSignatures int      `yaml:"min_signatures"`
	RequiredRoles []string `yaml:"required_roles"`
	Timeout       duration `yaml:"timeout"`
}

type NodeRules struct {
	Nodes map[string]NodeRule `yaml:"nodes"`
}

// NodeRule constrains what may target a named node. DeployRequires is a gate
// floor: it can strengthen the action class gate, never weaken it.
type NodeRule struct {
	AllowedActions []string `yaml:"allowed_actions"`
	DeployRequires string   `yaml:"deploy_requires"`
}

// SpecialRules are document-level booleans enforced by the external sandbox.
// They are carried on decisions for auditability.
type SpecialRules struct {
	PreventSecretExfiltration bool `yaml:"prevent_secret_exfiltration" json:"prevent_secret_exfiltration"`
	LogAllResponses           bool `yaml:"log_all_responses" json:"log_all_responses"`
	EphemeralSecrets          bool `yaml:"ephemeral_secrets" json:"ephemeral_secrets"`
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be scalar")
	}
	dd, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

// Validate performs semantic validation of a document.
func (d Document) Validate() error {
	if d.Version <= 0 {
		return fmt.Errorf("version must be > 0")
	}
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	for class, rule := range d.Actions {
		g := types.GateType(rule.Gate)
		if !g.Valid() {
			return fmt.Errorf("action %q: unknown gate %q", class, rule.Gate)
		}
	}
	for gate, rule := range d.Approvals {
		if !types.GateType(gate).Valid() {
			return fmt.Errorf("approvals: unknown gate %q", gate)
		}
		if rule.MinSignatures < 1 {
			return fmt.Errorf("approvals.%s: min_signatures must be >= 1", gate)
		}
		if len(rule.RequiredRoles) > 0 && rule.MinSignatures > len(rule.RequiredRoles) {
			return fmt.Errorf("approvals.%s: min_signatures %d exceeds required role count %d",
				gate, rule.MinSignatures, len(rule.RequiredRoles))
		}
	}
	for node, rule := range d.NodeRules.Nodes {
		if rule.DeployRequires != "" && !types.GateType(rule.DeployRequires).Valid() {
			return fmt.Errorf("node_rules.nodes.%s: unknown gate %q", node, rule.DeployRequires)
		}
	}
	return nil
}

// Gate resolves the quorum requirement for a gate type, with defaults for
// gates the document leaves unconfigured: one signature for human_review,
// two for human_approval_multi.
func (d Document) Gate(g types.GateType) types.ApprovalGate {
	out := types.ApprovalGate{Type: g}
	switch g {
	case types.GateHumanReview:
		out.MinSignatures = 1
	case types.GateHumanApprovalMulti:
		out.MinSignatures = 2
	}
	if rule, ok := d.Approvals[string(g)]; ok {
		out.MinSignatures = rule.MinSignatures
		out.RequiredRoles = append([]string(nil), rule.RequiredRoles...)
		out.Timeout = rule.Timeout.Duration
	}
	return out
}
