// Package contract validates action descriptors before they reach policy
// evaluation. A descriptor must declare exactly one operation; anything
// ambiguous or internally conflicting is refused outright. Validation is pure
// and total: a refused descriptor leaves no partial binding behind.
package contract

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrContractViolation marks a descriptor whose declared intent is ambiguous
// or internally conflicting. Callers match it with errors.Is.
var ErrContractViolation = errors.New("contract violation")

// Descriptor is the wire shape of a proposed operation. Fields are
// operation-defining: which ones are present determines what the descriptor
// declares.
type Descriptor struct {
	// Op optionally names the intended operation. When set it must agree
	// with the fields actually present.
	Op string `json:"op,omitempty" yaml:"op,omitempty"`

	File    string `json:"file,omitempty" yaml:"file,omitempty"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
	Diff    string `json:"diff,omitempty" yaml:"diff,omitempty"`

	// Mode is a modifier of full replacement ("overwrite"). It is invalid on
	// any other operation.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	Node     string `json:"node,omitempty" yaml:"node,omitempty"`
	Artifact string `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}

// Kind identifies the single operation a valid descriptor declares.
type Kind string

const (
	KindCreate  Kind = "create"  // new file from content
	KindReplace Kind = "replace" // full-content overwrite of an existing file
	KindPatch   Kind = "patch"   // surgical modification via diff
	KindRun     Kind = "run"     // shell/test command
	KindDeploy  Kind = "deploy"  // deploy an artifact to a node
)

// Operation is the typed handle produced by successful validation. Exactly
// the fields relevant to Kind are populated.
type Operation struct {
	Kind Kind `json:"kind"`

	File    string `json:"file,omitempty"`
	Content string `json:"content,omitempty"`
	Diff    string `json:"diff,omitempty"`

	Command []string `json:"command,omitempty"`

	Node     string `json:"node,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}

// Validate determines the single operation d declares. It returns the typed
// operation handle, or ErrContractViolation if the descriptor declares zero
// operations, more than one, or carries a modifier that conflicts with the
// declared operation.
func Validate(d Descriptor) (Operation, error) {
	declared := map[Kind]bool{}

	if d.Diff != "" {
		declared[KindPatch] = true
	}
	if d.Content != "" {
		if strings.EqualFold(d.Mode, "overwrite") {
			declared[KindReplace] = true
		} else {
			declared[KindCreate] = true
		}
	}
	if len(d.Command) > 0 {
		declared[KindRun] = true
	}
	if d.Node != "" || d.Artifact != "" {
		declared[KindDeploy] = true
	}

	// An explicit op name is itself a declaration; it must not contradict the
	// fields. "patch" with mode=overwrite is the canonical conflict: a
	// surgical modification carrying a full-replacement modifier.
	if d.Op != "" {
		k := Kind(strings.ToLower(d.Op))
		switch k {
		case KindCreate, KindReplace, KindPatch, KindRun, KindDeploy:
		default:
			return Operation{}, violation("unknown operation %q", d.Op)
		}
		if k == KindPatch && strings.EqualFold(d.Mode, "overwrite") {
			return Operation{}, violation("patch operation cannot carry overwrite mode")
		}
		declared[k] = true
	}

	if d.Mode != "" && !strings.EqualFold(d.Mode, "overwrite") {
		return Operation{}, violation("unknown mode %q", d.Mode)
	}
	if strings.EqualFold(d.Mode, "overwrite") && d.Diff != "" {
		return Operation{}, violation("diff cannot carry overwrite mode")
	}

	switch len(declared) {
	case 0:
		return Operation{}, violation("descriptor declares no operation")
	case 1:
	default:
		return Operation{}, violation("descriptor declares multiple operations: %s", kindList(declared))
	}

	var kind Kind
	for k := range declared {
		kind = k
	}

	switch kind {
	case KindCreate:
		if d.File == "" {
			return Operation{}, violation("create requires a file")
		}
		if d.Content == "" {
			return Operation{}, violation("create requires content")
		}
		return Operation{Kind: KindCreate, File: d.File, Content: d.Content}, nil
	case KindReplace:
		if d.File == "" {
			return Operation{}, violation("replace requires a file")
		}
		if d.Content == "" {
			return Operation{}, violation("replace requires content")
		}
		return Operation{Kind: KindReplace, File: d.File, Content: d.Content}, nil
	case KindPatch:
		if d.File == "" {
			return Operation{}, violation("patch requires a file")
		}
		if d.Diff == "" {
			return Operation{}, violation("patch requires a diff")
		}
		return Operation{Kind: KindPatch, File: d.File, Diff: d.Diff}, nil
	case KindRun:
		if len(d.Command) == 0 {
			return Operation{}, violation("run requires command tokens")
		}
		return Operation{Kind: KindRun, Command: append([]string(nil), d.Command...)}, nil
	case KindDeploy:
		if d.Node == "" {
			return Operation{}, violation("deploy requires a node")
		}
		if d.Artifact == "" {
			return Operation{}, violation("deploy requires an artifact")
		}
		return Operation{Kind: KindDeploy, Node: d.Node, Artifact: d.Artifact}, nil
	}
	return Operation{}, violation("descriptor declares no operation")
}

func kindList(declared map[Kind]bool) string {
	out := make([]string, 0, len(declared))
	for k := range declared {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
