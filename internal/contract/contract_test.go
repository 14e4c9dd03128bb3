package contract

import (
	"errors"
	"reflect"
	"testing"
)

func TestValidateCreateAccepted(t *testing.T) {
	op, err := Validate(Descriptor{Op: "create", File: "docs/x.md", Content: "hello"})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if op.Kind != KindCreate {
		t.Errorf("kind = %q, want %q", op.Kind, KindCreate)
	}
	if op.File != "docs/x.md" || op.Content != "hello" {
		t.Errorf("operation fields not bound: %+v", op)
	}
	if op.Diff != "" || len(op.Command) != 0 || op.Node != "" {
		t.Errorf("unrelated fields bound: %+v", op)
	}
}

func TestValidatePatchWithOverwriteRefused(t *testing.T) {
	op, err := Validate(Descriptor{Op: "patch", Mode: "overwrite", Content: "..."})
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("Validate() error = %v, want ErrContractViolation", err)
	}
	if !reflect.DeepEqual(op, Operation{}) {
		t.Errorf("refusal retained partial binding: %+v", op)
	}
}

func TestValidateRefusals(t *testing.T) {
	cases := []struct {
		name string
		d    Descriptor
	}{
		{"empty", Descriptor{}},
		{"diff and command", Descriptor{File: "a.go", Diff: "@@", Command: []string{"go", "test"}}},
		{"content and node", Descriptor{File: "a.go", Content: "x", Node: "edge-1", Artifact: "img:1"}},
		{"op contradicts fields", Descriptor{Op: "run", File: "a.go", Diff: "@@"}},
		{"unknown op", Descriptor{Op: "merge", File: "a.go", Content: "x"}},
		{"unknown mode", Descriptor{File: "a.go", Content: "x", Mode: "append"}},
		{"diff with overwrite", Descriptor{File: "a.go", Diff: "@@", Mode: "overwrite"}},
		{"create missing file", Descriptor{Op: "create", Content: "x"}},
		{"patch missing diff", Descriptor{Op: "patch", File: "a.go"}},
		{"deploy missing artifact", Descriptor{Op: "deploy", Node: "edge-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Validate(tc.d); !errors.Is(err, ErrContractViolation) {
				t.Errorf("Validate(%+v) error = %v, want ErrContractViolation", tc.d, err)
			}
		})
	}
}

func TestValidateSingleOperations(t *testing.T) {
	cases := []struct {
		name string
		d    Descriptor
		want Kind
	}{
		{"create by fields", Descriptor{File: "docs/x.md", Content: "x"}, KindCreate},
		{"replace", Descriptor{File: "docs/x.md", Content: "x", Mode: "overwrite"}, KindReplace},
		{"patch", Descriptor{File: "a.go", Diff: "@@ -1 +1 @@"}, KindPatch},
		{"run", Descriptor{Command: []string{"go", "vet", "./..."}}, KindRun},
		{"deploy", Descriptor{Node: "edge-1", Artifact: "svc:2.3"}, KindDeploy},
		{"op agrees with fields", Descriptor{Op: "replace", File: "a.go", Content: "x", Mode: "overwrite"}, KindReplace},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, err := Validate(tc.d)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if op.Kind != tc.want {
				t.Errorf("kind = %q, want %q", op.Kind, tc.want)
			}
		})
	}
}

func TestValidateIsPure(t *testing.T) {
	d := Descriptor{Command: []string{"rm", "-rf", "/"}}
	op1, err1 := Validate(d)
	op2, err2 := Validate(d)
	if err1 != nil || err2 != nil {
		t.Fatalf("Validate() errors = %v, %v", err1, err2)
	}
	if op1.Kind != op2.Kind || len(op1.Command) != len(op2.Command) {
		t.Errorf("repeated validation diverged: %+v vs %+v", op1, op2)
	}
	// The returned command is a copy; mutating it must not affect later runs.
	op1.Command[0] = "ls"
	if d.Command[0] != "rm" {
		t.Errorf("descriptor mutated through returned operation")
	}
}
