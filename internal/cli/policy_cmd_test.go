package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validPolicy = `
version: 1
name: sample
allowlists:
  writable_dirs:
    - src
actions:
  apply_patch:
    gate: human_review
approvals:
  human_review:
    min_signatures: 1
`

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPolicyValidateOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(validPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	out, err := runCommand(t, "policy", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "sample v1: ok") {
		t.Fatalf("output = %q", out)
	}
}

func TestPolicyValidateRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	bad := validPolicy + "\nunexpected_top_level: true\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	_, err := runCommand(t, "policy", "validate", path)
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Code() != 2 {
		t.Fatalf("want exit code 2, got %v", err)
	}
}

func TestSubmitRequiresContract(t *testing.T) {
	_, err := runCommand(t, "action", "submit", "--class", "apply_patch")
	if err == nil || !strings.Contains(err.Error(), "--contract") {
		t.Fatalf("want contract-required error, got %v", err)
	}
}
