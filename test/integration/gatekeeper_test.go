//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tymefrontier/gatekeeper/internal/client"
	"github.com/tymefrontier/gatekeeper/internal/config"
	"github.com/tymefrontier/gatekeeper/internal/contract"
	"github.com/tymefrontier/gatekeeper/internal/server"
	"github.com/tymefrontier/gatekeeper/pkg/types"
)

const integrationPolicy = `
version: 1
name: default
allowlists:
  writable_dirs:
    - src
    - docs
  sensitive_dirs:
    - secrets
  forbidden_commands:
    - curl
actions:
  write_docs:
    gate: automated
  run_tests:
    gate: automated
  deploy:
    gate: human_approval_multi
approvals:
  human_approval_multi:
    min_signatures: 2
    required_roles:
      - engineer
      - safety_officer
node_rules:
  nodes:
    edge-1:
      allowed_actions:
        - deploy
`

const integrationKeys = `
- id: agent-1
  key: AGENT-KEY
  role: agent
- id: alice
  key: ALICE-KEY
  role: approver
- id: bob
  key: BOB-KEY
  role: approver
- id: ops
  key: OPS-KEY
  role: admin
`

// startServer boots a full server on a loopback port and waits for /health.
func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	policyDir := filepath.Join(dir, "policies")
	if err := os.MkdirAll(policyDir, 0o755); err != nil {
		t.Fatalf("mkdir policies: %v", err)
	}
	if err := os.WriteFile(filepath.Join(policyDir, "default.yaml"), []byte(integrationPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	keysPath := filepath.Join(dir, "keys.yaml")
	if err := os.WriteFile(keysPath, []byte(integrationKeys), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	cfg := config.Default()
	cfg.Server.HTTP.Addr = "127.0.0.1:0"
	cfg.Policies.Dir = policyDir
	cfg.Ledger.SQLitePath = filepath.Join(dir, "ledger.db")
	cfg.Auth.Type = "api_key"
	cfg.Auth.APIKey.KeysFile = keysPath

	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
		srv.Close()
	})

	base := fmt.Sprintf("http://%s", srv.Addr())
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			return base
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMultiPartyApprovalOverHTTP(t *testing.T) {
	base := startServer(t)
	ctx := context.Background()

	agent := client.New(base, "AGENT-KEY")
	alice := client.New(base, "ALICE-KEY")
	bob := client.New(base, "BOB-KEY")

	st, err := agent.SubmitAction(ctx, client.SubmitRequest{
		Class:    "deploy",
		Node:     "edge-1",
		Contract: contract.Descriptor{Node: "edge-1", Artifact: "app:1.2.3"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st.State != types.StateAwaitingApproval {
		t.Fatalf("state = %s, want %s", st.State, types.StateAwaitingApproval)
	}
	id := st.ID

	st, err = alice.Approve(ctx, id, "engineer", "alice")
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if st.Quorum == nil || st.Quorum.Satisfied {
		t.Fatalf("quorum after one signature = %+v", st.Quorum)
	}

	st, err = bob.Approve(ctx, id, "safety_officer", "bob")
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if st.State != types.StateAllowed {
		t.Fatalf("state = %s, want %s", st.State, types.StateAllowed)
	}

	st, err = agent.ReportResult(ctx, id, types.ExecutionResult{Status: "pass"})
	if err != nil {
		t.Fatalf("report result: %v", err)
	}
	if st.State != types.StateExecuted {
		t.Fatalf("state = %s, want %s", st.State, types.StateExecuted)
	}

	entries, err := alice.QueryLedger(ctx, url.Values{"action_id": []string{id}, "order": []string{"asc"}})
	if err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	want := map[string]int{
		types.EntryDecision:  1,
		types.EntryApproval:  2,
		types.EntryExecution: 1,
	}
	got := map[string]int{}
	for _, k := range kinds {
		got[k]++
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("kind %s: got %d entries, want %d (all: %v)", k, got[k], n, kinds)
		}
	}

	out, err := alice.VerifyLedger(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok, _ := out["ok"].(bool); !ok {
		t.Fatalf("chain verification failed: %v", out)
	}
}

func TestDenyAndRefusalOverHTTP(t *testing.T) {
	base := startServer(t)
	ctx := context.Background()
	agent := client.New(base, "AGENT-KEY")

	// Forbidden command denies without creating a gate.
	st, err := agent.SubmitAction(ctx, client.SubmitRequest{
		Class:         "run_tests",
		CommandTokens: []string{"curl", "https://example.com"},
		Contract:      contract.Descriptor{Command: []string{"curl", "https://example.com"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st.State != types.StateDenied {
		t.Fatalf("state = %s, want %s", st.State, types.StateDenied)
	}
	if st.Evaluation.RuleID != "forbidden_command" {
		t.Fatalf("rule = %q, want forbidden_command", st.Evaluation.RuleID)
	}

	// A descriptor mixing operations is refused outright.
	_, err = agent.SubmitAction(ctx, client.SubmitRequest{
		Class: "write_docs",
		Contract: contract.Descriptor{
			File:    "docs/readme.md",
			Content: "x",
			Command: []string{"make", "docs"},
		},
	})
	if err == nil {
		t.Fatal("want contract violation error")
	}
}
