package ledger

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tymefrontier/gatekeeper/pkg/types"
)

func openTestLedger(t *testing.T, opts Options) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestAppendLinksChain(t *testing.T) {
	l, _ := openTestLedger(t, Options{})
	ctx := context.Background()

	e1, err := l.Append(ctx, types.EntryDecision, "act-1", map[string]any{"decision": "allow"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e1.Sequence != 1 || e1.PrevHash != "" || e1.EntryHash == "" {
		t.Fatalf("first entry = %+v", e1)
	}

	e2, err := l.Append(ctx, types.EntryApproval, "act-1", map[string]any{"role": "engineer"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e2.Sequence != 2 || e2.PrevHash != e1.EntryHash {
		t.Fatalf("second entry not linked: %+v", e2)
	}

	ok, bad, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !ok {
		t.Fatalf("VerifyChain() = not ok, first bad = %d", bad)
	}
}

func TestVerifyChainLocalizesTamper(t *testing.T) {
	l, path := openTestLedger(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := l.Append(ctx, types.EntryDecision, fmt.Sprintf("act-%d", i), map[string]any{"n": i}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	// Mutate the stored payload of entry 2 behind the ledger's back.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`UPDATE ledger SET payload_json = '{"n":999}' WHERE seq = 2`); err != nil {
		t.Fatalf("tamper update: %v", err)
	}
	_ = db.Close()

	ok, bad, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if ok {
		t.Fatal("VerifyChain() = ok on tampered ledger")
	}
	if bad != 2 {
		t.Errorf("first_bad_sequence = %d, want 2", bad)
	}

	// Tamper detection is fatal: no new appends until manual review.
	if _, err := l.Append(ctx, types.EntryDecision, "act-4", map[string]any{"n": 4}); err != ErrChainTampered {
		t.Errorf("Append() after tamper error = %v, want ErrChainTampered", err)
	}
	if !l.Halted() {
		t.Error("Halted() = false after tamper")
	}
}

func TestCanonicalizationIsDeterministic(t *testing.T) {
	// Two payloads with identical content must hash identically regardless
	// of field ordering in the source encoding.
	a, err := canonicalize(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b, err := canonicalize(struct {
		A string `json:"a"`
		B int    `json:"b"`
	}{A: "x", B: 1})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
}

func TestReopenRestoresChainHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	e1, err := l.Append(ctx, types.EntryDecision, "act-1", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_ = l.Close()

	l2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer l2.Close()

	e2, err := l2.Append(ctx, types.EntryDecision, "act-2", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("Append() after reopen error = %v", err)
	}
	if e2.Sequence != 2 || e2.PrevHash != e1.EntryHash {
		t.Fatalf("chain not continued across reopen: %+v", e2)
	}
	ok, bad, err := l2.VerifyChain(ctx)
	if err != nil || !ok {
		t.Fatalf("VerifyChain() = (%v, %d, %v)", ok, bad, err)
	}
}

func TestHMACChain(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	l, _ := openTestLedger(t, Options{Algorithm: "hmac-sha256", Key: key})
	ctx := context.Background()

	if _, err := l.Append(ctx, types.EntryDecision, "act-1", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	ok, _, err := l.VerifyChain(ctx)
	if err != nil || !ok {
		t.Fatalf("VerifyChain() failed: ok=%v err=%v", ok, err)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "short.db"), Options{Algorithm: "hmac-sha256", Key: []byte("short")}); err == nil {
		t.Error("Open() accepted short hmac key")
	}
}

func TestConcurrentAppendsKeepTotalOrder(t *testing.T) {
	l, _ := openTestLedger(t, Options{})
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(ctx, types.EntryTransition, "act-1", map[string]any{"i": i}); err != nil {
				t.Errorf("Append(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	ok, bad, err := l.VerifyChain(ctx)
	if err != nil || !ok {
		t.Fatalf("VerifyChain() = (%v, %d, %v)", ok, bad, err)
	}
	seq, _ := l.Head()
	if seq != n {
		t.Errorf("head sequence = %d, want %d", seq, n)
	}
}

func TestQueryFilters(t *testing.T) {
	l, _ := openTestLedger(t, Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		kind := types.EntryDecision
		if i%2 == 1 {
			kind = types.EntryApproval
		}
		if _, err := l.Append(ctx, kind, fmt.Sprintf("act-%d", i%2), map[string]any{"i": i}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := l.Query(ctx, types.LedgerQuery{ActionID: "act-1", Asc: true})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Sequence > got[1].Sequence {
		t.Error("ascending order not respected")
	}

	got, err = l.Query(ctx, types.LedgerQuery{Kinds: []string{types.EntryApproval}})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	for _, e := range got {
		if e.Kind != types.EntryApproval {
			t.Errorf("kind = %q, want approval", e.Kind)
		}
	}
}

func TestMirrorReceivesEntries(t *testing.T) {
	dir := t.TempDir()
	mirror, err := NewMirror(filepath.Join(dir, "ledger.jsonl"), 1, 2)
	if err != nil {
		t.Fatalf("NewMirror() error = %v", err)
	}
	defer mirror.Close()

	l, _ := openTestLedger(t, Options{Mirror: mirror})
	if _, err := l.Append(context.Background(), types.EntryDecision, "act-1", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatalf("open mirror file: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() {
		lines++
	}
	if lines != 1 {
		t.Errorf("mirror lines = %d, want 1", lines)
	}
}
