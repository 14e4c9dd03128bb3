// Package ledger implements the append-only, hash-chained audit ledger. It is
// the sole source of historical truth: every decision, approval, transition,
// and execution outcome lands here before it is considered to have happened.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/tymefrontier/gatekeeper/pkg/types"
	_ "modernc.org/sqlite"
)

// ErrChainTampered is returned once chain verification fails. It is the one
// condition with no automatic recovery: all further appends are refused
// pending manual review.
var ErrChainTampered = errors.New("ledger chain tamper detected")

// Options configures the hash chain. Algorithm is "sha256" (default) or
// "hmac-sha256"; the HMAC variant requires a key of at least MinKeyLength
// bytes from an opaque file/env provider.
type Options struct {
	Algorithm string
	Key       []byte
	Mirror    *Mirror
	Publish   func(types.LedgerEntry)
	// OnError observes failed appends, including those refused after a halt.
	OnError func(error)
}

// MinKeyLength is the minimum key length accepted for hmac-sha256 chains.
const MinKeyLength = 32

// Ledger is the durable hash chain. Appends across all requests are
// serialized through one logical writer so prev_hash linkage has a total
// order; reads run concurrently against the same store.
type Ledger struct {
	db *sql.DB

	algorithm string
	key       []byte
	mirror    *Mirror
	publish   func(types.LedgerEntry)
	onError   func(error)

	mu       sync.Mutex
	sequence int64
	prevHash string
	halted   bool
}

// Open opens (or creates) the ledger at path and restores the chain head.
func Open(path string, opts Options) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir ledger dir: %w", err)
	}

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = "sha256"
	}
	switch algorithm {
	case "sha256":
	case "hmac-sha256":
		if len(opts.Key) < MinKeyLength {
			return nil, fmt.Errorf("hmac key too short: got %d bytes, need at least %d", len(opts.Key), MinKeyLength)
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm %q: use sha256 or hmac-sha256", algorithm)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Ledger{
		db:        db,
		algorithm: algorithm,
		key:       opts.Key,
		mirror:    opts.Mirror,
		publish:   opts.Publish,
		onError:   opts.OnError,
	}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.restoreHead(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS ledger (
			seq INTEGER PRIMARY KEY,
			prev_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			ts_unix_ns INTEGER NOT NULL,
			kind TEXT NOT NULL,
			action_id TEXT,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_action ON ledger(action_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_kind ON ledger(kind, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger migrate: %w", err)
		}
	}
	return nil
}

func (l *Ledger) restoreHead(ctx context.Context) error {
	row := l.db.QueryRowContext(ctx, `SELECT seq, entry_hash FROM ledger ORDER BY seq DESC LIMIT 1`)
	var seq int64
	var entryHash string
	switch err := row.Scan(&seq, &entryHash); err {
	case nil:
		l.sequence = seq
		l.prevHash = entryHash
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("restore chain head: %w", err)
	}
}

// Append canonicalizes payload, links it to the chain, and stores the entry
// durably before returning. The entry is visible to Query and the publish
// hook only after the database write succeeds.
func (l *Ledger) Append(ctx context.Context, kind, actionID string, payload any) (types.LedgerEntry, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return types.LedgerEntry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		l.fail(ErrChainTampered)
		return types.LedgerEntry{}, ErrChainTampered
	}

	now := time.Now().UTC()
	seq := l.sequence + 1
	entryHash := l.computeHash(seq, l.prevHash, now, canonical)

	entry := types.LedgerEntry{
		Sequence:  seq,
		PrevHash:  l.prevHash,
		EntryHash: entryHash,
		Timestamp: now,
		Kind:      kind,
		ActionID:  actionID,
		Payload:   canonical,
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger(seq, prev_hash, entry_hash, ts_unix_ns, kind, action_id, payload_json)
		VALUES(?,?,?,?,?,?,?);`,
		entry.Sequence,
		entry.PrevHash,
		entry.EntryHash,
		entry.Timestamp.UnixNano(),
		entry.Kind,
		nullable(entry.ActionID),
		string(entry.Payload),
	)
	if err != nil {
		l.fail(err)
		return types.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}

	l.sequence = seq
	l.prevHash = entryHash

	// The SQLite chain is authoritative; the mirror and subscribers are
	// best-effort observers and never fail an append.
	if l.mirror != nil {
		if merr := l.mirror.Write(entry); merr != nil {
			fmt.Fprintf(os.Stderr, "ledger: mirror write failed: %v\n", merr)
		}
	}
	if l.publish != nil {
		l.publish(entry)
	}
	return entry, nil
}

// VerifyChain recomputes hashes from the first entry and reports the first
// sequence whose stored linkage or hash disagrees with the recomputation.
// On failure the ledger halts further appends.
func (l *Ledger) VerifyChain(ctx context.Context) (bool, int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, prev_hash, entry_hash, ts_unix_ns, payload_json FROM ledger ORDER BY seq ASC`)
	if err != nil {
		return false, 0, fmt.Errorf("read ledger: %w", err)
	}
	defer rows.Close()

	prev := ""
	want := int64(1)
	for rows.Next() {
		var seq, ts int64
		var prevHash, entryHash, payload string
		if err := rows.Scan(&seq, &prevHash, &entryHash, &ts, &payload); err != nil {
			return false, 0, fmt.Errorf("scan ledger entry: %w", err)
		}
		if seq != want || prevHash != prev {
			l.halt()
			return false, seq, nil
		}
		recomputed := l.computeHash(seq, prevHash, time.Unix(0, ts).UTC(), []byte(payload))
		if recomputed != entryHash {
			l.halt()
			return false, seq, nil
		}
		prev = entryHash
		want = seq + 1
	}
	if err := rows.Err(); err != nil {
		return false, 0, fmt.Errorf("read ledger rows: %w", err)
	}
	return true, 0, nil
}

func (l *Ledger) fail(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

func (l *Ledger) halt() {
	l.mu.Lock()
	l.halted = true
	l.mu.Unlock()
}

// Halted reports whether appends are refused pending manual review.
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Head returns the current sequence number and head hash.
func (l *Ledger) Head() (int64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence, l.prevHash
}

// Query returns entries matching q, newest first unless q.Asc.
func (l *Ledger) Query(ctx context.Context, q types.LedgerQuery) ([]types.LedgerEntry, error) {
	where := []string{"1=1"}
	var args []any

	if q.ActionID != "" {
		where = append(where, "action_id = ?")
		args = append(args, q.ActionID)
	}
	if len(q.Kinds) > 0 {
		place := make([]string, 0, len(q.Kinds))
		for _, k := range q.Kinds {
			place = append(place, "?")
			args = append(args, k)
		}
		where = append(where, "kind IN ("+strings.Join(place, ",")+")")
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, prev_hash, entry_hash, ts_unix_ns, kind, action_id, payload_json
		 FROM ledger WHERE `+strings.Join(where, " AND ")+
			` ORDER BY seq `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		var ts int64
		var actionID sql.NullString
		var payload string
		if err := rows.Scan(&e.Sequence, &e.PrevHash, &e.EntryHash, &ts, &e.Kind, &actionID, &payload); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.ActionID = actionID.String
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query ledger rows: %w", err)
	}
	return out, nil
}

// canonicalize marshals payload and normalizes it to RFC 8785 JCS form so the
// same payload always hashes identically, whatever map ordering produced it.
func canonicalize(payload any) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(b)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical, nil
}

// computeHash hashes seq | prev_hash | timestamp | canonical payload.
func (l *Ledger) computeHash(seq int64, prevHash string, ts time.Time, canonical []byte) string {
	var h hash.Hash
	if l.algorithm == "hmac-sha256" {
		h = hmac.New(sha256.New, l.key)
	} else {
		h = sha256.New()
	}
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(ts.UnixNano(), 10)))
	h.Write([]byte("|"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
