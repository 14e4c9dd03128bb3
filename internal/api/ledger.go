package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tymefrontier/gatekeeper/pkg/types"
)

func (a *App) queryLedger(w http.ResponseWriter, r *http.Request) {
	q, err := parseLedgerQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	entries, err := a.ledger.Query(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) verifyLedger(w http.ResponseWriter, r *http.Request) {
	ok, badSeq, err := a.ledger.VerifyChain(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	head, headHash := a.ledger.Head()
	out := map[string]any{
		"ok":        ok,
		"head_seq":  head,
		"head_hash": headHash,
	}
	if !ok {
		out["bad_seq"] = badSeq
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLedgerQuery(r *http.Request) (types.LedgerQuery, error) {
	v := r.URL.Query()
	var q types.LedgerQuery
	q.ActionID = v.Get("action_id")
	if k := v.Get("kind"); k != "" {
		q.Kinds = strings.Split(k, ",")
	}
	q.Limit, _ = strconv.Atoi(v.Get("limit"))
	q.Offset, _ = strconv.Atoi(v.Get("offset"))
	q.Asc = v.Get("order") == "asc"

	if since := v.Get("since"); since != "" {
		t, err := parseTimeOrAgo(since)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = &t
	}
	if until := v.Get("until"); until != "" {
		t, err := parseTimeOrAgo(until)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smhdw") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
