package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	decisionsTotal atomic.Uint64
	byDecision     sync.Map // string -> *atomic.Uint64
	byRule         sync.Map // string -> *atomic.Uint64

	approvalsTotal  atomic.Uint64
	refusalsTotal   atomic.Uint64
	appendsTotal    atomic.Uint64
	appendFailTotal atomic.Uint64
	expiredTotal    atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncDecision counts one policy evaluation by outcome and rule id.
func (c *Collector) IncDecision(decision, ruleID string) {
	if c == nil {
		return
	}
	c.decisionsTotal.Add(1)
	if decision == "" {
		decision = "unknown"
	}
	ptr, _ := c.byDecision.LoadOrStore(decision, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
	if ruleID == "" {
		ruleID = "unknown"
	}
	ptr, _ = c.byRule.LoadOrStore(ruleID, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncApproval() {
	if c == nil {
		return
	}
	c.approvalsTotal.Add(1)
}

func (c *Collector) IncRefusal() {
	if c == nil {
		return
	}
	c.refusalsTotal.Add(1)
}

func (c *Collector) IncAppend() {
	if c == nil {
		return
	}
	c.appendsTotal.Add(1)
}

func (c *Collector) IncAppendFail() {
	if c == nil {
		return
	}
	c.appendFailTotal.Add(1)
}

func (c *Collector) IncExpired() {
	if c == nil {
		return
	}
	c.expiredTotal.Add(1)
}

type HandlerOptions struct {
	// PendingCount reports requests currently awaiting approval.
	PendingCount func() int
	// LedgerHead reports the current chain sequence number.
	LedgerHead func() int64
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP gatekeeper_up Whether the gatekeeper server is running.\n")
		fmt.Fprint(w, "# TYPE gatekeeper_up gauge\n")
		fmt.Fprint(w, "gatekeeper_up 1\n")

		fmt.Fprint(w, "# HELP gatekeeper_decisions_total Total policy decisions evaluated.\n")
		fmt.Fprint(w, "# TYPE gatekeeper_decisions_total counter\n")
		fmt.Fprintf(w, "gatekeeper_decisions_total %d\n", c.decisionsTotal.Load())

		writeLabeled(w, &c.byDecision, "gatekeeper_decisions_by_outcome_total",
			"Policy decisions by outcome.", "outcome")
		writeLabeled(w, &c.byRule, "gatekeeper_decisions_by_rule_total",
			"Policy decisions by effective rule id.", "rule")

		fmt.Fprint(w, "# HELP gatekeeper_approvals_total Approval records accepted.\n")
		fmt.Fprint(w, "# TYPE gatekeeper_approvals_total counter\n")
		fmt.Fprintf(w, "gatekeeper_approvals_total %d\n", c.approvalsTotal.Load())

		fmt.Fprint(w, "# HELP gatekeeper_refusals_total Contract violations and stale or invalid approvals refused.\n")
		fmt.Fprint(w, "# TYPE gatekeeper_refusals_total counter\n")
		fmt.Fprintf(w, "gatekeeper_refusals_total %d\n", c.refusalsTotal.Load())

		fmt.Fprint(w, "# HELP gatekeeper_ledger_appends_total Ledger entries appended.\n")
		fmt.Fprint(w, "# TYPE gatekeeper_ledger_appends_total counter\n")
		fmt.Fprintf(w, "gatekeeper_ledger_appends_total %d\n", c.appendsTotal.Load())

		fmt.Fprint(w, "# HELP gatekeeper_ledger_append_failures_total Ledger appends that failed or were refused.\n")
		fmt.Fprint(w, "# TYPE gatekeeper_ledger_append_failures_total counter\n")
		fmt.Fprintf(w, "gatekeeper_ledger_append_failures_total %d\n", c.appendFailTotal.Load())

		fmt.Fprint(w, "# HELP gatekeeper_gates_expired_total Approval gates that timed out.\n")
		fmt.Fprint(w, "# TYPE gatekeeper_gates_expired_total counter\n")
		fmt.Fprintf(w, "gatekeeper_gates_expired_total %d\n", c.expiredTotal.Load())

		if opts.PendingCount != nil {
			fmt.Fprint(w, "# HELP gatekeeper_actions_awaiting_approval Requests currently awaiting approval.\n")
			fmt.Fprint(w, "# TYPE gatekeeper_actions_awaiting_approval gauge\n")
			fmt.Fprintf(w, "gatekeeper_actions_awaiting_approval %d\n", opts.PendingCount())
		}
		if opts.LedgerHead != nil {
			fmt.Fprint(w, "# HELP gatekeeper_ledger_head_seq Current ledger chain head sequence.\n")
			fmt.Fprint(w, "# TYPE gatekeeper_ledger_head_seq gauge\n")
			fmt.Fprintf(w, "gatekeeper_ledger_head_seq %d\n", opts.LedgerHead())
		}
	})
}

func writeLabeled(w http.ResponseWriter, m *sync.Map, name, help, label string) {
	keys := snapshotKeys(m)
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range keys {
		ptr, _ := m.Load(k)
		n := uint64(0)
		if ptr != nil {
			n = ptr.(*atomic.Uint64).Load()
		}
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, escapeLabelValue(k), n)
	}
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
