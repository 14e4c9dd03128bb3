package metrics

import (
	"encoding/json"

	"github.com/tymefrontier/gatekeeper/pkg/types"
)

// InstrumentPublish decorates a ledger publish hook so every appended entry
// is counted by kind before it reaches next. next may be nil.
func InstrumentPublish(next func(types.LedgerEntry), c *Collector) func(types.LedgerEntry) {
	if c == nil {
		c = New()
	}
	return func(e types.LedgerEntry) {
		c.IncAppend()
		switch e.Kind {
		case types.EntryApproval:
			c.IncApproval()
		case types.EntryRefusal:
			c.IncRefusal()
		case types.EntryTransition:
			var t struct {
				To string `json:"to"`
			}
			if json.Unmarshal(e.Payload, &t) == nil && t.To == string(types.StateExpired) {
				c.IncExpired()
			}
		}
		if next != nil {
			next(e)
		}
	}
}
