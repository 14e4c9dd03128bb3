// Package events fans ledger entries out to live subscribers (SSE and
// websocket streams). The broker is read-side only: dashboards observe the
// ledger, they never write to it.
package events

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tymefrontier/gatekeeper/pkg/types"
)

type Broker struct {
	mu      sync.RWMutex
	subs    map[chan types.LedgerEntry]struct{}
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan types.LedgerEntry]struct{})}
}

func (b *Broker) Subscribe(buf int) chan types.LedgerEntry {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.LedgerEntry, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(ch chan types.LedgerEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broker) Publish(entry types.LedgerEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- entry:
		default:
			// Drop on slow subscriber; the ledger itself remains complete.
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				fmt.Fprintf(os.Stderr, "events: dropped ledger entry (seq=%d kind=%s, total dropped=%d)\n",
					entry.Sequence, entry.Kind, count)
			}
		}
	}
}

// DroppedCount returns the total number of entries dropped due to slow
// subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
