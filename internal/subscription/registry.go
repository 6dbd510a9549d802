// Package subscription implements the per-connection subscription
// registry: REQ filter sets matched against live events from the
// store's broadcast stream, gated by scope equality and group
// visibility. One registry per connection rather than one hub shared
// across all connections, since each connection owns its own filter
// set independently.
package subscription

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/metrics"
)

// Registry holds one connection's active subscriptions.
type Registry struct {
	mu   sync.RWMutex
	subs map[string][]nostr.Filter
}

// NewRegistry creates an empty registry for one connection.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]nostr.Filter)}
}

// Register stores (or replaces) a subscription's filter set.
func (r *Registry) Register(subID string, filters []nostr.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, existed := r.subs[subID]; !existed {
		metrics.ActiveSubscriptions.Inc()
	}
	r.subs[subID] = filters
}

// Unregister removes a subscription, e.g. on CLOSE.
func (r *Registry) Unregister(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, existed := r.subs[subID]; existed {
		metrics.ActiveSubscriptions.Dec()
	}
	delete(r.subs, subID)
}

// UnregisterAll clears every subscription, called synchronously from
// the connection's disconnect hook so registry slots never leak.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	metrics.ActiveSubscriptions.Sub(float64(len(r.subs)))
	r.subs = make(map[string][]nostr.Filter)
}

// Match returns the subscription ids whose filter set matches event.
// Filter disjunction: event matches a subscription if any one of its
// filters matches (conjunctively on kinds/authors/tags/time-range).
func (r *Registry) Match(event *nostr.Event) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []string
	for subID, filters := range r.subs {
		for _, f := range filters {
			if f.Matches(event) {
				matched = append(matched, subID)
				break
			}
		}
	}
	return matched
}

// Filters returns the stored filter set for subID (not a copy) and
// whether subID is registered.
func (r *Registry) Filters(subID string) ([]nostr.Filter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.subs[subID]
	return f, ok
}

// Len reports the number of active subscriptions, used by metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
