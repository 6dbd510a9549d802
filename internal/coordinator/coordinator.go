// Package coordinator wires the group catalog, event store, and
// per-connection subscription registries together: it services REQ
// with a query-then-live-fan-out sequence, buffers and coalesces
// replaceable-event writes, and dispatches saved events to every
// subscription that may see them, generalizing a broadcast-to-every-
// client fan-out into "every subscription whose scope and visibility
// predicate match."
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/crypto"
	"github.com/groups-relay/relay/internal/group"
	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/logger"
	"github.com/groups-relay/relay/internal/store"
	"github.com/groups-relay/relay/internal/subscription"
)

// OutboundMessage is a fully-formed wire message ready for the
// connection's outbound channel.
type OutboundMessage []interface{}

// Sink is how the coordinator delivers a message to one connection.
type Sink func(msg OutboundMessage) bool

type connEntry struct {
	scope    string
	authed   func() string // re-read lazily: auth can complete mid-connection
	registry *subscription.Registry
	sink     Sink
}

// Coordinator is the subscription + replaceable-write coordinator,
// one instance shared across all connections.
type Coordinator struct {
	store   *store.Store
	catalog *group.Catalog
	pool    *crypto.Pool
	relaySK string

	connMu sync.RWMutex
	conns  map[string]*connEntry

	bufMu  sync.Mutex
	buffer map[string]bufferedDraft

	flushWindow time.Duration
	done        chan struct{}
}

type bufferedDraft struct {
	draft group.Draft
}

// New constructs a Coordinator. relaySecretKey signs buffered drafts
// before they reach the store.
func New(s *store.Store, catalog *group.Catalog, pool *crypto.Pool, relaySecretKey string, flushWindow time.Duration) *Coordinator {
	if flushWindow <= 0 {
		flushWindow = time.Second
	}
	c := &Coordinator{
		store:       s,
		catalog:     catalog,
		pool:        pool,
		relaySK:     relaySecretKey,
		conns:       make(map[string]*connEntry),
		buffer:      make(map[string]bufferedDraft),
		flushWindow: flushWindow,
		done:        make(chan struct{}),
	}
	return c
}

// Start begins the store-broadcast fan-out loop and the replaceable
// write-buffer ticker. Must be called once before use.
func (c *Coordinator) Start(ctx context.Context) {
	go c.fanOutLoop(ctx)
	go c.flushLoop(ctx)
}

// Stop releases background goroutines.
func (c *Coordinator) Stop() { close(c.done) }

// RegisterConnection makes a connection's registry visible to live
// fan-out. authed is called lazily so a connection that authenticates
// after REQ is still represented correctly on the next event.
func (c *Coordinator) RegisterConnection(connID, scope string, registry *subscription.Registry, authed func() string, sink Sink) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conns[connID] = &connEntry{scope: scope, authed: authed, registry: registry, sink: sink}
}

// UnregisterConnection drops a connection synchronously, per the
// disconnect-hook contract that registry slots are released without
// delay.
func (c *Coordinator) UnregisterConnection(connID string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	delete(c.conns, connID)
}

func (c *Coordinator) fanOutLoop(ctx context.Context) {
	log := logger.Coordinator()
	ch := c.store.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case saved, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(saved)
			log.Debug().Str("event_id", saved.Event.ID).Msg("dispatched saved event to subscribers")
		}
	}
}

func (c *Coordinator) dispatch(saved store.StoredEvent) {
	groupID := group.GroupID(saved.Event)
	var g *group.Group
	if groupID != "" {
		g = c.catalog.Get(saved.Scope, groupID)
	}

	c.connMu.RLock()
	defer c.connMu.RUnlock()
	for connID, entry := range c.conns {
		if entry.scope != saved.Scope {
			continue
		}
		subIDs := entry.registry.Match(saved.Event)
		if len(subIDs) == 0 {
			continue
		}
		if g != nil && !g.CanSeeEvent(entry.authed(), c.catalog.RelayPubkey(), saved.Event) {
			continue
		}
		for _, subID := range subIDs {
			msg := OutboundMessage{"EVENT", subID, saved.Event}
			if !entry.sink(msg) {
				logger.Coordinator().Warn().Str("conn", connID).Msg("outbound queue full, message dropped")
			}
		}
	}
}

// HandleREQ services a REQ message: query the store, emit visible
// events, then EOSE. Live fan-out for subsequent events relies on the
// subscription already being registered by the caller before this runs.
func (c *Coordinator) HandleREQ(ctx context.Context, subID string, filters []nostr.Filter, scope, authed string, queryLimit int, sink Sink) error {
	for i := range filters {
		if filters[i].Limit == 0 || filters[i].Limit > queryLimit {
			filters[i].Limit = queryLimit
		}
	}

	events, err := c.store.Query(ctx, filters, scope)
	if err != nil {
		return fmt.Errorf("query for REQ %s: %w", subID, err)
	}

	for _, event := range events {
		groupID := group.GroupID(event)
		if groupID != "" {
			if g := c.catalog.Get(scope, groupID); g != nil && !g.CanSeeEvent(authed, c.catalog.RelayPubkey(), event) {
				continue
			}
		}
		sink(OutboundMessage{"EVENT", subID, event})
	}
	sink(OutboundMessage{"EOSE", subID})
	return nil
}

// Save routes a draft to the store, buffering replaceable unsigned
// drafts for coalescing and bypassing the buffer for already-signed or
// non-replaceable events.
func (c *Coordinator) Save(ctx context.Context, draft group.Draft) error {
	event := draft.Event
	if event.Sig != "" || !kinds.IsReplaceable(event.Kind) {
		return c.signIfNeededAndSave(ctx, draft)
	}

	key := replaceableBufferKey(event, draft.Scope)
	c.bufMu.Lock()
	c.buffer[key] = bufferedDraft{draft: draft}
	c.bufMu.Unlock()
	return nil
}

func replaceableBufferKey(event *nostr.Event, scope string) string {
	d := ""
	if kinds.IsAddressableState(event.Kind) || kinds.IsAddressable(event.Kind) {
		if dTag := event.Tags.GetFirst([]string{"d", ""}); dTag != nil && len(*dTag) > 1 {
			d = (*dTag)[1]
		}
	}
	return fmt.Sprintf("%s|%d|%s|%s", event.PubKey, event.Kind, d, scope)
}

func (c *Coordinator) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.flushWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Coordinator) flush(ctx context.Context) {
	c.bufMu.Lock()
	pending := c.buffer
	c.buffer = make(map[string]bufferedDraft)
	c.bufMu.Unlock()

	for _, bd := range pending {
		if err := c.signIfNeededAndSave(ctx, bd.draft); err != nil {
			logger.Coordinator().Error().Err(err).Str("event_kind", fmt.Sprint(bd.draft.Event.Kind)).Msg("flush save failed")
		}
	}
}

// Delete removes events matching filter in scope, used by the pipeline's
// store-dispatch stage for NIP-09, 9005 and 9008 deletions.
func (c *Coordinator) Delete(ctx context.Context, filter nostr.Filter, scope string) error {
	return c.store.Delete(ctx, filter, scope)
}

func (c *Coordinator) signIfNeededAndSave(ctx context.Context, draft group.Draft) error {
	event := draft.Event
	if event.Sig == "" {
		if c.relaySK == "" {
			return fmt.Errorf("cannot sign relay draft: no relay secret key configured")
		}
		signed, err := c.pool.Sign(ctx, event, c.relaySK)
		if err != nil {
			return fmt.Errorf("sign relay draft: %w", err)
		}
		event = signed
	}
	return c.store.Save(ctx, event, draft.Scope)
}
