// Package store implements the embedded event-indexed key-value store
// on top of go.etcd.io/bbolt: the relay's sole durable state, keyed by
// (scope, id) with secondary indices on kind, pubkey, created_at, and
// selected tags, and last-writer-wins semantics for replaceable kinds.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	bolt "go.etcd.io/bbolt"

	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/logger"
)

const (
	bucketEvents      = "events"
	bucketByKind      = "by_kind"
	bucketByPubkey    = "by_pubkey"
	bucketByCreatedAt = "by_created_at"
	bucketByTagH      = "by_tag_h"
	bucketByTagD      = "by_tag_d"
	bucketReplaceable = "replaceable"
)

// StoredEvent is delivered on the broadcast channel after a successful save.
type StoredEvent struct {
	Event *nostr.Event
	Scope string
}

// Store is the bbolt-backed event store gateway.
type Store struct {
	db *bolt.DB

	mu          sync.Mutex // serializes writes, matching "single writer from the caller's perspective"
	subscribers []chan StoredEvent
	subMu       sync.RWMutex
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Scopes lists every scope with at least one top-level bucket,
// stripping the "scope/" prefix back to the bare scope name ("default"
// for the empty scope). Used by operational tooling (cmd/dump,
// cmd/delete-event) to enumerate what to walk.
func (s *Store) Scopes() ([]string, error) {
	var scopes []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			const prefix = "scope/"
			if n := string(name); len(n) > len(prefix) && n[:len(prefix)] == prefix {
				scopes = append(scopes, n[len(prefix):])
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(scopes)
	return scopes, nil
}

func scopeBucketName(scope string) []byte {
	if scope == "" {
		scope = "default"
	}
	return []byte("scope/" + scope)
}

// ensureScope creates the scope's top-level bucket and its indices if
// they do not already exist. Writes for non-existent scopes auto-
// create the scope.
func ensureScope(tx *bolt.Tx, scope string) (*bolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(scopeBucketName(scope))
	if err != nil {
		return nil, err
	}
	for _, name := range []string{bucketEvents, bucketByKind, bucketByPubkey, bucketByCreatedAt, bucketByTagH, bucketByTagD, bucketReplaceable} {
		if _, err := root.CreateBucketIfNotExists([]byte(name)); err != nil {
			return nil, err
		}
	}
	return root, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// replaceableKey builds the composite replaceable index key. For
// addressable kinds (30000-39999) it includes the d-tag; for
// non-addressable replaceable kinds (10000-19999) it does not.
func replaceableKey(event *nostr.Event) string {
	if kinds.IsAddressable(event.Kind) {
		var d string
		if dTag := event.Tags.GetFirst([]string{"d", ""}); dTag != nil && len(*dTag) > 1 {
			d = (*dTag)[1]
		}
		return fmt.Sprintf("%s|%d|%s", event.PubKey, event.Kind, d)
	}
	return fmt.Sprintf("%s|%d", event.PubKey, event.Kind)
}

// Save writes event into scope. It is idempotent on event.ID and
// enforces replaceable-kind last-writer-wins semantics with
// (created_at, id) tiebreak on the greater id.
func (s *Store) Save(ctx context.Context, event *nostr.Event, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var superseded bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := ensureScope(tx, scope)
		if err != nil {
			return err
		}
		events := root.Bucket([]byte(bucketEvents))

		if existing := events.Get([]byte(event.ID)); existing != nil {
			return nil // idempotent: already stored
		}

		if kinds.IsReplaceable(event.Kind) {
			rkey := []byte(replaceableKey(event))
			replaceable := root.Bucket([]byte(bucketReplaceable))
			if currentID := replaceable.Get(rkey); currentID != nil {
				current, err := getEventLocked(events, string(currentID))
				if err != nil {
					return err
				}
				if current != nil && !winsOver(event, current) {
					superseded = true
					return nil
				}
				if current != nil {
					if err := deleteEventLocked(root, current); err != nil {
						return err
					}
				}
			}
			if err := replaceable.Put(rkey, []byte(event.ID)); err != nil {
				return err
			}
		}

		return putEventLocked(root, event)
	})
	if err != nil {
		return fmt.Errorf("save event %s: %w", event.ID, err)
	}
	if superseded {
		return nil
	}

	s.broadcast(StoredEvent{Event: event, Scope: scope})
	return nil
}

// winsOver reports whether candidate should replace current under the
// (created_at, id) last-writer-wins rule: greater created_at wins; on a
// tie, the lexicographically greater id wins.
func winsOver(candidate, current *nostr.Event) bool {
	if candidate.CreatedAt != current.CreatedAt {
		return candidate.CreatedAt > current.CreatedAt
	}
	return candidate.ID > current.ID
}

func putEventLocked(root *bolt.Bucket, event *nostr.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	events := root.Bucket([]byte(bucketEvents))
	if err := events.Put([]byte(event.ID), data); err != nil {
		return err
	}

	byKind := root.Bucket([]byte(bucketByKind))
	if err := appendIndex(byKind, kindIndexKey(event.Kind), event.ID); err != nil {
		return err
	}
	byPubkey := root.Bucket([]byte(bucketByPubkey))
	if err := appendIndex(byPubkey, []byte(event.PubKey), event.ID); err != nil {
		return err
	}
	byCreatedAt := root.Bucket([]byte(bucketByCreatedAt))
	if err := byCreatedAt.Put(append(itob(int64(event.CreatedAt)), []byte(event.ID)...), []byte(event.ID)); err != nil {
		return err
	}

	if h := event.Tags.GetFirst([]string{"h", ""}); h != nil && len(*h) > 1 {
		if err := appendIndex(root.Bucket([]byte(bucketByTagH)), []byte((*h)[1]), event.ID); err != nil {
			return err
		}
	}
	if d := event.Tags.GetFirst([]string{"d", ""}); d != nil && len(*d) > 1 {
		if err := appendIndex(root.Bucket([]byte(bucketByTagD)), []byte((*d)[1]), event.ID); err != nil {
			return err
		}
	}
	return nil
}

func deleteEventLocked(root *bolt.Bucket, event *nostr.Event) error {
	events := root.Bucket([]byte(bucketEvents))
	if err := events.Delete([]byte(event.ID)); err != nil {
		return err
	}
	removeIndex(root.Bucket([]byte(bucketByKind)), kindIndexKey(event.Kind), event.ID)
	removeIndex(root.Bucket([]byte(bucketByPubkey)), []byte(event.PubKey), event.ID)
	_ = root.Bucket([]byte(bucketByCreatedAt)).Delete(append(itob(int64(event.CreatedAt)), []byte(event.ID)...))
	if h := event.Tags.GetFirst([]string{"h", ""}); h != nil && len(*h) > 1 {
		removeIndex(root.Bucket([]byte(bucketByTagH)), []byte((*h)[1]), event.ID)
	}
	if d := event.Tags.GetFirst([]string{"d", ""}); d != nil && len(*d) > 1 {
		removeIndex(root.Bucket([]byte(bucketByTagD)), []byte((*d)[1]), event.ID)
	}
	return nil
}

func kindIndexKey(kind int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(kind))
	return b
}

// appendIndex stores a JSON array of ids under key, appending id if absent.
func appendIndex(bucket *bolt.Bucket, key []byte, id string) error {
	ids := readIndex(bucket, key)
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}

func removeIndex(bucket *bolt.Bucket, key []byte, id string) {
	ids := readIndex(bucket, key)
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		_ = bucket.Delete(key)
		return
	}
	data, _ := json.Marshal(out)
	_ = bucket.Put(key, data)
}

func readIndex(bucket *bolt.Bucket, key []byte) []string {
	data := bucket.Get(key)
	if data == nil {
		return nil
	}
	var ids []string
	_ = json.Unmarshal(data, &ids)
	return ids
}

func getEventLocked(events *bolt.Bucket, id string) (*nostr.Event, error) {
	data := events.Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var event nostr.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", id, err)
	}
	return &event, nil
}

// Query returns events in scope matching the disjunction of filters.
func (s *Store) Query(ctx context.Context, filters []nostr.Filter, scope string) ([]*nostr.Event, error) {
	var result []*nostr.Event
	seen := make(map[string]bool)

	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(scopeBucketName(scope))
		if root == nil {
			return nil
		}
		events := root.Bucket([]byte(bucketEvents))

		candidateIDs := candidateSetForFilters(root, filters)

		return events.ForEach(func(k, v []byte) error {
			id := string(k)
			if candidateIDs != nil && !candidateIDs[id] {
				return nil
			}
			if seen[id] {
				return nil
			}
			var event nostr.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			for _, f := range filters {
				if f.Matches(&event) {
					result = append(result, &event)
					seen[id] = true
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query scope %s: %w", scope, err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt > result[j].CreatedAt })

	limit := 0
	for _, f := range filters {
		if f.Limit > limit {
			limit = f.Limit
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// candidateSetForFilters narrows the scan using the kind/tag indices
// when a filter is selective enough; returns nil when no narrowing is
// possible (caller then falls back to a full scan).
func candidateSetForFilters(root *bolt.Bucket, filters []nostr.Filter) map[string]bool {
	var union map[string]bool
	for _, f := range filters {
		var ids []string
		switch {
		case len(f.Kinds) > 0:
			byKind := root.Bucket([]byte(bucketByKind))
			for _, k := range f.Kinds {
				ids = append(ids, readIndex(byKind, kindIndexKey(k))...)
			}
		case len(f.Tags["h"]) > 0:
			byTagH := root.Bucket([]byte(bucketByTagH))
			for _, v := range f.Tags["h"] {
				ids = append(ids, readIndex(byTagH, []byte(v))...)
			}
		case len(f.Tags["d"]) > 0:
			byTagD := root.Bucket([]byte(bucketByTagD))
			for _, v := range f.Tags["d"] {
				ids = append(ids, readIndex(byTagD, []byte(v))...)
			}
		default:
			return nil // this filter is unselective; fall back to a full scan
		}
		if union == nil {
			union = make(map[string]bool)
		}
		for _, id := range ids {
			union[id] = true
		}
	}
	return union
}

// Delete removes every event in scope matching filter.
func (s *Store) Delete(ctx context.Context, filter nostr.Filter, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(scopeBucketName(scope))
		if root == nil {
			return nil
		}
		events := root.Bucket([]byte(bucketEvents))

		var toDelete []*nostr.Event
		err := events.ForEach(func(k, v []byte) error {
			var event nostr.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if filter.Matches(&event) {
				toDelete = append(toDelete, &event)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, event := range toDelete {
			if err := deleteEventLocked(root, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// Subscribe returns a channel receiving every event this store saves
// from this point forward. The channel is lossy under back-pressure: a
// slow subscriber may miss events.
func (s *Store) Subscribe() <-chan StoredEvent {
	ch := make(chan StoredEvent, 256)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) broadcast(evt StoredEvent) {
	log := logger.Store()
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
			log.Warn().Str("event_id", evt.Event.ID).Msg("broadcast channel full, dropping for slow subscriber")
		}
	}
}
