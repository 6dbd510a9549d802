package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustID(event *nostr.Event) *nostr.Event {
	event.ID = event.GetID()
	return event
}

func TestSaveAndQueryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := mustID(&nostr.Event{
		Kind:      1,
		PubKey:    "abc",
		CreatedAt: 100,
		Tags:      nostr.Tags{{"h", "group1"}},
		Content:   "hello",
	})
	if err := s.Save(ctx, event, "scope1"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{1}}}, "scope1")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != event.ID {
		t.Fatalf("Query() = %v, want one event with id %s", got, event.ID)
	}

	none, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{1}}}, "other-scope")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("Query() across scopes = %v, want empty", none)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := mustID(&nostr.Event{Kind: 1, PubKey: "abc", CreatedAt: 100, Tags: nostr.Tags{}, Content: "x"})
	if err := s.Save(ctx, event, "s"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, event, "s"); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := s.Query(ctx, []nostr.Filter{{IDs: []string{event.ID}}}, "s")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Query() = %d events, want exactly 1 after duplicate save", len(got))
	}
}

func TestReplaceableLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := mustID(&nostr.Event{Kind: 10002, PubKey: "abc", CreatedAt: 100, Tags: nostr.Tags{}, Content: "old"})
	newer := mustID(&nostr.Event{Kind: 10002, PubKey: "abc", CreatedAt: 200, Tags: nostr.Tags{}, Content: "new"})

	if err := s.Save(ctx, older, "s"); err != nil {
		t.Fatalf("Save(older) error = %v", err)
	}
	if err := s.Save(ctx, newer, "s"); err != nil {
		t.Fatalf("Save(newer) error = %v", err)
	}

	got, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{10002}, Authors: []string{"abc"}}}, "s")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "new" {
		t.Fatalf("Query() = %v, want only the newer replaceable event", got)
	}

	stale := mustID(&nostr.Event{Kind: 10002, PubKey: "abc", CreatedAt: 150, Tags: nostr.Tags{}, Content: "stale"})
	if err := s.Save(ctx, stale, "s"); err != nil {
		t.Fatalf("Save(stale) error = %v", err)
	}
	got, err = s.Query(ctx, []nostr.Filter{{Kinds: []int{10002}, Authors: []string{"abc"}}}, "s")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "new" {
		t.Fatalf("stale replaceable write must not supersede newer event, got %v", got)
	}
}

func TestAddressableReplaceableKeyedByDTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustID(&nostr.Event{Kind: 39000, PubKey: "abc", CreatedAt: 100, Tags: nostr.Tags{{"d", "group1"}}, Content: "{}"})
	b := mustID(&nostr.Event{Kind: 39000, PubKey: "abc", CreatedAt: 100, Tags: nostr.Tags{{"d", "group2"}}, Content: "{}"})

	if err := s.Save(ctx, a, "s"); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}
	if err := s.Save(ctx, b, "s"); err != nil {
		t.Fatalf("Save(b) error = %v", err)
	}

	got, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{39000}}}, "s")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Query() = %d events, want 2 distinct addressable events", len(got))
	}
}

func TestDeleteRemovesMatchingEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := mustID(&nostr.Event{Kind: 1, PubKey: "abc", CreatedAt: 100, Tags: nostr.Tags{}, Content: "x"})
	if err := s.Save(ctx, event, "s"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Delete(ctx, nostr.Filter{IDs: []string{event.ID}}, "s"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := s.Query(ctx, []nostr.Filter{{IDs: []string{event.ID}}}, "s")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Query() after delete = %v, want empty", got)
	}
}

func TestSubscribeReceivesSavedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := s.Subscribe()

	event := mustID(&nostr.Event{Kind: 1, PubKey: "abc", CreatedAt: 100, Tags: nostr.Tags{}, Content: "x"})
	if err := s.Save(ctx, event, "s"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case got := <-ch:
		if got.Event.ID != event.ID || got.Scope != "s" {
			t.Fatalf("Subscribe() received %v, want id=%s scope=s", got, event.ID)
		}
	default:
		t.Fatal("Subscribe() channel empty after Save()")
	}
}

func TestOpenCreatesParentDirLessPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested.db")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("tempdir missing: %v", err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
}
