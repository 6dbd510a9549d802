package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSave(t *testing.T, s *store.Store, evt *nostr.Event, scope string) {
	t.Helper()
	evt.ID = evt.GetID()
	if err := s.Save(context.Background(), evt, scope); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestDeleteByIDRemovesOnlyMatchingEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	kept := &nostr.Event{Kind: 1, PubKey: "alice", CreatedAt: 100, Tags: nostr.Tags{}, Content: "keep"}
	gone := &nostr.Event{Kind: 1, PubKey: "alice", CreatedAt: 200, Tags: nostr.Tags{}, Content: "gone"}
	mustSave(t, s, kept, "s")
	mustSave(t, s, gone, "s")

	if err := deleteByID(ctx, s, "s", gone.ID); err != nil {
		t.Fatalf("deleteByID() error = %v", err)
	}

	remaining, err := s.Query(ctx, []nostr.Filter{{}}, "s")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != kept.ID {
		t.Fatalf("after deleteByID() = %v, want only %s left", remaining, kept.ID)
	}
}

func TestAnalyzeScopeFlagsEmptyGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta := &nostr.Event{Kind: kinds.GroupMetadata, PubKey: "relay", CreatedAt: 100, Tags: nostr.Tags{{"d", "g1"}, {"name", "Empty Group"}}}
	mustSave(t, s, meta, "s")

	var stats pruneStats
	verdicts, err := analyzeScope(ctx, s, "s", nostr.Timestamp(0), &stats)
	if err != nil {
		t.Fatalf("analyzeScope() error = %v", err)
	}
	if len(verdicts) != 1 || verdicts[0].groupID != "g1" || verdicts[0].reason != "empty (no members)" {
		t.Fatalf("analyzeScope() = %v, want one empty-group verdict for g1", verdicts)
	}
	if stats.empty != 1 {
		t.Errorf("stats.empty = %d, want 1", stats.empty)
	}
}

func TestAnalyzeScopeSparesGroupWithMembers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta := &nostr.Event{Kind: kinds.GroupMetadata, PubKey: "relay", CreatedAt: 100, Tags: nostr.Tags{{"d", "g1"}}}
	members := &nostr.Event{Kind: kinds.GroupMembers, PubKey: "relay", CreatedAt: 100, Tags: nostr.Tags{{"d", "g1"}, {"p", "alice"}}}
	mustSave(t, s, meta, "s")
	mustSave(t, s, members, "s")

	var stats pruneStats
	// cutoff predates the group's only activity (created_at=100), so it
	// must not be flagged inactive.
	verdicts, err := analyzeScope(ctx, s, "s", nostr.Timestamp(0), &stats)
	if err != nil {
		t.Fatalf("analyzeScope() error = %v", err)
	}
	if len(verdicts) != 0 {
		t.Fatalf("analyzeScope() = %v, want no verdicts for an active non-empty group", verdicts)
	}
}

func TestAnalyzeScopeFlagsInactiveGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta := &nostr.Event{Kind: kinds.GroupMetadata, PubKey: "relay", CreatedAt: 100, Tags: nostr.Tags{{"h", "g1"}, {"d", "g1"}}}
	members := &nostr.Event{Kind: kinds.GroupMembers, PubKey: "relay", CreatedAt: 100, Tags: nostr.Tags{{"h", "g1"}, {"d", "g1"}, {"p", "alice"}}}
	mustSave(t, s, meta, "s")
	mustSave(t, s, members, "s")

	farFuture := nostr.Timestamp(time.Now().Add(24 * time.Hour).Unix())
	var stats pruneStats
	verdicts, err := analyzeScope(ctx, s, "s", farFuture, &stats)
	if err != nil {
		t.Fatalf("analyzeScope() error = %v", err)
	}
	if len(verdicts) != 1 || verdicts[0].reason != "inactive (no activity in 1+ month)" {
		t.Fatalf("analyzeScope() = %v, want one inactive-group verdict", verdicts)
	}
}
