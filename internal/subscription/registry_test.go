package subscription

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestRegisterAndMatch(t *testing.T) {
	r := NewRegistry()
	r.Register("sub1", []nostr.Filter{{Kinds: []int{1}}})

	event := &nostr.Event{Kind: 1, PubKey: "abc"}
	matched := r.Match(event)
	if len(matched) != 1 || matched[0] != "sub1" {
		t.Fatalf("Match() = %v, want [sub1]", matched)
	}

	other := &nostr.Event{Kind: 2, PubKey: "abc"}
	if matched := r.Match(other); len(matched) != 0 {
		t.Fatalf("Match() for non-matching kind = %v, want empty", matched)
	}
}

func TestUnregisterRemovesSubscription(t *testing.T) {
	r := NewRegistry()
	r.Register("sub1", []nostr.Filter{{Kinds: []int{1}}})
	r.Unregister("sub1")

	if matched := r.Match(&nostr.Event{Kind: 1}); len(matched) != 0 {
		t.Fatalf("Match() after Unregister = %v, want empty", matched)
	}
}

func TestUnregisterAllClearsEverySubscription(t *testing.T) {
	r := NewRegistry()
	r.Register("sub1", []nostr.Filter{{Kinds: []int{1}}})
	r.Register("sub2", []nostr.Filter{{Kinds: []int{2}}})
	r.UnregisterAll()

	if r.Len() != 0 {
		t.Fatalf("Len() after UnregisterAll = %d, want 0", r.Len())
	}
}

func TestFilterDisjunctionAcrossFilterList(t *testing.T) {
	r := NewRegistry()
	r.Register("sub1", []nostr.Filter{{Kinds: []int{1}}, {Kinds: []int{2}}})

	if matched := r.Match(&nostr.Event{Kind: 2}); len(matched) != 1 {
		t.Fatalf("Match() = %v, want subscription to match via second filter", matched)
	}
}
