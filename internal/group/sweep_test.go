package group

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/kinds"
)

func TestSweepOrphanInvitesFreesCodeAfterRedeemerLeaves(t *testing.T) {
	c := NewCatalog("relay")
	c.Process(createEvent("alice", "g1", nostr.Tag{"closed"}), "s", "alice")
	c.Process(&nostr.Event{
		Kind: kinds.CreateInvite, PubKey: "alice",
		Tags: nostr.Tags{{"h", "g1"}, {"code", "S"}},
	}, "s", "alice")

	join := &nostr.Event{Kind: kinds.JoinRequest, PubKey: "u1", Tags: nostr.Tags{{"h", "g1"}, {"code", "S"}}}
	if _, err := c.Process(join, "s", "u1"); err != nil {
		t.Fatalf("join error = %v", err)
	}

	g := c.Get("s", "g1")
	if g.Invites["S"].RedeemedBy == nil {
		t.Fatal("invite should be redeemed by u1 before the sweep")
	}

	remove := &nostr.Event{Kind: kinds.RemoveUser, PubKey: "alice", Tags: nostr.Tags{{"h", "g1"}, {"p", "u1"}}}
	if _, err := c.Process(remove, "s", "alice"); err != nil {
		t.Fatalf("remove error = %v", err)
	}

	swept := c.SweepOrphanInvites()
	if swept != 1 {
		t.Fatalf("SweepOrphanInvites() = %d, want 1", swept)
	}
	if g.Invites["S"].RedeemedBy != nil {
		t.Error("invite should be freed after its redeemer was removed from the group")
	}
}

func TestSweepOrphanInvitesLeavesReusableInvitesAlone(t *testing.T) {
	c := NewCatalog("relay")
	c.Process(createEvent("alice", "g1", nostr.Tag{"closed"}), "s", "alice")
	c.Process(&nostr.Event{
		Kind: kinds.CreateInvite, PubKey: "alice",
		Tags: nostr.Tags{{"h", "g1"}, {"code", "R"}, {"reusable"}},
	}, "s", "alice")

	if swept := c.SweepOrphanInvites(); swept != 0 {
		t.Fatalf("SweepOrphanInvites() = %d, want 0 for an unredeemed reusable invite", swept)
	}
}
