package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/auth"
	"github.com/groups-relay/relay/internal/cache"
	"github.com/groups-relay/relay/internal/subscription"
)

func authEvent(t *testing.T, sk, challenge, relayURL string) *nostr.Event {
	t.Helper()
	return signedEvent(t, sk, 22242, nostr.Tags{{"challenge", challenge}, {"relay", relayURL}}, "")
}

func TestHandleAuthAcceptsMatchingInMemoryChallenge(t *testing.T) {
	chain, deps, cleanup := newTestChain(t)
	defer cleanup()

	sk := nostr.GeneratePrivateKey()
	state := newState(subscription.NewRegistry())
	state.Challenge = "abc123"
	state.ChallengeAt = time.Now()

	event := authEvent(t, sk, "abc123", deps.AuthURL)
	out := chain.ProcessInbound(context.Background(), state, &Message{Label: "AUTH", Event: event})

	if len(out) != 1 || out[0][0] != "OK" || out[0][2] != true {
		t.Fatalf("ProcessInbound(AUTH) = %v, want OK true", out)
	}
	if state.AuthedPubkey == "" {
		t.Error("expected AuthedPubkey to be set after a successful AUTH")
	}
}

func TestHandleAuthRejectsWithNoChallengeStoreConfigured(t *testing.T) {
	chain, deps, cleanup := newTestChain(t)
	defer cleanup()

	sk := nostr.GeneratePrivateKey()
	state := newState(subscription.NewRegistry())
	// state.Challenge left empty: simulates a stale/expired local challenge.

	event := authEvent(t, sk, "whatever", deps.AuthURL)
	out := chain.ProcessInbound(context.Background(), state, &Message{Label: "AUTH", Event: event})

	if len(out) != 1 || out[0][2] != false {
		t.Fatalf("ProcessInbound(AUTH) = %v, want OK false with no ChallengeStore fallback available", out)
	}
}

func TestHandleAuthIgnoresDisabledChallengeStore(t *testing.T) {
	disabled, err := cache.NewCache(cache.Config{Enabled: false})
	if err != nil {
		t.Fatalf("cache.NewCache() error = %v", err)
	}

	chain, deps, cleanup := newTestChain(t)
	defer cleanup()
	deps.ChallengeStore = auth.NewChallengeStore(disabled)
	chain = New(deps)

	sk := nostr.GeneratePrivateKey()
	state := newState(subscription.NewRegistry())
	// A disabled ChallengeStore must not be treated as an available
	// fallback: single-instance deployments with Redis off rely solely
	// on the in-memory challenge, which is absent here.
	event := authEvent(t, sk, "whatever", deps.AuthURL)
	out := chain.ProcessInbound(context.Background(), state, &Message{Label: "AUTH", Event: event})

	if len(out) != 1 || out[0][2] != false {
		t.Fatalf("ProcessInbound(AUTH) = %v, want OK false when the configured ChallengeStore is disabled", out)
	}
}
