package auth

import (
	"context"
	"testing"
	"time"

	"github.com/groups-relay/relay/internal/cache"
)

func disabledCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return c
}

func TestChallengeStoreDegradesWhenDisabled(t *testing.T) {
	store := NewChallengeStore(disabledCache(t))
	ctx := context.Background()

	if store.IsEnabled() {
		t.Fatal("IsEnabled() = true, want false for a disabled cache")
	}
	if err := store.IssueChallenge(ctx, "conn1", "abc123", "ws://localhost:3334", time.Minute); err != nil {
		t.Fatalf("IssueChallenge() error = %v, want nil no-op", err)
	}
	ok, err := store.ValidateChallenge(ctx, "conn1", "anything")
	if err != nil || !ok {
		t.Fatalf("ValidateChallenge() = (%v, %v), want (true, nil) when disabled", ok, err)
	}
	if err := store.ConsumeChallenge(ctx, "conn1"); err != nil {
		t.Fatalf("ConsumeChallenge() error = %v, want nil no-op", err)
	}
}
