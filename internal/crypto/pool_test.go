package crypto

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func TestPoolSignThenVerify(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	sk := nostr.GeneratePrivateKey()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	draft := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{},
		Content:   "hello",
	}

	signed, err := pool.Sign(ctx, draft, sk)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := pool.Verify(ctx, signed); err != nil {
		t.Fatalf("Verify() error = %v, want nil", err)
	}
}

func TestPoolVerifyRejectsTamperedEvent(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	sk := nostr.GeneratePrivateKey()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	draft := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{},
		Content:   "hello",
	}
	signed, err := pool.Sign(ctx, draft, sk)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	signed.Content = "tampered"

	if err := pool.Verify(ctx, signed); err == nil {
		t.Fatal("Verify() = nil, want error for tampered content")
	}
}
