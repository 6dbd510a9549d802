// Tests for the IP-based token-bucket rate limiter used to throttle
// WebSocket upgrade attempts.
package middleware

import "testing"

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	key := "1.2.3.4"

	for i := 0; i < 3; i++ {
		if !rl.Allow(key) {
			t.Errorf("request %d should have been allowed within burst", i+1)
		}
	}
}

func TestRateLimiterBlocksBeyondBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	key := "5.6.7.8"

	for i := 0; i < 2; i++ {
		if !rl.Allow(key) {
			t.Fatalf("request %d should have been allowed", i+1)
		}
	}
	if rl.Allow(key) {
		t.Error("request beyond burst should have been rate limited")
	}
}

func TestRateLimiterTracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	if !rl.Allow("a") {
		t.Error("first request for key a should be allowed")
	}
	if !rl.Allow("b") {
		t.Error("first request for key b should be allowed, independent of key a")
	}
	if rl.Allow("a") {
		t.Error("second immediate request for key a should be rate limited")
	}
}
