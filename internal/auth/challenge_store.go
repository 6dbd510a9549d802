// Package auth provides the relay's NIP-42 challenge tracking.
//
// A connection's AUTH challenge lives primarily on its in-memory
// pipeline.ConnState (see internal/pipeline), which is sufficient for
// a single relay instance. ChallengeStore exists for the case of
// multiple relay instances behind a shared subdomain/load balancer:
// Redis-backed tracking lets a challenge issued by one instance be
// validated by another. When Redis is disabled, every method degrades
// to a no-op (see internal/cache), so a single-instance deployment
// needs no Redis dependency at all.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/groups-relay/relay/internal/cache"
)

// ChallengeStore tracks outstanding NIP-42 AUTH challenges in Redis,
// keyed by connection id, for multi-instance deployments.
type ChallengeStore struct {
	cache *cache.Cache
}

// ChallengeData is the Redis-resident record of an issued challenge.
type ChallengeData struct {
	ConnID    string    `json:"conn_id"`
	Challenge string    `json:"challenge"`
	RelayURL  string    `json:"relay_url"`
	IssuedAt  time.Time `json:"issued_at"`
}

// NewChallengeStore wraps a cache for challenge tracking.
func NewChallengeStore(c *cache.Cache) *ChallengeStore {
	return &ChallengeStore{cache: c}
}

// IssueChallenge records a freshly generated challenge with the given TTL.
func (s *ChallengeStore) IssueChallenge(ctx context.Context, connID, challenge, relayURL string, ttl time.Duration) error {
	if !s.cache.IsEnabled() {
		return nil
	}
	data := ChallengeData{ConnID: connID, Challenge: challenge, RelayURL: relayURL, IssuedAt: time.Now()}
	return s.cache.Set(ctx, s.challengeKey(connID), data, ttl)
}

// ValidateChallenge reports whether the given connection has an
// outstanding challenge matching the response string.
func (s *ChallengeStore) ValidateChallenge(ctx context.Context, connID, response string) (bool, error) {
	if !s.cache.IsEnabled() {
		return true, nil
	}
	var data ChallengeData
	if err := s.cache.Get(ctx, s.challengeKey(connID), &data); err != nil {
		return false, nil
	}
	return data.Challenge == response, nil
}

// ConsumeChallenge deletes a connection's challenge once AUTH succeeds
// or fails, so a challenge can never be replayed.
func (s *ChallengeStore) ConsumeChallenge(ctx context.Context, connID string) error {
	if !s.cache.IsEnabled() {
		return nil
	}
	return s.cache.Delete(ctx, s.challengeKey(connID))
}

func (s *ChallengeStore) challengeKey(connID string) string {
	return fmt.Sprintf("auth:challenge:%s", connID)
}

// IsEnabled reports whether challenge tracking is backed by Redis.
func (s *ChallengeStore) IsEnabled() bool {
	return s.cache != nil && s.cache.IsEnabled()
}
