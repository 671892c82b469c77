// Package idempotency replays order submissions that a buyer retries with the same key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultTTL bounds how long a submission can be replayed.
const DefaultTTL = 24 * time.Hour

// Outcome is the result of claiming a key.
type Outcome int

const (
	// Claimed means the caller owns the key and must run the request.
	Claimed Outcome = iota
	// Replay means a finished response is stored for the key.
	Replay
	// InFlight means another request holds the key.
	InFlight
)

// Entry is one stored submission.
type Entry struct {
	Scope       string
	Fingerprint string
	Done        bool
	Reply       Reply
	ClaimedAt   time.Time
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Reply is the response body kept for replays. Only the status, content type and body are kept;
// transport headers are regenerated on every write.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
}

// Store keeps claimed keys. Scope is the buyer-qualified key, fingerprint identifies the request.
type Store interface {
	Claim(ctx context.Context, scope, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Complete(ctx context.Context, scope, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, scope string) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrKeyReused is returned when a key comes back with a different request.
var ErrKeyReused = errors.New("idempotency: key already used for a different request")

func documentID(scope string) string {
	return digest([]byte(scope))
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func scopeFor(key, buyer string) string {
	buyer = strings.TrimSpace(buyer)
	if buyer == "" {
		buyer = "anonymous"
	}
	return buyer + "/" + strings.TrimSpace(key)
}

func normaliseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
