package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// EventStore is the slice of the redis client the event guard needs.
type EventStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// ClaimState is the result of claiming a processor event id.
type ClaimState int

const (
	// ClaimAcquired means this delivery owns the event and must apply it.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another delivery of the same event is running.
	ClaimInFlight
	// ClaimDone means the event was applied already.
	ClaimDone
)

const (
	markerProcessing = "processing"
	markerDone       = "done"

	defaultClaimTTL = 2 * time.Minute
)

// EventGuard keeps a processor event from being applied twice. A delivery
// claims the event id for a short window while it runs. Once the event has
// been applied the claim becomes a done marker kept for the full TTL; a
// failed delivery releases it so the processor's retry is applied.
type EventGuard struct {
	store    EventStore
	ttl      time.Duration
	claimTTL time.Duration
	scope    string
}

func NewEventGuard(store EventStore, ttl time.Duration, scope string) (*EventGuard, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	claimTTL := defaultClaimTTL
	if ttl < claimTTL {
		claimTTL = ttl
	}
	return &EventGuard{store: store, ttl: ttl, claimTTL: claimTTL, scope: scope}, nil
}

// Claim marks eventID as being processed by the caller.
func (g *EventGuard) Claim(ctx context.Context, eventID string) (ClaimState, error) {
	key, err := g.key(eventID)
	if err != nil {
		return ClaimInFlight, err
	}
	acquired, err := g.store.SetNX(ctx, key, markerProcessing, g.claimTTL)
	if err != nil {
		return ClaimInFlight, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if acquired {
		return ClaimAcquired, nil
	}
	marker, err := g.store.Get(ctx, key)
	if errors.Is(err, goredis.Nil) {
		// the other claim lapsed between the two calls; let the retry take it
		return ClaimInFlight, nil
	}
	if err != nil {
		return ClaimInFlight, fmt.Errorf("read event marker %s: %w", eventID, err)
	}
	if marker == markerDone {
		return ClaimDone, nil
	}
	return ClaimInFlight, nil
}

// Complete records that eventID has been applied.
func (g *EventGuard) Complete(ctx context.Context, eventID string) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, key, markerDone, g.ttl)
}

// Release drops the caller's claim so a redelivery can apply the event.
func (g *EventGuard) Release(ctx context.Context, eventID string) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *EventGuard) key(eventID string) (string, error) {
	if !strings.HasPrefix(eventID, "evt_") || len(eventID) > 255 {
		return "", fmt.Errorf("invalid processor event id %q", eventID)
	}
	return g.store.IdempotencyKey(g.scope, eventID), nil
}
