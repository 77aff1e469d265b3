// Package broker correlates pending interactions with their sessions.
// It is strictly an index from opaque interaction id to session id plus
// expected kind: payload history is never stored, and resolution is
// single-use. Entries live in Redis with a TTL matching the suspension
// expiry, so a lost entry degrades to "treat as expired".
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convoflow/convoflow/internal/state"
)

var (
	// ErrInteractionNotFound is returned when the correlation id is unknown,
	// already resolved, or expired.
	ErrInteractionNotFound = errors.New("interaction not found or already handled")
	// ErrKindMismatch is returned when a resumption payload arrives on the
	// wrong entry point. The interaction is not consumed.
	ErrKindMismatch = errors.New("interaction kind mismatch")
)

const keyPrefix = "convoflow:interaction:"

type record struct {
	SessionID string                `json:"session_id"`
	Kind      state.InteractionKind `json:"kind"`
}

// Broker is the Redis-backed correlation index.
type Broker struct {
	rdb *redis.Client
}

// New returns a broker using the given Redis client.
func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Register stores the correlation entry for a new interaction. The id must
// not already be registered.
func (b *Broker) Register(ctx context.Context, sessionID string, intr *state.Interaction, ttl time.Duration) error {
	data, err := json.Marshal(record{SessionID: sessionID, Kind: intr.Kind})
	if err != nil {
		return fmt.Errorf("broker register: %w", err)
	}
	ok, err := b.rdb.SetNX(ctx, keyPrefix+intr.ID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("broker register: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker register: interaction %s already registered", intr.ID)
	}
	return nil
}

// resolveScript checks the kind and consumes the entry in one atomic step,
// so a wrong-kind delivery never races a concurrent correct one.
var resolveScript = redis.NewScript(`
local val = redis.call('GET', KEYS[1])
if not val then
	return nil
end
local rec = cjson.decode(val)
if rec['kind'] ~= ARGV[1] then
	return redis.error_reply('kind mismatch')
end
redis.call('DEL', KEYS[1])
return rec['session_id']
`)

// Resolve consumes the entry for id and returns the owning session.
// A second resolution for the same id fails with ErrInteractionNotFound.
// If the stored kind differs from the delivered kind the entry is left
// in place and ErrKindMismatch returned.
func (b *Broker) Resolve(ctx context.Context, id string, kind state.InteractionKind) (string, error) {
	res, err := resolveScript.Run(ctx, b.rdb, []string{keyPrefix + id}, string(kind)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInteractionNotFound
	}
	if err != nil {
		if strings.Contains(err.Error(), "kind mismatch") {
			return "", ErrKindMismatch
		}
		return "", fmt.Errorf("broker resolve: %w", err)
	}
	sessionID, ok := res.(string)
	if !ok || sessionID == "" {
		return "", fmt.Errorf("broker resolve: unexpected reply %v", res)
	}
	return sessionID, nil
}

// Ping reports whether the Redis backend is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}
	return nil
}

// Cancel invalidates the entry for id. Cancelling an unknown id is a no-op.
func (b *Broker) Cancel(ctx context.Context, id string) error {
	if err := b.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("broker cancel: %w", err)
	}
	return nil
}
