package modlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "sitsibot:initiative_handler:"

var errMissingClient = errors.New("modlock: redis client is required")

// Redis shares claims between bot instances. The key TTL matches the cooldown so an expired
// claim is simply absent.
type Redis struct {
	client   redis.UniversalClient
	cooldown time.Duration
	clock    func() time.Time
}

// NewRedis constructs a Redis backed lock table.
func NewRedis(client redis.UniversalClient, cooldown time.Duration, clock func() time.Time) (*Redis, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if cooldown <= 0 {
		return nil, errInvalidCooldown
	}
	if clock == nil {
		clock = time.Now
	}
	return &Redis{client: client, cooldown: cooldown, clock: clock}, nil
}

// Dial connects to a Redis server and verifies the connection.
func Dial(ctx context.Context, address, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("modlock: ping %s: %w", address, err)
	}
	return client, nil
}

func (r *Redis) Claim(ctx context.Context, initiativeID uint, adminID int64, name string) (*Refusal, error) {
	key := fmt.Sprintf("%s%d", redisKeyPrefix, initiativeID)
	now := r.clock()
	claim := Holder{AdminID: adminID, Name: name, Expires: now.Add(r.cooldown)}
	encoded, err := json.Marshal(claim)
	if err != nil {
		return nil, fmt.Errorf("modlock: encode claim: %w", err)
	}

	ok, err := r.client.SetNX(ctx, key, encoded, r.cooldown).Result()
	if err != nil {
		return nil, fmt.Errorf("modlock: claim %d: %w", initiativeID, err)
	}
	if ok {
		return nil, nil
	}

	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls.
		return nil, r.client.Set(ctx, key, encoded, r.cooldown).Err()
	}
	if err != nil {
		return nil, fmt.Errorf("modlock: read claim %d: %w", initiativeID, err)
	}
	var current Holder
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, fmt.Errorf("modlock: decode claim %d: %w", initiativeID, err)
	}
	if current.AdminID != adminID && now.Before(current.Expires) {
		return &Refusal{Holder: current, Seconds: current.Remaining(now)}, nil
	}
	return nil, r.client.Set(ctx, key, encoded, r.cooldown).Err()
}
