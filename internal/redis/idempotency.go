package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed response is replayed for a key
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock held while a request is in flight
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrRequestInFlight is returned when another request holds the same key
var ErrRequestInFlight = errors.New("request with this idempotency key is in progress")

// StoredResponse is the response replayed for a repeated key
type StoredResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// Idempotency remembers intake responses by client-supplied key so a
// retried request is answered without touching the job store again.
type Idempotency struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotency creates an Idempotency store. ttl defaults to IdempotencyTTL.
func NewIdempotency(client *Client, ttl time.Duration, logger *zap.Logger) *Idempotency {
	if ttl <= 0 {
		ttl = IdempotencyTTL
	}
	return &Idempotency{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func idempotencyKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Begin looks up key within scope. It returns the stored response when the
// key has completed, reserves the key and returns nil when it is new, and
// returns ErrRequestInFlight when another request holds it.
func (s *Idempotency) Begin(ctx context.Context, scope, key string) (*StoredResponse, error) {
	rkey := idempotencyKey(scope, key)

	reserved, err := s.client.rdb.SetNX(ctx, rkey, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, rkey).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; the caller may retry
		return nil, ErrRequestInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == processingMarker {
		return nil, ErrRequestInFlight
	}

	var resp StoredResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		s.logger.Error("failed to unmarshal stored response", zap.String("key", rkey), zap.Error(err))
		return nil, fmt.Errorf("invalid stored response: %w", err)
	}

	s.logger.Debug("idempotency hit", zap.String("scope", scope), zap.Int("status", resp.StatusCode))
	return &resp, nil
}

// Complete stores the response for a reserved key
func (s *Idempotency) Complete(ctx context.Context, scope, key string, resp *StoredResponse) error {
	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so the request can be retried with the same
// key. Stored responses are left alone.
func (s *Idempotency) Release(ctx context.Context, scope, key string) error {
	rkey := idempotencyKey(scope, key)

	val, err := s.client.rdb.Get(ctx, rkey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	if err := s.client.rdb.Del(ctx, rkey).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
