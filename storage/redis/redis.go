// Package redis provides a Redis-backed storage backend for multi-instance
// deployments where authorization codes and tokens must be shared across
// gateway replicas. Records are stored as JSON values with TTLs matching
// their expiry; the single-use code check runs as a Lua script so it stays
// atomic under concurrent redemption.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/daaplabs/mcp-gateway/security"
	"github.com/daaplabs/mcp-gateway/storage"
)

const (
	codeKeyPrefix    = "gw:code:"
	accessKeyPrefix  = "gw:at:"
	refreshKeyPrefix = "gw:rt:"

	// usedCodeRetention keeps consumed codes around past their natural
	// expiry so replays are reported as reuse rather than unknown code.
	usedCodeRetention = 10 * time.Minute
)

// checkAndMarkScript atomically inspects a code record and marks it used.
// Result is one of the sentinel strings "notfound", "used", "expired", or
// the updated JSON record on success. ARGV[1] is the current time in unix
// milliseconds; a record is expired when now >= exp_ms.
var checkAndMarkScript = redis.NewScript(`
local val = redis.call('GET', KEYS[1])
if not val then
  return 'notfound'
end
local rec = cjson.decode(val)
if rec.used then
  return 'used'
end
if rec.exp_ms and tonumber(ARGV[1]) >= tonumber(rec.exp_ms) then
  return 'expired'
end
rec.used = true
local enc = cjson.encode(rec)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], enc, 'PX', ttl)
else
  redis.call('SET', KEYS[1], enc)
end
return enc
`)

// codeRecord is the wire form of an authorization code in Redis. The expiry
// is duplicated as unix milliseconds so the Lua script can compare it
// without parsing timestamps.
type codeRecord struct {
	storage.AuthorizationCode
	ExpMs int64 `json:"exp_ms"`
}

// Store is a Redis implementation of storage.Store.
type Store struct {
	client *redis.Client
}

var _ storage.Store = (*Store)(nil)

// New creates a Redis store from a URL such as redis://localhost:6379/0 and
// verifies connectivity before returning.
func New(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// SaveAuthorizationCode stores an authorization code record. The Redis TTL
// extends past the code's expiry so consumed and expired codes remain
// observable for reuse detection.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	rec := codeRecord{AuthorizationCode: *code, ExpMs: code.ExpiresAt.UnixMilli()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt) + usedCodeRetention
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return s.client.Set(ctx, codeKeyPrefix+code.Code, payload, ttl).Err()
}

// GetAuthorizationCode retrieves a code record without consuming it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	val, err := s.client.Get(ctx, codeKeyPrefix+code).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var rec codeRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	if security.IsExpired(rec.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}
	return &rec.AuthorizationCode, nil
}

// AtomicCheckAndMarkCodeUsed runs the check-and-mark Lua script so that
// exactly one of any number of concurrent redemptions succeeds.
func (s *Store) AtomicCheckAndMarkCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	res, err := checkAndMarkScript.Run(ctx, s.client,
		[]string{codeKeyPrefix + code},
		time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run code redemption script: %w", err)
	}

	val, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", res)
	}

	switch val {
	case "notfound":
		return nil, storage.ErrCodeNotFound
	case "used":
		return nil, storage.ErrCodeUsed
	case "expired":
		return nil, storage.ErrCodeExpired
	}

	var rec codeRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redeemed code: %w", err)
	}
	return &rec.AuthorizationCode, nil
}

// DeleteAuthorizationCode removes a code record. Deleting a missing code is
// not an error.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return s.client.Del(ctx, codeKeyPrefix+code).Err()
}

// SaveAccessToken stores an access token with its remaining lifetime as TTL.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	return s.saveToken(ctx, accessKeyPrefix+token.Token, token, token.ExpiresAt)
}

// GetAccessToken retrieves an access token record.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	var rec storage.AccessToken
	if err := s.getToken(ctx, accessKeyPrefix+token, &rec); err != nil {
		return nil, err
	}
	if security.IsExpired(rec.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return &rec, nil
}

// SaveRefreshToken stores a refresh token with its remaining lifetime as TTL.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	return s.saveToken(ctx, refreshKeyPrefix+token.Token, token, token.ExpiresAt)
}

// GetRefreshToken retrieves a refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	var rec storage.RefreshToken
	if err := s.getToken(ctx, refreshKeyPrefix+token, &rec); err != nil {
		return nil, err
	}
	if security.IsExpired(rec.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return &rec, nil
}

func (s *Store) saveToken(ctx context.Context, key string, record any, expiresAt time.Time) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return s.client.Set(ctx, key, payload, ttl).Err()
}

func (s *Store) getToken(ctx context.Context, key string, out any) error {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return nil
}
