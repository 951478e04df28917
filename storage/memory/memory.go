// Package memory provides an in-memory storage backend suitable for
// single-instance deployments and tests. Authorization codes live in a
// mutex-guarded map so the check-and-mark-used step can run atomically;
// tokens live in TTL caches that evict expired entries on their own.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/daaplabs/mcp-gateway/security"
	"github.com/daaplabs/mcp-gateway/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu    sync.RWMutex
	codes map[string]*storage.AuthorizationCode

	accessTokens  *ttlcache.Cache[string, *storage.AccessToken]
	refreshTokens *ttlcache.Cache[string, *storage.RefreshToken]

	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store and starts its background reaper.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		codes:         make(map[string]*storage.AuthorizationCode),
		accessTokens: ttlcache.New[string, *storage.AccessToken](
			ttlcache.WithDisableTouchOnHit[string, *storage.AccessToken](),
		),
		refreshTokens: ttlcache.New[string, *storage.RefreshToken](
			ttlcache.WithDisableTouchOnHit[string, *storage.RefreshToken](),
		),
		logger:        logger,
		stop:          make(chan struct{}),
	}

	go s.accessTokens.Start()
	go s.refreshTokens.Start()
	go s.reapLoop()

	return s
}

// Close stops the background reaper and token cache eviction loops.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.accessTokens.Stop()
		s.refreshTokens.Stop()
	})
	return nil
}

// SaveAuthorizationCode stores an authorization code record.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

// GetAuthorizationCode retrieves an authorization code record without
// consuming it. Expired codes are reported as storage.ErrCodeExpired.
func (s *Store) GetAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if security.IsExpired(record.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}

	cp := *record
	return &cp, nil
}

// AtomicCheckAndMarkCodeUsed retrieves a code and marks it used in one
// critical section, so concurrent redemption attempts cannot both succeed.
// The used check runs before the expiry check: a replayed code always
// reports storage.ErrCodeUsed, even after it has also expired.
func (s *Store) AtomicCheckAndMarkCodeUsed(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if record.Used {
		return nil, storage.ErrCodeUsed
	}
	if security.IsExpired(record.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}

	record.Used = true

	cp := *record
	return &cp, nil
}

// DeleteAuthorizationCode removes an authorization code record. Deleting a
// missing code is not an error.
func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	return nil
}

// SaveAccessToken stores an access token with a TTL derived from its expiry.
func (s *Store) SaveAccessToken(_ context.Context, token *storage.AccessToken) error {
	cp := *token
	s.accessTokens.Set(token.Token, &cp, ttlUntil(token.ExpiresAt))
	return nil
}

// GetAccessToken retrieves an access token record.
func (s *Store) GetAccessToken(_ context.Context, token string) (*storage.AccessToken, error) {
	item := s.accessTokens.Get(token)
	if item == nil {
		return nil, storage.ErrTokenNotFound
	}

	record := item.Value()
	if security.IsExpired(record.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	cp := *record
	return &cp, nil
}

// SaveRefreshToken stores a refresh token with a TTL derived from its expiry.
func (s *Store) SaveRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	cp := *token
	s.refreshTokens.Set(token.Token, &cp, ttlUntil(token.ExpiresAt))
	return nil
}

// GetRefreshToken retrieves a refresh token record.
func (s *Store) GetRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	item := s.refreshTokens.Get(token)
	if item == nil {
		return nil, storage.ErrTokenNotFound
	}

	record := item.Value()
	if security.IsExpired(record.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	cp := *record
	return &cp, nil
}

// ttlUntil converts an absolute expiry into a ttlcache duration. A zero
// expiry means the entry never expires.
func ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return ttlcache.NoTTL
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already past due; give the cache a minimal TTL so the entry is
		// admitted and then evicted rather than stored forever.
		return time.Nanosecond
	}
	return ttl
}

// reapLoop periodically removes expired and consumed authorization codes.
// Used codes are retained briefly so replay attempts surface as reuse
// rather than unknown code.
func (s *Store) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapCodes()
		}
	}
}

// usedCodeRetention is how long a consumed code is kept around after its
// natural expiry for reuse detection.
const usedCodeRetention = 10 * time.Minute

func (s *Store) reapCodes() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, record := range s.codes {
		deadline := record.ExpiresAt
		if record.Used {
			deadline = deadline.Add(usedCodeRetention)
		}
		if security.IsExpiredAt(deadline, now) {
			delete(s.codes, code)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Reaped authorization codes", "removed", removed, "remaining", len(s.codes))
	}
}
