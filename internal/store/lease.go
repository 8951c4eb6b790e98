package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease is a named lock with an expiry held by a single token.
type Lease struct {
	store *Store
	key   string
	token string
}

// AcquireLease takes the named lease for ttl. It returns ErrLockHeld when
// another holder owns it.
func (s *Store) AcquireLease(ctx context.Context, name, token string, ttl time.Duration) (*Lease, error) {
	key := keyLeasePrefix + name
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{store: s, key: key, token: token}, nil
}

// Release deletes the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.store.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
