// Package testsupport holds helpers shared by package tests.
package testsupport

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/clipvault/internal/store"
)

// NewStore returns a Store backed by an in-process Redis server that is torn
// down with the test.
func NewStore(t testing.TB) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewWithClient(client), srv
}

// Clock is a settable clock for deterministic tests.
type Clock struct {
	T time.Time
}

// Now returns the configured time.
func (c *Clock) Now() time.Time {
	return c.T
}
