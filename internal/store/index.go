package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DateScore returns the date-index score for itemID and whether it is present.
func (s *Store) DateScore(ctx context.Context, itemID string) (int64, bool, error) {
	score, err := s.rdb.ZScore(ctx, keyByDate, itemID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("date score %s: %w", itemID, err)
	}
	return int64(score), true, nil
}

// RangeByDate returns item ids with from <= score <= to, newest first.
// A zero bound is treated as open.
func (s *Store) RangeByDate(ctx context.Context, from, to int64, offset, limit int64) ([]string, error) {
	rng := &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "+inf",
		Offset: offset,
		Count:  limit,
	}
	if from > 0 {
		rng.Min = strconv.FormatInt(from, 10)
	}
	if to > 0 {
		rng.Max = strconv.FormatInt(to, 10)
	}
	if limit <= 0 {
		rng.Count = -1
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, keyByDate, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("range by date: %w", err)
	}
	return ids, nil
}

// DateIndexSize returns the number of items in the date index.
func (s *Store) DateIndexSize(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keyByDate).Result()
	if err != nil {
		return 0, fmt.Errorf("date index size: %w", err)
	}
	return n, nil
}

// TagMembers returns the sorted item ids carrying tag.
func (s *Store) TagMembers(ctx context.Context, tag string) ([]string, error) {
	return s.sortedMembers(ctx, tagKey(tag))
}

// Tags returns every tag ever indexed.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	return s.sortedMembers(ctx, keyAllTags)
}

// OwnerMembers returns the sorted active item ids for ownerID.
func (s *Store) OwnerMembers(ctx context.Context, ownerID string) ([]string, error) {
	return s.sortedMembers(ctx, ownerKey(ownerID))
}

// Owners returns every owner with indexed items.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	return s.sortedMembers(ctx, keyAllOwners)
}

// InOwnerSet reports whether itemID is in ownerID's active set.
func (s *Store) InOwnerSet(ctx context.Context, ownerID, itemID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, ownerKey(ownerID), itemID).Result()
	if err != nil {
		return false, fmt.Errorf("owner membership %s/%s: %w", ownerID, itemID, err)
	}
	return ok, nil
}

// InTagSet reports whether itemID is indexed under tag.
func (s *Store) InTagSet(ctx context.Context, tag, itemID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, tagKey(tag), itemID).Result()
	if err != nil {
		return false, fmt.Errorf("tag membership %s/%s: %w", tag, itemID, err)
	}
	return ok, nil
}

// purgeDanglingScript drops an id from the browse indexes unless a record
// has been written for it in the meantime.
var purgeDanglingScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
for _, tag in ipairs(redis.call('SMEMBERS', KEYS[4])) do
  redis.call('SREM', ARGV[2] .. tag, ARGV[1])
end
return 1
`)

// ScanDateIndex calls fn for every id in the date index. Iteration stops at
// the first error returned by fn.
func (s *Store) ScanDateIndex(ctx context.Context, fn func(itemID string) error) error {
	var cursor uint64
	for {
		kvs, next, err := s.rdb.ZScan(ctx, keyByDate, cursor, "", 200).Result()
		if err != nil {
			return fmt.Errorf("scan date index: %w", err)
		}
		// ZSCAN replies alternate member and score.
		for i := 0; i < len(kvs); i += 2 {
			if err := fn(kvs[i]); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// PurgeDangling removes itemID from the date index, from ownerID's set and
// from every tag set, provided no record is known for it. It reports whether
// anything was purged.
func (s *Store) PurgeDangling(ctx context.Context, ownerID, itemID string) (bool, error) {
	keys := []string{keyItemOwner, keyByDate, ownerKey(ownerID), keyAllTags}
	n, err := purgeDanglingScript.Run(ctx, s.rdb, keys, itemID, tagKey("")).Int()
	if err != nil {
		return false, fmt.Errorf("purge dangling %s: %w", itemID, err)
	}
	return n == 1, nil
}

func (s *Store) sortedMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}
