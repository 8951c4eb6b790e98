package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/clipvault/internal/media"
)

// claimScript pops the head of a stage queue and, in the same step, drops the
// id from the queue membership set, sets the in-flight marker, and stores the
// claimed payload.
var claimScript = redis.NewScript(`
local raw = redis.call('LPOP', KEYS[1])
if not raw then
  return false
end
local ok, item = pcall(cjson.decode, raw)
if ok and type(item) == 'table' and item['item_id'] then
  local id = tostring(item['item_id'])
  redis.call('SREM', KEYS[2], id)
  redis.call('SADD', KEYS[3], id)
  redis.call('HSET', KEYS[4], id, raw)
end
return raw
`)

var pushIfAbsentScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

var popDeadScript = redis.NewScript(`
local raw = redis.call('LPOP', KEYS[1])
if not raw then
  return false
end
local ok, item = pcall(cjson.decode, raw)
if ok and type(item) == 'table' and item['item_id'] then
  redis.call('SREM', KEYS[2], tostring(item['item_id']))
end
return raw
`)

// ErrMalformedItem is returned by Claim when the popped payload cannot be
// decoded. The raw payload has already been moved to the dead-letter queue.
var ErrMalformedItem = errors.New("malformed work item")

func encodeItem(item media.WorkItem) (string, error) {
	if item.ItemID == "" {
		return "", fmt.Errorf("work item id is required")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal work item: %w", err)
	}
	return string(data), nil
}

// Push appends item to the back of the stage queue.
func (s *Store) Push(ctx context.Context, stage media.Stage, item media.WorkItem) error {
	raw, err := encodeItem(item)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, queueKey(stage), raw)
		pipe.SAdd(ctx, membersKey(stage), item.ItemID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", stage, err)
	}
	return nil
}

// PushIfAbsent appends item unless its id is already on the stage queue.
// It reports whether the item was pushed.
func (s *Store) PushIfAbsent(ctx context.Context, stage media.Stage, item media.WorkItem) (bool, error) {
	raw, err := encodeItem(item)
	if err != nil {
		return false, err
	}
	n, err := pushIfAbsentScript.Run(ctx, s.rdb, []string{queueKey(stage), membersKey(stage)}, item.ItemID, raw).Int()
	if err != nil {
		return false, fmt.Errorf("push if absent %s: %w", stage, err)
	}
	return n == 1, nil
}

// Claim pops the next item and marks it in flight. ok is false when the
// queue is empty.
func (s *Store) Claim(ctx context.Context, stage media.Stage) (media.WorkItem, bool, error) {
	keys := []string{queueKey(stage), membersKey(stage), inflightKey(stage), claimsKey(stage)}
	raw, err := claimScript.Run(ctx, s.rdb, keys).Text()
	if errors.Is(err, redis.Nil) {
		return media.WorkItem{}, false, nil
	}
	if err != nil {
		return media.WorkItem{}, false, fmt.Errorf("claim %s: %w", stage, err)
	}
	var item media.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil || item.ItemID == "" {
		if dlErr := s.rdb.RPush(ctx, deadKey(stage), raw).Err(); dlErr != nil {
			return media.WorkItem{}, false, fmt.Errorf("dead-letter malformed %s item: %w", stage, dlErr)
		}
		return media.WorkItem{}, false, ErrMalformedItem
	}
	return item, true, nil
}

// Release clears the in-flight marker and claim for itemID.
func (s *Store) Release(ctx context.Context, stage media.Stage, itemID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, inflightKey(stage), itemID)
		pipe.HDel(ctx, claimsKey(stage), itemID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", stage, itemID, err)
	}
	return nil
}

// Requeue pushes item to the back of its own stage queue and clears its
// in-flight marker atomically.
func (s *Store) Requeue(ctx context.Context, stage media.Stage, item media.WorkItem) error {
	return s.moveOut(ctx, stage, queueKey(stage), membersKey(stage), item)
}

// DeadLetter pushes item onto the stage's dead-letter queue and clears its
// in-flight marker atomically.
func (s *Store) DeadLetter(ctx context.Context, stage media.Stage, item media.WorkItem) error {
	return s.moveOut(ctx, stage, deadKey(stage), deadMembersKey(stage), item)
}

// Handoff pushes item onto the next stage's queue and clears the in-flight
// marker of the current stage atomically.
func (s *Store) Handoff(ctx context.Context, from, to media.Stage, item media.WorkItem) error {
	return s.moveOut(ctx, from, queueKey(to), membersKey(to), item)
}

func (s *Store) moveOut(ctx context.Context, stage media.Stage, target, members string, item media.WorkItem) error {
	raw, err := encodeItem(item)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, target, raw)
		if members != "" {
			pipe.SAdd(ctx, members, item.ItemID)
		}
		pipe.SRem(ctx, inflightKey(stage), item.ItemID)
		pipe.HDel(ctx, claimsKey(stage), item.ItemID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("move %s/%s to %s: %w", stage, item.ItemID, target, err)
	}
	return nil
}

// IsQueued reports whether itemID is waiting on the stage queue.
func (s *Store) IsQueued(ctx context.Context, stage media.Stage, itemID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, membersKey(stage), itemID).Result()
	if err != nil {
		return false, fmt.Errorf("queued %s/%s: %w", stage, itemID, err)
	}
	return ok, nil
}

// IsDeadLettered reports whether itemID sits on the stage's dead-letter
// queue.
func (s *Store) IsDeadLettered(ctx context.Context, stage media.Stage, itemID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, deadMembersKey(stage), itemID).Result()
	if err != nil {
		return false, fmt.Errorf("dead-lettered %s/%s: %w", stage, itemID, err)
	}
	return ok, nil
}

// IsInFlight reports whether a worker of stage currently owns itemID.
func (s *Store) IsInFlight(ctx context.Context, stage media.Stage, itemID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, inflightKey(stage), itemID).Result()
	if err != nil {
		return false, fmt.Errorf("in flight %s/%s: %w", stage, itemID, err)
	}
	return ok, nil
}

// InFlight returns the ids currently marked in flight for stage.
func (s *Store) InFlight(ctx context.Context, stage media.Stage) ([]string, error) {
	return s.sortedMembers(ctx, inflightKey(stage))
}

// ClaimedItem returns the payload stored when itemID was claimed.
func (s *Store) ClaimedItem(ctx context.Context, stage media.Stage, itemID string) (media.WorkItem, bool, error) {
	raw, err := s.rdb.HGet(ctx, claimsKey(stage), itemID).Result()
	if errors.Is(err, redis.Nil) {
		return media.WorkItem{}, false, nil
	}
	if err != nil {
		return media.WorkItem{}, false, fmt.Errorf("claimed item %s/%s: %w", stage, itemID, err)
	}
	var item media.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return media.WorkItem{}, false, nil
	}
	return item, true, nil
}

// QueueLen returns the number of items waiting on the stage queue.
func (s *Store) QueueLen(ctx context.Context, stage media.Stage) (int64, error) {
	return s.llen(ctx, queueKey(stage))
}

// DeadLetterLen returns the number of items in the stage's dead-letter queue.
func (s *Store) DeadLetterLen(ctx context.Context, stage media.Stage) (int64, error) {
	return s.llen(ctx, deadKey(stage))
}

// QueuedItems returns the items waiting on the stage queue, head first.
func (s *Store) QueuedItems(ctx context.Context, stage media.Stage) ([]media.WorkItem, error) {
	return s.listItems(ctx, queueKey(stage))
}

// DeadLetters returns the items in the stage's dead-letter queue.
func (s *Store) DeadLetters(ctx context.Context, stage media.Stage) ([]media.WorkItem, error) {
	return s.listItems(ctx, deadKey(stage))
}

// PopDeadLetter removes and returns the oldest dead-lettered item. Malformed
// entries are skipped.
func (s *Store) PopDeadLetter(ctx context.Context, stage media.Stage) (media.WorkItem, bool, error) {
	for {
		raw, err := popDeadScript.Run(ctx, s.rdb, []string{deadKey(stage), deadMembersKey(stage)}).Text()
		if errors.Is(err, redis.Nil) {
			return media.WorkItem{}, false, nil
		}
		if err != nil {
			return media.WorkItem{}, false, fmt.Errorf("pop dead letter %s: %w", stage, err)
		}
		var item media.WorkItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil || item.ItemID == "" {
			continue
		}
		return item, true, nil
	}
}

func (s *Store) llen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) listItems(ctx context.Context, key string) ([]media.WorkItem, error) {
	raws, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	items := make([]media.WorkItem, 0, len(raws))
	for _, raw := range raws {
		var item media.WorkItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
