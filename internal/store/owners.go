package store

import (
	"context"
	"fmt"
)

// TrackOwner adds ownerID to the runtime set of tracked owners.
func (s *Store) TrackOwner(ctx context.Context, ownerID string) error {
	if err := s.rdb.SAdd(ctx, keyTracked, ownerID).Err(); err != nil {
		return fmt.Errorf("track owner %s: %w", ownerID, err)
	}
	return nil
}

// UntrackOwner removes ownerID from the runtime set of tracked owners.
func (s *Store) UntrackOwner(ctx context.Context, ownerID string) error {
	if err := s.rdb.SRem(ctx, keyTracked, ownerID).Err(); err != nil {
		return fmt.Errorf("untrack owner %s: %w", ownerID, err)
	}
	return nil
}

// TrackedOwners returns the runtime set of tracked owners.
func (s *Store) TrackedOwners(ctx context.Context) ([]string, error) {
	return s.sortedMembers(ctx, keyTracked)
}
