package store

import "github.com/JakeFAU/clipvault/internal/media"

const (
	keyByDate      = "index:by_date"
	keyAllTags     = "index:tags"
	keyAllOwners   = "index:owners"
	keyItemOwner   = "index:item_owner"
	keyDeleted     = "index:deleted"
	keyTracked     = "owners:tracked"
	keyLeasePrefix = "lock:"
)

func recordKey(ownerID, itemID string) string {
	return "record:" + ownerID + ":" + itemID
}

func tagKey(tag string) string {
	return "index:tag:" + tag
}

func ownerKey(ownerID string) string {
	return "index:owner:" + ownerID
}

func queueKey(stage media.Stage) string {
	return "queue:" + string(stage)
}

func membersKey(stage media.Stage) string {
	return queueKey(stage) + ":members"
}

func deadKey(stage media.Stage) string {
	return queueKey(stage) + ":dead"
}

func deadMembersKey(stage media.Stage) string {
	return deadKey(stage) + ":members"
}

func inflightKey(stage media.Stage) string {
	return "inflight:" + string(stage)
}

func claimsKey(stage media.Stage) string {
	return inflightKey(stage) + ":claims"
}
