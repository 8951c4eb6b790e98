// Package store implements the coordination store on Redis: item records,
// secondary indexes, stage queues with in-flight markers, and leases.
//
// Key layout:
//
//	record:{owner}:{item}     hash, one per item
//	index:by_date             zset of active item ids scored by derived timestamp
//	index:tag:{tag}           set of active item ids carrying tag
//	index:tags                set of every tag ever indexed
//	index:owner:{owner}       set of the owner's active item ids
//	index:owners              set of owners with at least one record
//	index:item_owner          hash item id -> owner id
//	index:deleted             set of ids flagged deleted
//	owners:tracked            owners added at runtime for discovery
//	queue:{stage}             list of JSON work items
//	queue:{stage}:members     set mirroring the list for membership checks
//	queue:{stage}:dead        list of dead-lettered work items
//	queue:{stage}:dead:members set of ids on the dead-letter list
//	inflight:{stage}          set of claimed ids
//	inflight:{stage}:claims   hash id -> claimed payload
//	lock:{name}               lease token with TTL
//
// Multi-key writes go through MULTI/EXEC pipelines; claims are Lua scripts so
// a pop and its in-flight marker are one atomic step.
package store
