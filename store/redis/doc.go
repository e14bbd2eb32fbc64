// Package redis provides Redis backed distributed locks and chunk storage.
//
// Locks are leases with a fencing token taken from a per-resource counter.
// Chunk writes made inside a unit of work are buffered and applied in one
// MULTI/EXEC block on commit.
package redis
