// Package store defines the persistence contracts used by the delivery
// pipeline: the inbound log and offset store of the exactly-once guard, the
// chunk store, the outbox and distributed locks.
//
// Writes made through a context carrying a UnitOfWork stay pending until the
// unit commits. Implementations live in the memory, sqlstore, redis and mongo
// sub-packages.
package store
