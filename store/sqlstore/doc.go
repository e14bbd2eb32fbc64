// Package sqlstore implements the store contracts on a SQL database through
// sqlx. PostgreSQL (lib/pq) and SQLite (go-sqlite3) are supported.
//
// All components created from one Store share a transaction per unit of
// work, so an inbound log entry, its offset and the outbox rows written by
// the same handler commit atomically.
//
//	db, err := sqlstore.Open("postgres", dsn)
//	s := sqlstore.New(db)
//	if err := s.Connect(ctx); err != nil {
//		return err
//	}
//	guard := messaging.NewInboundLogGuard(s.InboundLog())
package sqlstore
