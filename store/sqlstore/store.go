package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/glimte/mmate-bus/store"
)

// dialect holds the column types that differ between databases.
type dialect struct {
	name   string
	blob   string
	serial string
}

var (
	postgresDialect = dialect{name: "postgres", blob: "BYTEA", serial: "BIGSERIAL PRIMARY KEY"}
	sqliteDialect   = dialect{name: "sqlite", blob: "BLOB", serial: "INTEGER PRIMARY KEY AUTOINCREMENT"}
)

func dialectOf(driverName string) (dialect, error) {
	switch driverName {
	case "postgres", "pgx":
		return postgresDialect, nil
	case "sqlite3", "sqlite":
		return sqliteDialect, nil
	}
	return dialect{}, fmt.Errorf("sqlstore: unsupported driver %q", driverName)
}

// Open opens a database for New. SQLite databases get WAL journaling and a
// busy timeout so readers are not blocked by a pending unit of work.
func Open(driverName, dsn string) (*sqlx.DB, error) {
	d, err := dialectOf(driverName)
	if err != nil {
		return nil, err
	}
	if d == sqliteDialect && !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore open: %w", err)
	}
	return db, nil
}

// Store owns the schema and the transactions of the SQL components.
type Store struct {
	db        *sqlx.DB
	opts      *options
	dialect   dialect
	connected int32
	logger    *slog.Logger

	mu  sync.Mutex
	txs map[string]*sqlx.Tx
}

// New creates a SQL store on db. Call Connect to create the schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
		txs:    make(map[string]*sqlx.Tx),
	}
}

// NewFromDB wraps a standard sql.DB opened with driverName.
func NewFromDB(db *sql.DB, driverName string, opts ...Option) *Store {
	return New(sqlx.NewDb(db, driverName), opts...)
}

// Connect pings the database and creates the tables.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqlstore: db is required")
	}

	d, err := dialectOf(s.db.DriverName())
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return err
	}
	s.dialect = d

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqlstore ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to SQL store", "dialect", s.dialect.name, "prefix", s.opts.prefix)
	return nil
}

// Close rolls back pending transactions and marks the store disconnected.
// The caller closes the database.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tx := range s.txs {
		_ = tx.Rollback()
		delete(s.txs, id)
	}
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) table(name string) string {
	return s.opts.prefix + name
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id TEXT NOT NULL,
			endpoint_name TEXT NOT NULL,
			consumer_group_name TEXT NOT NULL,
			consumed_at BIGINT NOT NULL,
			PRIMARY KEY (message_id, endpoint_name, consumer_group_name)
		)`, s.table("inbound_log")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			partition_key TEXT NOT NULL,
			consumer_group_name TEXT NOT NULL,
			offset_value TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (partition_key, consumer_group_name)
		)`, s.table("offsets")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunks_count INTEGER NOT NULL,
			content %s NOT NULL,
			headers TEXT,
			received_at BIGINT NOT NULL,
			PRIMARY KEY (message_id, chunk_index)
		)`, s.table("chunks"), s.dialect.blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq %s,
			id TEXT NOT NULL UNIQUE,
			endpoint TEXT NOT NULL,
			raw_body %s NOT NULL,
			headers TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`, s.table("outbox"), s.dialect.serial, s.dialect.blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			token BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, s.table("locks")),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_received ON %[1]s(received_at)`, s.table("chunks")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_consumed ON %[1]s(consumed_at)`, s.table("inbound_log")),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// reader returns the transaction of the unit of work carried by ctx when
// one was started, the database otherwise.
func (s *Store) reader(ctx context.Context) sqlx.ExtContext {
	if uow := store.FromContext(ctx); uow != nil {
		s.mu.Lock()
		tx, ok := s.txs[uow.ID()]
		s.mu.Unlock()
		if ok {
			return tx
		}
	}
	return s.db
}

// writer returns the transaction of the unit of work carried by ctx,
// beginning it and enlisting the store on first use. Without a unit of work
// the write goes straight to the database.
func (s *Store) writer(ctx context.Context) (sqlx.ExtContext, error) {
	uow := store.FromContext(ctx)
	if uow == nil {
		return s.db, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.txs[uow.ID()]; ok {
		return tx, nil
	}
	if err := uow.Enlist(s); err != nil {
		return nil, err
	}
	// the transaction outlives the statement that started it
	tx, err := s.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	s.txs[uow.ID()] = tx
	return tx, nil
}

func (s *Store) take(uow *store.UnitOfWork) *sqlx.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.txs[uow.ID()]
	delete(s.txs, uow.ID())
	return tx
}

// Commit commits the transaction of uow.
func (s *Store) Commit(_ context.Context, uow *store.UnitOfWork) error {
	tx := s.take(uow)
	if tx == nil {
		return nil
	}
	return store.Wrap("sql store", "commit", tx.Commit())
}

// Rollback discards the transaction of uow.
func (s *Store) Rollback(_ context.Context, uow *store.UnitOfWork) error {
	tx := s.take(uow)
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return store.Wrap("sql store", "rollback", err)
	}
	return nil
}

// InboundLog returns the inbound log backed by this store.
func (s *Store) InboundLog() *InboundLog { return &InboundLog{s: s} }

// OffsetStore returns the offset store backed by this store.
func (s *Store) OffsetStore() *OffsetStore { return &OffsetStore{s: s} }

// ChunkStore returns the chunk store backed by this store.
func (s *Store) ChunkStore() *ChunkStore { return &ChunkStore{s: s} }

// Outbox returns the outbox backed by this store.
func (s *Store) Outbox() *Outbox { return &Outbox{s: s} }

// LockManager returns the lock manager backed by this store.
func (s *Store) LockManager() *LockManager { return &LockManager{s: s} }

var _ store.Participant = (*Store)(nil)

func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.checkConnected(); err != nil {
		return ctx, func() {}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	return ctx, cancel, nil
}
