// Package postgres implements store.Store on PostgreSQL. Mutual exclusion per
// logical resource uses transaction-scoped advisory locks
// (pg_advisory_xact_lock), released automatically at commit or rollback, so
// read-committed isolation is sufficient for the guarded write paths.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pslog"

	"github.com/slotbook/bookd/internal/clock"
	"github.com/slotbook/bookd/internal/store"
)

// Config configures the postgres-backed store.
type Config struct {
	// DSN is the pgx connection string.
	DSN string
	// LockWait bounds advisory-lock waits via SET LOCAL lock_timeout.
	LockWait time.Duration
	// OpTimeout bounds every store operation; a timed-out transaction rolls
	// back, so a timeout never leaves a partial write behind.
	OpTimeout time.Duration
	// MessageCap overrides store.MaxMessagesPerSession; for tests.
	MessageCap int
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool       *pgxpool.Pool
	lockWait   time.Duration
	opTimeout  time.Duration
	messageCap int
	clock      clock.Clock
	logger     pslog.Logger
}

// New connects the pool and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = store.DefaultLockWait
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = lockWait + 5*time.Second
	}
	msgCap := cfg.MessageCap
	if msgCap <= 0 {
		msgCap = store.MaxMessagesPerSession
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	}
	return &Store{
		pool:       pool,
		lockWait:   lockWait,
		opTimeout:  opTimeout,
		messageCap: msgCap,
		clock:      clk,
		logger:     logger,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// opContext bounds an operation unless the caller already set a deadline.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// txLockScope implements store.LockScope on a single transaction. The lock is
// released by the database at transaction end, success and failure alike.
type txLockScope struct {
	tx       pgx.Tx
	lockWait time.Duration
}

// txLocks returns the lock scope bound to tx.
func (s *Store) txLocks(tx pgx.Tx) store.LockScope {
	return txLockScope{tx: tx, lockWait: s.lockWait}
}

// AcquireForTransaction takes the transaction-scoped advisory lock for
// (class, key) after bounding the wait via SET LOCAL lock_timeout.
func (l txLockScope) AcquireForTransaction(ctx context.Context, class, key int32) error {
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockWait.Milliseconds())
	if _, err := l.tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: set lock_timeout: %w", err)
	}
	if _, err := l.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)", class, key); err != nil {
		if isLockNotAvailable(err) || errors.Is(err, context.DeadlineExceeded) {
			return store.LockTimeout(key)
		}
		return fmt.Errorf("postgres: advisory lock: %w", err)
	}
	return nil
}

// Postgres error codes the store branches on.
const (
	pgCodeLockNotAvailable = "55P03"
	pgCodeUniqueViolation  = "23505"
)

func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	ok := errors.As(err, &pgErr)
	return pgErr, ok
}

func isLockNotAvailable(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == pgCodeLockNotAvailable
}

func isUniqueViolation(err error, constraint string) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == pgCodeUniqueViolation && pgErr.ConstraintName == constraint
}
