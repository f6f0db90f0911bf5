package store

import (
	"context"
	"errors"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/frostvale/gatehouse/internal/gatehouse/store/feed"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement this. It exposes sub-repositories to keep concerns tidy
// and testable, and a change feed over the page_sessions table so presence
// consumers can react to row mutations without polling alone.
type Store interface {
	Members() Members
	Sessions() Sessions

	// Feed is the row-level change stream for page_sessions. Delivery is
	// at-least-once and lossy under subscriber backpressure, so consumers
	// must recompute from a full read on any event rather than diff-apply.
	Feed() feed.Feed

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes a function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources (optional for sqlite).
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Members interface {
	// GetMember returns the authorization record for a subject.
	GetMember(ctx context.Context, subjectID string) (domain.Member, error)

	// RecordLogin upserts the member row for a successful sign-in: inserts a
	// fresh record on first contact, otherwise bumps login_count and
	// last_login_at. Returns the resulting row.
	RecordLogin(ctx context.Context, subjectID, displayName string) (domain.Member, error)

	// IsAdmin is the authoritative server-side admin predicate.
	IsAdmin(ctx context.Context, subjectID string) (bool, error)

	// SetRevoked flips the revocation flag. Revoked members lose access
	// unconditionally on the next authorization computation.
	SetRevoked(ctx context.Context, subjectID string, revoked bool) error

	// SetTrial updates the trial flag and optional expiration.
	SetTrial(ctx context.Context, subjectID string, active bool, expires *time.Time) error

	// SetAdmin grants or removes the admin flag.
	SetAdmin(ctx context.Context, subjectID string, admin bool) error
}

type Sessions interface {
	// CreateSession inserts a new active row (id is provided by app via ULID).
	CreateSession(ctx context.Context, s domain.Session) error

	// GetSessionByID returns a session row by id.
	GetSessionByID(ctx context.Context, id string) (domain.Session, error)

	// TouchSession is the heartbeat write: bumps updated_at and re-asserts
	// active on a row that has not been closed. Touching a closed row is a
	// no-op so a late heartbeat cannot resurrect a swept session.
	TouchSession(ctx context.Context, id string, now time.Time) error

	// SetSessionActive toggles the active flag for visibility transitions,
	// leaving enter_time untouched. No-op on closed rows.
	SetSessionActive(ctx context.Context, id string, active bool, now time.Time) error

	// CloseSession finalizes a row: active=0, exit_time and
	// cumulative_seconds set. Safe to call more than once.
	CloseSession(ctx context.Context, id string, exitTime time.Time, cumulativeSeconds int64) error

	// CloseActiveSessions closes every active row for a (subject, page) key.
	// Used as best-effort orphan cleanup before opening a new session.
	// Returns the number of rows closed.
	CloseActiveSessions(ctx context.Context, subjectID, pagePath string, exitTime time.Time) (int64, error)

	// ListSessions returns all session rows, newest activity first. The data
	// volume is small enough that presence recomputes from a full read.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// CloseStaleSessions force-closes active rows whose updated_at is older
	// than cutoff, using updated_at as the exit estimate. Running it twice
	// over the same data yields the same final state.
	CloseStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
}
