package sqlite

import (
	"context"
	"database/sql"

	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/internal/gatehouse/store/feed"
)

type txStore struct {
	tx  *sql.Tx
	hub *feed.Hub
}

func newTx(tx *sql.Tx, hub *feed.Hub) *txStore {
	return &txStore{tx: tx, hub: hub}
}

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }

func (t *txStore) Close() error { return nil } // nothing to close; caller will commit/rollback and outer DB stays open

// Ping is a no-op for transactions. The connection is already established
// when the transaction is created, so we just return nil.
func (t *txStore) Ping(ctx context.Context) error {
	return nil
}

func (t *txStore) Feed() feed.Feed { return t.hub }

func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return nil, sql.ErrTxDone
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return sql.ErrTxDone
}

func (t *txStore) Members() store.Members { return &membersRepo{q: t.tx} }

// Sessions inside a transaction publishes feed events as the writes happen,
// before commit. Presence consumers recompute from a full read on any event,
// so an event for a write that later rolls back self-corrects.
func (t *txStore) Sessions() store.Sessions {
	return &sessionsRepo{q: t.tx, emit: t.hub.Publish}
}

func (t *txStore) ApplyMigrations() error { return nil } // no-op; migrations should be applied before starting a tx
