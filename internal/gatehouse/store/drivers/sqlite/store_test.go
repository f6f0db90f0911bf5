package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/internal/gatehouse/store/feed"
	"github.com/frostvale/gatehouse/pkg/idx"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	st, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func TestMembersRecordLogin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)

	t.Run("first contact inserts", func(t *testing.T) {
		m, err := st.Members().RecordLogin(ctx, "subj-1", "Alice")
		require.NoError(t, err)
		require.Equal(t, "Alice", m.DisplayName)
		require.EqualValues(t, 1, m.LoginCount)
		require.NotNil(t, m.LastLoginAt)
		require.False(t, m.Revoked)
	})

	t.Run("repeat login bumps counter and display name", func(t *testing.T) {
		m, err := st.Members().RecordLogin(ctx, "subj-1", "Alice Renamed")
		require.NoError(t, err)
		require.Equal(t, "Alice Renamed", m.DisplayName)
		require.EqualValues(t, 2, m.LoginCount)
	})

	t.Run("login preserves authorization flags", func(t *testing.T) {
		require.NoError(t, st.Members().SetRevoked(ctx, "subj-1", true))

		m, err := st.Members().RecordLogin(ctx, "subj-1", "Alice Renamed")
		require.NoError(t, err)
		require.True(t, m.Revoked)
	})
}

func TestMembersFlags(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)

	_, err := st.Members().RecordLogin(ctx, "subj-2", "Bob")
	require.NoError(t, err)

	t.Run("admin flag round-trips", func(t *testing.T) {
		admin, err := st.Members().IsAdmin(ctx, "subj-2")
		require.NoError(t, err)
		require.False(t, admin)

		require.NoError(t, st.Members().SetAdmin(ctx, "subj-2", true))

		admin, err = st.Members().IsAdmin(ctx, "subj-2")
		require.NoError(t, err)
		require.True(t, admin)
	})

	t.Run("trial with expiry", func(t *testing.T) {
		expires := time.Now().UTC().Add(72 * time.Hour)
		require.NoError(t, st.Members().SetTrial(ctx, "subj-2", true, &expires))

		m, err := st.Members().GetMember(ctx, "subj-2")
		require.NoError(t, err)
		require.True(t, m.TrialActive)
		require.NotNil(t, m.TrialExpires)
		require.Equal(t, expires.Unix(), m.TrialExpires.Unix())
	})

	t.Run("unknown subject", func(t *testing.T) {
		_, err := st.Members().GetMember(ctx, "subj-missing")
		require.ErrorIs(t, err, store.ErrNotFound)

		err = st.Members().SetRevoked(ctx, "subj-missing", true)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSessionsCloseGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)

	enter := time.Now().UTC().Add(-10 * time.Minute)
	s := domain.Session{
		ID:        idx.New().String(),
		SubjectID: "subj-3",
		PagePath:  "/portal",
		EnterTime: enter,
		Active:    true,
		UpdatedAt: enter,
	}
	require.NoError(t, st.Sessions().CreateSession(ctx, s))

	exit := time.Now().UTC()
	require.NoError(t, st.Sessions().CloseSession(ctx, s.ID, exit, 600))

	row, err := st.Sessions().GetSessionByID(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, row.ExitTime)
	require.EqualValues(t, 600, row.CumulativeSeconds)

	t.Run("late heartbeat cannot resurrect a closed row", func(t *testing.T) {
		require.NoError(t, st.Sessions().TouchSession(ctx, s.ID, time.Now().UTC()))

		row, err := st.Sessions().GetSessionByID(ctx, s.ID)
		require.NoError(t, err)
		require.False(t, row.Active)
		require.NotNil(t, row.ExitTime)
	})

	t.Run("second close is a no-op", func(t *testing.T) {
		require.NoError(t, st.Sessions().CloseSession(ctx, s.ID, time.Now().UTC().Add(time.Hour), 9999))

		row, err := st.Sessions().GetSessionByID(ctx, s.ID)
		require.NoError(t, err)
		require.EqualValues(t, 600, row.CumulativeSeconds)
	})

	t.Run("visibility toggle skips closed rows", func(t *testing.T) {
		require.NoError(t, st.Sessions().SetSessionActive(ctx, s.ID, true, time.Now().UTC()))

		row, err := st.Sessions().GetSessionByID(ctx, s.ID)
		require.NoError(t, err)
		require.False(t, row.Active)
	})
}

func TestSessionWritesPublishFeedEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)

	events, unsubscribe := st.Feed().Subscribe(8)
	defer unsubscribe()

	s := domain.Session{
		ID:        idx.New().String(),
		SubjectID: "subj-4",
		PagePath:  "/portal",
		EnterTime: time.Now().UTC(),
		Active:    true,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Sessions().CreateSession(ctx, s))

	select {
	case ev := <-events:
		require.Equal(t, feed.OpInsert, ev.Op)
		require.Equal(t, s.ID, ev.Row.ID)
	case <-time.After(time.Second):
		t.Fatal("no feed event for insert")
	}

	require.NoError(t, st.Sessions().CloseSession(ctx, s.ID, time.Now().UTC(), 30))

	select {
	case ev := <-events:
		require.Equal(t, feed.OpUpdate, ev.Op)
		require.NotNil(t, ev.Row.ExitTime)
	case <-time.After(time.Second):
		t.Fatal("no feed event for close")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)

	sentinel := store.ErrAlreadyExists
	err := st.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.Members().RecordLogin(ctx, "subj-tx", "Eve"); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = st.Members().GetMember(ctx, "subj-tx")
	require.ErrorIs(t, err, store.ErrNotFound)
}
