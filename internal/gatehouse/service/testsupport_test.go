package service

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/frostvale/gatehouse/internal/gatehouse/identity"
	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/internal/gatehouse/store/drivers/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

// mintAssertion builds a signed bearer assertion for tests. The signature is
// throwaway since verification is always delegated to the provider.
func mintAssertion(t *testing.T, subjectID, displayName string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":         subjectID,
		"global_name": displayName,
		"iat":         time.Now().Unix(),
	})
	raw, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

// fakeProvider is a scriptable identity.Provider that counts Verify calls.
type fakeProvider struct {
	verifyFn func(ctx context.Context, raw string) (identity.Assertion, error)
	probeFn  func(ctx context.Context, raw string) error

	verifyCalls atomic.Int64
}

func (p *fakeProvider) Verify(ctx context.Context, raw string) (identity.Assertion, error) {
	p.verifyCalls.Add(1)
	if p.verifyFn != nil {
		return p.verifyFn(ctx, raw)
	}
	return identity.ParseAssertion(raw)
}

func (p *fakeProvider) Probe(ctx context.Context, raw string) error {
	if p.probeFn != nil {
		return p.probeFn(ctx, raw)
	}
	_, err := p.Verify(ctx, raw)
	return err
}

// echoProvider trusts the assertion's own claims, mirroring a healthy
// upstream for tests that exercise everything below verification.
func echoProvider() *fakeProvider { return &fakeProvider{} }

// wrappedStore lets a test swap individual repositories on a real store.
type wrappedStore struct {
	store.Store

	members  store.Members
	sessions store.Sessions
}

func (w *wrappedStore) Members() store.Members {
	if w.members != nil {
		return w.members
	}
	return w.Store.Members()
}

func (w *wrappedStore) Sessions() store.Sessions {
	if w.sessions != nil {
		return w.sessions
	}
	return w.Store.Sessions()
}

// hangingMembers delegates to the real repository but blocks IsAdmin until
// the context expires, simulating a wedged authoritative check.
type hangingMembers struct {
	store.Members
}

func (m *hangingMembers) IsAdmin(ctx context.Context, subjectID string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

// flakySessions delegates to the real repository but fails ListSessions once
// armed.
type flakySessions struct {
	store.Sessions

	fail atomic.Bool
}

func (s *flakySessions) ListSessions(ctx context.Context) ([]domain.Session, error) {
	if s.fail.Load() {
		return nil, context.DeadlineExceeded
	}
	return s.Sessions.ListSessions(ctx)
}
