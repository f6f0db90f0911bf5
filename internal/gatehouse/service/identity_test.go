package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frostvale/gatehouse/internal/gatehouse/identity"
	"github.com/frostvale/gatehouse/pkg/kvfile"
)

func TestResolveServesCachedWithinTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	provider := echoProvider()

	cache := NewIdentityCache(st, provider, nil, testLogger(), IdentityCacheConfig{TTL: 5 * time.Minute})
	raw := mintAssertion(t, "subj-ttl", "Alice")

	first, err := cache.Resolve(ctx, raw)
	require.NoError(t, err)
	require.True(t, first.Snapshot.HasAccess)
	require.Equal(t, "subj-ttl", first.Principal.SubjectID)
	require.Equal(t, "Alice", first.Principal.DisplayName)

	second, err := cache.Resolve(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, first.Snapshot.ComputedAt, second.Snapshot.ComputedAt)
	require.EqualValues(t, 1, provider.verifyCalls.Load())
}

func TestResolveRejectsGarbageAssertion(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	cache := NewIdentityCache(st, echoProvider(), nil, testLogger(), IdentityCacheConfig{})

	_, err := cache.Resolve(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRevokedMemberNeverHasAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	provider := echoProvider()
	cache := NewIdentityCache(st, provider, nil, testLogger(), IdentityCacheConfig{})
	raw := mintAssertion(t, "subj-revoked", "Bob")

	resolved, err := cache.Resolve(ctx, raw)
	require.NoError(t, err)
	require.True(t, resolved.Snapshot.HasAccess)

	// An admin revokes the member and the push notification invalidates the
	// cached snapshot.
	require.NoError(t, st.Members().SetRevoked(ctx, "subj-revoked", true))
	expires := time.Now().Add(24 * time.Hour)
	require.NoError(t, st.Members().SetTrial(ctx, "subj-revoked", true, &expires))
	cache.Invalidate("subj-revoked")

	resolved, err = cache.Resolve(ctx, raw)
	require.NoError(t, err)
	require.False(t, resolved.Snapshot.HasAccess)
	require.False(t, resolved.Snapshot.TrialActive, "revocation wins over an active trial")
	require.False(t, resolved.Snapshot.Admin)
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	release := make(chan struct{})
	provider := &fakeProvider{
		verifyFn: func(ctx context.Context, raw string) (identity.Assertion, error) {
			<-release
			return identity.ParseAssertion(raw)
		},
	}
	cache := NewIdentityCache(st, provider, nil, testLogger(), IdentityCacheConfig{})
	raw := mintAssertion(t, "subj-coalesce", "Carol")

	const callers = 10
	var wg sync.WaitGroup
	results := make([]ResolvedIdentity, callers)
	errs := make([]error, callers)

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Refresh(ctx, raw, false)
		}(i)
	}

	// Let every caller reach the in-flight refresh before it completes.
	require.Eventually(t, func() bool {
		return provider.verifyCalls.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.True(t, results[i].Snapshot.HasAccess)
		require.Equal(t, results[0].Snapshot.ComputedAt, results[i].Snapshot.ComputedAt)
	}
	require.EqualValues(t, 1, provider.verifyCalls.Load())
}

func TestAdminCheckTimeoutUsesFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := newTestStore(t)
	st := &wrappedStore{Store: base, members: &hangingMembers{Members: base.Members()}}

	cache := NewIdentityCache(st, echoProvider(), nil, testLogger(), IdentityCacheConfig{
		AdminTimeout:  50 * time.Millisecond,
		AdminFallback: []string{"subj-fallback"},
	})

	t.Run("allow-listed subject", func(t *testing.T) {
		raw := mintAssertion(t, "subj-fallback", "Dave")

		start := time.Now()
		resolved, err := cache.Resolve(ctx, raw)
		require.NoError(t, err)
		require.Less(t, time.Since(start), 2*time.Second)

		require.True(t, resolved.Snapshot.Admin)
		require.False(t, resolved.Snapshot.AdminAuthoritative)
	})

	t.Run("unlisted subject", func(t *testing.T) {
		raw := mintAssertion(t, "subj-unlisted", "Erin")

		resolved, err := cache.Resolve(ctx, raw)
		require.NoError(t, err)
		require.False(t, resolved.Snapshot.Admin)
		require.False(t, resolved.Snapshot.AdminAuthoritative)
	})
}

func TestAuthoritativeAdminCheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	cache := NewIdentityCache(st, echoProvider(), nil, testLogger(), IdentityCacheConfig{
		AdminFallback: []string{"subj-admin"},
	})

	// The fallback list is irrelevant while the store answers in time.
	raw := mintAssertion(t, "subj-admin", "Faye")
	resolved, err := cache.Resolve(ctx, raw)
	require.NoError(t, err)
	require.False(t, resolved.Snapshot.Admin)
	require.True(t, resolved.Snapshot.AdminAuthoritative)

	require.NoError(t, st.Members().SetAdmin(ctx, "subj-admin", true))
	cache.Invalidate("subj-admin")

	resolved, err = cache.Resolve(ctx, raw)
	require.NoError(t, err)
	require.True(t, resolved.Snapshot.Admin)
	require.True(t, resolved.Snapshot.AdminAuthoritative)

	admin, authoritative := cache.CheckAdmin(ctx, "subj-admin")
	require.True(t, admin)
	require.True(t, authoritative)
}

func TestFailureBudgetDropsIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	healthy := true
	provider := &fakeProvider{
		verifyFn: func(ctx context.Context, raw string) (identity.Assertion, error) {
			if !healthy {
				return identity.Assertion{}, identity.ErrUnavailable
			}
			return identity.ParseAssertion(raw)
		},
	}
	cache := NewIdentityCache(st, provider, nil, testLogger(), IdentityCacheConfig{MaxFailures: 2})
	raw := mintAssertion(t, "subj-budget", "Gus")

	_, err := cache.Resolve(ctx, raw)
	require.NoError(t, err)

	healthy = false

	_, err = cache.Refresh(ctx, raw, true)
	require.ErrorIs(t, err, identity.ErrUnavailable)

	_, err = cache.Refresh(ctx, raw, true)
	require.ErrorIs(t, err, ErrUnauthenticated)

	// State is gone: a recovered provider must rebuild from scratch.
	healthy = true
	resolved, err := cache.Resolve(ctx, raw)
	require.NoError(t, err)
	require.True(t, resolved.Snapshot.HasAccess)
}

func TestInvalidCredentialSignsOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	provider := &fakeProvider{
		verifyFn: func(ctx context.Context, raw string) (identity.Assertion, error) {
			return identity.Assertion{}, identity.ErrInvalidAssertion
		},
	}
	cache := NewIdentityCache(st, provider, nil, testLogger(), IdentityCacheConfig{})

	_, err := cache.Resolve(ctx, mintAssertion(t, "subj-dead", "Hal"))
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSubjectMismatchFailsClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	provider := &fakeProvider{
		verifyFn: func(ctx context.Context, raw string) (identity.Assertion, error) {
			return identity.Assertion{SubjectID: "someone-else"}, nil
		},
	}
	cache := NewIdentityCache(st, provider, nil, testLogger(), IdentityCacheConfig{})

	_, err := cache.Resolve(ctx, mintAssertion(t, "subj-mismatch", "Ivy"))
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPersistedSnapshotSurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	persist, err := kvfile.New(t.TempDir())
	require.NoError(t, err)

	raw := mintAssertion(t, "subj-restart", "Jules")

	first := NewIdentityCache(st, echoProvider(), persist, testLogger(), IdentityCacheConfig{})
	resolved, err := first.Resolve(ctx, raw)
	require.NoError(t, err)
	require.True(t, resolved.Snapshot.HasAccess)

	// New process, provider unreachable. The persisted snapshot answers.
	down := &fakeProvider{
		verifyFn: func(ctx context.Context, raw string) (identity.Assertion, error) {
			return identity.Assertion{}, identity.ErrUnavailable
		},
	}
	second := NewIdentityCache(st, down, persist, testLogger(), IdentityCacheConfig{})

	restored, err := second.Resolve(ctx, raw)
	require.NoError(t, err)
	require.True(t, restored.Snapshot.HasAccess)
	require.Equal(t, resolved.Principal, restored.Principal)
}

func TestSignOutClearsPersistedState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	persist, err := kvfile.New(t.TempDir())
	require.NoError(t, err)

	cache := NewIdentityCache(st, echoProvider(), persist, testLogger(), IdentityCacheConfig{})
	raw := mintAssertion(t, "subj-signout", "Kim")

	_, err = cache.Resolve(ctx, raw)
	require.NoError(t, err)

	cache.SignOut("subj-signout")
	cache.SignOut("subj-signout") // idempotent

	var rec persistedIdentity
	err = persist.Get("identity.subj-signout", &rec)
	require.ErrorIs(t, err, kvfile.ErrNotFound)
}

func TestRecordLoginBumpsBookkeeping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	cache := NewIdentityCache(st, echoProvider(), nil, testLogger(), IdentityCacheConfig{})
	raw := mintAssertion(t, "subj-login", "Lee")

	_, err := cache.Resolve(ctx, raw)
	require.NoError(t, err)

	member, err := st.Members().GetMember(ctx, "subj-login")
	require.NoError(t, err)
	require.EqualValues(t, 1, member.LoginCount)
	require.NotNil(t, member.LastLoginAt)

	// Background revalidation re-reads the record without faking logins.
	_, err = cache.Refresh(ctx, raw, false)
	require.NoError(t, err)

	member, err = st.Members().GetMember(ctx, "subj-login")
	require.NoError(t, err)
	require.EqualValues(t, 1, member.LoginCount)

	// An explicit sign-in on a returning member bumps the bookkeeping.
	_, err = cache.Refresh(ctx, raw, true)
	require.NoError(t, err)

	member, err = st.Members().GetMember(ctx, "subj-login")
	require.NoError(t, err)
	require.EqualValues(t, 2, member.LoginCount)
}
