package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/frostvale/gatehouse/internal/gatehouse/identity"
	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/pkg/kvfile"
	"golang.org/x/sync/singleflight"
)

// IdentityCacheConfig carries the tunables for the identity cache. Zero
// values fall back to the defaults below.
type IdentityCacheConfig struct {
	TTL            time.Duration // snapshot freshness window (default 5m)
	HardCeiling    time.Duration // stale snapshots older than this are treated as absent (default 30m)
	RefreshTimeout time.Duration // bound for a blocking refresh (default 8s)
	AdminTimeout   time.Duration // bound for the authoritative admin predicate (default 3s)
	ProbeInterval  time.Duration // liveness probe cadence (default 2m)
	MaxFailures    int           // consecutive refresh failures before state is dropped (default 3)

	// AdminFallback is the allow-list consulted when the authoritative admin
	// check times out. The resulting flag is tagged non-authoritative and
	// must never gate destructive operations.
	AdminFallback []string

	// PersistPrefix names the local cache entries so a restart can serve the
	// last snapshot within TTL without a network call (default "identity").
	PersistPrefix string
}

func (c *IdentityCacheConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = 30 * time.Minute
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 8 * time.Second
	}
	if c.AdminTimeout <= 0 {
		c.AdminTimeout = 3 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.PersistPrefix == "" {
		c.PersistPrefix = "identity"
	}
}

// ResolvedIdentity pairs the principal with its authorization snapshot.
type ResolvedIdentity struct {
	Principal domain.Principal             `json:"principal"`
	Snapshot  domain.AuthorizationSnapshot `json:"snapshot"`
}

type identityEntry struct {
	principal domain.Principal
	snapshot  domain.AuthorizationSnapshot
	assertion string // latest raw assertion, re-verified by the liveness probe
	failures  int
}

// IdentityCache is the single source of truth for "who is signed in and what
// can they do". It owns per-subject snapshots with TTL-bounded freshness,
// coalesced refreshes, a liveness probe, and a persisted copy that survives
// restarts. It is an explicitly owned object: construct with
// NewIdentityCache, call Start for the probe, Stop on teardown.
type IdentityCache struct {
	store    store.Store
	provider identity.Provider
	persist  *kvfile.Store // optional
	logger   *slog.Logger
	cfg      IdentityCacheConfig

	group singleflight.Group
	now   func() time.Time // test hook

	mu      sync.RWMutex
	entries map[string]*identityEntry

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewIdentityCache(
	st store.Store,
	provider identity.Provider,
	persist *kvfile.Store,
	logger *slog.Logger,
	cfg IdentityCacheConfig,
) *IdentityCache {
	cfg.applyDefaults()
	return &IdentityCache{
		store:    st,
		provider: provider,
		persist:  persist,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		entries:  make(map[string]*identityEntry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the liveness probe worker. Call Stop to shut it down.
func (c *IdentityCache) Start() {
	go c.probeLoop()
	c.logger.Info("identity cache started", "probe_interval", c.cfg.ProbeInterval)
}

// Stop shuts down the probe worker and blocks until it exits.
func (c *IdentityCache) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info("identity cache stopped")
}

// Resolve returns the authorization snapshot for the caller's assertion.
//
// A snapshot within TTL is served directly. Past TTL but within the hard
// ceiling, the stale snapshot is served while a background refresh runs
// (stale-while-revalidate). Past the ceiling, or with no cached state, a
// blocking refresh runs bounded by the refresh timeout; on timeout the
// last-known snapshot is served if one exists, otherwise the caller is
// treated as unauthenticated.
func (c *IdentityCache) Resolve(ctx context.Context, rawAssertion string) (ResolvedIdentity, error) {
	parsed, err := identity.ParseAssertion(rawAssertion)
	if err != nil {
		return ResolvedIdentity{}, ErrUnauthenticated
	}

	c.mu.Lock()
	entry, ok := c.entries[parsed.SubjectID]
	if !ok {
		// A reload should not flash signed-out: install the persisted
		// snapshot before any network call.
		if restored := c.restore(parsed.SubjectID); restored != nil {
			entry, ok = restored, true
			c.entries[parsed.SubjectID] = restored
		}
	}
	var cached ResolvedIdentity
	var age time.Duration
	if ok {
		entry.assertion = rawAssertion
		cached = ResolvedIdentity{Principal: entry.principal, Snapshot: entry.snapshot}
		age = entry.snapshot.Age(c.now())
	}
	c.mu.Unlock()

	if ok && age < c.cfg.TTL {
		return cached, nil
	}

	if ok && age < c.cfg.HardCeiling {
		// Serve stale once and revalidate in the background. The refresh is
		// coalesced, so a burst of stale reads still issues one query.
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
			defer cancel()
			if _, err := c.Refresh(refreshCtx, rawAssertion, false); err != nil {
				c.logger.Debug("background identity refresh failed", "subject", parsed.SubjectID, "err", err)
			}
		}()
		return cached, nil
	}

	// No usable cache: refresh synchronously within the bound.
	refreshCtx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	resolved, err := c.Refresh(refreshCtx, rawAssertion, false)
	if err == nil {
		return resolved, nil
	}
	if errors.Is(err, ErrUnauthenticated) {
		return ResolvedIdentity{}, err
	}
	if ok && age < c.cfg.HardCeiling {
		// Transient failure with last-known state still under the ceiling:
		// serve it rather than bouncing the user. The failure counter
		// decides when to give up.
		return cached, nil
	}
	return ResolvedIdentity{}, ErrUnauthenticated
}

// Refresh re-derives the principal via delegated verification and recomputes
// authorization from the member record. Concurrent calls for the same
// subject coalesce into one in-flight refresh. force marks an explicit
// sign-in or "refresh now" action and records the login on the member row;
// background revalidation passes false and leaves the bookkeeping alone.
func (c *IdentityCache) Refresh(ctx context.Context, rawAssertion string, force bool) (ResolvedIdentity, error) {
	parsed, err := identity.ParseAssertion(rawAssertion)
	if err != nil {
		return ResolvedIdentity{}, ErrUnauthenticated
	}

	v, err, _ := c.group.Do(parsed.SubjectID, func() (any, error) {
		return c.refreshLocked(ctx, parsed.SubjectID, rawAssertion, force)
	})
	if err != nil {
		return ResolvedIdentity{}, err
	}
	return v.(ResolvedIdentity), nil
}

func (c *IdentityCache) refreshLocked(ctx context.Context, subjectID, rawAssertion string, recordLogin bool) (ResolvedIdentity, error) {
	verified, err := c.provider.Verify(ctx, rawAssertion)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidAssertion) {
			// The credential itself is dead; local state is worthless.
			c.SignOut(subjectID)
			return ResolvedIdentity{}, ErrUnauthenticated
		}
		return ResolvedIdentity{}, c.recordFailure(subjectID, err)
	}
	if verified.SubjectID != subjectID {
		// Assertion claims one subject, provider says another. Fail closed.
		c.SignOut(subjectID)
		return ResolvedIdentity{}, ErrUnauthenticated
	}

	member, err := c.store.Members().GetMember(ctx, verified.SubjectID)
	switch {
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return ResolvedIdentity{}, c.recordFailure(subjectID, err)
	case errors.Is(err, store.ErrNotFound), recordLogin:
		// First contact creates the row; an explicit sign-in on a known
		// subject bumps login count and last-login on the existing one.
		// Either way the upsert leaves access flags untouched.
		member, err = c.store.Members().RecordLogin(ctx, verified.SubjectID, verified.DisplayName)
		if err != nil {
			return ResolvedIdentity{}, c.recordFailure(subjectID, err)
		}
	}

	snapshot := c.computeSnapshot(ctx, member)
	principal := domain.Principal{
		SubjectID:   verified.SubjectID,
		DisplayName: verified.DisplayName,
		Claims:      verified.Claims,
	}

	entry := &identityEntry{
		principal: principal,
		snapshot:  snapshot,
		assertion: rawAssertion,
	}

	c.mu.Lock()
	c.entries[subjectID] = entry
	c.mu.Unlock()

	c.persistEntry(subjectID, principal, snapshot)

	return ResolvedIdentity{Principal: principal, Snapshot: snapshot}, nil
}

// computeSnapshot derives authorization from the member record. Revocation
// is evaluated first and wins unconditionally over trial and admin state.
func (c *IdentityCache) computeSnapshot(ctx context.Context, member domain.Member) domain.AuthorizationSnapshot {
	now := c.now()

	if member.Revoked {
		return domain.AuthorizationSnapshot{
			HasAccess:          false,
			TrialActive:        false,
			Admin:              false,
			AdminAuthoritative: true,
			ComputedAt:         now,
		}
	}

	admin, authoritative := c.adminFlag(ctx, member.SubjectID)

	return domain.AuthorizationSnapshot{
		HasAccess:          true,
		TrialActive:        member.TrialCurrent(now),
		Admin:              admin,
		AdminAuthoritative: authoritative,
		ComputedAt:         now,
	}
}

// adminFlag runs the authoritative admin predicate bounded by AdminTimeout.
// On timeout it falls back to the configured allow-list; the result is then
// tagged non-authoritative so callers can refuse to gate sensitive actions
// on it.
func (c *IdentityCache) adminFlag(ctx context.Context, subjectID string) (admin, authoritative bool) {
	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.AdminTimeout)
	defer cancel()

	type result struct {
		admin bool
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		a, err := c.store.Members().IsAdmin(checkCtx, subjectID)
		resCh <- result{admin: a, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err == nil {
			return res.admin, true
		}
		if errors.Is(res.err, store.ErrNotFound) {
			return false, true
		}
		c.logger.Warn("authoritative admin check failed, using fallback", "subject", subjectID, "err", res.err)
	case <-checkCtx.Done():
		c.logger.Warn("authoritative admin check timed out, using fallback", "subject", subjectID)
	}

	return slices.Contains(c.cfg.AdminFallback, subjectID), false
}

// recordFailure bumps the consecutive-failure counter for a subject and
// drops all cached state once the budget is exhausted: indefinitely stale
// authorization is worse than forcing a re-login (fail closed).
func (c *IdentityCache) recordFailure(subjectID string, cause error) error {
	c.mu.Lock()
	entry, ok := c.entries[subjectID]
	if ok {
		entry.failures++
	}
	exhausted := ok && entry.failures >= c.cfg.MaxFailures
	c.mu.Unlock()

	if exhausted {
		c.logger.Warn("refresh failure budget exhausted, dropping identity", "subject", subjectID, "err", cause)
		c.SignOut(subjectID)
		return ErrUnauthenticated
	}
	return cause
}

// Invalidate marks a subject's snapshot expired so the next Resolve
// recomputes it. Wired to push notifications about the subject's
// authorization record (for example a revocation flipped by an admin).
func (c *IdentityCache) Invalidate(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[subjectID]; ok {
		// Backdate past the hard ceiling; the stale value must not be served
		// even once after an explicit invalidation.
		entry.snapshot.ComputedAt = time.Time{}
	}
}

// SignOut clears every trace of a subject's cached identity: the in-memory
// entry, the persisted snapshot, and the probe's interest in it. Idempotent
// and safe to call for subjects that were never signed in.
func (c *IdentityCache) SignOut(subjectID string) {
	c.mu.Lock()
	delete(c.entries, subjectID)
	c.mu.Unlock()

	if c.persist != nil {
		if err := c.persist.Delete(c.persistKey(subjectID)); err != nil {
			c.logger.Warn("failed to delete persisted identity", "subject", subjectID, "err", err)
		}
	}
}

// CheckAdmin reports whether the subject is an admin. The authoritative
// predicate is bounded; past the bound the allow-list fallback answers with
// authoritative=false.
func (c *IdentityCache) CheckAdmin(ctx context.Context, subjectID string) (admin, authoritative bool) {
	return c.adminFlag(ctx, subjectID)
}

// probeLoop periodically re-verifies tracked assertions with the provider
// and signs out any whose credential has become invalid.
func (c *IdentityCache) probeLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probeOnce()
		case <-c.stopCh:
			return
		}
	}
}

func (c *IdentityCache) probeOnce() {
	c.mu.RLock()
	assertions := make(map[string]string, len(c.entries))
	for subject, entry := range c.entries {
		assertions[subject] = entry.assertion
	}
	c.mu.RUnlock()

	for subject, assertion := range assertions {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
		err := c.provider.Probe(ctx, assertion)
		cancel()

		if errors.Is(err, identity.ErrInvalidAssertion) {
			c.logger.Info("liveness probe found invalid credential, signing out", "subject", subject)
			c.SignOut(subject)
		}
		// Unavailable providers are ignored here; the refresh failure budget
		// handles sustained outages.
	}
}

type persistedIdentity struct {
	Principal domain.Principal             `json:"principal"`
	Snapshot  domain.AuthorizationSnapshot `json:"snapshot"`
	SavedAt   time.Time                    `json:"saved_at"`
}

func (c *IdentityCache) persistKey(subjectID string) string {
	return c.cfg.PersistPrefix + "." + subjectID
}

func (c *IdentityCache) persistEntry(subjectID string, p domain.Principal, s domain.AuthorizationSnapshot) {
	if c.persist == nil {
		return
	}
	rec := persistedIdentity{Principal: p, Snapshot: s, SavedAt: c.now()}
	if err := c.persist.Put(c.persistKey(subjectID), rec); err != nil {
		c.logger.Warn("failed to persist identity snapshot", "subject", subjectID, "err", err)
	}
}

// restore loads the persisted snapshot for a subject, returning nil when
// there is none or it is older than the hard ceiling. Caller holds c.mu.
func (c *IdentityCache) restore(subjectID string) *identityEntry {
	if c.persist == nil {
		return nil
	}

	var rec persistedIdentity
	if err := c.persist.Get(c.persistKey(subjectID), &rec); err != nil {
		return nil
	}
	if rec.Snapshot.Age(c.now()) >= c.cfg.HardCeiling {
		return nil
	}
	return &identityEntry{principal: rec.Principal, snapshot: rec.Snapshot}
}
