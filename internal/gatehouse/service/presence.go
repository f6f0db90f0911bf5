package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/internal/gatehouse/store/feed"
)

// PresenceAggregatorConfig carries the aggregator tunables. Zero values fall
// back to the defaults below.
type PresenceAggregatorConfig struct {
	ActiveWindow time.Duration // strict recency window for "active" (default 2m)
	OnlineWindow time.Duration // loose recency window for "online" (default 5m)
	PollInterval time.Duration // fallback recompute cadence (default 15s)
	FetchTimeout time.Duration // bound for each session read (default 5s)
	FeedBuffer   int           // change feed subscription buffer (default 32)
}

func (c *PresenceAggregatorConfig) applyDefaults() {
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = 2 * time.Minute
	}
	if c.OnlineWindow <= 0 {
		c.OnlineWindow = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.FeedBuffer <= 0 {
		c.FeedBuffer = 32
	}
}

// PresenceAggregator derives the admin-facing "who is here" view from the
// session table. The change feed and the poll ticker both funnel into the
// same recompute, which rebuilds the whole view from a full read, so event
// loss and duplicate delivery are both harmless.
type PresenceAggregator struct {
	store    store.Store
	identity *IdentityCache
	logger   *slog.Logger
	cfg      PresenceAggregatorConfig
	now      func() time.Time // test hook

	mu   sync.RWMutex
	view domain.PresenceView

	wmu        sync.Mutex
	watchers   map[int]chan domain.PresenceView
	nextWatch  int

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPresenceAggregator(st store.Store, identity *IdentityCache, logger *slog.Logger, cfg PresenceAggregatorConfig) *PresenceAggregator {
	cfg.applyDefaults()
	return &PresenceAggregator{
		store:    st,
		identity: identity,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		watchers: make(map[int]chan domain.PresenceView),
	}
}

// Start computes an initial view, attaches to the change feed, and launches
// the recompute loop. The subscription happens here rather than inside the
// loop goroutine so a session write issued right after Start cannot land
// before anyone is listening.
func (a *PresenceAggregator) Start() {
	if a.stopCh != nil {
		return
	}
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	events, unsubscribe := a.store.Feed().Subscribe(a.cfg.FeedBuffer)

	a.Recompute(context.Background())
	go a.run(events, unsubscribe)
}

func (a *PresenceAggregator) Stop() {
	if a.stopCh == nil {
		return
	}
	close(a.stopCh)
	<-a.doneCh
	a.stopCh = nil
	a.doneCh = nil
}

// View returns the presence view for an admin caller. Non-admin subjects are
// refused with ErrForbidden; the fallback allow-list counts, so a degraded
// identity backend does not lock admins out of a read-only page.
func (a *PresenceAggregator) View(ctx context.Context, subjectID string) (domain.PresenceView, error) {
	admin, _ := a.identity.CheckAdmin(ctx, subjectID)
	if !admin {
		return domain.PresenceView{}, ErrForbidden
	}
	return a.current(), nil
}

func (a *PresenceAggregator) current() domain.PresenceView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.view
}

// Recompute rebuilds the view from a full session read. On fetch failure the
// previous view is kept and flagged stale rather than replaced with an empty
// one: "nobody online" and "we could not look" must stay distinguishable.
func (a *PresenceAggregator) Recompute(ctx context.Context) domain.PresenceView {
	fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	rows, err := a.store.Sessions().ListSessions(fetchCtx)
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		a.logger.Warn("presence fetch failed, serving last known view", "err", err)
		a.view.Stale = true
		a.notify(a.view)
		return a.view
	}

	now := a.now().UTC()
	a.view = buildView(rows, now, a.cfg.ActiveWindow, a.cfg.OnlineWindow)
	a.notify(a.view)
	return a.view
}

// Watch returns a channel receiving each recomputed view. Delivery is lossy
// under backpressure; a slow consumer sees the latest view on the next
// recompute. The returned func unsubscribes.
func (a *PresenceAggregator) Watch(buffer int) (<-chan domain.PresenceView, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan domain.PresenceView, buffer)

	a.wmu.Lock()
	id := a.nextWatch
	a.nextWatch++
	a.watchers[id] = ch
	a.wmu.Unlock()

	return ch, func() {
		a.wmu.Lock()
		delete(a.watchers, id)
		a.wmu.Unlock()
	}
}

func (a *PresenceAggregator) notify(view domain.PresenceView) {
	a.wmu.Lock()
	defer a.wmu.Unlock()

	for _, ch := range a.watchers {
		select {
		case ch <- view:
		default:
		}
	}
}

func buildView(rows []domain.Session, now time.Time, activeWindow, onlineWindow time.Duration) domain.PresenceView {
	activeSet := make(map[string]struct{})
	onlineSet := make(map[string]struct{})

	for _, s := range rows {
		age := now.Sub(s.UpdatedAt)
		if age < 0 {
			age = 0
		}
		if s.Active && s.ExitTime == nil && age <= activeWindow {
			activeSet[s.SubjectID] = struct{}{}
		}
		if age <= onlineWindow {
			onlineSet[s.SubjectID] = struct{}{}
		}
	}

	return domain.PresenceView{
		ActiveSubjects: sortedKeys(activeSet),
		OnlineSubjects: sortedKeys(onlineSet),
		ComputedAt:     now,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *PresenceAggregator) run(events <-chan feed.Event, unsubscribe func()) {
	defer close(a.doneCh)
	defer unsubscribe()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-events:
			// Any row mutation invalidates the view; the payload is ignored
			// because the recompute re-reads everything anyway.
			a.Recompute(context.Background())
			a.drainEvents(events)
		case <-ticker.C:
			a.Recompute(context.Background())
		}
	}
}

// drainEvents collapses a burst of queued feed events into the single
// recompute that already ran.
func (a *PresenceAggregator) drainEvents(events <-chan feed.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
