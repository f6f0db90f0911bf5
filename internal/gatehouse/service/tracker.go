package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/pkg/idx"
)

// SessionTrackerConfig carries the tracker tunables. Zero values fall back
// to the defaults below.
type SessionTrackerConfig struct {
	HeartbeatInterval time.Duration // heartbeat cadence while visible (default 2m)
	GraceWindow       time.Duration // hidden time before a session closes (default 90s)
	WriteTimeout      time.Duration // bound for each store write (default 5s)
}

func (c *SessionTrackerConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Minute
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

type trackerState int

const (
	stateClosed trackerState = iota
	stateOpening
	stateActive
	stateSuspended
	stateClosing
)

func (s trackerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpening:
		return "opening"
	case stateActive:
		return "active"
	case stateSuspended:
		return "suspended"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// trackedSession is the per-(subject, page) state machine instance. Its
// mutex doubles as the creation lock: overlapping open triggers serialize on
// it, and timer callbacks re-check state under it before writing, so a
// heartbeat that fires after suspension lands as a no-op.
type trackedSession struct {
	mu sync.Mutex

	state     trackerState
	sessionID string
	subjectID string
	pagePath  string
	enterTime time.Time

	heartbeatStop chan struct{} // non-nil exactly while heartbeats run
	graceTimer    *time.Timer   // non-nil exactly while suspended
}

func (t *trackedSession) key() string { return t.subjectID + "\x00" + t.pagePath }

// SessionTracker maintains one session row per visited page: open on
// navigation, heartbeat while visible, suspend on hide, close on navigate
// away / sign-out / grace expiry. Tracking is best-effort telemetry and
// never blocks page rendering: every failure is logged and swallowed except
// the open itself, which the caller may retry on the next render.
type SessionTracker struct {
	store    store.Store
	logger   *slog.Logger
	cfg      SessionTrackerConfig
	delivery CloseDelivery
	queue    *FlushQueue
	now      func() time.Time // test hook

	mu       sync.Mutex
	sessions map[string]*trackedSession // by (subject, page) key
	byID     map[string]*trackedSession
}

func NewSessionTracker(st store.Store, logger *slog.Logger, cfg SessionTrackerConfig) *SessionTracker {
	cfg.applyDefaults()

	queue := NewFlushQueue(st, logger, 0, cfg.WriteTimeout)
	return &SessionTracker{
		store:  st,
		logger: logger,
		cfg:    cfg,
		delivery: &tieredDelivery{
			primary:  &storeDelivery{store: st},
			fallback: queue,
			logger:   logger,
		},
		queue:    queue,
		now:      time.Now,
		sessions: make(map[string]*trackedSession),
		byID:     make(map[string]*trackedSession),
	}
}

// Start launches the fallback flush worker.
func (t *SessionTracker) Start() {
	t.queue.Start()
}

// Stop closes every tracked session and shuts down the flush worker.
func (t *SessionTracker) Stop() {
	t.mu.Lock()
	open := make([]*trackedSession, 0, len(t.sessions))
	for _, ts := range t.sessions {
		open = append(open, ts)
	}
	t.mu.Unlock()

	for _, ts := range open {
		t.closeSession(ts)
	}
	t.queue.Stop()
}

// Open starts tracking a page visit for a subject. Any pre-existing active
// row for the same (subject, page) key is closed first: duplicate tabs and
// reload races must never leave two active rows behind. Returns the new
// session id.
func (t *SessionTracker) Open(ctx context.Context, subjectID, pagePath string) (string, error) {
	if subjectID == "" || pagePath == "" {
		return "", fmt.Errorf("tracker: subject and page required")
	}

	ts := t.sessionForKey(subjectID, pagePath)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	// A second tab or a rapid re-navigation hit the same key: retire the
	// session this tracker already has before opening the replacement.
	if ts.state == stateActive || ts.state == stateSuspended {
		t.closeLocked(ts)
	}

	ts.state = stateOpening

	// Orphan cleanup: a crashed prior tab may have left an active row for
	// this key in the store. Best effort; failure never blocks creation.
	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	if n, err := t.store.Sessions().CloseActiveSessions(writeCtx, subjectID, pagePath, t.now().UTC()); err != nil {
		t.logger.Warn("orphan session cleanup failed", "subject", subjectID, "page", pagePath, "err", err)
	} else if n > 0 {
		t.logger.Debug("closed orphan sessions", "subject", subjectID, "page", pagePath, "count", n)
	}
	cancel()

	now := t.now().UTC()
	session := domain.Session{
		ID:        idx.New().String(),
		SubjectID: subjectID,
		PagePath:  pagePath,
		EnterTime: now,
		Active:    true,
		UpdatedAt: now,
	}

	writeCtx, cancel = context.WithTimeout(ctx, t.cfg.WriteTimeout)
	err := t.store.Sessions().CreateSession(writeCtx, session)
	cancel()
	if err != nil {
		// No retry storm: the next render trigger attempts again.
		ts.state = stateClosed
		return "", fmt.Errorf("tracker: open session: %w", err)
	}

	ts.sessionID = session.ID
	ts.enterTime = session.EnterTime
	ts.state = stateActive
	t.startHeartbeatLocked(ts)

	t.mu.Lock()
	t.byID[session.ID] = ts
	t.mu.Unlock()

	return session.ID, nil
}

// Hide suspends a session when its page loses visibility: heartbeats stop,
// the row is marked inactive, and the grace timer starts. If visibility
// returns before the timer fires the session resumes; otherwise it closes.
func (t *SessionTracker) Hide(sessionID string) {
	ts := t.lookup(sessionID)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.state != stateActive {
		return
	}
	ts.state = stateSuspended
	t.stopHeartbeatLocked(ts)

	// Best-effort inactive mark; a failure here only delays what the grace
	// timer or orphan sweep will finish.
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	if err := t.store.Sessions().SetSessionActive(ctx, ts.sessionID, false, t.now().UTC()); err != nil {
		t.logger.Warn("suspend write failed", "session_id", ts.sessionID, "err", err)
	}
	cancel()

	ts.graceTimer = time.AfterFunc(t.cfg.GraceWindow, func() {
		t.graceExpired(sessionID)
	})
}

// Show resumes a suspended session: the grace timer is cancelled, the row is
// re-marked active, and heartbeats restart. The original enterTime is
// preserved; only the active flag toggles.
func (t *SessionTracker) Show(sessionID string) {
	ts := t.lookup(sessionID)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.state != stateSuspended {
		return
	}
	if ts.graceTimer != nil {
		ts.graceTimer.Stop()
		ts.graceTimer = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	if err := t.store.Sessions().SetSessionActive(ctx, ts.sessionID, true, t.now().UTC()); err != nil {
		t.logger.Warn("resume write failed", "session_id", ts.sessionID, "err", err)
	}
	cancel()

	ts.state = stateActive
	t.startHeartbeatLocked(ts)
}

// Heartbeat is the client-driven nudge endpoint's entry point. The internal
// ticker is the primary heartbeat source; this exists so a client that
// throttles background timers can still keep its session fresh.
func (t *SessionTracker) Heartbeat(sessionID string) {
	ts := t.lookup(sessionID)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	t.heartbeatLocked(ts)
}

// Close finalizes a session from any state. Safe to call for unknown ids
// (the close-out beacon can outlive the tracker's memory of a session).
func (t *SessionTracker) Close(sessionID string) {
	ts := t.lookup(sessionID)
	if ts == nil {
		// The row may still exist from a prior process; close it directly
		// so a late beacon is not lost.
		t.closeUntracked(sessionID)
		return
	}
	t.closeSession(ts)
}

// CloseAllForSubject closes every tracked session for a subject. Wired to
// sign-out.
func (t *SessionTracker) CloseAllForSubject(subjectID string) {
	t.mu.Lock()
	var own []*trackedSession
	for _, ts := range t.sessions {
		if ts.subjectID == subjectID {
			own = append(own, ts)
		}
	}
	t.mu.Unlock()

	for _, ts := range own {
		t.closeSession(ts)
	}
}

func (t *SessionTracker) sessionForKey(subjectID, pagePath string) *trackedSession {
	key := subjectID + "\x00" + pagePath

	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.sessions[key]
	if !ok {
		ts = &trackedSession{subjectID: subjectID, pagePath: pagePath}
		t.sessions[key] = ts
	}
	return ts
}

func (t *SessionTracker) lookup(sessionID string) *trackedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[sessionID]
}

func (t *SessionTracker) graceExpired(sessionID string) {
	ts := t.lookup(sessionID)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	if ts.state != stateSuspended {
		// Resumed or closed while the timer was in flight.
		ts.mu.Unlock()
		return
	}
	t.closeLocked(ts)
	ts.mu.Unlock()
}

func (t *SessionTracker) closeSession(ts *trackedSession) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t.closeLocked(ts)
}

// closeLocked runs the Closing transition. Caller holds ts.mu.
func (t *SessionTracker) closeLocked(ts *trackedSession) {
	if ts.state == stateClosed || ts.state == stateClosing {
		return
	}
	ts.state = stateClosing

	t.stopHeartbeatLocked(ts)
	if ts.graceTimer != nil {
		ts.graceTimer.Stop()
		ts.graceTimer = nil
	}

	exitTime := t.now().UTC()
	// Wall-clock from enter to exit, suspended gaps included. Historical
	// analytics depend on this approximation; do not subtract gaps.
	cumulative := int64(exitTime.Sub(ts.enterTime).Seconds())
	if cumulative < 0 {
		cumulative = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	if err := t.delivery.Deliver(ctx, ts.sessionID, exitTime, cumulative); err != nil {
		t.logger.Warn("close-out delivery failed", "session_id", ts.sessionID, "err", err)
	}
	cancel()

	sessionID := ts.sessionID
	ts.state = stateClosed
	ts.sessionID = ""

	// The key binding in t.sessions stays: dropping it here would let a
	// racing Open mint a second state machine for the same key, and the two
	// would stop serializing on ts.mu. The closed entry is reused by the
	// next Open.
	t.mu.Lock()
	delete(t.byID, sessionID)
	t.mu.Unlock()
}

// closeUntracked closes a row this process has no state machine for, using
// the row's own enter time for the duration.
func (t *SessionTracker) closeUntracked(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()

	row, err := t.store.Sessions().GetSessionByID(ctx, sessionID)
	if err != nil {
		return
	}
	if row.ExitTime != nil {
		return
	}

	exitTime := t.now().UTC()
	cumulative := int64(exitTime.Sub(row.EnterTime).Seconds())
	if cumulative < 0 {
		cumulative = 0
	}
	_ = t.delivery.Deliver(ctx, sessionID, exitTime, cumulative)
}

// startHeartbeatLocked launches the heartbeat worker for an active session.
// Caller holds ts.mu.
func (t *SessionTracker) startHeartbeatLocked(ts *trackedSession) {
	if ts.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	ts.heartbeatStop = stop
	sessionID := ts.sessionID

	go func() {
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.Heartbeat(sessionID)
			case <-stop:
				return
			}
		}
	}()
}

// stopHeartbeatLocked stops the heartbeat worker. Caller holds ts.mu.
func (t *SessionTracker) stopHeartbeatLocked(ts *trackedSession) {
	if ts.heartbeatStop == nil {
		return
	}
	close(ts.heartbeatStop)
	ts.heartbeatStop = nil
}

// heartbeatLocked performs one heartbeat write if the session is still
// active. Timers are not cancelled atomically with state transitions, so
// the state check here is what makes a late heartbeat a no-op.
func (t *SessionTracker) heartbeatLocked(ts *trackedSession) {
	if ts.state != stateActive {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()

	if err := t.store.Sessions().TouchSession(ctx, ts.sessionID, t.now().UTC()); err != nil {
		t.logger.Warn("heartbeat write failed", "session_id", ts.sessionID, "err", err)
	}
}
