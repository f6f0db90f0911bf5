package domain

import "time"

// Session is one page-visit record for a (subject, page) pair. At most one
// active session per pair should exist at any instant; the tracker closes
// stale rows for the same pair before opening a new one.
type Session struct {
	ID        string
	SubjectID string
	PagePath  string
	EnterTime time.Time
	ExitTime  *time.Time // set when the session closes

	// CumulativeSeconds is computed at close time from enter-to-exit wall
	// clock. Suspended gaps are not subtracted; historical analytics depend
	// on this approximation.
	CumulativeSeconds int64

	Active    bool
	UpdatedAt time.Time
}

// PresenceView is the admin-facing, ephemeral "who is here" result. It is
// derived from session rows and never persisted.
type PresenceView struct {
	// ActiveSubjects have an active session inside the strict recency window.
	ActiveSubjects []string `json:"active_subjects"`

	// OnlineSubjects had any session activity inside the looser window.
	OnlineSubjects []string `json:"online_subjects"`

	// Stale marks a view carried over from the last successful recompute
	// after a failed fetch. An empty non-stale view means no one is online.
	Stale bool `json:"stale"`

	ComputedAt time.Time `json:"computed_at"`
}
