package domain

import "time"

// Principal is the authenticated subject as asserted by the identity
// provider. It is owned by the identity cache; everything else reads a copy.
type Principal struct {
	SubjectID   string         `json:"subject_id"`
	DisplayName string         `json:"display_name"`
	Claims      map[string]any `json:"claims,omitempty"`
}

// AuthorizationSnapshot is the cached, derived view of what a Principal may
// do. Revocation is evaluated before anything else when computing it: a
// revoked member never has access, regardless of trial or admin state.
type AuthorizationSnapshot struct {
	HasAccess   bool `json:"has_access"`
	TrialActive bool `json:"trial_active"`
	Admin       bool `json:"admin"`

	// AdminAuthoritative is false when the admin flag came from the
	// client-side allow-list fallback after the authoritative check timed
	// out. A non-authoritative flag is a UI hint only and must never gate
	// destructive operations.
	AdminAuthoritative bool `json:"admin_authoritative"`

	ComputedAt time.Time `json:"computed_at"`
}

// Age returns how old the snapshot is at the given instant.
func (s AuthorizationSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ComputedAt)
}
