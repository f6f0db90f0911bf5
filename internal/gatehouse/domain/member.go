package domain

import "time"

// Member is the portal's authorization record for one Discord subject:
// whether they are whitelisted, on a trial, or revoked.
type Member struct {
	SubjectID    string
	DisplayName  string
	Revoked      bool
	TrialActive  bool
	TrialExpires *time.Time // nullable; nil means no fixed trial end
	Admin        bool
	LoginCount   int64
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TrialCurrent reports whether the member's trial is active at the given
// instant. An active trial with no expiration timestamp never lapses on its
// own; it ends when the flag is cleared.
func (m Member) TrialCurrent(now time.Time) bool {
	if !m.TrialActive {
		return false
	}
	if m.TrialExpires == nil {
		return true
	}
	return now.Before(*m.TrialExpires)
}
