// Package identity abstracts the external identity provider. The portal
// never verifies credentials itself: assertions carry an opaque subject id
// plus profile claims, and cryptographic verification is delegated to the
// provider that issued them.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrInvalidAssertion reports an assertion the provider rejected or one
	// that is structurally unusable.
	ErrInvalidAssertion = errors.New("identity: invalid assertion")

	// ErrUnavailable reports that the provider could not be reached.
	ErrUnavailable = errors.New("identity: provider unavailable")
)

// Assertion is the provider's statement about who the caller is.
type Assertion struct {
	SubjectID   string
	DisplayName string
	Claims      map[string]any
}

// Provider is the external identity collaborator.
type Provider interface {
	// Verify checks the raw assertion with the issuing provider and returns
	// the verified subject. Implementations must return ErrInvalidAssertion
	// for credentials the provider no longer recognises.
	Verify(ctx context.Context, rawAssertion string) (Assertion, error)

	// Probe is a lightweight liveness check that the credential behind the
	// assertion is still valid, without fetching the full profile.
	Probe(ctx context.Context, rawAssertion string) error
}
