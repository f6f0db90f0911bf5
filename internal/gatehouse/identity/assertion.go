package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ParseAssertion extracts the subject id and profile claims from a raw
// assertion token WITHOUT verifying its signature. The portal cannot verify
// the provider's signature locally; callers use the parsed form only as a
// cache key and display hint, and the provider's Verify call remains the
// source of truth.
func ParseAssertion(raw string) (Assertion, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Assertion{}, ErrInvalidAssertion
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Assertion{}, fmt.Errorf("%w: missing subject", ErrInvalidAssertion)
	}

	return Assertion{
		SubjectID:   sub,
		DisplayName: displayNameFromClaims(claims),
		Claims:      map[string]any(claims),
	}, nil
}

// displayNameFromClaims picks the friendliest available name claim. Discord
// profiles expose global_name with username as the stable fallback.
func displayNameFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"global_name", "username", "name", "preferred_username"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
