package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultDiscordAPIBase is Discord's REST API root.
	DefaultDiscordAPIBase = "https://discord.com/api/v10"

	discordUserinfoPath = "/users/@me"
)

// DiscordProvider verifies assertions against Discord's REST API: a
// credential is valid exactly when `/users/@me` accepts it. Token transport
// goes through oauth2 so retries and header handling match the login flow
// the portal's front channel already uses.
type DiscordProvider struct {
	// APIBase overrides the Discord API root, mainly for tests.
	APIBase string

	// HTTPTimeout bounds each verification call. Zero means 10s.
	HTTPTimeout time.Duration
}

type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

func (p *DiscordProvider) Verify(ctx context.Context, rawAssertion string) (Assertion, error) {
	user, err := p.fetchUser(ctx, rawAssertion)
	if err != nil {
		return Assertion{}, err
	}

	display := user.GlobalName
	if display == "" {
		display = user.Username
	}

	return Assertion{
		SubjectID:   user.ID,
		DisplayName: display,
		Claims: map[string]any{
			"id":          user.ID,
			"username":    user.Username,
			"global_name": user.GlobalName,
		},
	}, nil
}

func (p *DiscordProvider) Probe(ctx context.Context, rawAssertion string) error {
	_, err := p.fetchUser(ctx, rawAssertion)
	return err
}

func (p *DiscordProvider) fetchUser(ctx context.Context, rawAssertion string) (discordUser, error) {
	timeout := p.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: rawAssertion,
		TokenType:   "Bearer",
	}))

	base := p.APIBase
	if base == "" {
		base = DefaultDiscordAPIBase
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+discordUserinfoPath, nil)
	if err != nil {
		return discordUser{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return discordUser{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return discordUser{}, ErrInvalidAssertion
	case resp.StatusCode != http.StatusOK:
		return discordUser{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var user discordUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return discordUser{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if user.ID == "" {
		return discordUser{}, ErrInvalidAssertion
	}
	return user, nil
}
