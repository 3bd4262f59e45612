package oauth

import (
	"fmt"
	"strings"

	"github.com/dodobot/authrelay/internal/region"
	"golang.org/x/oauth2"
)

const (
	DefaultClientID    = "cuD1x"
	DefaultRedirectURI = "https://dodobot.ru/callback"
)

// DefaultScopes is the scope list registered for the client.
var DefaultScopes = []string{
	"openid",
	"deliverystatistics",
	"staffmembers:read",
	"staffmembersearch",
	"staffmembers:write",
	"offline_access",
	"production",
	"incentives",
	"sales",
	"email",
	"employee",
	"phone",
	"profile",
	"roles",
	"ext_profile",
	"user.role:read",
	"organizationstructure",
	"productionefficiency",
	"orders",
	"products",
	"stockitems",
	"accounting",
	"stopsales",
	"staffshifts:read",
	"unitshifts:read",
	"unit:read",
	"shared",
}

// PKCEMode selects how the code challenge is produced.
type PKCEMode string

const (
	// PKCEPerSession generates a verifier per login and stores it with the
	// state so it can be relayed to the backend.
	PKCEPerSession PKCEMode = "per-session"
	// PKCELegacy sends a fixed, pre-registered challenge. The backend holds
	// the matching verifier.
	PKCELegacy PKCEMode = "legacy"
)

// ClientConfig describes the OAuth client the relay starts logins for.
type ClientConfig struct {
	ClientID            string
	RedirectURI         string
	Scopes              []string
	PKCE                PKCEMode
	LegacyCodeChallenge string
}

// Validate checks the client configuration.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("client id is required")
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		return fmt.Errorf("redirect uri is required")
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	switch c.PKCE {
	case PKCEPerSession, "":
	case PKCELegacy:
		if c.LegacyCodeChallenge == "" {
			return fmt.Errorf("legacy PKCE mode requires a code challenge")
		}
	default:
		return fmt.Errorf("unknown PKCE mode %q", c.PKCE)
	}
	return nil
}

func (c ClientConfig) oauth2Config(r region.Region) *oauth2.Config {
	return &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  r.AuthorizeEndpoint(),
			TokenURL: r.TokenEndpoint(),
		},
		RedirectURL: c.RedirectURI,
		Scopes:      c.Scopes,
	}
}

// AuthorizeURL builds the identity provider URL for a region. Exactly one
// of verifier (per-session) or challenge (legacy) is used.
func (c ClientConfig) AuthorizeURL(r region.Region, state, verifier string) string {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	} else if c.LegacyCodeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", c.LegacyCodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return c.oauth2Config(r).AuthCodeURL(state, opts...)
}
