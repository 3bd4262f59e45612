package oauth

import (
	"net/url"
	"strings"
	"testing"

	"github.com/dodobot/authrelay/internal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyChallenge = "eXf5tgpyuKEjN1z9uies_APBJaMV-VdgmRbP2m5L_rs"

func defaultClient() ClientConfig {
	return ClientConfig{
		ClientID:    DefaultClientID,
		RedirectURI: DefaultRedirectURI,
		Scopes:      DefaultScopes,
		PKCE:        PKCEPerSession,
	}
}

func TestAuthorizeURL(t *testing.T) {
	tests := []struct {
		name   string
		region region.Region
		host   string
	}{
		{"kazakhstan", region.Kazakhstan, "auth.dodois.io"},
		{"uae", region.UAE, "auth.dodois.com"},
		{"cis", region.CIS, "auth.dodois.io"},
		{"other", region.Other, "auth.dodois.com"},
		{"unspecified", region.Unspecified, "auth.dodois.io"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkce := GeneratePKCE()
			raw := defaultClient().AuthorizeURL(tt.region, "state-123", pkce.Verifier)

			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, "https", u.Scheme)
			assert.Equal(t, tt.host, u.Host)
			assert.Equal(t, "/connect/authorize", u.Path)

			q := u.Query()
			assert.Equal(t, "cuD1x", q.Get("client_id"))
			assert.Equal(t, "code", q.Get("response_type"))
			assert.Equal(t, DefaultRedirectURI, q.Get("redirect_uri"))
			assert.Equal(t, "state-123", q.Get("state"))
			assert.Equal(t, "S256", q.Get("code_challenge_method"))
			assert.Equal(t, pkce.Challenge, q.Get("code_challenge"))
			assert.Equal(t, strings.Join(DefaultScopes, " "), q.Get("scope"))
		})
	}
}

func TestAuthorizeURLLegacyChallenge(t *testing.T) {
	client := defaultClient()
	client.PKCE = PKCELegacy
	client.LegacyCodeChallenge = legacyChallenge

	u, err := url.Parse(client.AuthorizeURL(region.Kazakhstan, "s", ""))
	require.NoError(t, err)
	assert.Equal(t, legacyChallenge, u.Query().Get("code_challenge"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
}

func TestClientConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr string
	}{
		{"valid", func(*ClientConfig) {}, ""},
		{"missing client id", func(c *ClientConfig) { c.ClientID = "" }, "client id is required"},
		{"missing redirect", func(c *ClientConfig) { c.RedirectURI = " " }, "redirect uri is required"},
		{"no scopes", func(c *ClientConfig) { c.Scopes = nil }, "at least one scope"},
		{"legacy without challenge", func(c *ClientConfig) { c.PKCE = PKCELegacy }, "requires a code challenge"},
		{"unknown mode", func(c *ClientConfig) { c.PKCE = "plain" }, "unknown PKCE mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultClient()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
