package oauth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dodobot/authrelay/internal/crypto"
	"github.com/dodobot/authrelay/internal/log"
	"github.com/dodobot/authrelay/internal/region"
	"github.com/dodobot/authrelay/internal/storage"
)

const (
	maxIdentityLength = 20
	maxStateLength    = 256

	// a conflict with a 256-bit token means a broken random source
	maxStateAttempts = 3
)

var identityPattern = regexp.MustCompile(`^-?\d+$`)

// Login is the result of starting a login: the persisted state and where to
// send the browser.
type Login struct {
	State        string
	Identity     string
	Region       region.Region
	AuthorizeURL string
	ExpiresAt    time.Time
}

// Issuer generates state tokens, persists them and builds authorize URLs.
type Issuer struct {
	client   ClientConfig
	store    storage.StateStore
	newState func() (string, error)
}

// NewIssuer creates an issuer for the given client.
func NewIssuer(client ClientConfig, store storage.StateStore) (*Issuer, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if client.PKCE == "" {
		client.PKCE = PKCEPerSession
	}
	if err := client.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oauth client: %w", err)
	}
	return &Issuer{
		client:   client,
		store:    store,
		newState: crypto.GenerateSecureToken,
	}, nil
}

// ValidateIdentity trims raw and checks it is an integer-like chat id.
func ValidateIdentity(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	switch {
	case id == "":
		return "", newValidationError("chat_id", "required")
	case len(id) > maxIdentityLength:
		return "", newValidationError("chat_id", "too long")
	case !identityPattern.MatchString(id):
		return "", newValidationError("chat_id", "must be an integer")
	}
	return id, nil
}

func normalizeRegion(raw string) (region.Region, error) {
	r, err := region.Normalize(raw)
	if err != nil {
		return "", newValidationError("country", err.Error())
	}
	return r, nil
}

// BeginLogin persists a fresh state for identity and only then returns the
// authorize URL carrying it. Storage failures are returned unchanged.
func (i *Issuer) BeginLogin(ctx context.Context, identity, regionRaw string) (*Login, error) {
	id, err := ValidateIdentity(identity)
	if err != nil {
		return nil, err
	}
	r, err := normalizeRegion(regionRaw)
	if err != nil {
		return nil, err
	}

	var verifier string
	if i.client.PKCE == PKCEPerSession {
		verifier = GeneratePKCE().Verifier
	}

	var saved *storage.StateRecord
	for attempt := 1; ; attempt++ {
		state, err := i.newState()
		if err != nil {
			return nil, fmt.Errorf("generating state: %w", err)
		}
		saved, err = i.store.UpsertState(ctx, storage.StateRecord{
			State:        state,
			Identity:     id,
			Region:       r,
			CodeVerifier: verifier,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrStateConflict) || attempt >= maxStateAttempts {
			return nil, err
		}
	}

	log.LogInfoWithFields("issuer", "Login started", map[string]any{
		"chat_id": id,
		"region":  r.String(),
		"state":   log.Redact(saved.State),
	})

	return &Login{
		State:        saved.State,
		Identity:     id,
		Region:       r,
		AuthorizeURL: i.client.AuthorizeURL(r, saved.State, verifier),
		ExpiresAt:    saved.ExpiresAt,
	}, nil
}

// SaveState records a client-generated state for identity. It backs the
// save-user entry used by login pages that build the authorize URL
// themselves.
func (i *Issuer) SaveState(ctx context.Context, identity, state, regionRaw string) (*storage.StateRecord, error) {
	id, err := ValidateIdentity(identity)
	if err != nil {
		return nil, err
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return nil, newValidationError("state", "required")
	}
	if len(state) > maxStateLength {
		return nil, newValidationError("state", "too long")
	}
	r, err := normalizeRegion(regionRaw)
	if err != nil {
		return nil, err
	}

	saved, err := i.store.UpsertState(ctx, storage.StateRecord{
		State:    state,
		Identity: id,
		Region:   r,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return nil, newValidationError("state", "already in use")
		}
		return nil, err
	}

	log.LogDebugWithFields("issuer", "State saved", map[string]any{
		"chat_id": id,
		"region":  r.String(),
		"state":   log.Redact(state),
	})
	return saved, nil
}
