// Package callback correlates identity-provider callbacks with the logins
// this service started.
package callback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dodobot/authrelay/internal/log"
	"github.com/dodobot/authrelay/internal/region"
	"github.com/dodobot/authrelay/internal/storage"
)

var (
	// ErrMissingParameters is returned when state or code is absent.
	ErrMissingParameters = errors.New("state and code are required")
	// ErrUnknownState is returned when no live record holds the state.
	ErrUnknownState = errors.New("unknown state")
)

// Request is an inbound callback.
type Request struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// Verified is a callback whose state resolved to a login.
type Verified struct {
	Identity     string
	State        string
	Code         string
	Region       region.Region
	CodeVerifier string
}

// Verifier looks callback states up in the state store. It never writes.
type Verifier struct {
	store storage.StateStore
}

func NewVerifier(store storage.StateStore) *Verifier {
	return &Verifier{store: store}
}

// Verify returns ErrMissingParameters, ErrUnknownState or a
// *storage.StorageError on failure. Storage faults are never reported as
// an unknown state.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Verified, error) {
	state := strings.TrimSpace(req.State)
	code := strings.TrimSpace(req.Code)
	if state == "" || code == "" {
		return nil, ErrMissingParameters
	}

	rec, err := v.store.FindByState(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrStateNotFound) {
			log.LogWarnWithFields("callback", "Callback for unknown state", map[string]any{
				"state": log.Redact(state),
			})
			return nil, ErrUnknownState
		}
		var se *storage.StorageError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &storage.StorageError{Op: "find", Err: fmt.Errorf("unexpected store error: %w", err)}
	}

	log.LogDebugWithFields("callback", "Callback verified", map[string]any{
		"chat_id": rec.Identity,
		"state":   log.Redact(state),
	})

	return &Verified{
		Identity:     rec.Identity,
		State:        rec.State,
		Code:         code,
		Region:       rec.Region,
		CodeVerifier: rec.CodeVerifier,
	}, nil
}
