// Package gateway composes the issuer, verifier and relay into the two
// entry points of the login flow.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/dodobot/authrelay/internal/callback"
	"github.com/dodobot/authrelay/internal/log"
	"github.com/dodobot/authrelay/internal/oauth"
	"github.com/dodobot/authrelay/internal/relay"
	"golang.org/x/sync/singleflight"
)

// Relayer forwards a verified callback to the backend.
type Relayer interface {
	Relay(ctx context.Context, p relay.Payload) (*relay.Outcome, error)
}

// Recorder receives flow-level observations.
type Recorder interface {
	RecordCallback(outcome string)
	RecordLogin(entry string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCallback(string) {}
func (nopRecorder) RecordLogin(string)    {}

// Gateway is safe for concurrent use.
type Gateway struct {
	issuer   *oauth.Issuer
	verifier *callback.Verifier
	relay    Relayer
	recorder Recorder

	inflight singleflight.Group
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithRecorder(rec Recorder) Option {
	return func(g *Gateway) {
		if rec != nil {
			g.recorder = rec
		}
	}
}

func New(issuer *oauth.Issuer, verifier *callback.Verifier, relayer Relayer, opts ...Option) *Gateway {
	g := &Gateway{
		issuer:   issuer,
		verifier: verifier,
		relay:    relayer,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Begin starts a login and returns where to redirect the browser.
func (g *Gateway) Begin(ctx context.Context, identity, regionRaw string) (*oauth.Login, *Result) {
	login, err := g.issuer.BeginLogin(ctx, identity, regionRaw)
	if err != nil {
		return nil, issueFailure("begin", err)
	}
	g.recorder.RecordLogin("login")
	return login, nil
}

// Save records a state generated by the login page.
func (g *Gateway) Save(ctx context.Context, identity, state, regionRaw string) *Result {
	if _, err := g.issuer.SaveState(ctx, identity, state, regionRaw); err != nil {
		return issueFailure("save", err)
	}
	g.recorder.RecordLogin("save_user")
	return &Result{Kind: KindSuccess, Message: MessageUserSaved}
}

func issueFailure(op string, err error) *Result {
	var ve *oauth.ValidationError
	if errors.As(err, &ve) {
		res := newResult(KindInvalidInput)
		res.Details = ve.Error()
		return res
	}

	log.LogErrorWithFields("gateway", "Failed to persist state", map[string]any{
		"op":    op,
		"error": err.Error(),
	})
	res := newResult(KindStorageError)
	res.Details = err.Error()
	return res
}

// Complete verifies a callback and relays the code. It never writes to the
// state store, so repeating it is safe. Concurrent calls for the same
// identity and code share one relay call sequence.
func (g *Gateway) Complete(ctx context.Context, req callback.Request) *Result {
	res := g.complete(ctx, req)
	g.recorder.RecordCallback(string(res.Kind))
	return res
}

func (g *Gateway) complete(ctx context.Context, req callback.Request) *Result {
	verified, err := g.verifier.Verify(ctx, req)
	switch {
	case errors.Is(err, callback.ErrMissingParameters):
		return newResult(KindMissingParameters)
	case errors.Is(err, callback.ErrUnknownState):
		return newResult(KindUnknownState)
	case err != nil:
		log.LogErrorWithFields("gateway", "State lookup failed", map[string]any{
			"error": err.Error(),
		})
		res := newResult(KindStorageError)
		res.Details = err.Error()
		return res
	}

	key := verified.Identity + ":" + relay.IdempotencyKey(verified.Code)
	v, err, shared := g.inflight.Do(key, func() (any, error) {
		// a caller that goes away must not abort the relay for the others;
		// the relay's own timeout and retry budget bound this call
		return g.relay.Relay(context.WithoutCancel(ctx), relay.Payload{
			Identity:     verified.Identity,
			Code:         verified.Code,
			State:        verified.State,
			CodeVerifier: verified.CodeVerifier,
		})
	})
	if shared {
		log.LogDebugWithFields("gateway", "Joined in-flight relay", map[string]any{
			"chat_id": verified.Identity,
		})
	}
	if err != nil {
		return relayFailure(err)
	}

	outcome := v.(*relay.Outcome)
	if !outcome.Success {
		res := newResult(KindBackendRejected)
		res.BackendStatus = outcome.Status
		res.Backend = outcome.Body
		return res
	}

	log.LogInfoWithFields("gateway", "Authorization completed", map[string]any{
		"chat_id":  verified.Identity,
		"region":   verified.Region.String(),
		"attempts": outcome.Attempts,
	})
	return newResult(KindSuccess)
}

func relayFailure(err error) *Result {
	var kind Kind
	switch {
	case errors.Is(err, relay.ErrNotConfigured):
		kind = KindMisconfigured
	case errors.Is(err, relay.ErrBackendTimeout):
		kind = KindBackendTimeout
	default:
		kind = KindBackendTransport
	}
	res := newResult(kind)
	res.Details = err.Error()
	return res
}

// CompleteTimeout is the longest Complete can spend in the relay for the
// given relay settings.
func CompleteTimeout(cfg relay.Config) time.Duration {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = relay.DefaultMaxAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = relay.DefaultTimeout
	}
	return time.Duration(attempts)*timeout + time.Duration(attempts-1)*cfg.Backoff
}
