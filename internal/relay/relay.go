// Package relay forwards verified authorization codes to the token-exchange
// backend.
package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dodobot/authrelay/internal/ioutil"
	"github.com/dodobot/authrelay/internal/log"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultCallbackPath   = "/callback"
	DefaultTimeout        = 15 * time.Second
	DefaultMaxAttempts    = 2
	DefaultBackoff        = 500 * time.Millisecond
	DefaultSuccessPattern = "успеш"

	// MaxResponseBytes bounds how much of a backend reply is read.
	MaxResponseBytes = 1 << 20
)

var (
	// ErrNotConfigured is returned when no backend URL is set.
	ErrNotConfigured = errors.New("backend url is not configured")
	// ErrBackendTimeout marks a TransportError caused by timeouts.
	ErrBackendTimeout = errors.New("backend timeout")
	// ErrBackendTransport marks any other TransportError.
	ErrBackendTransport = errors.New("backend transport error")
)

// TransportError is returned when every attempt failed without a usable
// response.
type TransportError struct {
	Attempts int
	Err      error
	timeout  bool
}

func (e *TransportError) Error() string {
	kind := "transport error"
	if e.timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("backend %s after %d attempt(s): %v", kind, e.Attempts, e.Err)
}

// Timeout reports whether the last failure was a timeout.
func (e *TransportError) Timeout() bool {
	return e.timeout
}

func (e *TransportError) Unwrap() []error {
	if e.timeout {
		return []error{ErrBackendTimeout, e.Err}
	}
	return []error{ErrBackendTransport, e.Err}
}

// Config configures the backend endpoint and retry budget.
type Config struct {
	URL                string
	CallbackPath       string
	Timeout            time.Duration
	MaxAttempts        int
	Backoff            time.Duration
	InsecureSkipVerify bool
	SendState          bool
	SuccessPattern     string
}

func (c *Config) setDefaults() {
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.SuccessPattern == "" {
		c.SuccessPattern = DefaultSuccessPattern
	}
}

// Payload is what gets forwarded for one verified callback.
type Payload struct {
	Identity     string
	Code         string
	State        string
	CodeVerifier string
}

type wirePayload struct {
	ChatID       any    `json:"chat_id"`
	Code         string `json:"code"`
	State        string `json:"state,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

// Outcome is the backend's answer. Success is false for any non-2xx status
// and for 2xx replies without a success signal.
type Outcome struct {
	Success  bool
	Message  string
	Status   int
	Body     any
	Attempts int
}

type backendReply struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Recorder receives per-attempt and per-call observations.
type Recorder interface {
	RecordAttempt(result string)
	RecordRelay(result string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(string)               {}
func (nopRecorder) RecordRelay(string, time.Duration) {}

// Relay posts verified codes to the backend.
type Relay struct {
	cfg      Config
	endpoint string
	success  *regexp.Regexp
	client   *retryablehttp.Client
	recorder Recorder
}

// Option configures a Relay.
type Option func(*Relay)

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithHTTPClient replaces the per-attempt HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) {
		if c != nil {
			r.client.HTTPClient = c
		}
	}
}

// New builds a relay. An empty URL is allowed; Relay then fails with
// ErrNotConfigured.
func New(cfg Config, opts ...Option) (*Relay, error) {
	cfg.setDefaults()

	pattern, err := regexp.Compile("(?i)" + cfg.SuccessPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid success pattern: %w", err)
	}

	var endpoint string
	if strings.TrimSpace(cfg.URL) != "" {
		base, err := url.Parse(strings.TrimSpace(cfg.URL))
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("invalid backend url %q", cfg.URL)
		}
		endpoint = base.JoinPath(cfg.CallbackPath).String()
	}

	transport := cleanhttp.DefaultPooledTransport()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	r := &Relay{
		cfg:      cfg,
		endpoint: endpoint,
		success:  pattern,
		recorder: nopRecorder{},
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	client.Logger = log.Component("relay")
	client.RetryMax = cfg.MaxAttempts - 1
	client.RetryWaitMin = cfg.Backoff
	client.RetryWaitMax = cfg.Backoff
	client.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return cfg.Backoff
	}
	client.CheckRetry = r.checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	r.client = client

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Endpoint returns the resolved callback URL, or "" when not configured.
func (r *Relay) Endpoint() string {
	return r.endpoint
}

type attemptsKey struct{}

func attemptCounter(ctx context.Context) *atomic.Int32 {
	n, _ := ctx.Value(attemptsKey{}).(*atomic.Int32)
	return n
}

// checkRetry retries transport failures and gateway statuses (502, 503,
// 504) only. Any other response is final.
func (r *Relay) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if n := attemptCounter(ctx); n != nil {
		n.Add(1)
	}
	if err != nil {
		if isTimeout(err) {
			r.recorder.RecordAttempt("timeout")
		} else {
			r.recorder.RecordAttempt("transport_error")
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	r.recorder.RecordAttempt(statusClass(resp.StatusCode))
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// IdempotencyKey derives the key sent with every attempt for a code.
func IdempotencyKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Relay sends one payload. It returns an error only for missing
// configuration or when all attempts failed at the transport level; a
// backend refusal is an Outcome with Success false.
func (r *Relay) Relay(ctx context.Context, p Payload) (*Outcome, error) {
	if r.endpoint == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(r.wirePayload(p))
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	attempts := &atomic.Int32{}
	ctx = context.WithValue(ctx, attemptsKey{}, attempts)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(p.Code))

	start := time.Now()
	resp, err := r.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		terr := &TransportError{Attempts: int(attempts.Load()), Err: err, timeout: isTimeout(err)}
		result := "transport_error"
		if terr.timeout {
			result = "timeout"
		}
		r.recorder.RecordRelay(result, elapsed)
		log.LogErrorWithFields("relay", "Backend unreachable", map[string]any{
			"chat_id":  p.Identity,
			"attempts": terr.Attempts,
			"timeout":  terr.timeout,
			"error":    err.Error(),
		})
		return nil, terr
	}
	defer resp.Body.Close()

	raw, truncated, err := ioutil.ReadLimited(resp.Body, MaxResponseBytes)
	if err != nil {
		r.recorder.RecordRelay("transport_error", elapsed)
		return nil, &TransportError{Attempts: int(attempts.Load()), Err: fmt.Errorf("reading response: %w", err), timeout: isTimeout(err)}
	}

	out := r.interpret(resp.StatusCode, raw, truncated)
	out.Attempts = int(attempts.Load())

	result := "rejected"
	if out.Success {
		result = "success"
	}
	r.recorder.RecordRelay(result, elapsed)

	fields := map[string]any{
		"chat_id":  p.Identity,
		"status":   out.Status,
		"attempts": out.Attempts,
		"success":  out.Success,
		"code":     log.Redact(p.Code),
		"duration": elapsed.String(),
	}
	if out.Success {
		log.LogInfoWithFields("relay", "Backend confirmed authorization", fields)
	} else {
		fields["body"] = ioutil.Snippet(raw, 256)
		log.LogWarnWithFields("relay", "Backend did not confirm authorization", fields)
	}
	return out, nil
}

func (r *Relay) wirePayload(p Payload) wirePayload {
	w := wirePayload{
		ChatID:       chatID(p.Identity),
		Code:         p.Code,
		CodeVerifier: p.CodeVerifier,
	}
	if r.cfg.SendState {
		w.State = p.State
	}
	return w
}

var integerPattern = regexp.MustCompile(`^-?(0|[1-9][0-9]*)$`)

// chatID sends integer-like identities as JSON numbers, the way the bot
// stores them, and anything else as a string.
func chatID(identity string) any {
	if integerPattern.MatchString(identity) {
		return json.Number(identity)
	}
	return identity
}

func (r *Relay) interpret(status int, raw []byte, truncated bool) *Outcome {
	out := &Outcome{Status: status}

	var reply backendReply
	parsed := !truncated && json.Unmarshal(raw, &reply) == nil
	if parsed {
		var body any
		if err := json.Unmarshal(bytes.TrimSpace(raw), &body); err == nil {
			out.Body = body
		}
		out.Message = reply.Message
		if out.Message == "" {
			out.Message = reply.Error
		}
	} else if len(raw) > 0 {
		out.Body = ioutil.Snippet(raw, 1024)
	}

	if status < 200 || status > 299 {
		return out
	}
	switch {
	case parsed && reply.Success != nil:
		out.Success = *reply.Success
	case parsed:
		// legacy backends only say so in the message text
		out.Success = r.success.MatchString(reply.Message)
	}
	return out
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
