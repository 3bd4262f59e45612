package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dodobot/authrelay/internal/callback"
	"github.com/dodobot/authrelay/internal/oauth"
	"github.com/dodobot/authrelay/internal/relay"
	"github.com/dodobot/authrelay/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelayer struct {
	calls   atomic.Int32
	outcome *relay.Outcome
	err     error
	gate    chan struct{}
	last    relay.Payload
	mu      sync.Mutex
}

func (f *fakeRelayer) Relay(ctx context.Context, p relay.Payload) (*relay.Outcome, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = p
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return f.outcome, f.err
}

type brokenStore struct {
	storage.StateStore
}

func (brokenStore) FindByState(context.Context, string) (*storage.StateRecord, error) {
	return nil, &storage.StorageError{Op: "find", Err: errors.New("connection reset")}
}

func (brokenStore) UpsertState(context.Context, storage.StateRecord) (*storage.StateRecord, error) {
	return nil, &storage.StorageError{Op: "upsert", Err: errors.New("connection reset")}
}

type countingRecorder struct {
	mu        sync.Mutex
	callbacks map[string]int
	logins    map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{callbacks: map[string]int{}, logins: map[string]int{}}
}

func (c *countingRecorder) RecordCallback(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[outcome]++
}

func (c *countingRecorder) RecordLogin(entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins[entry]++
}

func newTestGateway(t *testing.T, store storage.StateStore, relayer Relayer, opts ...Option) *Gateway {
	t.Helper()
	issuer, err := oauth.NewIssuer(oauth.ClientConfig{
		ClientID:    oauth.DefaultClientID,
		RedirectURI: oauth.DefaultRedirectURI,
		Scopes:      oauth.DefaultScopes,
	}, store)
	require.NoError(t, err)
	return New(issuer, callback.NewVerifier(store), relayer, opts...)
}

func TestCompleteUnknownState(t *testing.T) {
	fr := &fakeRelayer{}
	g := newTestGateway(t, storage.NewMemoryStorage(), fr)

	res := g.Complete(context.Background(), callback.Request{State: "bogus", Code: "x"})
	assert.Equal(t, KindUnknownState, res.Kind)
	assert.Equal(t, http.StatusNotFound, res.HTTPStatus())
	assert.Equal(t, "state не найден в БД", res.Message)
	assert.Zero(t, fr.calls.Load(), "relay must not run for unverified callbacks")
}

func TestCompleteMissingParameters(t *testing.T) {
	fr := &fakeRelayer{}
	g := newTestGateway(t, storage.NewMemoryStorage(), fr)

	res := g.Complete(context.Background(), callback.Request{State: "s"})
	assert.Equal(t, KindMissingParameters, res.Kind)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus())
	assert.Zero(t, fr.calls.Load())
}

func TestCompleteStorageError(t *testing.T) {
	fr := &fakeRelayer{}
	g := newTestGateway(t, brokenStore{}, fr)

	res := g.Complete(context.Background(), callback.Request{State: "s", Code: "c"})
	assert.Equal(t, KindStorageError, res.Kind)
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus())
	assert.Zero(t, fr.calls.Load())
}

func TestCompleteOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		relay  *fakeRelayer
		kind   Kind
		status int
	}{
		{"success", &fakeRelayer{outcome: &relay.Outcome{Success: true, Status: 200}}, KindSuccess, http.StatusOK},
		{"rejected", &fakeRelayer{outcome: &relay.Outcome{Status: 200, Body: map[string]any{"success": false}}}, KindBackendRejected, http.StatusBadGateway},
		{"timeout", &fakeRelayer{err: fmt.Errorf("after 2 attempts: %w", relay.ErrBackendTimeout)}, KindBackendTimeout, http.StatusInternalServerError},
		{"not configured", &fakeRelayer{err: relay.ErrNotConfigured}, KindMisconfigured, http.StatusInternalServerError},
		{"transport", &fakeRelayer{err: errors.New("dial tcp: refused")}, KindBackendTransport, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStorage()
			g := newTestGateway(t, store, tt.relay)

			login, res := g.Begin(ctx, "123", "kz")
			require.Nil(t, res)

			got := g.Complete(ctx, callback.Request{State: login.State, Code: "code"})
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.status, got.HTTPStatus())
			assert.NotEmpty(t, got.Message)
			assert.Equal(t, int32(1), tt.relay.calls.Load())
		})
	}
}

func TestCompleteBackendNeverAnswers(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := relay.Config{URL: srv.URL, Timeout: 100 * time.Millisecond, Backoff: 10 * time.Millisecond}
	r, err := relay.New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	g := newTestGateway(t, storage.NewMemoryStorage(), r)
	login, res := g.Begin(ctx, "1", "ae")
	require.Nil(t, res)

	start := time.Now()
	got := g.Complete(ctx, callback.Request{State: login.State, Code: "c"})
	assert.Equal(t, KindBackendTimeout, got.Kind)
	assert.LessOrEqual(t, time.Since(start), CompleteTimeout(cfg)+500*time.Millisecond)
}

func TestCompleteRejectedCarriesBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	r, err := relay.New(relay.Config{URL: srv.URL})
	require.NoError(t, err)

	ctx := context.Background()
	g := newTestGateway(t, storage.NewMemoryStorage(), r)
	login, res := g.Begin(ctx, "123", "kz")
	require.Nil(t, res)

	got := g.Complete(ctx, callback.Request{State: login.State, Code: "c"})
	assert.Equal(t, KindBackendRejected, got.Kind)
	assert.Equal(t, http.StatusBadGateway, got.HTTPStatus())
	assert.Equal(t, http.StatusOK, got.BackendStatus)
	assert.Equal(t, map[string]any{"success": false}, got.Backend)
}

func TestCompleteForwardsVerifiedPayload(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRelayer{outcome: &relay.Outcome{Success: true}}
	store := storage.NewMemoryStorage()
	g := newTestGateway(t, store, fr)

	login, res := g.Begin(ctx, "-42", "")
	require.Nil(t, res)
	rec, err := store.FindByState(ctx, login.State)
	require.NoError(t, err)

	g.Complete(ctx, callback.Request{State: login.State, Code: "the-code"})
	assert.Equal(t, relay.Payload{
		Identity:     "-42",
		Code:         "the-code",
		State:        login.State,
		CodeVerifier: rec.CodeVerifier,
	}, fr.last)
}

func TestCompleteIsRepeatable(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRelayer{outcome: &relay.Outcome{Success: true}}
	store := storage.NewMemoryStorage()
	g := newTestGateway(t, store, fr)

	login, res := g.Begin(ctx, "7", "kz")
	require.Nil(t, res)
	before, err := store.FindByState(ctx, login.State)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got := g.Complete(ctx, callback.Request{State: login.State, Code: "c"})
		assert.True(t, got.Success())
	}

	after, err := store.FindByState(ctx, login.State)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCompleteDeduplicatesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRelayer{outcome: &relay.Outcome{Success: true}, gate: make(chan struct{})}
	g := newTestGateway(t, storage.NewMemoryStorage(), fr)

	login, res := g.Begin(ctx, "9", "kz")
	require.Nil(t, res)

	const callers = 5
	results := make(chan *Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Complete(ctx, callback.Request{State: login.State, Code: "same"})
		}()
	}

	assert.Eventually(t, func() bool { return fr.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// let the other callers join the in-flight call before releasing it
	time.Sleep(50 * time.Millisecond)
	close(fr.gate)
	wg.Wait()
	close(results)

	for r := range results {
		assert.True(t, r.Success())
	}
	assert.Equal(t, int32(1), fr.calls.Load())
}

func TestBeginAndSave(t *testing.T) {
	ctx := context.Background()

	t.Run("begin validation", func(t *testing.T) {
		g := newTestGateway(t, storage.NewMemoryStorage(), &fakeRelayer{})
		login, res := g.Begin(ctx, "abc", "kz")
		assert.Nil(t, login)
		require.NotNil(t, res)
		assert.Equal(t, KindInvalidInput, res.Kind)
		assert.Equal(t, http.StatusBadRequest, res.HTTPStatus())
		assert.NotEmpty(t, res.Details)
	})

	t.Run("begin storage failure", func(t *testing.T) {
		g := newTestGateway(t, brokenStore{}, &fakeRelayer{})
		_, res := g.Begin(ctx, "1", "kz")
		require.NotNil(t, res)
		assert.Equal(t, KindStorageError, res.Kind)
		assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus())
	})

	t.Run("save then complete", func(t *testing.T) {
		rec := newCountingRecorder()
		fr := &fakeRelayer{outcome: &relay.Outcome{Success: true}}
		g := newTestGateway(t, storage.NewMemoryStorage(), fr, WithRecorder(rec))

		res := g.Save(ctx, "55", "page-state", "ae")
		assert.True(t, res.Success())
		assert.Equal(t, MessageUserSaved, res.Message)

		got := g.Complete(ctx, callback.Request{State: "page-state", Code: "c"})
		assert.True(t, got.Success())
		assert.Equal(t, 1, rec.logins["save_user"])
		assert.Equal(t, 1, rec.callbacks["success"])
	})

	t.Run("save validation", func(t *testing.T) {
		g := newTestGateway(t, storage.NewMemoryStorage(), &fakeRelayer{})
		res := g.Save(ctx, "55", "", "ae")
		assert.Equal(t, KindInvalidInput, res.Kind)
	})
}

func TestCompleteTimeoutBudget(t *testing.T) {
	assert.Equal(t, 30*time.Second+500*time.Millisecond, CompleteTimeout(relay.Config{Backoff: 500 * time.Millisecond}))
	assert.Equal(t, 10*time.Second, CompleteTimeout(relay.Config{Timeout: 10 * time.Second, MaxAttempts: 1, Backoff: time.Second}))
}
