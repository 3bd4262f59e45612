package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RecordAttempt("2xx")
	m.RecordAttempt("timeout")
	m.RecordAttempt("timeout")
	m.RecordCallback("success")
	m.RecordLogin("login")
	m.RecordCleanup(3, nil)
	m.RecordCleanup(0, errors.New("boom"))
	m.RecordRelay("success", 150*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayAttempts.WithLabelValues("2xx")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayAttempts.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbackOutcomes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loginsStarted.WithLabelValues("login")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.statesCleaned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cleanupFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.relayDuration))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordCallback("unknown_state")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `authrelay_callback_outcomes_total{outcome="unknown_state"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestIndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
