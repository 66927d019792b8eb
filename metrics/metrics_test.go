package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ExchangeCompleted("jwt-bearer", "success")
	r.ExchangeCompleted("jwt-bearer", "success")
	r.CacheLookup(true)
	r.CacheLookup(false)
	r.SessionCreated("bearer")
	r.Swept("sessions", 3)
	r.Swept("sessions", 0)
	r.AuthFailure("code", "state_mismatch")
	r.ObserveUpstream("token", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.exchanges.WithLabelValues("jwt-bearer", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.swept.WithLabelValues("sessions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.authFailures.WithLabelValues("code", "state_mismatch")))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ExchangeCompleted("refresh_token", "error")
	r.CacheLookup(true)
	r.SessionCreated("code")
	r.Swept("pending", 1)
	r.AuthFailure("bearer", "invalid_assertion")
	r.ObserveUpstream("jwks", time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesGatewayMetrics(t *testing.T) {
	r := New()
	r.SessionCreated("code")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `cdcgw_sessions_created_total{flow="code"} 1`))
}
