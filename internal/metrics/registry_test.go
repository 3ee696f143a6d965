package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r, err := NewRegistry("test")
	require.NoError(t, err)

	r.RecordBid(context.Background(), "rejected", "self_bidding", 3*time.Millisecond)
	r.RecordBid(context.Background(), "rejected", "self_bidding", time.Millisecond)
	r.RecordLockTimeout("auction")
	r.RecordSignal("rapid_bidding", true)
	r.RecordAppend("bid_accepted", nil)
	r.RecordAppend("bid_accepted", errors.New("conflict"))
	r.RecordVerification(false, 42)
	r.SetHalted(true)
	r.RecordReconciled(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.BidOutcomes.WithLabelValues("rejected", "self_bidding")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.LockTimeouts.WithLabelValues("auction")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SignalsFired.WithLabelValues("rapid_bidding", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ChainAppends.WithLabelValues("bid_accepted", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ChainVerifyRuns.WithLabelValues("mismatch")))
	assert.Equal(t, 42.0, testutil.ToFloat64(r.ChainVerifyLength))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ChainHalted))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.PaymentsReconciled))

	r.SetHalted(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.ChainHalted))
}

func TestNilRegistryIsInert(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordBid(context.Background(), "accepted", "", time.Millisecond)
		r.RecordLockTimeout("chain")
		r.RecordSignal("bid_sniping", false)
		r.RecordVerification(true, 1)
		r.SetHalted(true)
		r.RecordHTTP("GET", "/health", 200, time.Millisecond)
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	r, err := NewRegistry("test")
	require.NoError(t, err)
	r.RecordHTTP("POST", "/v1/payments", 503, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `aib_api_http_requests_total{method="POST",route="/v1/payments",status="5xx"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
