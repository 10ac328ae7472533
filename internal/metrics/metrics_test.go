package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(dispatchOutcomes.WithLabelValues("dispatched"))
	RecordDispatch("dispatched")
	assert.Equal(t, before+1, testutil.ToFloat64(dispatchOutcomes.WithLabelValues("dispatched")))

	beforeConflicts := testutil.ToFloat64(dispatchConflicts)
	RecordDispatchConflict()
	assert.Equal(t, beforeConflicts+1, testutil.ToFloat64(dispatchConflicts))

	beforeExpired := testutil.ToFloat64(sweepExpired)
	RecordExpired(3)
	assert.Equal(t, beforeExpired+3, testutil.ToFloat64(sweepExpired))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordConnectorAttempt("log", "success", 10*time.Millisecond)
	RecordApprovalTransition("pending")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `warden_connector_attempts_total{connector="log",outcome="success"}`)
	assert.Contains(t, string(body), `warden_approvals_total{status="pending"}`)
}
