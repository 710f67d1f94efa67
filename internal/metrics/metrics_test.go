package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersUpdateDefault(t *testing.T) {
	before := testutil.ToFloat64(Default.MatchesEmitted.WithLabelValues("metrics-test"))
	RecordMatch("metrics-test")
	assert.Equal(t, before+1, testutil.ToFloat64(Default.MatchesEmitted.WithLabelValues("metrics-test")))

	SetPaused(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(Default.Paused))
	SetPaused(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(Default.Paused))

	SetWorkers(3, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(Default.WorkersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(Default.WorkersDegraded))

	SetSamples("0xpool", 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(Default.SamplesRetained.WithLabelValues("0xpool")))
	ForgetPool("0xpool")
	assert.Equal(t, 0, testutil.CollectAndCount(Default.SamplesRetained))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordRefresh("ok", 7)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dexsonar_registry_pools_watched 7"))
}
