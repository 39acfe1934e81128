package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveIteration(t *testing.T) {
	m := New()
	m.ObserveIteration(40, 0.2, 40)
	m.ObserveIteration(25, 0.1, 25)
	require.Equal(t, 2.0, testutil.ToFloat64(m.Iterations))
	require.Equal(t, 25.0, testutil.ToFloat64(m.ReconError))
	require.Equal(t, 25.0, testutil.ToFloat64(m.BestReconError))
	require.Equal(t, 0.1, testutil.ToFloat64(m.Loss))

	var nilMetrics *Metrics
	nilMetrics.ObserveIteration(1, 1, 1)
}

func TestRegistryGathersEveryCollector(t *testing.T) {
	m := New()
	m.Restarts.Inc()
	m.StepSeconds.Observe(0.01)
	n, err := testutil.GatherAndCount(m.Registry())
	require.NoError(t, err)
	require.Equal(t, 11, n)
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.DivergenceAborts.Inc()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "mrgradopt_divergence_aborts_total 1"))
}
