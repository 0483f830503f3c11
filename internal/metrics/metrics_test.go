package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.ForecastRows.Add(3)
	a.FetchCache.WithLabelValues("targets", "hit").Inc()

	assert.InDelta(t, 3, testutil.ToFloat64(a.ForecastRows), 1e-9)
	assert.InDelta(t, 0, testutil.ToFloat64(b.ForecastRows), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(a.FetchCache.WithLabelValues("targets", "hit")), 1e-9)
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.SitesSkipped.WithLabelValues("no_observations").Inc()
	m.LastRunSuccess.Set(1)

	path := filepath.Join(t.TempDir(), "aquacast.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `aquacast_sites_skipped_total{reason="no_observations"} 1`)
	assert.Contains(t, string(data), "aquacast_last_run_success 1")
}
