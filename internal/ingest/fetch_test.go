package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/aquacast/internal/metrics"
	"github.com/lox/aquacast/internal/store"
)

func newTestFetcher(t *testing.T) (*Fetcher, *clockwork.FakeClock, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 20, 6, 0, 0, 0, time.UTC))
	f := NewFetcher(st, metrics.New(), clock)
	f.HTTP.InitialInterval = time.Millisecond
	f.HTTP.MaxElapsedTime = time.Second
	return f, clock, st
}

func TestFetcher_CachesPerDay(t *testing.T) {
	body := gzipBytes(t, targetsCSV)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	f, clock, st := newTestFetcher(t)
	ctx := context.Background()

	first, err := f.FetchTargets(ctx, srv.URL)
	require.NoError(t, err)
	second, err := f.FetchTargets(ctx, srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)
	assert.InDelta(t, 1, testutil.ToFloat64(f.Metrics.FetchCache.WithLabelValues(SourceTargets, "hit")), 1e-9)

	clock.Advance(24 * time.Hour)
	_, err = f.FetchTargets(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	runs, err := st.FetchRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.False(t, runs[0].CacheHit)
	assert.True(t, runs[1].CacheHit)
	for _, r := range runs {
		assert.True(t, r.Success)
		assert.Equal(t, int64(4), r.RecordsParsed.Int64, "run %d", r.ID)
	}
}

func TestFetcher_Offline(t *testing.T) {
	f, _, _ := newTestFetcher(t)
	f.Offline = true

	_, err := f.Fetch(context.Background(), SourceSites, "http://127.0.0.1:1/sites.csv", nil)
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestFetcher_FailureIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f, _, st := newTestFetcher(t)

	_, err := f.FetchSites(context.Background(), srv.URL)
	require.Error(t, err)

	runs, err := st.FetchRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Equal(t, int64(http.StatusGone), runs[0].HTTPStatus.Int64)
	assert.Contains(t, runs[0].ErrorMessage.String, "410")
	assert.InDelta(t, 1, testutil.ToFloat64(f.Metrics.FetchRequests.WithLabelValues(SourceSites, "error")), 1e-9)
}

func TestFetcher_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), SourceTargets, srv.URL, nil)
	assert.ErrorIs(t, err, ErrEmptyFeed)
}

func TestFetcher_UnparseableBodyNotCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("not,a,targets,file\n1,2,3,4\n"))
	}))
	defer srv.Close()

	f, _, st := newTestFetcher(t)
	ctx := context.Background()

	_, err := f.FetchTargets(ctx, srv.URL)
	require.Error(t, err)
	_, err = f.FetchTargets(ctx, srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load(), "rejected body must not be served from cache")

	_, ok, err := st.GetPayload(srv.URL, f.Clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	runs, err := st.FetchRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Contains(t, runs[0].ErrorMessage.String, "parse targets")
}
