package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/lox/aquacast/internal/httputil"
	"github.com/lox/aquacast/internal/logging"
	"github.com/lox/aquacast/internal/metrics"
	"github.com/lox/aquacast/internal/store"
)

var (
	// ErrEmptyFeed is returned when a feed yields no usable records.
	ErrEmptyFeed = errors.New("feed returned no records")
	// ErrNotCached is returned in offline mode when no cached payload exists.
	ErrNotCached = errors.New("payload not cached")
)

// FetchAuditor records one fetch_runs row per remote fetch.
type FetchAuditor interface {
	StartFetchRun(source, endpoint string) (*store.FetchRun, error)
	CompleteFetchRun(run *store.FetchRun) error
}

// PayloadStore is the subset of the store used to cache feed bodies and
// audit downloads.
type PayloadStore interface {
	FetchAuditor
	GetPayload(url string, day time.Time) (*store.CachedPayload, bool, error)
	PutPayload(url string, day time.Time, body []byte) error
}

// ParseFunc decodes a fetched body and reports how many records it held.
type ParseFunc func(body []byte) (records int, err error)

// Fetcher downloads CSV feeds, reusing a same-day cached copy when one
// exists.
type Fetcher struct {
	HTTP    *httputil.Fetcher
	Store   PayloadStore
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Offline bool

	log zerolog.Logger
}

func NewFetcher(st PayloadStore, m *metrics.Metrics, clock clockwork.Clock) *Fetcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Fetcher{
		HTTP:    httputil.NewFetcher(),
		Store:   st,
		Clock:   clock,
		Metrics: m,
		log:     logging.With("fetch"),
	}
}

// Fetch returns the body of url. source names the feed in the audit log
// and metrics. parse, when set, runs before the body is cached; a body it
// rejects fails the fetch and is not cached.
func (f *Fetcher) Fetch(ctx context.Context, source, url string, parse ParseFunc) ([]byte, error) {
	day := f.Clock.Now().UTC()

	if f.Store != nil {
		cached, ok, err := f.Store.GetPayload(url, day)
		if err != nil {
			return nil, fmt.Errorf("read cache for %s: %w", source, err)
		}
		if ok {
			f.observeCache(source, "hit")
			f.log.Debug().Str("source", source).Str("url", url).Msg("using cached payload")
			n, perr := runParse(parse, cached.Body)
			f.audit(source, url, func(run *store.FetchRun) {
				run.CacheHit = true
				run.ResponseSizeBytes = sql.NullInt64{Int64: cached.Size, Valid: true}
				finishRun(run, n, perr)
			})
			if perr != nil {
				return nil, fmt.Errorf("parse cached %s: %w", source, perr)
			}
			return cached.Body, nil
		}
		f.observeCache(source, "miss")
	}

	if f.Offline {
		return nil, fmt.Errorf("%s %s: %w", source, url, ErrNotCached)
	}

	start := f.Clock.Now()
	resp, err := f.HTTP.Get(ctx, url)
	if f.Metrics != nil {
		f.Metrics.FetchLatency.WithLabelValues(source).Observe(f.Clock.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		f.Metrics.FetchRequests.WithLabelValues(source, status).Inc()
	}

	var n int
	switch {
	case err != nil:
		err = fmt.Errorf("fetch %s: %w", source, err)
	case len(bytes.TrimSpace(resp.Body)) == 0:
		err = fmt.Errorf("fetch %s: empty body: %w", source, ErrEmptyFeed)
	default:
		n, err = runParse(parse, resp.Body)
		if err != nil {
			err = fmt.Errorf("parse %s: %w", source, err)
		}
	}

	f.audit(source, url, func(run *store.FetchRun) {
		if resp != nil && resp.StatusCode != 0 {
			run.HTTPStatus = sql.NullInt64{Int64: int64(resp.StatusCode), Valid: true}
		}
		if resp != nil && resp.Body != nil {
			run.ResponseSizeBytes = sql.NullInt64{Int64: int64(len(resp.Body)), Valid: true}
		}
		finishRun(run, n, err)
	})
	if err != nil {
		return nil, err
	}

	if f.Store != nil {
		if err := f.Store.PutPayload(url, day, resp.Body); err != nil {
			f.log.Warn().Err(err).Str("source", source).Msg("failed to cache payload")
		}
	}
	return resp.Body, nil
}

func runParse(parse ParseFunc, body []byte) (int, error) {
	if parse == nil {
		return 0, nil
	}
	return parse(body)
}

// finishRun marks run successful with n parsed records, or failed with err.
func finishRun(run *store.FetchRun, n int, err error) {
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		return
	}
	run.Success = true
	if n > 0 {
		run.RecordsParsed = sql.NullInt64{Int64: int64(n), Valid: true}
	}
}

func (f *Fetcher) observeCache(source, result string) {
	if f.Metrics != nil {
		f.Metrics.FetchCache.WithLabelValues(source, result).Inc()
	}
}

// audit records a fetch run. Audit failures are logged, never returned.
func (f *Fetcher) audit(source, endpoint string, fill func(*store.FetchRun)) {
	if f.Store == nil {
		return
	}
	recordFetch(f.Store, f.log, source, endpoint, fill)
}

func recordFetch(runs FetchAuditor, log zerolog.Logger, source, endpoint string, fill func(*store.FetchRun)) {
	run, err := runs.StartFetchRun(source, endpoint)
	if err != nil {
		log.Warn().Err(err).Str("source", source).Msg("failed to start fetch run")
		return
	}
	fill(run)
	if err := runs.CompleteFetchRun(run); err != nil {
		log.Warn().Err(err).Str("source", source).Msg("failed to complete fetch run")
	}
}
