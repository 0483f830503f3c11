package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/lox/aquacast/internal/chart"
	"github.com/lox/aquacast/internal/config"
	"github.com/lox/aquacast/internal/forecast"
	"github.com/lox/aquacast/internal/ingest"
	"github.com/lox/aquacast/internal/logging"
	"github.com/lox/aquacast/internal/metrics"
	"github.com/lox/aquacast/internal/models"
	"github.com/lox/aquacast/internal/store"
	"github.com/lox/aquacast/internal/submit"
)

// Feeds supplies the CSV inputs.
type Feeds interface {
	FetchSites(ctx context.Context, url string) ([]models.Site, error)
	FetchTargets(ctx context.Context, url string) ([]models.Observation, error)
}

// Weather supplies the GEFS driver records.
type Weather interface {
	Historical(ctx context.Context, q ingest.WeatherQuery) ([]models.DriverRecord, error)
	Forecast(ctx context.Context, referenceDate time.Time, q ingest.WeatherQuery) ([]models.DriverRecord, error)
}

type Deps struct {
	Feeds    Feeds
	Weather  Weather
	Store    *store.Store
	Uploader submit.Uploader // nil disables submission
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
}

// Runner executes one forecast run end to end.
type Runner struct {
	cfg  config.Pipeline
	deps Deps
	log  zerolog.Logger
}

func NewRunner(cfg config.Pipeline, deps Deps) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Feeds == nil || deps.Weather == nil || deps.Store == nil {
		return nil, errors.New("pipeline needs feeds, weather and a store")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Runner{cfg: cfg, deps: deps, log: logging.With("pipeline")}, nil
}

// Result summarises a completed run.
type Result struct {
	RunID          int64
	ProcessingDate time.Time
	ReferenceDate  string
	Seed           uint64
	OutputPath     string
	Charts         []string
	Rows           int
	Fitted         int
	Skipped        map[string]error
	Submitted      bool
}

// Run produces the forecast for the configured or current processing date.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	started := r.deps.Clock.Now()
	today, err := r.cfg.ProcessingDate(started)
	if err != nil {
		return nil, err
	}
	seed := r.cfg.EffectiveSeed(today)

	run, err := r.deps.Store.StartForecastRun(today, seed, r.cfg.ModelID)
	if err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}

	log := r.log.With().Int64("run_id", run.ID).Str("date", today.Format(forecast.DateLayout)).Logger()
	log.Info().Uint64("seed", seed).Msg("starting forecast run")

	res, err := r.run(ctx, log, today, seed, run)
	if res == nil {
		res = &Result{}
	}
	res.RunID, res.ProcessingDate, res.Seed = run.ID, today, seed

	run.Success = err == nil
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	if cerr := r.deps.Store.CompleteForecastRun(run); cerr != nil {
		log.Warn().Err(cerr).Msg("failed to record run completion")
	}
	r.pruneCache(log, started)

	m := r.deps.Metrics
	m.RunDuration.Observe(r.deps.Clock.Since(started).Seconds())
	m.LastRunTimestamp.Set(float64(r.deps.Clock.Now().Unix()))
	if err != nil {
		m.LastRunSuccess.Set(0)
		log.Error().Err(err).Msg("forecast run failed")
	} else {
		m.LastRunSuccess.Set(1)
		log.Info().
			Str("output", res.OutputPath).
			Int("rows", res.Rows).
			Int("fitted", res.Fitted).
			Int("skipped", len(res.Skipped)).
			Bool("submitted", res.Submitted).
			Msg("forecast run complete")
	}

	if r.cfg.MetricsFile != "" {
		if werr := m.WriteTextfile(r.cfg.MetricsFile); werr != nil {
			log.Warn().Err(werr).Msg("failed to write metrics")
		}
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, log zerolog.Logger, today time.Time, seed uint64, run *store.ForecastRun) (*Result, error) {
	sites, err := r.deps.Feeds.FetchSites(ctx, r.cfg.SitesURL)
	if err != nil {
		return nil, err
	}
	siteIDs := make([]string, 0, len(sites))
	siteSet := make(map[string]bool, len(sites))
	names := make(map[string]string, len(sites))
	for _, s := range sites {
		siteIDs = append(siteIDs, s.SiteID)
		siteSet[s.SiteID] = true
		names[s.SiteID] = s.Name
	}
	run.SitesTotal = sql.NullInt64{Int64: int64(len(siteIDs)), Valid: true}

	allTargets, err := r.deps.Feeds.FetchTargets(ctx, r.cfg.TargetsURL)
	if err != nil {
		return nil, err
	}
	targets := make([]models.Observation, 0, len(allTargets))
	for _, o := range allTargets {
		if siteSet[o.SiteID] && o.Variable == models.VariableTemperature {
			targets = append(targets, o)
		}
	}

	floor := r.cfg.StartFloor()
	histRecords, err := r.deps.Weather.Historical(ctx, ingest.WeatherQuery{
		Variable: models.VariableAirTemperature,
		Sites:    siteIDs,
		Since:    floor,
	})
	if err != nil {
		return nil, err
	}
	historical := forecast.AggregateHistorical(histRecords, forecast.DriverFilter{
		Variable: models.VariableAirTemperature,
		Sites:    siteSet,
		Since:    floor,
	})

	issue := today.AddDate(0, 0, -1)
	fcRecords, err := r.deps.Weather.Forecast(ctx, issue, ingest.WeatherQuery{
		Variable: models.VariableAirTemperature,
		Sites:    siteIDs,
		Since:    today,
	})
	if err != nil {
		return nil, err
	}
	ensemble := forecast.AggregateEnsemble(fcRecords, forecast.DriverFilter{
		Variable: models.VariableAirTemperature,
		Sites:    siteSet,
		Since:    today,
	})

	if len(historical) == 0 {
		return nil, fmt.Errorf("historical drivers: %w", ingest.ErrEmptyFeed)
	}
	if len(ensemble) == 0 {
		return nil, fmt.Errorf("forecast drivers issued %s: %w", issue.Format(forecast.DateLayout), ingest.ErrEmptyFeed)
	}
	log.Info().
		Int("sites", len(siteIDs)).
		Int("targets", len(targets)).
		Int("historical_days", len(historical)).
		Int("forecast_days", len(ensemble)).
		Msg("inputs ready")

	out, err := forecast.Run(ctx, forecast.RunInput{
		Sites:      siteIDs,
		Targets:    targets,
		Historical: historical,
		Forecast:   ensemble,
		Today:      today,
	}, r.cfg.RunConfig(seed), log)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Rows:    len(out.Rows),
		Fitted:  out.Fitted(),
		Skipped: out.Skipped(),
	}
	r.recordFits(log, run.ID, out)
	run.SitesFitted = sql.NullInt64{Int64: int64(res.Fitted), Valid: true}
	run.SitesSkipped = sql.NullInt64{Int64: int64(len(res.Skipped)), Valid: true}

	table, err := forecast.Standardize(out.Rows, r.cfg.ModelID)
	if err != nil {
		return res, err
	}
	if err := forecast.RequireSchema(table); err != nil {
		return res, err
	}
	res.ReferenceDate, _ = submit.ReferenceDate(table)
	run.ReferenceDate = sql.NullString{String: res.ReferenceDate, Valid: true}

	res.OutputPath, err = submit.WriteFile(r.cfg.OutputDir, r.cfg.Theme, r.cfg.ModelID, table)
	if err != nil {
		return res, err
	}
	run.OutputPath = sql.NullString{String: res.OutputPath, Valid: true}
	run.RowsWritten = sql.NullInt64{Int64: int64(len(table.Rows)), Valid: true}
	r.deps.Metrics.ForecastRows.Add(float64(len(table.Rows)))

	if r.cfg.ChartDir != "" {
		res.Charts, err = chart.WriteSiteCharts(r.cfg.ChartDir, out.Rows, names)
		if err != nil {
			// Chart failures never fail the run.
			log.Warn().Err(err).Msg("failed to write charts")
		}
	}

	if up := r.deps.Uploader; up != nil {
		if err := submit.Submit(ctx, up, res.OutputPath); err != nil {
			r.deps.Metrics.Submissions.WithLabelValues(up.Method(), "error").Inc()
			return res, err
		}
		r.deps.Metrics.Submissions.WithLabelValues(up.Method(), "ok").Inc()
		res.Submitted = true
		run.Submitted = true
	}
	return res, nil
}

// pruneCache drops payloads past the retention window. Failures only warn.
func (r *Runner) pruneCache(log zerolog.Logger, now time.Time) {
	days := r.cfg.CacheRetentionDays
	if days <= 0 {
		return
	}
	n, err := r.deps.Store.CleanupPayloads(now, days)
	if err != nil {
		log.Warn().Err(err).Msg("failed to prune payload cache")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Int("retention_days", days).Msg("pruned payload cache")
	}
}

func (r *Runner) recordFits(log zerolog.Logger, runID int64, out *forecast.RunResult) {
	fits := make([]store.SiteFit, 0, len(out.Sites))
	for _, s := range out.Sites {
		fit := store.SiteFit{RunID: runID, SiteID: s.SiteID}
		if s.Err != nil {
			fit.SkipReason = sql.NullString{String: s.Err.Error(), Valid: true}
			r.deps.Metrics.SitesSkipped.WithLabelValues(skipReason(s.Err)).Inc()
		} else {
			fit.FitRows = sql.NullInt64{Int64: int64(s.Model.N), Valid: true}
			fit.Intercept = store.NullFinite(s.Model.Intercept)
			fit.Air = store.NullFinite(s.Model.Air)
			fit.AirLag = store.NullFinite(s.Model.AirLag)
			fit.Sigma = store.NullFinite(s.Model.Sigma)
			fit.RSquared = store.NullFinite(s.Model.RSquared)
			r.deps.Metrics.SitesFitted.Inc()
		}
		fits = append(fits, fit)
	}
	if err := r.deps.Store.InsertSiteFits(fits); err != nil {
		log.Warn().Err(err).Msg("failed to record site fits")
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, forecast.ErrNoObservations):
		return "no_observations"
	case errors.Is(err, forecast.ErrDegenerateFit):
		return "degenerate_fit"
	case errors.Is(err, forecast.ErrNoWeather):
		return "no_weather"
	}
	return "other"
}
