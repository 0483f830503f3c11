package forecast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/aquacast/internal/models"
)

var ErrNoWeather = errors.New("no weather ensemble for site")

type RunInput struct {
	Sites      []string
	Targets    []models.Observation
	Historical []models.DailyDriver
	Forecast   []models.DailyDriver
	Today      time.Time
}

type RunConfig struct {
	GapFillMembers int
	Generator      GeneratorConfig
	Workers        int
}

type SiteResult struct {
	SiteID string
	Model  *LagModel
	Rows   []models.ForecastRow
	Err    error
}

type RunResult struct {
	Sites []SiteResult
	Rows  []models.ForecastRow
}

// Fitted returns the number of sites that produced a forecast.
func (r *RunResult) Fitted() int {
	n := 0
	for _, s := range r.Sites {
		if s.Err == nil {
			n++
		}
	}
	return n
}

// Skipped returns the sites that were skipped, keyed by reason.
func (r *RunResult) Skipped() map[string]error {
	out := make(map[string]error)
	for _, s := range r.Sites {
		if s.Err != nil {
			out[s.SiteID] = s.Err
		}
	}
	return out
}

// Run assembles the weather ensemble, then fits and forecasts each site
// independently on a bounded worker pool. Site failures are recorded on the
// site's result and never abort the run.
func Run(ctx context.Context, in RunInput, cfg RunConfig, log zerolog.Logger) (*RunResult, error) {
	ensemble := AssembleEnsemble(in.Historical, in.Forecast, LastObservations(in.Targets), AssembleConfig{
		GapFillMembers: cfg.GapFillMembers,
	})
	bySite := SplitBySite(ensemble)

	historyBySite := make(map[string][]models.DailyDriver)
	for _, d := range in.Historical {
		historyBySite[d.SiteID] = append(historyBySite[d.SiteID], d)
	}
	targetsBySite := make(map[string][]models.Observation)
	for _, o := range in.Targets {
		targetsBySite[o.SiteID] = append(targetsBySite[o.SiteID], o)
	}

	sites := append([]string(nil), in.Sites...)
	sort.Strings(sites)

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	gen := NewGenerator(cfg.Generator)
	results := make([]SiteResult, len(sites))
	err := forEachSite(ctx, len(sites), workers, func(i int) {
		site := sites[i]
		results[i] = forecastSite(site, targetsBySite[site], historyBySite[site], bySite[site], in.Today, gen)
	})
	if err != nil {
		return nil, err
	}

	out := &RunResult{Sites: results}
	for _, res := range results {
		if res.Err != nil {
			log.Warn().Str("site", res.SiteID).Err(res.Err).Msg("site skipped")
			continue
		}
		log.Debug().
			Str("site", res.SiteID).
			Int("rows", len(res.Rows)).
			Int("fit_rows", res.Model.N).
			Float64("r_squared", res.Model.RSquared).
			Msg("site forecast")
		out.Rows = append(out.Rows, res.Rows...)
	}
	SortForecast(out.Rows)
	return out, nil
}

// forEachSite calls fn for 0..n-1 with at most workers calls in flight.
// Cancellation stops handing out work and returns at once; calls already
// running finish on their own and their results are discarded.
func forEachSite(ctx context.Context, n, workers int, fn func(i int)) error {
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(idx)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func forecastSite(site string, targets []models.Observation, historical []models.DailyDriver, ens Ensemble, today time.Time, gen *Generator) SiteResult {
	res := SiteResult{SiteID: site}

	series := BuildSiteSeries(site, targets, historical, today)
	model, err := FitLagModel(site, series)
	if err != nil {
		res.Err = err
		return res
	}
	res.Model = model

	if len(ens) == 0 {
		res.Err = fmt.Errorf("site %s: %w", site, ErrNoWeather)
		return res
	}

	first, _ := ensembleSpan(ens)
	var anchor sql.NullFloat64
	for _, d := range historical {
		if DateOf(d.Date).Equal(addDays(first, -1)) {
			anchor = sql.NullFloat64{Float64: d.AirTemperature, Valid: true}
		}
	}

	res.Rows = gen.Generate(model, ens, anchor, today)
	return res
}

// SortForecast orders rows by site, datetime and parameter.
func SortForecast(rows []models.ForecastRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.SiteID != b.SiteID {
			return a.SiteID < b.SiteID
		}
		if !a.Datetime.Equal(b.Datetime) {
			return a.Datetime.Before(b.Datetime)
		}
		return a.Parameter < b.Parameter
	})
}
