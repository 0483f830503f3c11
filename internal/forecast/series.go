package forecast

import (
	"database/sql"
	"time"

	"github.com/lox/aquacast/internal/models"
)

// LastObservations returns, per site, the date of the last non-missing
// target temperature.
func LastObservations(targets []models.Observation) map[string]time.Time {
	last := make(map[string]time.Time)
	for _, o := range targets {
		if o.Variable != models.VariableTemperature || !o.Value.Valid {
			continue
		}
		date := DateOf(o.Datetime)
		if prev, ok := last[o.SiteID]; !ok || date.After(prev) {
			last[o.SiteID] = date
		}
	}
	return last
}

// BuildSiteSeries joins a site's temperature targets with its historical
// daily drivers and reindexes the result onto a complete daily calendar from
// the first target date through today. Days without a target or driver
// carry a missing value. Several targets on one day are averaged.
func BuildSiteSeries(siteID string, targets []models.Observation, historical []models.DailyDriver, today time.Time) []models.SeriesPoint {
	type mean struct {
		sum   float64
		count int
	}
	temps := make(map[time.Time]*mean)
	var first time.Time
	for _, o := range targets {
		if o.SiteID != siteID || o.Variable != models.VariableTemperature {
			continue
		}
		date := DateOf(o.Datetime)
		if first.IsZero() || date.Before(first) {
			first = date
		}
		m, ok := temps[date]
		if !ok {
			m = &mean{}
			temps[date] = m
		}
		if o.Value.Valid {
			m.sum += o.Value.Float64
			m.count++
		}
	}
	if first.IsZero() {
		return nil
	}

	air := make(map[time.Time]float64)
	for _, d := range historical {
		if d.SiteID == siteID && !d.Member.Valid {
			air[DateOf(d.Date)] = d.AirTemperature
		}
	}

	end := DateOf(today)
	var series []models.SeriesPoint
	for date := first; !date.After(end); date = addDays(date, 1) {
		p := models.SeriesPoint{Date: date}
		if m, ok := temps[date]; ok && m.count > 0 {
			p.Temperature = sql.NullFloat64{Float64: m.sum / float64(m.count), Valid: true}
		}
		if v, ok := air[date]; ok {
			p.AirTemperature = sql.NullFloat64{Float64: v, Valid: true}
		}
		series = append(series, p)
	}
	return series
}
