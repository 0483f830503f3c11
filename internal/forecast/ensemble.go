package forecast

import (
	"sort"
	"time"

	"github.com/lox/aquacast/internal/models"
)

const (
	// DefaultGapFillMembers is the number of synthetic members the historical
	// gap-fill trajectory is broadcast across.
	DefaultGapFillMembers = 31
	// DefaultReservedMember is excluded from the forecast path.
	DefaultReservedMember = 31

	// Forecast ensembles number their members from 0; assembled members
	// start at 1.
	nativeMemberOffset = 1
)

type DatedValue struct {
	Date  time.Time
	Value float64
}

// Trajectory is a driver path over a run of dates. Normalize returns it as
// member -> date-ordered values.
type Trajectory interface {
	Normalize(members int) Ensemble
}

// Deterministic is a single observed trajectory with no member dimension.
type Deterministic []DatedValue

// Normalize broadcasts the trajectory across members 1..members.
func (d Deterministic) Normalize(members int) Ensemble {
	ens := make(Ensemble, members)
	for m := 1; m <= members; m++ {
		values := make([]DatedValue, len(d))
		copy(values, d)
		ens[m] = values
	}
	return ens
}

// Ensemble maps member id to its trajectory.
type Ensemble map[int][]DatedValue

func (e Ensemble) Normalize(int) Ensemble { return e }

// Members returns the ensemble's member ids in ascending order.
func (e Ensemble) Members() []int {
	ids := make([]int, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type AssembleConfig struct {
	GapFillMembers int
}

// GapFillWindow returns the half-open window [start, end) between the day
// after the last observation and the first forecast date. The window is
// empty when start is not before end.
func GapFillWindow(lastObservation, firstForecast time.Time) (start, end time.Time) {
	return addDays(DateOf(lastObservation), 1), DateOf(firstForecast)
}

// AssembleEnsemble builds the combined weather ensemble for every site with
// forecast drivers. Historical daily values inside each site's gap-fill
// window are broadcast across cfg.GapFillMembers synthetic members; forecast
// rows keep their own member numbering shifted to start at 1. Sites without
// an entry in lastObservation get no gap-fill rows. Output is sorted by site,
// date and member.
func AssembleEnsemble(historical, forecast []models.DailyDriver, lastObservation map[string]time.Time, cfg AssembleConfig) []models.EnsembleRow {
	if cfg.GapFillMembers <= 0 {
		cfg.GapFillMembers = DefaultGapFillMembers
	}

	forecastBySite := make(map[string]Ensemble)
	firstForecast := make(map[string]time.Time)
	for _, d := range forecast {
		if !d.Member.Valid {
			continue
		}
		ens, ok := forecastBySite[d.SiteID]
		if !ok {
			ens = make(Ensemble)
			forecastBySite[d.SiteID] = ens
		}
		member := int(d.Member.Int64) + nativeMemberOffset
		ens[member] = append(ens[member], DatedValue{Date: DateOf(d.Date), Value: d.AirTemperature})

		if first, ok := firstForecast[d.SiteID]; !ok || d.Date.Before(first) {
			firstForecast[d.SiteID] = DateOf(d.Date)
		}
	}

	historyBySite := make(map[string][]models.DailyDriver)
	for _, d := range historical {
		historyBySite[d.SiteID] = append(historyBySite[d.SiteID], d)
	}

	var rows []models.EnsembleRow
	for site, ens := range forecastBySite {
		if last, ok := lastObservation[site]; ok {
			start, end := GapFillWindow(last, firstForecast[site])
			var gap Deterministic
			for _, d := range historyBySite[site] {
				date := DateOf(d.Date)
				if !date.Before(start) && date.Before(end) {
					gap = append(gap, DatedValue{Date: date, Value: d.AirTemperature})
				}
			}
			rows = appendTrajectory(rows, site, gap, cfg.GapFillMembers, models.SourceGapFill)
		}
		rows = appendTrajectory(rows, site, ens, cfg.GapFillMembers, models.SourceForecast)
	}

	SortEnsemble(rows)
	return rows
}

func appendTrajectory(rows []models.EnsembleRow, site string, t Trajectory, members int, source models.TrajectorySource) []models.EnsembleRow {
	for member, values := range t.Normalize(members) {
		for _, v := range values {
			rows = append(rows, models.EnsembleRow{
				SiteID:         site,
				Date:           v.Date,
				Member:         member,
				AirTemperature: v.Value,
				Source:         source,
			})
		}
	}
	return rows
}

// SortEnsemble orders rows by site, date and member.
func SortEnsemble(rows []models.EnsembleRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.SiteID != b.SiteID {
			return a.SiteID < b.SiteID
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Member < b.Member
	})
}

// SplitBySite groups sorted ensemble rows per site, preserving order.
func SplitBySite(rows []models.EnsembleRow) map[string]Ensemble {
	out := make(map[string]Ensemble)
	for _, r := range rows {
		ens, ok := out[r.SiteID]
		if !ok {
			ens = make(Ensemble)
			out[r.SiteID] = ens
		}
		ens[r.Member] = append(ens[r.Member], DatedValue{Date: r.Date, Value: r.AirTemperature})
	}
	return out
}
