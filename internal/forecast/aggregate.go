package forecast

import (
	"database/sql"
	"sort"
	"time"

	"github.com/lox/aquacast/internal/models"
)

const kelvinOffset = 273.15

// DriverFilter restricts raw driver records before aggregation. A nil Sites
// set accepts every site; a zero Since accepts every date.
type DriverFilter struct {
	Variable string
	Sites    map[string]bool
	Since    time.Time
}

func (f DriverFilter) accept(r models.DriverRecord) bool {
	if f.Variable != "" && r.Variable != f.Variable {
		return false
	}
	if f.Sites != nil && !f.Sites[r.SiteID] {
		return false
	}
	if !f.Since.IsZero() && DateOf(r.Datetime).Before(DateOf(f.Since)) {
		return false
	}
	return true
}

// AggregateHistorical reduces the single deterministic historical trajectory
// to one Celsius daily mean per site and date.
func AggregateHistorical(records []models.DriverRecord, filter DriverFilter) []models.DailyDriver {
	return aggregate(records, filter, false)
}

// AggregateEnsemble reduces forecast ensemble records to one Celsius daily
// mean per site, date and native ensemble member.
func AggregateEnsemble(records []models.DriverRecord, filter DriverFilter) []models.DailyDriver {
	return aggregate(records, filter, true)
}

type dailyKey struct {
	site   string
	date   time.Time
	member int64
	ens    bool
}

type runningMean struct {
	sum   float64
	count int
}

func aggregate(records []models.DriverRecord, filter DriverFilter, byMember bool) []models.DailyDriver {
	groups := make(map[dailyKey]*runningMean)
	for _, r := range records {
		if !filter.accept(r) {
			continue
		}
		key := dailyKey{site: r.SiteID, date: DateOf(r.Datetime)}
		if byMember {
			if !r.Member.Valid {
				continue
			}
			key.member = r.Member.Int64
			key.ens = true
		}
		g, ok := groups[key]
		if !ok {
			g = &runningMean{}
			groups[key] = g
		}
		// Missing values contribute nothing; an all-missing group keeps count 0.
		if r.Prediction.Valid {
			g.sum += r.Prediction.Float64
			g.count++
		}
	}

	out := make([]models.DailyDriver, 0, len(groups))
	for key, g := range groups {
		if g.count == 0 {
			continue
		}
		d := models.DailyDriver{
			SiteID:         key.site,
			Date:           key.date,
			AirTemperature: g.sum/float64(g.count) - kelvinOffset,
		}
		if key.ens {
			d.Member = sql.NullInt64{Int64: key.member, Valid: true}
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SiteID != b.SiteID {
			return a.SiteID < b.SiteID
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Member.Int64 < b.Member.Int64
	})
	return out
}
