package forecast

import (
	"database/sql"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/lox/aquacast/internal/models"
)

const (
	DefaultReplicates = 100
	// ParameterStride separates the replicate ranges of consecutive members
	// in the combined parameter id.
	ParameterStride = 100
)

type GeneratorConfig struct {
	Replicates     int
	ReservedMember int
	Seed           uint64
}

// Generator propagates each weather member through a fitted model and adds
// bootstrapped residuals.
type Generator struct {
	cfg GeneratorConfig
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Replicates <= 0 {
		cfg.Replicates = DefaultReplicates
	}
	// Wider replicate counts would collide with the next member's parameters.
	if cfg.Replicates > ParameterStride {
		cfg.Replicates = ParameterStride
	}
	return &Generator{cfg: cfg}
}

// Parameter combines a member and replicate into one output id.
func Parameter(member, replicate int) int {
	return replicate + ParameterStride*(member-1)
}

// SiteRand returns the deterministic random stream for one site. Streams
// depend only on the seed and the site id, so results do not depend on the
// order sites are processed in.
func SiteRand(seed uint64, siteID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(siteID))
	return rand.New(rand.NewPCG(seed, h.Sum64()))
}

// Generate drives model over every member of the site's weather ensemble.
// anchor is the historical driver value for the day before the ensemble's
// first date and seeds the lag of that first day. Only dates strictly after
// today are returned.
func (g *Generator) Generate(model *LagModel, ens Ensemble, anchor sql.NullFloat64, today time.Time) []models.ForecastRow {
	if model == nil || len(model.Residuals) == 0 || len(ens) == 0 {
		return nil
	}

	first, last := ensembleSpan(ens)
	cutoff := DateOf(today)
	rng := SiteRand(g.cfg.Seed, model.SiteID)

	var rows []models.ForecastRow
	for _, member := range ens.Members() {
		if member == g.cfg.ReservedMember {
			continue
		}
		values := make(map[time.Time]float64, len(ens[member]))
		for _, v := range ens[member] {
			values[DateOf(v.Date)] = v.Value
		}

		for date := first; !date.After(last); date = addDays(date, 1) {
			air, ok := values[date]
			if !ok {
				continue
			}
			lag, ok := values[addDays(date, -1)]
			if !ok {
				if !date.Equal(first) || !anchor.Valid {
					continue
				}
				lag = anchor.Float64
			}
			// Warm-up days before the cutoff anchor the trajectory but are not emitted.
			if !date.After(cutoff) {
				continue
			}

			point := model.Predict(air, lag)
			for r := 1; r <= g.cfg.Replicates; r++ {
				resid := model.Residuals[rng.IntN(len(model.Residuals))]
				rows = append(rows, models.ForecastRow{
					SiteID:     model.SiteID,
					Datetime:   date,
					Member:     member,
					Replicate:  r,
					Parameter:  Parameter(member, r),
					Variable:   models.VariableTemperature,
					Prediction: point + resid,
				})
			}
		}
	}
	return rows
}

func ensembleSpan(ens Ensemble) (first, last time.Time) {
	for _, values := range ens {
		for _, v := range values {
			d := DateOf(v.Date)
			if first.IsZero() || d.Before(first) {
				first = d
			}
			if d.After(last) {
				last = d
			}
		}
	}
	return first, last
}
