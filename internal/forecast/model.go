package forecast

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/aquacast/internal/models"
)

var (
	ErrNoObservations = errors.New("no target observations")
	ErrDegenerateFit  = errors.New("degenerate model fit")
)

const (
	numCoefficients = 3 // intercept, air temperature, lagged air temperature
	// minFitRows leaves at least one residual degree of freedom.
	minFitRows = numCoefficients + 1
)

// LagModel is temperature(t) ~ b0 + b1*air(t) + b2*air(t-1).
type LagModel struct {
	SiteID    string
	Intercept float64
	Air       float64
	AirLag    float64
	Residuals []float64
	Sigma     float64
	RSquared  float64
	N         int
}

func (m *LagModel) Predict(air, airLag float64) float64 {
	return m.Intercept + m.Air*air + m.AirLag*airLag
}

// FitLagModel fits the lagged regression by ordinary least squares on a
// contiguous daily series. Rows missing the response, the same-day driver or
// the previous day's driver are excluded; the first row never has a lag.
func FitLagModel(siteID string, series []models.SeriesPoint) (*LagModel, error) {
	observed := 0
	for _, p := range series {
		if p.Temperature.Valid {
			observed++
		}
	}
	if observed == 0 {
		return nil, fmt.Errorf("site %s: %w", siteID, ErrNoObservations)
	}

	var design, response []float64
	for i := 1; i < len(series); i++ {
		cur, prev := series[i], series[i-1]
		if !cur.Temperature.Valid || !cur.AirTemperature.Valid || !prev.AirTemperature.Valid {
			continue
		}
		if !prev.Date.Equal(addDays(cur.Date, -1)) {
			continue
		}
		design = append(design, 1, cur.AirTemperature.Float64, prev.AirTemperature.Float64)
		response = append(response, cur.Temperature.Float64)
	}

	n := len(response)
	if n < minFitRows {
		return nil, fmt.Errorf("site %s: %d complete rows, need %d: %w", siteID, n, minFitRows, ErrDegenerateFit)
	}

	x := mat.NewDense(n, numCoefficients, design)
	y := mat.NewVecDense(n, response)
	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return nil, fmt.Errorf("site %s: %v: %w", siteID, err, ErrDegenerateFit)
	}

	var fitted mat.VecDense
	fitted.MulVec(x, &beta)

	residuals := make([]float64, n)
	estimates := make([]float64, n)
	var rss float64
	for i := 0; i < n; i++ {
		estimates[i] = fitted.AtVec(i)
		residuals[i] = response[i] - estimates[i]
		rss += residuals[i] * residuals[i]
	}

	m := &LagModel{
		SiteID:    siteID,
		Intercept: beta.AtVec(0),
		Air:       beta.AtVec(1),
		AirLag:    beta.AtVec(2),
		Residuals: residuals,
		Sigma:     math.Sqrt(rss / float64(n-numCoefficients)),
		RSquared:  stat.RSquaredFrom(estimates, response, nil),
		N:         n,
	}
	for _, c := range []float64{m.Intercept, m.Air, m.AirLag} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("site %s: non-finite coefficient: %w", siteID, ErrDegenerateFit)
		}
	}
	return m, nil
}
