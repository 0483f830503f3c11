package forecast

import (
	"database/sql"
	"testing"
	"time"

	"github.com/lox/aquacast/internal/models"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func valid(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func member(m int64) sql.NullInt64 {
	return sql.NullInt64{Int64: m, Valid: true}
}

func obs(site string, date time.Time, v sql.NullFloat64) models.Observation {
	return models.Observation{SiteID: site, Datetime: date, Variable: models.VariableTemperature, Value: v}
}

func histDriver(site string, date time.Time, celsius float64) models.DailyDriver {
	return models.DailyDriver{SiteID: site, Date: date, AirTemperature: celsius}
}

func ensDriver(site string, date time.Time, native int64, celsius float64) models.DailyDriver {
	return models.DailyDriver{SiteID: site, Date: date, AirTemperature: celsius, Member: member(native)}
}

func timeHours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
