package models

import (
	"database/sql"
	"time"
)

const (
	VariableTemperature    = "temperature"
	VariableAirTemperature = "air_temperature"
)

// Site is an aquatic monitoring site from the metadata feed.
type Site struct {
	SiteID string
	Name   string
}

// Observation is one row of the targets feed.
type Observation struct {
	SiteID   string
	Datetime time.Time
	Variable string
	Value    sql.NullFloat64
}

// DriverRecord is a raw sub-daily weather value in Kelvin. Member is only
// valid for forecast ensemble records.
type DriverRecord struct {
	SiteID     string
	Datetime   time.Time
	Variable   string
	Prediction sql.NullFloat64
	Member     sql.NullInt64
}

// DailyDriver is the daily mean air temperature in Celsius.
type DailyDriver struct {
	SiteID         string
	Date           time.Time
	AirTemperature float64
	Member         sql.NullInt64
}

type TrajectorySource string

const (
	SourceGapFill  TrajectorySource = "gapfill"
	SourceForecast TrajectorySource = "forecast"
)

// EnsembleRow is one member's driver value for one site and date in the
// assembled weather ensemble.
type EnsembleRow struct {
	SiteID         string
	Date           time.Time
	Member         int
	AirTemperature float64
	Source         TrajectorySource
}

// SeriesPoint is one day of a site's target-joined series. Either value may
// be missing.
type SeriesPoint struct {
	Date           time.Time
	Temperature    sql.NullFloat64
	AirTemperature sql.NullFloat64
}

type ForecastRow struct {
	SiteID     string
	Datetime   time.Time
	Member     int
	Replicate  int
	Parameter  int
	Variable   string
	Prediction float64
}
