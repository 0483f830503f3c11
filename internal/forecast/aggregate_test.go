package forecast

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/aquacast/internal/models"
)

func TestAggregateHistorical(t *testing.T) {
	d1 := day(t, "2024-05-01")
	d2 := day(t, "2024-05-02")

	raw := func(site string, hour int, date string, k sql.NullFloat64) models.DriverRecord {
		ts := day(t, date).Add(timeHours(hour))
		return models.DriverRecord{SiteID: site, Datetime: ts, Variable: models.VariableAirTemperature, Prediction: k}
	}

	records := []models.DriverRecord{
		raw("BARC", 0, "2024-05-01", valid(283.15)),
		raw("BARC", 6, "2024-05-01", valid(285.15)),
		raw("BARC", 12, "2024-05-01", sql.NullFloat64{}),
		raw("BARC", 0, "2024-05-02", sql.NullFloat64{}),
		raw("BARC", 6, "2024-05-02", sql.NullFloat64{}),
		raw("CRAM", 0, "2024-05-01", valid(273.15)),
		raw("OTHER", 0, "2024-05-01", valid(300)),
		{SiteID: "BARC", Datetime: d1, Variable: "precipitation_flux", Prediction: valid(1)},
		raw("BARC", 0, "2016-12-31", valid(290)),
	}

	got := AggregateHistorical(records, DriverFilter{
		Variable: models.VariableAirTemperature,
		Sites:    map[string]bool{"BARC": true, "CRAM": true},
		Since:    day(t, "2017-01-01"),
	})

	require.Len(t, got, 2)
	assert.Equal(t, "BARC", got[0].SiteID)
	assert.True(t, got[0].Date.Equal(d1))
	assert.InDelta(t, 11.0, got[0].AirTemperature, 1e-9)
	assert.False(t, got[0].Member.Valid)

	assert.Equal(t, "CRAM", got[1].SiteID)
	assert.InDelta(t, 0.0, got[1].AirTemperature, 1e-9)

	for _, d := range got {
		assert.False(t, d.Date.Equal(d2), "all-missing day must be dropped, not zero")
	}
}

func TestAggregateEnsemble_GroupsByMember(t *testing.T) {
	d := day(t, "2024-05-03")
	records := []models.DriverRecord{
		{SiteID: "BARC", Datetime: d, Variable: models.VariableAirTemperature, Prediction: valid(290), Member: member(0)},
		{SiteID: "BARC", Datetime: d.Add(timeHours(3)), Variable: models.VariableAirTemperature, Prediction: valid(292), Member: member(0)},
		{SiteID: "BARC", Datetime: d, Variable: models.VariableAirTemperature, Prediction: valid(280), Member: member(1)},
		{SiteID: "BARC", Datetime: d, Variable: models.VariableAirTemperature, Prediction: valid(999)},
	}

	got := AggregateEnsemble(records, DriverFilter{Variable: models.VariableAirTemperature})

	require.Len(t, got, 2)
	assert.Equal(t, int64(0), got[0].Member.Int64)
	assert.InDelta(t, 291-kelvinOffset, got[0].AirTemperature, 1e-9)
	assert.Equal(t, int64(1), got[1].Member.Int64)
	assert.InDelta(t, 280-kelvinOffset, got[1].AirTemperature, 1e-9)
}

func TestAggregate_UTCCalendarDay(t *testing.T) {
	late := day(t, "2024-05-01").Add(timeHours(23))
	records := []models.DriverRecord{
		{SiteID: "BARC", Datetime: late, Variable: models.VariableAirTemperature, Prediction: valid(280)},
		{SiteID: "BARC", Datetime: late.Add(timeHours(2)), Variable: models.VariableAirTemperature, Prediction: valid(290)},
	}
	got := AggregateHistorical(records, DriverFilter{})
	require.Len(t, got, 2)
	assert.True(t, got[0].Date.Equal(day(t, "2024-05-01")))
	assert.True(t, got[1].Date.Equal(day(t, "2024-05-02")))
}
