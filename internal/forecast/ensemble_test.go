package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/aquacast/internal/models"
)

func TestDeterministicNormalize(t *testing.T) {
	d := Deterministic{{Date: day(t, "2024-05-01"), Value: 15}}
	ens := d.Normalize(3)

	assert.Equal(t, []int{1, 2, 3}, ens.Members())
	for _, m := range ens.Members() {
		require.Len(t, ens[m], 1)
		assert.Equal(t, 15.0, ens[m][0].Value)
	}

	ens[1][0].Value = 99
	assert.Equal(t, 15.0, ens[2][0].Value, "members must not share backing arrays")
}

func TestAssembleEnsemble_BARCExample(t *testing.T) {
	d := day(t, "2024-05-01")
	lastObs := map[string]time.Time{"BARC": addDays(d, -1)}

	historical := []models.DailyDriver{
		histDriver("BARC", addDays(d, -1), 14.0),
		histDriver("BARC", d, 15.0),
	}
	var forecast []models.DailyDriver
	for offset := 1; offset <= 5; offset++ {
		for native := int64(0); native <= 30; native++ {
			v := 12.0
			if native == 2 && offset == 5 {
				v = 16.2
			}
			forecast = append(forecast, ensDriver("BARC", addDays(d, offset), native, v))
		}
	}

	rows := AssembleEnsemble(historical, forecast, lastObs, AssembleConfig{GapFillMembers: 31})

	var atD []models.EnsembleRow
	var atD5 []models.EnsembleRow
	for _, r := range rows {
		switch {
		case r.Date.Equal(d):
			atD = append(atD, r)
		case r.Date.Equal(addDays(d, 5)):
			atD5 = append(atD5, r)
		}
	}

	require.Len(t, atD, 31)
	for i, r := range atD {
		assert.Equal(t, i+1, r.Member)
		assert.Equal(t, 15.0, r.AirTemperature)
		assert.Equal(t, models.SourceGapFill, r.Source)
	}

	var found bool
	for _, r := range atD5 {
		if r.Member == 3 {
			found = true
			assert.Equal(t, 16.2, r.AirTemperature)
			assert.Equal(t, models.SourceForecast, r.Source)
		}
	}
	assert.True(t, found, "forecast member 3 missing at D+5")

	for _, r := range rows {
		assert.False(t, r.Date.Before(d), "rows before the gap-fill window: %v", r.Date)
		assert.LessOrEqual(t, r.Member, 31, "member numbering runs past the gap-fill range")
	}
}

func TestAssembleEnsemble_ZeroLengthWindow(t *testing.T) {
	today := day(t, "2024-05-10")
	lastObs := map[string]time.Time{"BARC": addDays(today, -1)}
	historical := []models.DailyDriver{
		histDriver("BARC", addDays(today, -2), 10),
		histDriver("BARC", addDays(today, -1), 11),
	}
	forecast := []models.DailyDriver{
		ensDriver("BARC", today, 0, 12),
		ensDriver("BARC", addDays(today, 1), 0, 13),
	}

	rows := AssembleEnsemble(historical, forecast, lastObs, AssembleConfig{GapFillMembers: 31})

	require.Len(t, rows, 2)
	assert.True(t, rows[0].Date.Equal(today))
	for _, r := range rows {
		assert.Equal(t, models.SourceForecast, r.Source)
		assert.Equal(t, 1, r.Member)
	}
}

func TestAssembleEnsemble_MembersContinuous(t *testing.T) {
	lastObs := day(t, "2024-04-28")
	firstForecast := day(t, "2024-05-01")
	historical := []models.DailyDriver{
		histDriver("CRAM", day(t, "2024-04-29"), 8),
		histDriver("CRAM", day(t, "2024-04-30"), 9),
	}
	var forecast []models.DailyDriver
	for offset := 0; offset < 3; offset++ {
		for native := int64(0); native < 31; native++ {
			forecast = append(forecast, ensDriver("CRAM", addDays(firstForecast, offset), native, 10))
		}
	}

	rows := AssembleEnsemble(historical, forecast, map[string]time.Time{"CRAM": lastObs}, AssembleConfig{})

	gapMembers := make(map[int]bool)
	forecastDates := make(map[time.Time]map[int]bool)
	for _, r := range rows {
		if r.Source == models.SourceGapFill {
			gapMembers[r.Member] = true
			continue
		}
		if forecastDates[r.Date] == nil {
			forecastDates[r.Date] = make(map[int]bool)
		}
		forecastDates[r.Date][r.Member] = true
	}

	require.Len(t, gapMembers, DefaultGapFillMembers)
	require.Len(t, forecastDates, 3)
	for date, members := range forecastDates {
		for m := range gapMembers {
			assert.True(t, members[m], "member %d missing on %s", m, date.Format(DateLayout))
		}
	}
}

func TestAssembleEnsemble_SortedAndNoObservations(t *testing.T) {
	d := day(t, "2024-05-01")
	forecast := []models.DailyDriver{
		ensDriver("ZZZZ", addDays(d, 1), 1, 3),
		ensDriver("AAAA", addDays(d, 1), 0, 1),
		ensDriver("AAAA", d, 0, 2),
	}
	rows := AssembleEnsemble(nil, forecast, nil, AssembleConfig{})

	require.Len(t, rows, 3)
	assert.Equal(t, "AAAA", rows[0].SiteID)
	assert.True(t, rows[0].Date.Equal(d))
	assert.Equal(t, "AAAA", rows[1].SiteID)
	assert.Equal(t, "ZZZZ", rows[2].SiteID)
	assert.Equal(t, 2, rows[2].Member)
}

func TestGapFillWindow(t *testing.T) {
	start, end := GapFillWindow(day(t, "2024-05-01"), day(t, "2024-05-04"))
	assert.True(t, start.Equal(day(t, "2024-05-02")))
	assert.True(t, end.Equal(day(t, "2024-05-04")))
}
