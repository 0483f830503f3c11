package ingest

import (
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const targetsCSV = `datetime,site_id,variable,observation
2024-05-17,BARC,temperature,27.1
2024-05-17,BARC,oxygen,7.9
2024-05-18,BARC,temperature,NA
2024-05-18T00:00:00Z,CRAM,temperature,14.25
`

func TestParseTargets(t *testing.T) {
	for name, body := range map[string][]byte{
		"plain": []byte(targetsCSV),
		"gzip":  gzipBytes(t, targetsCSV),
	} {
		t.Run(name, func(t *testing.T) {
			obs, err := ParseTargets(body)
			require.NoError(t, err)
			require.Len(t, obs, 4)

			assert.Equal(t, "BARC", obs[0].SiteID)
			assert.Equal(t, time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC), obs[0].Datetime)
			assert.True(t, obs[0].Value.Valid)
			assert.InDelta(t, 27.1, obs[0].Value.Float64, 1e-9)

			assert.Equal(t, "oxygen", obs[1].Variable)
			assert.False(t, obs[2].Value.Valid, "NA must parse as missing")
			assert.Equal(t, "CRAM", obs[3].SiteID)
		})
	}
}

func TestParseTargets_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing column", "datetime,site_id,variable\n2024-05-17,BARC,temperature\n"},
		{"bad datetime", "datetime,site_id,variable,observation\nyesterday,BARC,temperature,1\n"},
		{"bad number", "datetime,site_id,variable,observation\n2024-05-17,BARC,temperature,warm\n"},
		{"header only", "datetime,site_id,variable,observation\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTargets([]byte(tt.body))
			assert.Error(t, err)
		})
	}

	_, err := ParseTargets([]byte("datetime,site_id,variable,observation\n"))
	assert.ErrorIs(t, err, ErrEmptyFeed)
}

func TestParseSites(t *testing.T) {
	body := "\ufefffield_site_id,field_site_name,field_latitude,field_longitude,aquatics,terrestrial\n" +
		"SUGG,Suggs Lake,29.68,-82.01,1,0\n" +
		"HARV,Harvard Forest,42.53,-72.17,0,1\n" +
		"BARC,Barco Lake,29.67,-82.00,1,0\n"

	sites, err := ParseSites([]byte(body))
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "BARC", sites[0].SiteID)
	assert.Equal(t, "Barco Lake", sites[0].Name)
	assert.Equal(t, "SUGG", sites[1].SiteID)
}

func TestParseSites_NoAquatic(t *testing.T) {
	_, err := ParseSites([]byte("field_site_id,aquatics\nHARV,0\n"))
	assert.ErrorIs(t, err, ErrEmptyFeed)
}

func TestParseDatetime(t *testing.T) {
	want := time.Date(2024, 5, 17, 6, 0, 0, 0, time.UTC)
	for _, s := range []string{"2024-05-17T06:00:00Z", "2024-05-17 06:00:00", "2024-05-17T06:00:00", "2024-05-17T16:00:00+10:00"} {
		got, err := ParseDatetime(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), "%s parsed as %v", s, got)
	}
}
