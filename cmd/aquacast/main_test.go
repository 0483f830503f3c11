package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/aquacast/internal/store"
)

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// Register restores, then unset so godotenv is free to populate them.
	t.Setenv("AQUACAST_MODEL_ID", "")
	t.Setenv("AQUACAST_SEED", "")
	os.Unsetenv("AQUACAST_MODEL_ID")
	os.Unsetenv("AQUACAST_SEED")

	require.NoError(t, os.WriteFile(".env", []byte("AQUACAST_MODEL_ID=from_dotenv\n"), 0644))
	extra := filepath.Join(dir, "extra.env")
	require.NoError(t, os.WriteFile(extra, []byte("AQUACAST_SEED=17\n"), 0644))

	require.NoError(t, loadEnvFiles([]string{"forecast", "--env-file", extra}))

	assert.Equal(t, "from_dotenv", os.Getenv("AQUACAST_MODEL_ID"))
	assert.Equal(t, "17", os.Getenv("AQUACAST_SEED"))
}

func TestLoadEnvFiles_Missing(t *testing.T) {
	t.Chdir(t.TempDir())
	err := loadEnvFiles([]string{"--env-file=does-not-exist.env"})
	assert.Error(t, err)
}

func TestCLIParse(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("aquacast"), kong.Exit(func(int) { t.Fatal("kong exited") }))
	require.NoError(t, err)

	kctx, err := parser.Parse([]string{"forecast", "--seed=5", "--workers=2", "--log-format=json"})
	require.NoError(t, err)
	assert.Equal(t, "forecast", kctx.Command())
	assert.Equal(t, uint64(5), cli.Forecast.Seed)
	assert.Equal(t, 2, cli.Forecast.Workers)
	assert.Equal(t, "json", cli.LogFormat)

	file := filepath.Join(t.TempDir(), "f.csv.gz")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	kctx, err = parser.Parse([]string{"submit", file, "--submit-method=ftp", "--submit-ftp-addr=drop:21"})
	require.NoError(t, err)
	assert.Equal(t, "submit <file>", kctx.Command())
	assert.Equal(t, "ftp", cli.Submit.Method)
}

func seededRunLog(t *testing.T) (*store.Store, string, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aquacast.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	run, err := st.StartForecastRun(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), 4242, "lag_lm")
	require.NoError(t, err)
	run.Success = true
	run.RowsWritten = sql.NullInt64{Int64: 18000, Valid: true}
	run.OutputPath = sql.NullString{String: "out/aquatics-2024-05-20-lag_lm.csv.gz", Valid: true}
	require.NoError(t, st.CompleteForecastRun(run))
	require.NoError(t, st.InsertSiteFits([]store.SiteFit{
		{RunID: run.ID, SiteID: "BARC", FitRows: sql.NullInt64{Int64: 55, Valid: true}, RSquared: store.NullFinite(0.91)},
		{RunID: run.ID, SiteID: "NOOBS", SkipReason: sql.NullString{String: "no observations", Valid: true}},
	}))

	fetch, err := st.StartFetchRun("targets", "https://example.org/targets.csv.gz")
	require.NoError(t, err)
	fetch.Success = true
	fetch.RecordsParsed = sql.NullInt64{Int64: 1234, Valid: true}
	require.NoError(t, st.CompleteFetchRun(fetch))
	return st, path, run.ID
}

func TestRunsReport(t *testing.T) {
	st, path, id := seededRunLog(t)

	t.Run("list", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, (&RunsCmd{DBPath: path, Limit: 5}).report(&buf, st))
		assert.Contains(t, buf.String(), "schema v")
		assert.Contains(t, buf.String(), "2024-05-20")
		assert.Contains(t, buf.String(), "4242")
		assert.Contains(t, buf.String(), "18000")
	})

	t.Run("detail", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, (&RunsCmd{DBPath: path, ID: id}).report(&buf, st))
		assert.Contains(t, buf.String(), "BARC")
		assert.Contains(t, buf.String(), "0.910")
		assert.Contains(t, buf.String(), "no observations")
	})

	t.Run("fetches", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, (&RunsCmd{DBPath: path, Limit: 5, Fetches: true}).report(&buf, st))
		assert.Contains(t, buf.String(), "targets")
		assert.Contains(t, buf.String(), "1234")
	})

	t.Run("missing run", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Error(t, (&RunsCmd{DBPath: path, ID: id + 100}).report(&buf, st))
	})
}
