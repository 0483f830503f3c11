package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/lox/aquacast/internal/store"
)

type RunsCmd struct {
	ID      int64  `arg:"" optional:"" help:"Show one forecast run with its per-site fits."`
	Limit   int    `default:"10" help:"Number of rows to list."`
	Fetches bool   `help:"List recent feed fetches instead of forecast runs."`
	DBPath  string `name:"db" env:"AQUACAST_DB" default:"data/aquacast.db" type:"path" help:"SQLite cache and run log."`
}

func (c *RunsCmd) Run() error {
	st, err := store.Open(c.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return c.report(os.Stdout, st)
}

func (c *RunsCmd) report(out io.Writer, st *store.Store) error {
	version, err := st.MigrationVersion()
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	fmt.Fprintf(out, "%s (schema v%d)\n\n", c.DBPath, version)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	switch {
	case c.ID != 0:
		err = reportRun(w, st, c.ID)
	case c.Fetches:
		err = reportFetches(w, st, c.Limit)
	default:
		err = reportRuns(w, st, c.Limit)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

func reportRuns(w io.Writer, st *store.Store, limit int) error {
	runs, err := st.ForecastRuns(limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	fmt.Fprintln(w, "ID\tDATE\tSEED\tSTATUS\tFITTED\tSKIPPED\tROWS\tOUTPUT")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.ProcessingDate.Format("2006-01-02"), r.Seed, status(r.Success, r.FinishedAt),
			nullInt(r.SitesFitted), nullInt(r.SitesSkipped), nullInt(r.RowsWritten), nullString(r.OutputPath))
	}
	return nil
}

func reportRun(w io.Writer, st *store.Store, id int64) error {
	r, err := st.GetForecastRun(id)
	if err != nil {
		return fmt.Errorf("get run %d: %w", id, err)
	}
	if r == nil {
		return fmt.Errorf("no forecast run %d", id)
	}

	fmt.Fprintf(w, "run\t%d\n", r.ID)
	fmt.Fprintf(w, "processing date\t%s\n", r.ProcessingDate.Format("2006-01-02"))
	fmt.Fprintf(w, "reference date\t%s\n", nullString(r.ReferenceDate))
	fmt.Fprintf(w, "model\t%s\n", r.ModelID)
	fmt.Fprintf(w, "seed\t%d\n", r.Seed)
	fmt.Fprintf(w, "status\t%s\n", status(r.Success, r.FinishedAt))
	if r.ErrorMessage.Valid {
		fmt.Fprintf(w, "error\t%s\n", r.ErrorMessage.String)
	}
	fmt.Fprintf(w, "output\t%s\n", nullString(r.OutputPath))
	fmt.Fprintf(w, "submitted\t%t\n\n", r.Submitted)

	fits, err := st.SiteFits(r.ID)
	if err != nil {
		return fmt.Errorf("site fits: %w", err)
	}
	fmt.Fprintln(w, "SITE\tN\tINTERCEPT\tAIR\tAIR_LAG\tSIGMA\tR2\tSKIPPED")
	for _, f := range fits {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", f.SiteID, nullInt(f.FitRows),
			nullFloat(f.Intercept), nullFloat(f.Air), nullFloat(f.AirLag),
			nullFloat(f.Sigma), nullFloat(f.RSquared), nullString(f.SkipReason))
	}
	return nil
}

func reportFetches(w io.Writer, st *store.Store, limit int) error {
	runs, err := st.FetchRuns(limit)
	if err != nil {
		return fmt.Errorf("list fetches: %w", err)
	}
	fmt.Fprintln(w, "ID\tSTARTED\tSOURCE\tSTATUS\tCACHED\tRECORDS\tBYTES\tENDPOINT")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.UTC().Format("2006-01-02 15:04:05"), r.Source, status(r.Success, r.FinishedAt),
			r.CacheHit, nullInt(r.RecordsParsed), nullInt(r.ResponseSizeBytes), r.Endpoint)
	}
	return nil
}

func status(success bool, finished sql.NullTime) string {
	switch {
	case success:
		return "ok"
	case !finished.Valid:
		return "running"
	}
	return "failed"
}

func nullInt(v sql.NullInt64) string {
	if !v.Valid {
		return "-"
	}
	return strconv.FormatInt(v.Int64, 10)
}

func nullFloat(v sql.NullFloat64) string {
	if !v.Valid {
		return "-"
	}
	return strconv.FormatFloat(v.Float64, 'f', 3, 64)
}

func nullString(v sql.NullString) string {
	if !v.Valid || v.String == "" {
		return "-"
	}
	return v.String
}
