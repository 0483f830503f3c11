package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// FetchRun audits a single feed download.
type FetchRun struct {
	ID                int64
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string // "targets", "sites", "weather_stage3", "weather_stage2"
	Endpoint          string
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	CacheHit          bool
	Success           bool
	ErrorMessage      sql.NullString
}

func (s *Store) StartFetchRun(source, endpoint string) (*FetchRun, error) {
	run := &FetchRun{
		StartedAt: time.Now().UTC(),
		Source:    source,
		Endpoint:  endpoint,
	}

	result, err := s.db.Exec(`
		INSERT INTO fetch_runs (started_at, source, endpoint, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, run.Source, run.Endpoint)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) CompleteFetchRun(run *FetchRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE fetch_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			cache_hit = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.CacheHit, run.Success, run.ErrorMessage, run.ID)
	return err
}

// FetchRuns returns the most recent fetch runs, newest first.
func (s *Store) FetchRuns(limit int) ([]FetchRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, endpoint, http_status,
		       response_size_bytes, records_parsed, cache_hit, success, error_message
		FROM fetch_runs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []FetchRun
	for rows.Next() {
		var r FetchRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Endpoint,
			&r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsParsed, &r.CacheHit,
			&r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ForecastRun is one invocation of the forecast pipeline.
type ForecastRun struct {
	ID             int64
	StartedAt      time.Time
	FinishedAt     sql.NullTime
	ProcessingDate time.Time
	Seed           uint64
	ModelID        string
	ReferenceDate  sql.NullString
	SitesTotal     sql.NullInt64
	SitesFitted    sql.NullInt64
	SitesSkipped   sql.NullInt64
	RowsWritten    sql.NullInt64
	OutputPath     sql.NullString
	Submitted      bool
	Success        bool
	ErrorMessage   sql.NullString
}

func (s *Store) StartForecastRun(processingDate time.Time, seed uint64, modelID string) (*ForecastRun, error) {
	run := &ForecastRun{
		StartedAt:      time.Now().UTC(),
		ProcessingDate: processingDate.UTC(),
		Seed:           seed,
		ModelID:        modelID,
	}

	// SQLite integers are signed; the seed round-trips through int64.
	result, err := s.db.Exec(`
		INSERT INTO forecast_runs (started_at, processing_date, seed, model_id, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.ProcessingDate.Format(dateLayout), int64(seed), modelID)
	if err != nil {
		return nil, fmt.Errorf("insert forecast run: %w", err)
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) CompleteForecastRun(run *ForecastRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE forecast_runs SET
			finished_at = ?,
			reference_date = ?,
			sites_total = ?,
			sites_fitted = ?,
			sites_skipped = ?,
			rows_written = ?,
			output_path = ?,
			submitted = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.ReferenceDate, run.SitesTotal, run.SitesFitted, run.SitesSkipped,
		run.RowsWritten, run.OutputPath, run.Submitted, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetForecastRun returns the run with the given id, or nil if none exists.
func (s *Store) GetForecastRun(id int64) (*ForecastRun, error) {
	return s.scanForecastRun(s.db.QueryRow(forecastRunSelect+` WHERE id = ?`, id))
}

// LatestSuccessfulRun returns the newest successful run for processingDate,
// or nil if there is none.
func (s *Store) LatestSuccessfulRun(processingDate time.Time) (*ForecastRun, error) {
	return s.scanForecastRun(s.db.QueryRow(forecastRunSelect+`
		WHERE processing_date = ? AND success = TRUE
		ORDER BY id DESC LIMIT 1
	`, processingDate.UTC().Format(dateLayout)))
}

// ForecastRuns returns the most recent forecast runs, newest first.
func (s *Store) ForecastRuns(limit int) ([]ForecastRun, error) {
	rows, err := s.db.Query(forecastRunSelect+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ForecastRun
	for rows.Next() {
		r, err := s.scanForecastRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

const forecastRunSelect = `
	SELECT id, started_at, finished_at, processing_date, seed, model_id, reference_date,
	       sites_total, sites_fitted, sites_skipped, rows_written, output_path,
	       submitted, success, error_message
	FROM forecast_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanForecastRun(row rowScanner) (*ForecastRun, error) {
	var r ForecastRun
	var processing string
	var seed int64
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &processing, &seed, &r.ModelID,
		&r.ReferenceDate, &r.SitesTotal, &r.SitesFitted, &r.SitesSkipped, &r.RowsWritten,
		&r.OutputPath, &r.Submitted, &r.Success, &r.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Seed = uint64(seed)
	r.ProcessingDate, err = parseDate(processing)
	if err != nil {
		return nil, fmt.Errorf("parse processing_date %q: %w", processing, err)
	}
	return &r, nil
}

// parseDate accepts both a bare date and the timestamp form the driver
// may hand back for DATE columns.
func parseDate(s string) (time.Time, error) {
	if len(s) >= len(dateLayout) {
		return time.Parse(dateLayout, s[:len(dateLayout)])
	}
	return time.Parse(dateLayout, s)
}

// SiteFit records a site's fitted coefficients, or why it was skipped.
type SiteFit struct {
	RunID      int64
	SiteID     string
	FitRows    sql.NullInt64
	Intercept  sql.NullFloat64
	Air        sql.NullFloat64
	AirLag     sql.NullFloat64
	Sigma      sql.NullFloat64
	RSquared   sql.NullFloat64
	SkipReason sql.NullString
}

// NullFinite maps NaN and infinities to NULL.
func NullFinite(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func (s *Store) InsertSiteFits(fits []SiteFit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO site_fits
		(run_id, site_id, fit_rows, intercept, coef_air, coef_air_lag, sigma, r_squared, skip_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range fits {
		if _, err := stmt.Exec(f.RunID, f.SiteID, f.FitRows, f.Intercept, f.Air, f.AirLag,
			f.Sigma, f.RSquared, f.SkipReason); err != nil {
			return fmt.Errorf("insert fit for %s: %w", f.SiteID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SiteFits(runID int64) ([]SiteFit, error) {
	rows, err := s.db.Query(`
		SELECT run_id, site_id, fit_rows, intercept, coef_air, coef_air_lag, sigma, r_squared, skip_reason
		FROM site_fits WHERE run_id = ? ORDER BY site_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fits []SiteFit
	for rows.Next() {
		var f SiteFit
		if err := rows.Scan(&f.RunID, &f.SiteID, &f.FitRows, &f.Intercept, &f.Air, &f.AirLag,
			&f.Sigma, &f.RSquared, &f.SkipReason); err != nil {
			return nil, err
		}
		fits = append(fits, f)
	}
	return fits, rows.Err()
}

func (s *Store) HasSuccessfulRun(processingDate time.Time) (bool, error) {
	run, err := s.LatestSuccessfulRun(processingDate)
	if err != nil {
		return false, err
	}
	return run != nil, nil
}
