package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/lox/aquacast/internal/httputil"
	"github.com/lox/aquacast/internal/logging"
	"github.com/lox/aquacast/internal/metrics"
	"github.com/lox/aquacast/internal/models"
	"github.com/lox/aquacast/internal/store"
)

const (
	SourceWeatherHistorical = "weather_stage3"
	SourceWeatherForecast   = "weather_stage2"

	// ReferenceDatePlaceholder is substituted into WeatherConfig.ForecastPath.
	ReferenceDatePlaceholder = "{reference_date}"
)

// WeatherConfig locates the GEFS parquet datasets.
type WeatherConfig struct {
	// S3 endpoint host for s3:// paths, e.g. "sdsc.osn.xsede.org".
	Endpoint string
	Region   string
	UseSSL   bool

	// HistoricalPath is a read_parquet glob for the stage 3 dataset.
	HistoricalPath string
	// ForecastPath is a read_parquet glob for one stage 2 issue, with
	// {reference_date} standing in for the issue date.
	ForecastPath string

	// Offline refuses remote paths with ErrNotCached. Local paths are
	// still queried.
	Offline bool
}

// WeatherClient queries the driver datasets through an embedded DuckDB.
type WeatherClient struct {
	// Runs, when set, receives one fetch_runs row per query.
	Runs    FetchAuditor
	Metrics *metrics.Metrics

	InitialInterval time.Duration
	MaxElapsedTime  time.Duration

	db     *sql.DB
	cfg    WeatherConfig
	remote bool
	log    zerolog.Logger
	exec   func(ctx context.Context, stmt string, args []any) ([]models.DriverRecord, error)
}

func NewWeatherClient(ctx context.Context, cfg WeatherConfig) (*WeatherClient, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// Settings are per connection.
	db.SetMaxOpenConns(1)

	c := &WeatherClient{
		db:     db,
		cfg:    cfg,
		remote: isRemote(cfg.HistoricalPath) || isRemote(cfg.ForecastPath),
		log:    logging.With("weather"),
	}
	c.exec = c.scan
	if c.remote && !cfg.Offline {
		if err := c.configureS3(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return c, nil
}

func isRemote(path string) bool {
	for _, prefix := range []string{"s3://", "http://", "https://"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *WeatherClient) configureS3(ctx context.Context) error {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(c.cfg.Endpoint, "https://"), "http://")
	region := c.cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	stmts := []string{
		"INSTALL httpfs",
		"LOAD httpfs",
		"SET s3_url_style = 'path'",
		fmt.Sprintf("SET s3_region = %s", quote(region)),
		fmt.Sprintf("SET s3_use_ssl = %t", c.cfg.UseSSL),
	}
	if endpoint != "" {
		stmts = append(stmts, fmt.Sprintf("SET s3_endpoint = %s", quote(endpoint)))
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("duckdb %q: %w", stmt, err)
		}
	}
	c.log.Debug().Str("endpoint", endpoint).Msg("configured httpfs")
	return nil
}

func (c *WeatherClient) Close() error {
	return c.db.Close()
}

// quote renders s as a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// WeatherQuery selects driver rows.
type WeatherQuery struct {
	Variable string
	Sites    []string
	Since    time.Time
}

// Historical returns stage 3 rows for the query. Rows carry no member.
func (c *WeatherClient) Historical(ctx context.Context, q WeatherQuery) ([]models.DriverRecord, error) {
	return c.fetch(ctx, SourceWeatherHistorical, c.cfg.HistoricalPath, q, false)
}

// Forecast returns the stage 2 ensemble issued on referenceDate, limited
// to datetimes at or after q.Since.
func (c *WeatherClient) Forecast(ctx context.Context, referenceDate time.Time, q WeatherQuery) ([]models.DriverRecord, error) {
	path := strings.ReplaceAll(c.cfg.ForecastPath, ReferenceDatePlaceholder, referenceDate.UTC().Format("2006-01-02"))
	return c.fetch(ctx, SourceWeatherForecast, path, q, true)
}

// fetch runs one query with metrics and an audit row.
func (c *WeatherClient) fetch(ctx context.Context, source, path string, q WeatherQuery, withMember bool) ([]models.DriverRecord, error) {
	if c.cfg.Offline && isRemote(path) {
		return nil, fmt.Errorf("%s %s: %w", source, path, ErrNotCached)
	}

	start := time.Now()
	recs, err := c.query(ctx, path, q, withMember)
	if c.Metrics != nil {
		c.Metrics.FetchLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.Metrics.FetchRequests.WithLabelValues(source, status).Inc()
	}
	if c.Runs != nil {
		recordFetch(c.Runs, c.log, source, path, func(run *store.FetchRun) {
			finishRun(run, len(recs), err)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return recs, nil
}

// retryableQueryError reports whether a DuckDB failure came from the
// remote filesystem rather than from the statement itself.
func retryableQueryError(err error) bool {
	var derr *duckdb.Error
	if !errors.As(err, &derr) {
		return false
	}
	switch derr.Type {
	case duckdb.ErrorTypeHTTP, duckdb.ErrorTypeIO, duckdb.ErrorTypeConnection, duckdb.ErrorTypeNetwork:
		return true
	}
	return false
}

func (c *WeatherClient) query(ctx context.Context, path string, q WeatherQuery, withMember bool) ([]models.DriverRecord, error) {
	if len(q.Sites) == 0 {
		return nil, fmt.Errorf("no sites requested: %w", ErrEmptyFeed)
	}

	member := "NULL::BIGINT"
	if withMember {
		member = "CAST(parameter AS BIGINT)"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Sites)), ", ")
	stmt := fmt.Sprintf(`
		SELECT site_id, CAST(datetime AS TIMESTAMP), variable, CAST(prediction AS DOUBLE), %s
		FROM read_parquet(%s, hive_partitioning = true, union_by_name = true)
		WHERE variable = ?
		  AND site_id IN (%s)
		  AND CAST(datetime AS TIMESTAMP) >= ?
		ORDER BY site_id, datetime`, member, quote(path), placeholders)

	args := make([]any, 0, len(q.Sites)+2)
	args = append(args, q.Variable)
	for _, s := range q.Sites {
		args = append(args, s)
	}
	args = append(args, q.Since.UTC())

	var out []models.DriverRecord
	attempts := 0
	operation := func() error {
		attempts++
		recs, err := c.exec(ctx, stmt, args)
		if err == nil {
			out = recs
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !retryableQueryError(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempts).Msg("weather query failed, retrying")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		bo.InitialInterval = c.InitialInterval
	}
	bo.MaxElapsedTime = c.MaxElapsedTime
	if bo.MaxElapsedTime == 0 {
		bo.MaxElapsedTime = httputil.DefaultMaxElapsed
	}

	start := time.Now()
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, fmt.Errorf("query %s: %w", path, err)
	}

	c.log.Info().
		Str("path", path).
		Int("rows", len(out)).
		Int("attempts", attempts).
		Dur("elapsed", time.Since(start)).
		Msg("queried weather")

	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFeed)
	}
	return out, nil
}

func (c *WeatherClient) scan(ctx context.Context, stmt string, args []any) ([]models.DriverRecord, error) {
	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DriverRecord
	for rows.Next() {
		var r models.DriverRecord
		if err := rows.Scan(&r.SiteID, &r.Datetime, &r.Variable, &r.Prediction, &r.Member); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.Datetime = r.Datetime.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
