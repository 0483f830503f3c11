package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/lox/aquacast/internal/forecast"
	"github.com/lox/aquacast/internal/ingest"
	"github.com/lox/aquacast/internal/submit"
)

const (
	SubmitNone = "none"

	DefaultStartDate = "2017-01-01"
)

// Pipeline holds the settings for one forecast run. Fields carry kong tags
// so commands can embed it directly.
type Pipeline struct {
	Theme   string `default:"aquatics" env:"AQUACAST_THEME" help:"Challenge theme, used in the artifact name."`
	ModelID string `name:"model-id" default:"lag_lm" env:"AQUACAST_MODEL_ID" help:"Model identifier written to every row."`
	Date    string `default:"" env:"AQUACAST_DATE" help:"Processing date (YYYY-MM-DD). Defaults to today in UTC."`

	TargetsURL string `name:"targets-url" env:"AQUACAST_TARGETS_URL" default:"https://data.ecoforecast.org/neon4cast-targets/aquatics/aquatics-targets.csv.gz" help:"Targets CSV feed."`
	SitesURL   string `name:"sites-url" env:"AQUACAST_SITES_URL" default:"https://raw.githubusercontent.com/eco4cast/neon4cast-targets/main/NEON_Field_Site_Metadata_20220412.csv" help:"Site metadata CSV feed."`

	WeatherEndpoint   string `name:"weather-endpoint" env:"AQUACAST_WEATHER_ENDPOINT" default:"sdsc.osn.xsede.org" help:"S3 endpoint hosting the GEFS driver datasets."`
	WeatherHistorical string `name:"weather-historical" env:"AQUACAST_WEATHER_HISTORICAL" default:"s3://bio230014-bucket01/neon4cast-drivers/noaa/gefs-v12/stage3/parquet/*/*.parquet" help:"read_parquet glob for the stage 3 historical dataset."`
	WeatherForecast   string `name:"weather-forecast" env:"AQUACAST_WEATHER_FORECAST" default:"s3://bio230014-bucket01/neon4cast-drivers/noaa/gefs-v12/stage2/parquet/0/{reference_date}/*.parquet" help:"read_parquet glob for one stage 2 issue; {reference_date} is substituted."`

	StartDate      string `name:"start-date" env:"AQUACAST_START_DATE" default:"2017-01-01" help:"Earliest historical driver date."`
	GapFillMembers int    `name:"gap-fill-members" env:"AQUACAST_GAP_FILL_MEMBERS" default:"31" help:"Synthetic members broadcast over the gap-fill window."`
	ReservedMember int    `name:"reserved-member" env:"AQUACAST_RESERVED_MEMBER" default:"31" help:"Member excluded from forecasting."`
	Replicates     int    `env:"AQUACAST_REPLICATES" default:"100" help:"Bootstrap replicates per member."`
	Seed           uint64 `env:"AQUACAST_SEED" default:"0" help:"Random seed. 0 derives one from the processing date."`
	Workers        int    `env:"AQUACAST_WORKERS" default:"0" help:"Concurrent site workers. 0 uses GOMAXPROCS."`

	OutputDir   string `name:"output-dir" env:"AQUACAST_OUTPUT_DIR" default:"out" type:"path" help:"Directory for the forecast artifact."`
	ChartDir    string `name:"chart-dir" env:"AQUACAST_CHART_DIR" type:"path" help:"Write one PNG fan chart per site here."`
	DBPath      string `name:"db" env:"AQUACAST_DB" default:"data/aquacast.db" type:"path" help:"SQLite cache and run log."`
	MetricsFile string `name:"metrics-file" env:"AQUACAST_METRICS_FILE" type:"path" help:"Write Prometheus metrics here after the run."`
	Offline     bool   `env:"AQUACAST_OFFLINE" help:"Use cached feed payloads and local weather paths only."`

	CacheRetentionDays int `name:"cache-retention-days" env:"AQUACAST_CACHE_RETENTION_DAYS" default:"14" help:"Drop cached feed payloads older than this many days. 0 keeps them forever."`

	Submit Submission `embed:"" prefix:"submit-" envprefix:"AQUACAST_SUBMIT_"`
}

// Submission selects and configures the upload target.
type Submission struct {
	Method string `default:"none" enum:"none,s3,ftp" env:"METHOD" help:"Upload after writing: none, s3 or ftp."`

	S3Endpoint  string `name:"s3-endpoint" env:"S3_ENDPOINT" default:"submit.ecoforecast.org" help:"Submission S3 endpoint."`
	S3Bucket    string `name:"s3-bucket" env:"S3_BUCKET" default:"submissions" help:"Submission bucket."`
	S3Prefix    string `name:"s3-prefix" env:"S3_PREFIX" help:"Key prefix inside the bucket."`
	S3AccessKey string `name:"s3-access-key" env:"S3_ACCESS_KEY" help:"S3 access key."`
	S3SecretKey string `name:"s3-secret-key" env:"S3_SECRET_KEY" help:"S3 secret key."`
	S3UseSSL    bool   `name:"s3-ssl" env:"S3_SSL" default:"true" negatable:"" help:"Use TLS for S3."`

	FTPAddr     string `name:"ftp-addr" env:"FTP_ADDR" help:"FTP drop host:port."`
	FTPUser     string `name:"ftp-user" env:"FTP_USER" help:"FTP user."`
	FTPPassword string `name:"ftp-password" env:"FTP_PASSWORD" help:"FTP password."`
	FTPDir      string `name:"ftp-dir" env:"FTP_DIR" help:"Remote directory."`
}

// Validate rejects settings the pipeline cannot run with.
func (p *Pipeline) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Theme) == "" {
		errs = append(errs, errors.New("theme is required"))
	}
	if strings.TrimSpace(p.ModelID) == "" {
		errs = append(errs, errors.New("model-id is required"))
	}
	if p.TargetsURL == "" || p.SitesURL == "" {
		errs = append(errs, errors.New("targets-url and sites-url are required"))
	}
	if p.WeatherHistorical == "" || p.WeatherForecast == "" {
		errs = append(errs, errors.New("weather-historical and weather-forecast are required"))
	}
	if !strings.Contains(p.WeatherForecast, ingest.ReferenceDatePlaceholder) {
		errs = append(errs, fmt.Errorf("weather-forecast must contain %s", ingest.ReferenceDatePlaceholder))
	}
	if _, err := time.Parse(forecast.DateLayout, p.StartDate); err != nil {
		errs = append(errs, fmt.Errorf("start-date %q: want YYYY-MM-DD", p.StartDate))
	}
	if p.Date != "" {
		if _, err := time.Parse(forecast.DateLayout, p.Date); err != nil {
			errs = append(errs, fmt.Errorf("date %q: want YYYY-MM-DD", p.Date))
		}
	}
	if p.GapFillMembers < 1 {
		errs = append(errs, fmt.Errorf("gap-fill-members must be positive, got %d", p.GapFillMembers))
	}
	if p.ReservedMember < 0 {
		errs = append(errs, fmt.Errorf("reserved-member must not be negative, got %d", p.ReservedMember))
	}
	// Replicates beyond the stride would collide with the next member's
	// parameter range.
	if p.Replicates < 1 || p.Replicates > forecast.ParameterStride {
		errs = append(errs, fmt.Errorf("replicates must be in 1..%d, got %d", forecast.ParameterStride, p.Replicates))
	}
	if p.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", p.Workers))
	}
	if p.CacheRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("cache-retention-days must not be negative, got %d", p.CacheRetentionDays))
	}
	if p.OutputDir == "" {
		errs = append(errs, errors.New("output-dir is required"))
	}
	if err := p.Submit.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Submission) Validate() error {
	switch s.Method {
	case "", SubmitNone:
	case submit.MethodS3:
		if s.S3Endpoint == "" || s.S3Bucket == "" {
			return errors.New("s3 submission needs submit-s3-endpoint and submit-s3-bucket")
		}
	case submit.MethodFTP:
		if s.FTPAddr == "" {
			return errors.New("ftp submission needs submit-ftp-addr")
		}
	default:
		return fmt.Errorf("unknown submission method %q", s.Method)
	}
	return nil
}

// StartFloor is the earliest historical driver date.
func (p *Pipeline) StartFloor() time.Time {
	t, err := time.Parse(forecast.DateLayout, p.StartDate)
	if err != nil {
		t, _ = time.Parse(forecast.DateLayout, DefaultStartDate)
	}
	return t
}

// ProcessingDate returns the configured date, or the UTC calendar date of now.
func (p *Pipeline) ProcessingDate(now time.Time) (time.Time, error) {
	if p.Date == "" {
		return forecast.DateOf(now), nil
	}
	t, err := time.Parse(forecast.DateLayout, p.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date: %w", err)
	}
	return t, nil
}

// EffectiveSeed returns the configured seed, or one derived from the
// processing date so reruns for the same day reproduce.
func (p *Pipeline) EffectiveSeed(processingDate time.Time) uint64 {
	if p.Seed != 0 {
		return p.Seed
	}
	h := fnv.New64a()
	h.Write([]byte(p.ModelID))
	h.Write([]byte(processingDate.Format(forecast.DateLayout)))
	return h.Sum64()
}

func (p *Pipeline) RunConfig(seed uint64) forecast.RunConfig {
	return forecast.RunConfig{
		GapFillMembers: p.GapFillMembers,
		Generator: forecast.GeneratorConfig{
			Replicates:     p.Replicates,
			ReservedMember: p.ReservedMember,
			Seed:           seed,
		},
		Workers: p.Workers,
	}
}

func (p *Pipeline) WeatherConfig() ingest.WeatherConfig {
	return ingest.WeatherConfig{
		Endpoint:       p.WeatherEndpoint,
		UseSSL:         true,
		HistoricalPath: p.WeatherHistorical,
		ForecastPath:   p.WeatherForecast,
		Offline:        p.Offline,
	}
}

// Uploader builds the configured uploader, or nil when submission is off.
func (s *Submission) Uploader() (submit.Uploader, error) {
	switch s.Method {
	case submit.MethodS3:
		return submit.NewS3Uploader(submit.S3Config{
			Endpoint:  s.S3Endpoint,
			Bucket:    s.S3Bucket,
			Prefix:    s.S3Prefix,
			AccessKey: s.S3AccessKey,
			SecretKey: s.S3SecretKey,
			UseSSL:    s.S3UseSSL,
		})
	case submit.MethodFTP:
		return submit.NewFTPUploader(submit.FTPConfig{
			Addr:     s.FTPAddr,
			User:     s.FTPUser,
			Password: s.FTPPassword,
			Dir:      s.FTPDir,
		}), nil
	}
	return nil, nil
}
