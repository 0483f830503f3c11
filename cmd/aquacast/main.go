package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/lox/aquacast/internal/config"
	"github.com/lox/aquacast/internal/ingest"
	"github.com/lox/aquacast/internal/logging"
	"github.com/lox/aquacast/internal/metrics"
	"github.com/lox/aquacast/internal/pipeline"
	"github.com/lox/aquacast/internal/store"
	"github.com/lox/aquacast/internal/submit"
)

type Globals struct {
	LogLevel  string `name:"log-level" env:"AQUACAST_LOG_LEVEL" default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`
	LogFormat string `name:"log-format" env:"AQUACAST_LOG_FORMAT" default:"console" enum:"json,console" help:"Log format."`
}

type CLI struct {
	Globals

	EnvFile []string `name:"env-file" help:"Load environment from these files before parsing." type:"existingfile"`

	Forecast ForecastCmd `cmd:"" default:"withargs" help:"Fetch inputs, forecast every site and write the artifact."`
	Schedule ScheduleCmd `cmd:"" help:"Run the forecast once a day."`
	Validate ValidateCmd `cmd:"" help:"Check an artifact against the submission schema."`
	Submit   SubmitCmd   `cmd:"" help:"Validate and upload an artifact."`
	Runs     RunsCmd     `cmd:"" help:"Show the forecast run log and feed fetch audit."`
}

type ForecastCmd struct {
	config.Pipeline `embed:""`
}

func (c *ForecastCmd) Run(ctx context.Context) error {
	runner, _, cleanup, err := newRunner(ctx, c.Pipeline, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(res.OutputPath)
	return nil
}

type ScheduleCmd struct {
	config.Pipeline `embed:""`

	Hour int `env:"AQUACAST_SCHEDULE_HOUR" default:"6" help:"UTC hour after which the daily run starts."`
}

func (c *ScheduleCmd) Run(ctx context.Context) error {
	if c.Date != "" {
		return errors.New("schedule runs for the current date; --date is not allowed")
	}
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("hour must be in 0..23, got %d", c.Hour)
	}

	clock := clockwork.NewRealClock()
	runner, st, cleanup, err := newRunner(ctx, c.Pipeline, clock)
	if err != nil {
		return err
	}
	defer cleanup()

	return pipeline.NewScheduler(runner, st, clock, c.Hour).Run(ctx)
}

type ValidateCmd struct {
	File string `arg:"" type:"existingfile" help:"Artifact to check."`
}

func (c *ValidateCmd) Run() error {
	t, err := submit.ValidateFile(c.File)
	if err != nil {
		return err
	}
	ref, _ := submit.ReferenceDate(t)
	fmt.Printf("%s: %d rows, reference_datetime %s\n", c.File, len(t.Rows), ref)
	return nil
}

type SubmitCmd struct {
	File string `arg:"" type:"existingfile" help:"Artifact to upload."`

	config.Submission `embed:"" prefix:"submit-" envprefix:"AQUACAST_SUBMIT_"`
}

func (c *SubmitCmd) Run(ctx context.Context) error {
	if c.Method == "" || c.Method == config.SubmitNone {
		return errors.New("choose a submission method with --submit-method")
	}
	if err := c.Submission.Validate(); err != nil {
		return err
	}
	up, err := c.Uploader()
	if err != nil {
		return err
	}
	return submit.Submit(ctx, up, c.File)
}

// newRunner wires the store, feeds and weather client. cleanup releases
// them.
func newRunner(ctx context.Context, cfg config.Pipeline, clock clockwork.Clock) (*pipeline.Runner, *store.Store, func(), error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}

	weather, err := ingest.NewWeatherClient(ctx, cfg.WeatherConfig())
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	up, err := cfg.Submit.Uploader()
	if err != nil {
		weather.Close()
		st.Close()
		return nil, nil, nil, err
	}

	m := metrics.New()
	feeds := ingest.NewFetcher(st, m, clock)
	feeds.Offline = cfg.Offline
	weather.Runs = st
	weather.Metrics = m

	runner, err := pipeline.NewRunner(cfg, pipeline.Deps{
		Feeds:    feeds,
		Weather:  weather,
		Store:    st,
		Uploader: up,
		Metrics:  m,
		Clock:    clock,
	})
	if err != nil {
		weather.Close()
		st.Close()
		return nil, nil, nil, err
	}
	return runner, st, func() {
		weather.Close()
		st.Close()
	}, nil
}

// loadEnvFiles loads .env (if present) and any --env-file arguments before
// kong resolves env-backed flags.
func loadEnvFiles(args []string) error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	for i, a := range args {
		var file string
		switch {
		case a == "--env-file" && i+1 < len(args):
			file = args[i+1]
		case len(a) > len("--env-file=") && a[:len("--env-file=")] == "--env-file=":
			file = a[len("--env-file="):]
		default:
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func main() {
	if err := loadEnvFiles(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("aquacast"),
		kong.Description("Ensemble water-temperature forecasts for aquatic monitoring sites."),
		kong.UsageOnError(),
	)

	logging.Init(logging.Config{Level: cli.LogLevel, Format: cli.LogFormat})
	log := logging.With("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(&cli.Globals); err != nil {
		log.Error().Err(err).Msg("command failed")
		cancel()
		os.Exit(1)
	}
}
