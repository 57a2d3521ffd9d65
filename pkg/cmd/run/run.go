package run

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/app"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/cmd/cmdutil"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/config"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/console"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/instance"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/options"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/paint"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/reload"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/session"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "provisions paints for the participants of the running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return StartRun()
		},
	}
	return cmd
}

// AddFlags registers the flags of the run command
func AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&config.OptionsFile,
		"options",
		"",
		"options file (default is "+options.DefaultFileName+" next to the paint dir)")
	fs.StringVar(&config.SettleDelay,
		"settle-delay",
		session.DefaultSettleDelay.String(),
		"wait after a session change before paints are provisioned")
	fs.StringVar(&config.ReloadDelay,
		"reload-delay",
		reload.DefaultDelay.String(),
		"delay before each reload request")
	fs.BoolVar(&config.RandomPerDriver,
		"random-per-driver",
		false,
		"stage new random paints for every participant (RandomMode)")
	fs.BoolVar(&config.SkipCleanup,
		"skip-cleanup",
		false,
		"don't remove provisioned paints on exit")
	fs.BoolVar(&config.WatchOptions,
		"watch-options",
		false,
		"reload options when the options file changes")
	fs.StringVar(&config.LockFile,
		"lock-file",
		instance.DefaultPath(),
		"lock file preventing a second instance")
	fs.StringVar(&config.LogDir,
		"log-dir",
		"logs",
		"directory for log files (LogToFile option)")
	fs.BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	fs.StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"",
		"Endpoint that receives open telemetry data (empty: print to stderr)")
}

//nolint:funlen // by design
func StartRun() error {
	if err := cmdutil.InitLogger(); err != nil {
		return err
	}
	defer func() {
		//nolint:errcheck // best effort
		log.Sync()
	}()

	lock, err := instance.Acquire(config.LockFile)
	if err != nil {
		log.Error("cannot start", log.ErrorField(err))
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("could not release lock", log.ErrorField(err))
		}
	}()

	loader, opts, closeLogFile := cmdutil.LoadOptions(cmdutil.OptionsPath(), config.LogDir)
	defer closeLogFile()
	cmdutil.SetupGoRoutinesDump()

	var telemetry *config.Telemetry
	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		if telemetry, err = config.SetupTelemetry(context.Background()); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		} else {
			defer telemetry.Shutdown()
			err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
			if err != nil {
				log.Warn("Could not start runtime metrics", log.ErrorField(err))
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := cmdutil.NewSource(ctx)
	if err != nil {
		log.Error("could not create telemetry source", log.ErrorField(err))
		return err
	}

	layout := paint.NewLayout(config.PaintDir)
	provisioner := paint.NewProvisioner(layout)
	a := app.New(source, provisioner,
		app.WithOptions(opts),
		app.WithOptionsLoader(loader, config.WatchOptions),
		app.WithSettleDelay(cmdutil.ParseDuration("settle-delay",
			config.SettleDelay, session.DefaultSettleDelay)),
		app.WithReloadDelay(cmdutil.ParseDuration("reload-delay",
			config.ReloadDelay, reload.DefaultDelay)),
		app.WithStager(paint.NewStager(layout), config.RandomPerDriver),
		app.WithSkipCleanup(config.SkipCleanup),
		app.WithKeys(os.Stdin, os.Stdout),
	)

	restore, err := console.EnableKeyMode(os.Stdin)
	if err != nil {
		log.Warn("single key commands need enter", log.ErrorField(err))
	}
	defer restore()

	log.Info("waiting for simulator",
		log.String("source", config.Source),
		log.String("paintDir", layout.Root),
		log.String("options", loader.Path()))
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stopped with error", log.ErrorField(err))
		return err
	}
	log.Info("eqpaint terminated")
	return nil
}
