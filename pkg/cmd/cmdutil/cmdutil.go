// Package cmdutil contains the setup steps shared by the commands.
package cmdutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/config"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/options"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/paint"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry/dirsource"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry/natssource"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/utils"
)

// AddCommonFlags registers the flags used by all commands
func AddCommonFlags(fs *pflag.FlagSet) {
	fs.StringVar(&config.Source,
		"source",
		"nats",
		"where simulator events come from (nats, dir)")
	fs.StringVar(&config.NatsURL,
		"nats-url",
		"nats://localhost:4222",
		"URL of the NATS server used by the simulator sidecar")
	fs.StringVar(&config.NatsSubject,
		"nats-subject",
		natssource.DefaultPrefix,
		"subject prefix of the simulator sidecar")
	fs.StringVar(&config.WatchDir,
		"watch-dir",
		defaultSpoolDir(),
		"spool dir of the simulator sidecar (source dir)")
	fs.StringVar(&config.PaintDir,
		"paint-dir",
		paint.DefaultRoot(),
		"root of the simulator's paint folder")
	fs.StringVar(&config.WaitForServices,
		"wait-for-services",
		"15s",
		"Duration to wait for other services to be ready")
	fs.StringVar(&config.LogLevel,
		"log-level",
		"info",
		"controls the log level (debug, info, warn, error, fatal)")
	fs.StringVar(&config.LogFormat,
		"log-format",
		"text",
		"controls the log output format (json, text)")
	fs.StringVar(&config.LogFilter,
		"log-filter",
		"",
		"zapfilter rules to restrict log output, e.g. '*:session,reload'")
}

func defaultSpoolDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "eqpaint", "spool")
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

// ParseDuration falls back to defaultVal for invalid values
func ParseDuration(name, value string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		log.Warn("Invalid duration value. Using default",
			log.String("flag", name),
			log.String("value", value),
			log.Duration("default", defaultVal))
		return defaultVal
	}
	return d
}

// InitLogger replaces the default logger according to the log flags
func InitLogger() error {
	opts := []log.Option{log.WithCaller(true), log.AddCallerSkip(1)}
	if config.LogFilter != "" {
		filter, err := log.WithFilter(config.LogFilter)
		if err != nil {
			return fmt.Errorf("invalid log filter: %w", err)
		}
		opts = append(opts, filter)
	}
	var logger *log.Logger
	switch config.LogFormat {
	case "json":
		logger = log.New(os.Stderr, parseLogLevel(config.LogLevel, log.InfoLevel), opts...)
	default:
		logger = log.DevLogger(os.Stderr, parseLogLevel(config.LogLevel, log.DebugLevel), opts...)
	}
	log.ResetDefault(logger)
	return nil
}

// AttachLogFile mirrors the log output to a new file within dir. The returned
// func closes the file.
func AttachLogFile(dir string) (closeFn func(), err error) {
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	runID := uuid.New().String()
	name := filepath.Join(dir, fmt.Sprintf("eqpaint-%s-%s.log",
		time.Now().Format("20060102-150405"), runID[:8]))
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	fileLogger := log.New(f, parseLogLevel(config.LogLevel, log.InfoLevel),
		log.WithCaller(true), log.AddCallerSkip(1))
	log.ResetDefault(log.Tee(log.Default(), fileLogger).With(log.String("runId", runID)))
	log.Info("logging to file", log.String("file", name))
	return func() {
		//nolint:errcheck // best effort
		fileLogger.Sync()
		f.Close()
	}, nil
}

// LoadOptions reads the options file at path. If LogToFile is set, the log
// file is attached before the returned loader is created, so the messages of
// the loader reach the file as well. closeFn is never nil.
//
//nolint:whitespace // editor/linter issue
func LoadOptions(path, logDir string) (
	loader *options.Loader, opts *options.Options, closeFn func(),
) {
	closeFn = func() {}
	quiet := log.New(io.Discard, log.InfoLevel)
	first, err := options.NewLoader(path, options.WithLogger(quiet)).Load()
	if err != nil {
		log.Warn("using default options", log.String("file", path), log.ErrorField(err))
	}
	if first.LogToFile {
		fn, attachErr := AttachLogFile(logDir)
		if attachErr != nil {
			log.Warn("could not create log file", log.ErrorField(attachErr))
		} else {
			closeFn = fn
		}
	}
	loader = options.NewLoader(path, options.WithLogger(log.Default().Named("options")))
	if opts, err = loader.Load(); err != nil {
		log.Warn("using default options", log.String("file", path), log.ErrorField(err))
	}
	return loader, opts, closeFn
}

// OptionsPath returns the options file. Defaults to a file next to the paint
// folder.
func OptionsPath() string {
	if config.OptionsFile != "" {
		return config.OptionsFile
	}
	return filepath.Join(filepath.Dir(filepath.Clean(config.PaintDir)), options.DefaultFileName)
}

// NewSource creates the telemetry source selected by the source flag
func NewSource(ctx context.Context) (telemetry.Source, error) {
	switch config.Source {
	case "nats":
		waitForRequiredServices(ctx)
		src, err := natssource.Connect(config.NatsURL,
			natssource.WithPrefix(config.NatsSubject))
		if err != nil {
			return nil, err
		}
		return src, nil
	case "dir":
		return dirsource.New(config.WatchDir), nil
	default:
		return nil, fmt.Errorf("unknown source %q", config.Source)
	}
}

func waitForRequiredServices(ctx context.Context) {
	timeout := ParseDuration("wait-for-services", config.WaitForServices, 60*time.Second)
	natsAddr := utils.ExtractFromNatsURL(config.NatsURL)
	if natsAddr == "" {
		return
	}
	log.Debug("Waiting for connection checks to return")
	if err := utils.WaitForTCP(ctx, natsAddr, timeout); err != nil {
		// nats keeps trying to connect, the check only delays the start
		log.Warn("required services not ready", log.ErrorField(err))
		return
	}
	log.Debug("Required services are available")
}

// SetupGoRoutinesDump prints the stacks of all goroutines on SIGQUIT
func SetupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}
