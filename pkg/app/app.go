// Package app wires the telemetry source, the session tracker, the reload
// dispatcher and the key commands into the interactive loop.
package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/console"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/options"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/reload"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/session"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry"
)

var ErrSourceStopped = errors.New("telemetry source stopped")

type (
	App struct {
		source      telemetry.Source
		loader      *options.Loader
		watch       bool
		skipCleanup bool
		keysIn      io.Reader
		keysOut     io.Writer
		l           *log.Logger

		settleDelay    time.Duration
		reloadDelay    time.Duration
		perParticipant bool
		stager         session.Stager
		initial        *options.Options

		tracker    *session.Tracker
		dispatcher *reload.Dispatcher

		mu     sync.Mutex
		cancel context.CancelFunc
	}
	Option func(*App)
)

func WithOptions(o *options.Options) Option {
	return func(a *App) {
		a.initial = o
	}
}

// WithOptionsLoader enables the options reload key. If watch is set, the
// options are reloaded on every change of the file.
func WithOptionsLoader(loader *options.Loader, watch bool) Option {
	return func(a *App) {
		a.loader = loader
		a.watch = watch
	}
}

func WithSettleDelay(d time.Duration) Option {
	return func(a *App) {
		a.settleDelay = d
	}
}

func WithReloadDelay(d time.Duration) Option {
	return func(a *App) {
		a.reloadDelay = d
	}
}

func WithStager(s session.Stager, perParticipant bool) Option {
	return func(a *App) {
		a.stager = s
		a.perParticipant = perParticipant
	}
}

func WithSkipCleanup(skip bool) Option {
	return func(a *App) {
		a.skipCleanup = skip
	}
}

// WithKeys enables the key commands read from in. Messages for the user are
// written to out.
func WithKeys(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.keysIn = in
		a.keysOut = out
	}
}

func WithLogger(l *log.Logger) Option {
	return func(a *App) {
		a.l = l
	}
}

//nolint:whitespace // editor/linter issue
func New(
	source telemetry.Source, provisioner session.Provisioner, opts ...Option,
) *App {
	ret := &App{
		source:      source,
		settleDelay: session.DefaultSettleDelay,
		reloadDelay: reload.DefaultDelay,
		initial:     options.Defaults(),
		l:           log.Default().Named("app"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.dispatcher = reload.NewDispatcher(source,
		reload.WithDelay(ret.reloadDelay),
		reload.WithBatchDoneHandler(ret.batchDone))
	trackerOpts := []session.Option{
		session.WithOptions(ret.initial),
		session.WithSettleDelay(ret.settleDelay),
		session.WithPerParticipantStaging(ret.perParticipant),
	}
	if ret.stager != nil {
		trackerOpts = append(trackerOpts, session.WithStager(ret.stager))
	}
	ret.tracker = session.NewTracker(provisioner, ret.dispatcher, trackerOpts...)
	return ret
}

func (a *App) Tracker() *session.Tracker {
	return a.tracker
}

func (a *App) Dispatcher() *reload.Dispatcher {
	return a.dispatcher
}

// Run processes the simulator events until ctx is done, quit is requested or
// the last reload of a batch was issued while QuitAfterCopy is set.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	events, err := a.source.Start(ctx)
	if err != nil {
		return err
	}
	if a.loader != nil && a.watch {
		a.loader.Watch(ctx, a.tracker.SetOptions)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return a.handleEvents(gctx, events)
	})
	if a.keysIn != nil {
		out := a.keysOut
		if out == nil {
			out = io.Discard
		}
		monitor := console.NewMonitor(a.keysIn, console.Commands{
			Quit:          a.Quit,
			Rerun:         a.tracker.Rerun,
			ReloadOptions: a.reloadOptions,
		}, console.WithOutput(out))
		monitor.PrintHelp()
		g.Go(func() error {
			return monitor.Run(gctx)
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.shutdown()
	return err
}

// Quit stops a running App
func (a *App) Quit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *App) batchDone() {
	if !a.tracker.Options().QuitAfterCopy {
		return
	}
	a.l.Info("paints reloaded, quitting")
	a.Quit()
}

func (a *App) reloadOptions(_ context.Context) error {
	if a.loader == nil {
		return nil
	}
	o, err := a.loader.Load()
	a.tracker.SetOptions(o)
	return err
}

func (a *App) handleEvents(ctx context.Context, events <-chan telemetry.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSourceStopped
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *App) handle(ctx context.Context, ev telemetry.Event) {
	a.l.Debug("event received", log.String("type", ev.Type.String()))
	var err error
	switch ev.Type {
	case telemetry.EventConnected:
		err = a.tracker.OnConnected(ctx)
	case telemetry.EventDisconnected:
		err = a.tracker.OnDisconnected(ctx)
	case telemetry.EventSessionInfo:
		err = a.tracker.OnSessionInfoUpdate(ctx, ev.Session)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.l.Error("event handling failed",
			log.String("type", ev.Type.String()), log.ErrorField(err))
	}
}

func (a *App) shutdown() {
	if err := a.source.Close(); err != nil {
		a.l.Warn("closing telemetry source", log.ErrorField(err))
	}
	if a.skipCleanup {
		a.l.Info("skipping cleanup")
		return
	}
	// the run context is done at this point
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.tracker.Cleanup(ctx); err != nil {
		a.l.Warn("cleanup failed", log.ErrorField(err))
	}
}
