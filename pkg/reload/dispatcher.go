// Package reload issues the reload requests to the simulator one after another
// with a short pause in between.
package reload

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/utils"
)

const DefaultDelay = 200 * time.Millisecond

type Reloader interface {
	RequestReload(ctx context.Context, mode model.ReloadMode, carIdx int) error
}

type (
	Dispatcher struct {
		reloader    Reloader
		delay       time.Duration
		onBatchDone func()
		l           *log.Logger

		mu    sync.Mutex
		queue []model.ReloadRequest
		wake  chan struct{}

		issued metric.Int64Counter
		failed metric.Int64Counter
	}
	Option func(*Dispatcher)
)

// WithDelay sets the pause before each request
func WithDelay(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.delay = d
	}
}

// WithBatchDoneHandler registers fn to be called when a batch sentinel is processed.
// All requests enqueued before the sentinel have been issued at that point.
func WithBatchDoneHandler(fn func()) Option {
	return func(disp *Dispatcher) {
		disp.onBatchDone = fn
	}
}

func WithLogger(l *log.Logger) Option {
	return func(disp *Dispatcher) {
		disp.l = l
	}
}

func NewDispatcher(reloader Reloader, opts ...Option) *Dispatcher {
	ret := &Dispatcher{
		reloader: reloader,
		delay:    DefaultDelay,
		l:        log.Default().Named("reload"),
		queue:    make([]model.ReloadRequest, 0),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.setupMetrics()
	return ret
}

func (d *Dispatcher) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("eqpaint.reload")
	var err error
	if d.issued, err = meter.Int64Counter("eqpaint.reload.issued",
		metric.WithDescription("Number of reload requests sent to the simulator"),
		metric.WithUnit("{request}")); err != nil {
		d.l.Error("failed to register metric", log.ErrorField(err))
	}
	if d.failed, err = meter.Int64Counter("eqpaint.reload.failed",
		metric.WithDescription("Number of failed reload requests"),
		metric.WithUnit("{request}")); err != nil {
		d.l.Error("failed to register metric", log.ErrorField(err))
	}
	if _, err = meter.Int64ObservableGauge("eqpaint.reload.pending",
		metric.WithDescription("Number of queued reload requests"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.Pending()))
			return nil
		})); err != nil {
		d.l.Error("failed to register metric", log.ErrorField(err))
	}
}

// Enqueue appends req to the queue. It never blocks.
func (d *Dispatcher) Enqueue(req model.ReloadRequest) {
	d.mu.Lock()
	d.queue = append(d.queue, req)
	n := len(d.queue)
	d.mu.Unlock()
	d.l.Debug("enqueued",
		log.String("kind", req.Kind.String()),
		log.Int("carIdx", req.CarIdx),
		log.Int("pending", n))
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of requests not yet completed
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) peek() (model.ReloadRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return model.ReloadRequest{}, false
	}
	return d.queue[0], true
}

func (d *Dispatcher) pop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue[0] = model.ReloadRequest{}
	d.queue = d.queue[1:]
}

// Run processes the queue until ctx is done. Only one Run may be active.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.l.Debug("dispatcher started", log.Duration("delay", d.delay))
	for {
		req, ok := d.peek()
		if !ok {
			select {
			case <-ctx.Done():
				d.l.Debug("dispatcher stopped", log.Int("pending", d.Pending()))
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}
		if err := utils.Sleep(ctx, d.delay); err != nil {
			d.l.Debug("dispatcher stopped", log.Int("pending", d.Pending()))
			return err
		}
		d.execute(ctx, req)
		d.pop()
	}
}

func (d *Dispatcher) execute(ctx context.Context, req model.ReloadRequest) {
	defer func() {
		if r := recover(); r != nil {
			d.l.Error("recovered from panic",
				log.Any("panic", r),
				log.String("stack", string(debug.Stack())))
		}
	}()
	switch req.Kind {
	case model.ReloadKindCar:
		err := d.reloader.RequestReload(ctx, model.ReloadModeCar, req.CarIdx)
		attrs := metric.WithAttributes(attribute.String("mode", model.ReloadModeCar.String()))
		if err != nil {
			if d.failed != nil {
				d.failed.Add(ctx, 1, attrs)
			}
			d.l.Warn("reload request failed",
				log.Int("carIdx", req.CarIdx),
				log.Int("userId", req.UserID),
				log.ErrorField(err))
			return
		}
		if d.issued != nil {
			d.issued.Add(ctx, 1, attrs)
		}
		d.l.Info("requested paint reload",
			log.Int("carIdx", req.CarIdx), log.Int("userId", req.UserID))
	case model.ReloadKindAll:
		d.l.Info("all reload requests of batch issued")
		if d.onBatchDone != nil {
			d.onBatchDone()
		}
	default:
		d.l.Error("unknown reload request", log.String("kind", req.Kind.String()))
	}
}
