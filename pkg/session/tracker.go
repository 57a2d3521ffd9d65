// Package session tracks the connection to the simulator and the participants
// of the current session. New participants get their paints provisioned and a
// reload request is queued for them.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/options"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/paint"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/utils"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoSessionYet = errors.New("no session info received yet")
)

const DefaultSettleDelay = 2 * time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

type (
	Provisioner interface {
		Provision(ctx context.Context, d model.ParticipantDescriptor, plan paint.Plan) paint.Result
		RemoveWritten(keep ...int) (int, error)
	}
	Stager interface {
		Stage(carPath string, carSpecificHelmetSuit bool) error
	}
	Enqueuer interface {
		Enqueue(req model.ReloadRequest)
	}
)

type (
	Tracker struct {
		gate        *semaphore.Weighted
		cache       *Cache
		provisioner Provisioner
		stager      Stager
		reloads     Enqueuer
		opts        atomic.Pointer[options.Options]
		connected   atomic.Bool
		settleDelay time.Duration
		// stage random paints for every new participant instead of once per
		// connection and car. The spec map chance is rolled every pass.
		perParticipant bool
		rng            *rand.Rand
		l              *log.Logger

		// guarded by gate
		sessionID   int
		localCarIdx int
		localUserID int
		specMap     bool
		staged      map[string]struct{}
		latest      *model.SessionInfo

		provisioned metric.Int64Counter
		changes     metric.Int64Counter
	}
	Option func(*Tracker)
)

func WithSettleDelay(d time.Duration) Option {
	return func(t *Tracker) {
		t.settleDelay = d
	}
}

func WithStager(s Stager) Option {
	return func(t *Tracker) {
		t.stager = s
	}
}

func WithPerParticipantStaging(enabled bool) Option {
	return func(t *Tracker) {
		t.perParticipant = enabled
	}
}

func WithRand(r *rand.Rand) Option {
	return func(t *Tracker) {
		t.rng = r
	}
}

func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		t.l = l
	}
}

func WithOptions(o *options.Options) Option {
	return func(t *Tracker) {
		t.opts.Store(o)
	}
}

//nolint:whitespace // editor/linter issue
func NewTracker(
	provisioner Provisioner, reloads Enqueuer, opts ...Option,
) *Tracker {
	seed := uint64(time.Now().UnixNano())
	ret := &Tracker{
		gate:        semaphore.NewWeighted(1),
		provisioner: provisioner,
		reloads:     reloads,
		settleDelay: DefaultSettleDelay,
		rng:         rand.New(rand.NewPCG(seed, seed>>3)),
		l:           log.Default().Named("session"),
		sessionID:   model.NoSession,
		localCarIdx: -1,
		staged:      make(map[string]struct{}),
	}
	ret.opts.Store(options.Defaults())
	for _, opt := range opts {
		opt(ret)
	}
	ret.cache = NewCache(ret.l.Named("cache"))
	ret.rollSpecMap()
	ret.setupMetrics()
	return ret
}

func (t *Tracker) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("eqpaint.session")
	var err error
	if t.provisioned, err = meter.Int64Counter("eqpaint.session.provisioned",
		metric.WithDescription("Number of provisioned participants"),
		metric.WithUnit("{participant}")); err != nil {
		t.l.Error("failed to register metric", log.ErrorField(err))
	}
	if t.changes, err = meter.Int64Counter("eqpaint.session.changes",
		metric.WithDescription("Number of detected session changes"),
		metric.WithUnit("{session}")); err != nil {
		t.l.Error("failed to register metric", log.ErrorField(err))
	}
}

func (t *Tracker) Options() *options.Options {
	return t.opts.Load()
}

// SetOptions replaces the options used for the following updates
func (t *Tracker) SetOptions(o *options.Options) {
	if o == nil {
		return
	}
	t.opts.Store(o)
	t.l.Info("options updated", log.Any("options", o))
}

func (t *Tracker) State() State {
	if t.connected.Load() {
		return StateConnected
	}
	return StateDisconnected
}

func (t *Tracker) Cache() *Cache {
	return t.cache
}

// withGate runs fn while holding the single-flight gate. A panic in fn is
// logged and returned as error, the gate is released in any case.
func (t *Tracker) withGate(ctx context.Context, name string, fn func() error) (err error) {
	if err = t.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.gate.Release(1)
	defer func() {
		if r := recover(); r != nil {
			t.l.Error("recovered from panic",
				log.String("handler", name),
				log.Any("panic", r),
				log.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn()
}

func (t *Tracker) OnConnected(ctx context.Context) error {
	return t.withGate(ctx, "connected", func() error {
		t.connected.Store(true)
		if !t.perParticipant {
			t.rollSpecMap()
			t.staged = make(map[string]struct{})
		}
		t.l.Info("connected to simulator", log.Bool("specMap", t.specMap))
		return nil
	})
}

func (t *Tracker) OnDisconnected(ctx context.Context) error {
	return t.withGate(ctx, "disconnected", func() error {
		t.connected.Store(false)
		t.cache.Clear()
		t.sessionID = model.NoSession
		t.staged = make(map[string]struct{})
		t.l.Info("disconnected from simulator")
		t.cleanup()
		return nil
	})
}

// Cleanup removes the paints provisioned by this instance if configured.
// Used on shutdown.
func (t *Tracker) Cleanup(ctx context.Context) error {
	return t.withGate(ctx, "cleanup", func() error {
		t.cleanup()
		return nil
	})
}

func (t *Tracker) cleanup() {
	if !t.Options().DeletePaintsFolder {
		return
	}
	var keep []int
	if t.localUserID > 0 {
		keep = append(keep, t.localUserID)
	}
	if _, err := t.provisioner.RemoveWritten(keep...); err != nil {
		t.l.Warn("cleanup incomplete", log.ErrorField(err))
	}
}

// OnSessionInfoUpdate handles a new session info. Concurrent calls are
// serialized in arrival order. A changed session id clears the participant
// cache and waits for the settle delay before provisioning starts.
func (t *Tracker) OnSessionInfoUpdate(ctx context.Context, info *model.SessionInfo) error {
	if info == nil {
		return nil
	}
	if t.Options().OnlyRaces && !info.IsRace() {
		t.l.Debug("ignoring non race session",
			log.Int("sessionId", info.SessionID),
			log.String("eventType", info.EventType))
		return nil
	}
	return t.withGate(ctx, "sessionInfo", func() error {
		return t.process(ctx, info)
	})
}

// Rerun invalidates the current session and processes the latest session info
// again. Returns ErrNotConnected if there is no connection to the simulator.
func (t *Tracker) Rerun(ctx context.Context) error {
	return t.withGate(ctx, "rerun", func() error {
		if !t.connected.Load() {
			t.l.Info("rerun requested, but not connected")
			return ErrNotConnected
		}
		if t.latest == nil {
			return ErrNoSessionYet
		}
		t.l.Info("rerun requested")
		t.sessionID = model.NoSession
		t.rollSpecMap()
		t.staged = make(map[string]struct{})
		return t.process(ctx, t.latest)
	})
}

// process must be called with the gate held
func (t *Tracker) process(ctx context.Context, info *model.SessionInfo) error {
	t.latest = info
	t.localCarIdx = info.LocalCarIdx
	t.localUserID = info.LocalUserID

	if info.SessionID != t.sessionID {
		t.l.Info("new session",
			log.Int("sessionId", info.SessionID),
			log.Int("previous", t.sessionID),
			log.String("track", info.TrackName),
			log.String("eventType", info.EventType))
		t.sessionID = info.SessionID
		t.cache.Clear()
		if t.changes != nil {
			t.changes.Add(ctx, 1)
		}
		if err := utils.Sleep(ctx, t.settleDelay); err != nil {
			return err
		}
	}
	t.provisionPass(ctx, info.Participants)
	return nil
}

func (t *Tracker) provisionPass(ctx context.Context, participants []model.ParticipantDescriptor) {
	o := t.Options()
	if t.perParticipant {
		t.rollSpecMap()
	}
	plan := paint.Plan{
		SpecMap:               t.specMap,
		Numbers:               o.CopyNumbers,
		Decals:                o.CopyDecals,
		HelmetSuit:            o.CopyHelmetSuit,
		CarSpecificHelmetSuit: o.CarSpecificHelmetSuit,
		ReadOnly:              o.ReadOnlyPaints,
		Random:                o.RandomMode && t.stager != nil,
	}
	eligible := lo.Filter(participants, func(d model.ParticipantDescriptor, _ int) bool {
		return d.IsParticipant() && d.CarIdx != t.localCarIdx
	})
	added := 0
	for _, d := range eligible {
		if !t.cache.ShouldProvision(d) {
			continue
		}
		if !t.provisionOne(ctx, d, plan) {
			// retried with the next session info
			t.cache.Forget(d.UserID)
			continue
		}
		t.reloads.Enqueue(model.CarReload(d))
		added++
	}
	if added > 0 {
		t.reloads.Enqueue(model.BatchDone())
	}
}

// provisionOne returns false if provisioning d panicked
//
//nolint:whitespace // editor/linter issue
func (t *Tracker) provisionOne(
	ctx context.Context, d model.ParticipantDescriptor, plan paint.Plan,
) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.l.Error("provisioning participant panicked",
				log.Int("userId", d.UserID),
				log.Int("carIdx", d.CarIdx),
				log.Any("panic", r),
				log.String("stack", string(debug.Stack())))
			ok = false
		}
	}()
	if plan.Random {
		t.stage(d.CarPath, plan.CarSpecificHelmetSuit)
	}
	res := t.provisioner.Provision(ctx, d, plan)
	t.l.Info("provisioned participant",
		log.Int("userId", d.UserID),
		log.Int("carIdx", d.CarIdx),
		log.String("carPath", d.CarPath),
		log.Int("copied", len(res.Copied)),
		log.Int("missing", len(res.Missing)),
		log.Int("failed", len(res.Failed)))
	if t.provisioned != nil {
		t.provisioned.Add(ctx, 1)
	}
	return true
}

func (t *Tracker) stage(carPath string, carSpecificHelmetSuit bool) {
	if !t.perParticipant {
		if _, ok := t.staged[carPath]; ok {
			return
		}
	}
	if err := t.stager.Stage(carPath, carSpecificHelmetSuit); err != nil {
		t.l.Warn("staging random paints incomplete",
			log.String("carPath", carPath), log.ErrorField(err))
	}
	t.staged[carPath] = struct{}{}
}

func (t *Tracker) rollSpecMap() {
	t.specMap = t.rng.IntN(100) < t.Options().SpecMapChance()
}
