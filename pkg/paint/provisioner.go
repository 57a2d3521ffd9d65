// Package paint provisions participant specific paint files from the common
// paints of a car and removes them again.
package paint

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
)

// Plan controls which paints are copied for a participant
type Plan struct {
	SpecMap               bool
	Numbers               bool
	Decals                bool
	HelmetSuit            bool
	CarSpecificHelmetSuit bool
	ReadOnly              bool
	Random                bool // copy from the staged random picks
}

func (p Plan) assets() []asset {
	ret := []asset{assetCar}
	if p.SpecMap {
		ret = append(ret, assetSpec)
	}
	if p.Numbers {
		ret = append(ret, assetNumber)
	}
	if p.Decals {
		ret = append(ret, assetDecal)
	}
	if p.HelmetSuit {
		ret = append(ret, assetHelmet, assetSuit)
	}
	return ret
}

type Result struct {
	Copied  []Category
	Missing []Category
	Failed  []Category
}

type (
	Provisioner struct {
		layout  Layout
		l       *log.Logger
		mu      sync.Mutex
		written map[string]struct{}
		copied  metric.Int64Counter
		failed  metric.Int64Counter
	}
	ProvisionerOption func(*Provisioner)
)

func WithLogger(l *log.Logger) ProvisionerOption {
	return func(p *Provisioner) {
		p.l = l
	}
}

func NewProvisioner(layout Layout, opts ...ProvisionerOption) *Provisioner {
	ret := &Provisioner{
		layout:  layout,
		l:       log.Default().Named("paint"),
		written: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.setupMetrics()
	return ret
}

func (p *Provisioner) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("eqpaint.paint")
	var err error
	if p.copied, err = meter.Int64Counter("eqpaint.paint.copied",
		metric.WithDescription("Number of provisioned paint files"),
		metric.WithUnit("{file}")); err != nil {
		p.l.Error("failed to register metric", log.ErrorField(err))
	}
	if p.failed, err = meter.Int64Counter("eqpaint.paint.failed",
		metric.WithDescription("Number of paint files that could not be provisioned"),
		metric.WithUnit("{file}")); err != nil {
		p.l.Error("failed to register metric", log.ErrorField(err))
	}
}

// Provision copies the common paints of the participant's car into participant
// specific files. Errors are logged per file, remaining files are still copied.
//
//nolint:whitespace // editor/linter issue
func (p *Provisioner) Provision(
	ctx context.Context, d model.ParticipantDescriptor, plan Plan,
) Result {
	res := Result{}
	for _, a := range plan.assets() {
		src := p.layout.source(a, d.CarPath, plan)
		dst := p.layout.target(a, d.CarPath, d.UserID)
		attrs := metric.WithAttributes(attribute.String("category", string(a.cat)))
		err := copyFile(src, dst, plan.ReadOnly)
		switch {
		case err == nil:
			res.Copied = append(res.Copied, a.cat)
			p.remember(dst)
			p.add(ctx, p.copied, attrs)
			p.l.Debug("copied paint",
				log.Int("userId", d.UserID),
				log.String("category", string(a.cat)),
				log.String("target", dst))
		case errors.Is(err, ErrSourceMissing):
			res.Missing = append(res.Missing, a.cat)
			p.l.Debug("common paint does not exist",
				log.String("category", string(a.cat)),
				log.String("source", src))
		default:
			res.Failed = append(res.Failed, a.cat)
			p.add(ctx, p.failed, attrs)
			p.l.Error("could not copy paint",
				log.String("reason", describe(err)),
				log.Int("userId", d.UserID),
				log.String("source", src),
				log.String("target", dst),
				log.ErrorField(err))
		}
	}
	return res
}

func (p *Provisioner) add(ctx context.Context, c metric.Int64Counter, o metric.AddOption) {
	if c != nil {
		c.Add(ctx, 1, o)
	}
}

func (p *Provisioner) remember(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written[path] = struct{}{}
}

// Written returns all files provisioned by this instance so far
func (p *Provisioner) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]string, 0, len(p.written))
	for k := range p.written {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

func (p *Provisioner) forget(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.written, path)
}
